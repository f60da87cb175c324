package handlers

import (
	"net/http"
	"strconv"

	"clipfactory/internal/apperr"
	"clipfactory/internal/ingestion"
	"clipfactory/internal/models"
	"clipfactory/internal/storage"

	"github.com/labstack/echo/v4"
)

// VideoHandler はビデオ登録・取り込みAPIのハンドラー
type VideoHandler struct {
	videos   *storage.VideoRepository
	chunks   *storage.ChunkRepository
	ingester *ingestion.Ingester
}

// NewVideoHandler は新しいVideoHandlerを作成
func NewVideoHandler(videos *storage.VideoRepository, chunks *storage.ChunkRepository, ingester *ingestion.Ingester) *VideoHandler {
	return &VideoHandler{videos: videos, chunks: chunks, ingester: ingester}
}

// List はビデオ一覧を取得
func (h *VideoHandler) List(c echo.Context) error {
	videos, err := h.videos.List(c.Request().Context(), c.QueryParam("channel_id"), queryLimit(c, 50))
	if err != nil {
		return respondError(c, err)
	}
	if videos == nil {
		videos = []models.Video{}
	}
	return c.JSON(http.StatusOK, videos)
}

// Get はビデオを取得
func (h *VideoHandler) Get(c echo.Context) error {
	id := c.Param("id")
	v, err := h.videos.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	if v == nil {
		return respondError(c, apperr.NotFound("video", id))
	}
	return c.JSON(http.StatusOK, v)
}

// Chunks はビデオのチャンク一覧を取得
func (h *VideoHandler) Chunks(c echo.Context) error {
	chunks, err := h.chunks.ListByVideo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	return c.JSON(http.StatusOK, chunks)
}

// CreateVideoRequest registers a video whose chunks are cut elsewhere
type CreateVideoRequest struct {
	ChannelID   string  `json:"channel_id"`
	Title       string  `json:"title"`
	DurationSec float64 `json:"duration_sec" validate:"gte=0"`
	SourcePath  string  `json:"source_path"`
}

// Create はビデオを登録
func (h *VideoHandler) Create(c echo.Context) error {
	var req CreateVideoRequest
	if err := bind(c, &req); err != nil {
		return respondBindError(c, err)
	}
	v := &models.Video{
		ChannelID:   req.ChannelID,
		Title:       req.Title,
		DurationSec: req.DurationSec,
		SourcePath:  req.SourcePath,
	}
	if err := h.ingester.CreateVideo(c.Request().Context(), v); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

// RegisterChunksRequest carries externally cut chunk tuples
type RegisterChunksRequest struct {
	Chunks  []ingestion.ChunkInput `json:"chunks" validate:"required,min=1,dive"`
	Enqueue bool                   `json:"enqueue"`
}

// RegisterChunks は外部で切り出したチャンクを登録
func (h *VideoHandler) RegisterChunks(c echo.Context) error {
	var req RegisterChunksRequest
	if err := bind(c, &req); err != nil {
		return respondBindError(c, err)
	}
	res, err := h.ingester.RegisterChunks(c.Request().Context(), c.Param("id"), req.Chunks, req.Enqueue, userID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Ingest は音声ファイルを取り込んでチャンクに分割
// POST /api/ingest (JSON with source_path, or multipart with a "file" field)
func (h *VideoHandler) Ingest(c echo.Context) error {
	opts, err := h.ingestOptions(c)
	if err != nil {
		return respondBindError(c, err)
	}
	opts.Actor = userID(c)

	res, err := h.ingester.Ingest(c.Request().Context(), *opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *VideoHandler) ingestOptions(c echo.Context) (*ingestion.Options, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		var opts ingestion.Options
		if err := bind(c, &opts); err != nil {
			return nil, err
		}
		return &opts, nil
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "failed to open upload")
	}
	defer f.Close()
	path, err := h.ingester.SaveUpload(fh.Filename, f)
	if err != nil {
		return nil, err
	}

	opts := &ingestion.Options{
		SourcePath: path,
		ChannelID:  c.FormValue("channel_id"),
		Title:      c.FormValue("title"),
	}
	if v := c.FormValue("duration_sec"); v != "" {
		if opts.Duration, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, apperr.New(apperr.KindInvalidInput, "invalid duration_sec %q", v)
		}
	}
	opts.Denoise, _ = strconv.ParseBool(c.FormValue("denoise"))
	opts.Enqueue, _ = strconv.ParseBool(c.FormValue("enqueue"))
	return opts, nil
}

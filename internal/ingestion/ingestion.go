package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"clipfactory/internal/apperr"
	"clipfactory/internal/media"
	"clipfactory/internal/models"
	"clipfactory/internal/queue"
	"clipfactory/internal/segmenter"
	"clipfactory/internal/storage"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Slicer probes and cuts source audio.
type Slicer interface {
	Duration(ctx context.Context, path string) (float64, error)
	CutWindow(ctx context.Context, in, out string, start, dur float64, denoise bool) error
}

// Ingester turns source audio into a video and its chunks
type Ingester struct {
	videos  *storage.VideoRepository
	chunks  *storage.ChunkRepository
	queue   *queue.Queue
	slicer  Slicer
	dataDir string
	window  float64
	overlap float64
	log     *logrus.Entry
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithWindow overrides the chunk window and overlap in seconds.
func WithWindow(window, overlap float64) Option {
	return func(i *Ingester) {
		i.window, i.overlap = window, overlap
	}
}

// WithQueue enables Options.Enqueue.
func WithQueue(q *queue.Queue) Option {
	return func(i *Ingester) { i.queue = q }
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(i *Ingester) { i.log = log }
}

// NewIngester creates a new Ingester
func NewIngester(videos *storage.VideoRepository, chunks *storage.ChunkRepository, slicer Slicer, dataDir string, opts ...Option) *Ingester {
	i := &Ingester{
		videos:  videos,
		chunks:  chunks,
		slicer:  slicer,
		dataDir: dataDir,
		window:  segmenter.DefaultWindow,
		overlap: segmenter.DefaultOverlap,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.log = i.log.WithField("component", "ingestion")
	return i
}

// Options describes one source to ingest
type Options struct {
	SourcePath string  `json:"source_path" validate:"required"`
	ChannelID  string  `json:"channel_id"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration_sec" validate:"gte=0"` // 0 means probe the file
	Denoise    bool    `json:"denoise"`
	Enqueue    bool    `json:"enqueue"`
	Actor      string  `json:"-"`
}

// Result is the outcome of an ingest
type Result struct {
	Video  *models.Video         `json:"video"`
	Chunks []models.Chunk        `json:"chunks"`
	Jobs   []queue.EnqueueResult `json:"jobs,omitempty"`
}

// SaveUpload stores an uploaded file under DATA_DIR/sources and returns its path.
func (i *Ingester) SaveUpload(filename string, r io.Reader) (string, error) {
	if !media.IsSupportedFormat(filename) {
		return "", apperr.New(apperr.KindInvalidInput, "unsupported audio format: %s", filename)
	}
	dir := filepath.Join(i.dataDir, "sources", uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create source directory: %w", err)
	}

	destPath := filepath.Join(dir, filepath.Base(filename))
	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	_, err = io.Copy(dest, r)
	dest.Close()
	if err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return destPath, nil
}

// Ingest registers a video, cuts it into overlapping chunk windows and
// records the chunks. With Enqueue set the chunks are queued for transcription.
func (i *Ingester) Ingest(ctx context.Context, opts Options) (*Result, error) {
	if opts.SourcePath == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "source path is required")
	}
	if !media.IsSupportedFormat(opts.SourcePath) {
		return nil, apperr.New(apperr.KindInvalidInput, "unsupported audio format: %s", opts.SourcePath)
	}
	if _, err := os.Stat(opts.SourcePath); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "source not readable")
	}
	if opts.Enqueue && i.queue == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "enqueue requested but no queue configured")
	}

	duration := opts.Duration
	if duration <= 0 {
		d, err := i.slicer.Duration(ctx, opts.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("failed to probe duration: %w", err)
		}
		duration = d
	}
	windows, err := segmenter.Plan(duration, i.window, i.overlap)
	if err != nil {
		return nil, err
	}

	title := opts.Title
	if title == "" {
		title = filepath.Base(opts.SourcePath)
	}
	video := &models.Video{
		ChannelID:   opts.ChannelID,
		Title:       title,
		DurationSec: duration,
		SourcePath:  opts.SourcePath,
	}
	if err := i.videos.Create(ctx, video); err != nil {
		return nil, err
	}
	log := i.log.WithFields(logrus.Fields{"video_id": video.ID, "chunks": len(windows)})

	chunks, err := i.cut(ctx, video, windows, opts.Denoise)
	if err != nil {
		if uerr := i.videos.UpdateStatus(ctx, video.ID, models.VideoStatusFailed); uerr != nil {
			log.WithError(uerr).Warn("failed to mark video failed")
		}
		return nil, err
	}
	if err := i.chunks.CreateBatch(ctx, video.ID, chunks); err != nil {
		return nil, err
	}
	video.Status = models.VideoStatusChunked
	log.Info("video ingested")

	return i.finish(ctx, video, opts.Enqueue, opts.Actor)
}

func (i *Ingester) cut(ctx context.Context, video *models.Video, windows []segmenter.Window, denoise bool) ([]*models.Chunk, error) {
	dir := filepath.Join(i.dataDir, "chunks", video.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	chunks := make([]*models.Chunk, 0, len(windows))
	for _, w := range windows {
		out := filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", w.Index))
		if err := i.slicer.CutWindow(ctx, video.SourcePath, out, w.Start, w.Duration(), denoise); err != nil {
			return nil, fmt.Errorf("failed to cut chunk %d: %w", w.Index, err)
		}
		chunks = append(chunks, &models.Chunk{
			Index:       w.Index,
			StartOffset: w.Start,
			EndOffset:   w.End,
			AudioPath:   out,
			Denoise:     denoise,
		})
	}
	return chunks, nil
}

func (i *Ingester) finish(ctx context.Context, video *models.Video, enqueue bool, actor string) (*Result, error) {
	list, err := i.chunks.ListByVideo(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	res := &Result{Video: video, Chunks: list}
	if !enqueue {
		return res, nil
	}
	if actor == "" {
		actor = "ingest"
	}
	ids := make([]string, len(list))
	for n, c := range list {
		ids[n] = c.ID
	}
	res.Jobs = i.queue.EnqueueMany(ctx, ids, actor)
	return res, nil
}

// ChunkInput is an externally cut chunk
type ChunkInput struct {
	Index       int     `json:"chunk_index" validate:"gte=0"`
	AudioPath   string  `json:"audio_path" validate:"required"`
	StartOffset float64 `json:"start_offset" validate:"gte=0"`
	EndOffset   float64 `json:"end_offset" validate:"gtfield=StartOffset"`
	Denoise     bool    `json:"denoise"`
}

// RegisterChunks records chunks cut outside the system for an existing
// video. Indexes must run from 0 with no gaps in time, seams no wider
// than the configured overlap, and the last chunk must end with the video
// when its duration is known.
func (i *Ingester) RegisterChunks(ctx context.Context, videoID string, inputs []ChunkInput, enqueue bool, actor string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "no chunks provided")
	}
	if enqueue && i.queue == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "enqueue requested but no queue configured")
	}
	video, err := i.videos.GetByID(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, apperr.NotFound("video", videoID)
	}

	sorted := append([]ChunkInput(nil), inputs...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Index < sorted[b].Index })

	windows := make([]segmenter.Window, len(sorted))
	chunks := make([]*models.Chunk, len(sorted))
	for n, in := range sorted {
		if in.AudioPath == "" {
			return nil, apperr.New(apperr.KindInvalidInput, "chunk %d has no audio path", in.Index)
		}
		windows[n] = segmenter.Window{Index: in.Index, Start: in.StartOffset, End: in.EndOffset}
		chunks[n] = &models.Chunk{
			Index:       in.Index,
			StartOffset: in.StartOffset,
			EndOffset:   in.EndOffset,
			AudioPath:   in.AudioPath,
			Denoise:     in.Denoise,
		}
	}
	if err := segmenter.Validate(windows, i.overlap); err != nil {
		return nil, err
	}
	if video.DurationSec > 0 {
		if err := segmenter.Covers(windows, video.DurationSec); err != nil {
			return nil, err
		}
	}

	if err := i.chunks.CreateBatch(ctx, video.ID, chunks); err != nil {
		return nil, err
	}
	i.log.WithFields(logrus.Fields{"video_id": video.ID, "chunks": len(chunks)}).Info("chunks registered")

	fresh, err := i.videos.GetByID(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	return i.finish(ctx, fresh, enqueue, actor)
}

// CreateVideo records a video whose chunks will be registered separately.
func (i *Ingester) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.DurationSec < 0 {
		return apperr.New(apperr.KindInvalidInput, "duration must not be negative")
	}
	return i.videos.Create(ctx, v)
}

package handlers

import (
	"net/http"

	"clipfactory/internal/export"

	"github.com/labstack/echo/v4"
)

// ExportHandler はデータセット書き出しAPIのハンドラー
type ExportHandler struct {
	assembler *export.Assembler
}

// NewExportHandler は新しいExportHandlerを作成
func NewExportHandler(a *export.Assembler) *ExportHandler {
	return &ExportHandler{assembler: a}
}

// Preview は書き出し内容を副作用なしで確認
// GET /api/export/preview?channel_id=&video_id=
func (h *ExportHandler) Preview(c echo.Context) error {
	var scope export.Scope
	if err := bind(c, &scope); err != nil {
		return respondBindError(c, err)
	}
	plan, err := h.assembler.Preview(c.Request().Context(), scope)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

// Run はクリップとマニフェストを書き出す
func (h *ExportHandler) Run(c echo.Context) error {
	var scope export.Scope
	if err := bind(c, &scope); err != nil {
		return respondBindError(c, err)
	}
	res, err := h.assembler.Run(c.Request().Context(), scope)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

package handlers

import (
	"net/http"
	"time"

	"clipfactory/internal/keypool"

	"github.com/labstack/echo/v4"
)

// PauseReporter reports whether transcription is paused for lack of keys.
type PauseReporter interface {
	Paused() (time.Time, bool)
}

// KeyHandler はAPIキー状態のハンドラー
type KeyHandler struct {
	keys   *keypool.Manager
	pauser PauseReporter
}

// NewKeyHandler は新しいKeyHandlerを作成
func NewKeyHandler(keys *keypool.Manager, pauser PauseReporter) *KeyHandler {
	return &KeyHandler{keys: keys, pauser: pauser}
}

// List はキーの使用状況を取得（シークレットは含まない）
func (h *KeyHandler) List(c echo.Context) error {
	resp := map[string]any{
		"primary_tier": h.keys.PrimaryTier(),
		"keys":         h.keys.Snapshot(),
	}
	if h.pauser != nil {
		if until, paused := h.pauser.Paused(); paused {
			resp["paused_until"] = until
		}
	}
	return c.JSON(http.StatusOK, resp)
}

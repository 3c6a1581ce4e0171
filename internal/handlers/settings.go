package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
)

type SettingsHandler struct {
	cfg    *config.Manager
	logger *slog.Logger
}

func NewSettingsHandler(cfg *config.Manager, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{cfg: cfg, logger: logger}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Get())
}

func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, h.logger, apperr.New(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"malformed settings document"))
		return
	}

	if err := h.cfg.Save(&cfg); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Get())
}

package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hollisdev/subledger/internal/store"
)

// SettingsHandler exposes the global validation settings shared with the
// client app.
type SettingsHandler struct {
	settings *store.SettingsStore
	logger   *slog.Logger
}

func NewSettingsHandler(settings *store.SettingsStore, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, logger: logger}
}

func (h *SettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get()
	if err != nil {
		h.logger.Error("load settings", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	ValidationEnabled bool    `json:"subscription_validation_enabled"`
	LandingPageURL    *string `json:"subscription_landing_page_url"`
}

func (h *SettingsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	if req.LandingPageURL != nil && *req.LandingPageURL != "" {
		u, err := url.Parse(*req.LandingPageURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeResult(w, http.StatusBadRequest, errors.New("landing page URL must be an absolute http(s) URL"))
			return
		}
	}

	if err := h.settings.Update(req.ValidationEnabled, req.LandingPageURL); err != nil {
		h.logger.Error("update settings", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("settings updated", "validation_enabled", req.ValidationEnabled)
	settings, err := h.settings.Get()
	if err != nil {
		writeResult(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

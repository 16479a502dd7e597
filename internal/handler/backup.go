package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/backup"
)

// BackupRunner is the slice of the backup manager the handler uses.
type BackupRunner interface {
	Enabled() bool
	Status() backup.Status
	RunNow(ctx context.Context) (int64, error)
}

// BackupHandler exposes backup status and an on-demand trigger to the
// operator API.
type BackupHandler struct {
	manager BackupRunner
	logger  *slog.Logger
}

func NewBackupHandler(manager BackupRunner, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{manager: manager, logger: logger}
}

func (h *BackupHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

func (h *BackupHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Enabled() {
		writeResult(w, http.StatusServiceUnavailable, errors.New("backups not configured"))
		return
	}
	size, err := h.manager.RunNow(r.Context())
	if err != nil {
		h.logger.Error("manual backup", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "size_bytes": size})
}

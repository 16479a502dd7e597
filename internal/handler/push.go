package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/push"
	"github.com/hollisdev/subledger/internal/store"
)

// PushHandler manages browser push subscriptions for operator alerts.
type PushHandler struct {
	svc    *push.Service
	subs   *store.PushStore
	logger *slog.Logger
}

func NewPushHandler(svc *push.Service, subs *store.PushStore, logger *slog.Logger) *PushHandler {
	return &PushHandler{svc: svc, subs: subs, logger: logger}
}

func (h *PushHandler) HandleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Configured() {
		writeResult(w, http.StatusServiceUnavailable, errors.New("push notifications not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.svc.VAPIDPublicKey()})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeResult(w, http.StatusBadRequest, errors.New("endpoint and keys are required"))
		return
	}

	if _, err := h.subs.Subscribe(req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		h.logger.Error("save push subscription", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeResult(w, http.StatusCreated, nil)
}

func (h *PushHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeResult(w, http.StatusBadRequest, errors.New("endpoint is required"))
		return
	}
	if err := h.subs.DeleteByEndpoint(req.Endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hollisdev/subledger/internal/monitor"
)

const (
	defaultSummaryDays = 7
	maxSummaryDays     = 90
)

// MonitoringHandler serves the operator dashboard's read-only views over
// the event log.
type MonitoringHandler struct {
	agg    *monitor.Aggregator
	logger *slog.Logger
}

func NewMonitoringHandler(agg *monitor.Aggregator, logger *slog.Logger) *MonitoringHandler {
	return &MonitoringHandler{agg: agg, logger: logger}
}

func daysParam(r *http.Request) int {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		return defaultSummaryDays
	}
	if days > maxSummaryDays {
		return maxSummaryDays
	}
	return days
}

func (h *MonitoringHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.agg.Summary(daysParam(r))
	if err != nil {
		h.logger.Error("build summary", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *MonitoringHandler) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.agg.Timeline(daysParam(r))
	if err != nil {
		h.logger.Error("build timeline", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *MonitoringHandler) HandleRecentFailures(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	failures, err := h.agg.RecentFailures(limit)
	if err != nil {
		h.logger.Error("list recent failures", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (h *MonitoringHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.agg.Alerts()
	if err != nil {
		h.logger.Error("evaluate alerts", "error", err)
		writeResult(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/seznam/request-monitor/pkg/alerting"
	"github.com/seznam/request-monitor/pkg/bucket_aggregator"
	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/event_filter"
	"github.com/seznam/request-monitor/pkg/stats"
)

type statsResponse struct {
	Stats          stats.Stats     `json:"stats"`
	Breakdown      stats.Breakdown `json:"breakdown"`
	WindowLength   int             `json:"windowLength"`
	WindowCapacity int             `json:"windowCapacity"`
}

type logsResponse struct {
	Events    []*event.Request `json:"events"`
	Active    bool             `json:"active"`
	NoMatches bool             `json:"noMatches"`
	Total     int              `json:"total"`
}

type chartResponse struct {
	Granularity string                     `json:"granularity"`
	Buckets     []bucket_aggregator.Bucket `json:"buckets"`
}

type alertToggleRequest struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled"`
}

func (d *Dashboard) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		d.logger.Errorf("failed to write response: %v", err)
	}
}

func (d *Dashboard) writeError(w http.ResponseWriter, status int, err error) {
	d.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (d *Dashboard) handleStats(w http.ResponseWriter, _ *http.Request) {
	view := d.monitor.View()
	d.writeJSON(w, http.StatusOK, statsResponse{
		Stats:          view.Stats,
		Breakdown:      view.Breakdown,
		WindowLength:   view.WindowLength,
		WindowCapacity: view.WindowCapacity,
	})
}

func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := d.defaultLogsLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			d.writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer, got %q", rawLimit))
			return
		}
		limit = parsed
	}
	filtered := d.monitor.View().Filtered
	events := filtered.Events
	if len(events) > limit {
		events = events[:limit]
	}
	d.writeJSON(w, http.StatusOK, logsResponse{
		Events:    events,
		Active:    filtered.Active,
		NoMatches: filtered.NoMatches,
		Total:     len(filtered.Events),
	})
}

func (d *Dashboard) handleChart(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, chartResponse{
		Granularity: d.monitor.aggregator.Granularity().String(),
		Buckets:     d.monitor.View().Chart,
	})
}

func (d *Dashboard) handleView(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.monitor.View())
}

func (d *Dashboard) handleGetFilters(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.monitor.View().Criteria)
}

func (d *Dashboard) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var criteria event_filter.Criteria
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&criteria); err != nil {
		d.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid filter criteria: %w", err))
		return
	}
	view, err := d.monitor.SetCriteria(criteria)
	if err != nil {
		d.writeError(w, http.StatusBadRequest, err)
		return
	}
	d.logger.WithField("criteria", criteria).Info("filter criteria changed")
	d.writeJSON(w, http.StatusOK, view.Criteria)
}

func (d *Dashboard) handleClearFilters(w http.ResponseWriter, _ *http.Request) {
	view := d.monitor.ClearCriteria()
	d.logger.Info("filter criteria cleared")
	d.writeJSON(w, http.StatusOK, view.Criteria)
}

func (d *Dashboard) handleGetAlerts(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, http.StatusOK, d.monitor.View().Alerts)
}

func (d *Dashboard) handleToggleAlert(w http.ResponseWriter, r *http.Request) {
	var req alertToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Enabled == nil {
		d.writeError(w, http.StatusBadRequest, errors.New(`request body must be JSON object {"name": "<alert>", "enabled": true|false}`))
		return
	}
	view, err := d.monitor.SetAlertEnabled(req.Name, *req.Enabled)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, alerting.ErrUnknownRule) {
			status = http.StatusNotFound
		}
		d.writeError(w, status, err)
		return
	}
	d.writeJSON(w, http.StatusOK, view.Alerts)
}

func (d *Dashboard) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	d.hub.ServeWS(w, r, d.monitor.View)
}

func (d *Dashboard) RegisterInMux(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", d.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/logs", d.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/chart", d.handleChart).Methods(http.MethodGet)
	api.HandleFunc("/view", d.handleView).Methods(http.MethodGet)
	api.HandleFunc("/filters", d.handleGetFilters).Methods(http.MethodGet)
	api.HandleFunc("/filters", d.handleSetFilters).Methods(http.MethodPut)
	api.HandleFunc("/filters", d.handleClearFilters).Methods(http.MethodDelete)
	api.HandleFunc("/alerts", d.handleGetAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts", d.handleToggleAlert).Methods(http.MethodPost)
	router.HandleFunc("/ws", d.handleWebsocket).Methods(http.MethodGet)
}

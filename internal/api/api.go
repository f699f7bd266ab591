// Package api exposes the scanner's read-only introspection surface
// over HTTP: status, latest metrics, active and historical violations,
// acknowledgements, an SSE alert stream, and Prometheus metrics.
// There is deliberately no authentication layer.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelhq/sentinel/internal/scan"
)

// API holds the handlers' dependencies.
type API struct {
	scanner *scan.Scanner
}

// New creates the API around a scanner.
func New(s *scan.Scanner) *API {
	return &API{scanner: s}
}

// Router builds the chi router with all routes attached.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/metricsdata", a.handleMetricsData)
		r.Get("/metricsdata/{source}", a.handleMetricsBySource)
		r.Get("/alerts/active", a.handleActiveAlerts)
		r.Get("/alerts/history", a.handleHistory)
		r.Post("/alerts/{id}/ack", a.handleAcknowledge)
		r.Get("/stream/alerts", a.handleStreamAlerts)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.scanner.Metrics().Registry(), promhttp.HandlerOpts{}))
	return r
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var lastScan string
	if t, ok := a.scanner.LastScanTime(); ok {
		lastScan = t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, map[string]any{
		"status":         a.scanner.Status(),
		"running":        a.scanner.IsRunning(),
		"uptime_seconds": a.scanner.Uptime(),
		"last_scan_time": lastScan,
		"datasources":    a.scanner.Datasources(),
		"metric_count":   a.scanner.MetricCount(),
	})
}

func (a *API) handleMetricsData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.scanner.LatestMetrics())
}

func (a *API) handleMetricsBySource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	md, ok := a.scanner.MetricsBySource(name)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, md)
}

func (a *API) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.scanner.ActiveAlerts())
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, a.scanner.History(limit))
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.scanner.Acknowledge(id) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"acknowledged": true, "violation_id": id})
}

// handleStreamAlerts serves violations as server-sent events until the
// client disconnects or the scanner stops.
func (a *API) handleStreamAlerts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for v := range a.scanner.StreamAlerts(r.Context()) {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: violation\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

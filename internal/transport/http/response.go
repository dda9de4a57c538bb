package transporthttp

import (
	"encoding/json"
	"net/http"
)

// Error bodies the website client matches on.
const (
	msgInvalidContact   = "Invalid contact payload"
	msgContactThrottled = "Too many requests, try again later."
	msgContactStorage   = "Database error"
	msgInvalidMetric    = "Invalid metric payload"
	msgMetricsThrottled = "Too many metric events, try again later."
	msgMetricsStorage   = "Metrics storage error"
	msgOriginNotAllowed = "Origin not allowed"
	msgUnsupportedMedia = "Unsupported media type"
	msgInternal         = "Internal server error"
	msgNotFound         = "Not found"
	msgMethodNotAllowed = "Method not allowed"
	msgServiceNotReady  = "Database unavailable"
)

type errorBody struct {
	Error string `json:"error"`
}

type contactAccepted struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}

type metricAccepted struct {
	Accepted bool `json:"accepted"`
	Deduped  bool `json:"deduped,omitempty"`
}

type statusBody struct {
	Status string `json:"status"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

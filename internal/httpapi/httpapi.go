// Package httpapi is talond's management surface: REST handlers over
// the stream manager and the agent supervisor, plus live event feeds
// over SSE and WebSocket. Handlers register themselves on a plain
// ServeMux; the caller picks the mux and wraps it with Auth when
// bearer tokens are enabled.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/talonhq/talon/internal/faults"
)

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the failure kind onto an HTTP status and emits the
// error body.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": sanitizeErr(err.Error())})
}

func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindDuplicate:
		return http.StatusConflict
	case faults.KindRateLimited:
		return http.StatusTooManyRequests
	case faults.KindPoolTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/errors"
)

// statusClientClosedRequest mirrors nginx's non-standard code for
// requests the client abandoned.
const statusClientClosedRequest = 499

// Problem is the RFC 7807 error envelope. Every non-2xx JSON response
// uses it.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	p := Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Error().Err(err).Msg("Failed to encode problem response")
	}
}

// writeError maps a domain error onto the problem envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := statusFor(err)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internals are logged, not leaked.
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		detail = "An unexpected error occurred"
	}
	writeProblem(w, r, status, title, detail)
}

func statusFor(err error) (int, string) {
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest, "Invalid Request"
	case errors.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case errors.KindBusy:
		return http.StatusConflict, "Conflict"
	case errors.KindDisabled:
		return http.StatusBadRequest, "Service Disabled"
	case errors.KindIntegrity:
		return http.StatusConflict, "Conflict"
	case errors.KindAuth:
		return http.StatusBadGateway, "Upstream Authentication Failed"
	case errors.KindNetwork:
		return http.StatusBadGateway, "Upstream Unreachable"
	case errors.KindTimeout:
		return http.StatusGatewayTimeout, "Timeout"
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable, "Service Unavailable"
	case errors.KindCancelled:
		return statusClientClosedRequest, "Request Cancelled"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

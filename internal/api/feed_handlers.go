package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/regintel/blacklist/internal/query"
)

// feedHandlers serve the firewall-facing download surface. FortiGate
// external connectors poll these on a timer, so responses stay lean:
// plaintext or a minimal JSON envelope, never the full record shape.
type feedHandlers struct {
	query      *query.Service
	trustProxy bool
}

func newFeedHandlers(q *query.Service, trustProxy bool) *feedHandlers {
	return &feedHandlers{query: q, trustProxy: trustProxy}
}

// HandleThreatFeed serves GET /api/fortinet/threat-feed: one active IP
// per line, whitelist already subtracted. This is the format FortiGate
// threat-feed connectors ingest directly.
func (h *feedHandlers) HandleThreatFeed(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, count, err := h.query.FeedLines(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Entry-Count", strconv.Itoa(count))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))

	h.recordPull(r, count, started)
}

// HandleBlocklist serves GET /api/fortinet/blocklist: the JSON command
// envelope for push-style FortiGate API integrations.
func (h *feedHandlers) HandleBlocklist(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	payload, count, err := h.query.FeedFortiGate(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Entry-Count", strconv.Itoa(count))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)

	h.recordPull(r, count, started)
}

// recordPull logs the download after the response is already on the
// wire. The request context may be done by then, so the write gets its
// own short deadline.
func (h *feedHandlers) recordPull(r *http.Request, count int, started time.Time) {
	device := r.Header.Get("X-Device-IP")
	if device == "" {
		device = GetClientIP(r, h.trustProxy)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.query.RecordPull(ctx, device, r.UserAgent(), r.URL.Path, count, started)
}

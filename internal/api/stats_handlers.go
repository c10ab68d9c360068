package api

import (
	"net/http"

	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/query"
)

type statsHandlers struct {
	query *query.Service
}

func newStatsHandlers(q *query.Service) *statsHandlers {
	return &statsHandlers{query: q}
}

// HandleOverview serves GET /api/stats.
func (h *statsHandlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleTimeline serves GET /api/stats/timeline?days=N.
func (h *statsHandlers) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeError(w, r, err)
		return
	}

	points, err := h.query.Timeline(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if points == nil {
		points = []models.TimelinePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":   days,
		"points": points,
	})
}

// HandleCollection serves GET /api/stats/collection: status snapshot
// plus recent runs.
func (h *statsHandlers) HandleCollection(w http.ResponseWriter, r *http.Request) {
	snap, err := h.query.CollectionStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleSources serves GET /api/stats/sources.
func (h *statsHandlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.SourceStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []models.CollectionStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": stats})
}

// HandlePulls serves GET /api/stats/pulls, the firewall download log.
func (h *statsHandlers) HandlePulls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}

	pulls, err := h.query.Pulls(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pulls == nil {
		pulls = []models.FirewallPull{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(pulls),
		"pulls": pulls,
	})
}

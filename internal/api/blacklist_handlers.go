package api

import (
	"fmt"
	"net/http"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/normalize"
	"github.com/regintel/blacklist/internal/query"
	"github.com/regintel/blacklist/internal/store"
)

type blacklistHandlers struct {
	query *query.Service
}

func newBlacklistHandlers(q *query.Service) *blacklistHandlers {
	return &blacklistHandlers{query: q}
}

// HandleList serves GET /api/blacklist/list.
func (h *blacklistHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	active, err := queryBool(r, "active")
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := store.BlacklistFilter{
		Source:   q.Get("source"),
		Category: q.Get("category"),
		Country:  q.Get("country"),
		Active:   active,
		Query:    q.Get("q"),
	}

	result, err := h.query.List(r.Context(), filter, page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSearch serves GET /api/blacklist/search?q=.
func (h *blacklistHandlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, errors.Validation("search", fmt.Errorf("parameter q is required")))
		return
	}
	limit, err := queryInt(r, "limit", store.DefaultLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	records, err := h.query.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []models.BlacklistRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"count":   len(records),
		"records": records,
	})
}

// HandleGetByIP serves GET /api/blacklist/:ip, one record per source.
func (h *blacklistHandlers) HandleGetByIP(w http.ResponseWriter, r *http.Request) {
	ip := pathTail(r, "/api/blacklist/")
	if ip == "" || ip == "list" || ip == "search" {
		writeProblem(w, r, http.StatusNotFound, "Not Found", "No such blacklist resource")
		return
	}
	if err := normalize.ValidateIP(ip); err != nil {
		writeError(w, r, errors.Validation("get_by_ip", err))
		return
	}

	records, err := h.query.IPRecords(r.Context(), ip)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ip":      ip,
		"count":   len(records),
		"records": records,
	})
}

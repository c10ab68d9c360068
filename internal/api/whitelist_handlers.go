package api

import (
	"fmt"
	"net"
	"net/http"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/lifecycle"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

type whitelistHandlers struct {
	store     *store.Store
	lifecycle *lifecycle.Engine
	cache     *cache.Cache
}

func newWhitelistHandlers(st *store.Store, lc *lifecycle.Engine, c *cache.Cache) *whitelistHandlers {
	return &whitelistHandlers{store: st, lifecycle: lc, cache: c}
}

// HandleList serves GET /api/whitelist and /api/whitelist/list.
// Inactive entries stay in the table for audit; all=true shows them.
func (h *whitelistHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		writeError(w, r, err)
		return
	}

	entries, err := h.store.ListWhitelist(r.Context(), all == nil || !*all)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.WhitelistRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

type whitelistRequest struct {
	IP     string `json:"ip"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HandleAdd serves POST /api/whitelist. Unlike blacklist rows, private
// and reserved addresses are accepted here: protecting internal
// infrastructure from a bad feed entry is the whole point.
func (h *whitelistHandlers) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if net.ParseIP(req.IP) == nil {
		writeError(w, r, errors.Validation("whitelist_add",
			fmt.Errorf("%q is not a valid IP address", req.IP)))
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	err := h.store.UpsertWhitelist(r.Context(), models.WhitelistRecord{
		IP:     req.IP,
		Source: req.Source,
		Reason: req.Reason,
		Active: true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate()

	writeJSON(w, http.StatusCreated, map[string]any{
		"ip":     req.IP,
		"source": req.Source,
		"status": "whitelisted",
	})
}

// HandleRemove serves DELETE /api/whitelist/:ip?source=. Removal is a
// soft deactivate so the entry's history survives.
func (h *whitelistHandlers) HandleRemove(w http.ResponseWriter, r *http.Request) {
	ip := pathTail(r, "/api/whitelist/")
	if ip == "" {
		writeError(w, r, errors.Validation("whitelist_remove",
			fmt.Errorf("ip path parameter is required")))
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "manual"
	}

	if err := h.store.DeactivateWhitelist(r.Context(), ip, source); err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate()

	writeJSON(w, http.StatusOK, map[string]any{
		"ip":     ip,
		"source": source,
		"status": "removed",
	})
}

// HandleResolution serves GET /api/resolution/:ip, the authoritative
// should-this-IP-be-blocked answer. Whitelist always wins.
func (h *whitelistHandlers) HandleResolution(w http.ResponseWriter, r *http.Request) {
	ip := pathTail(r, "/api/resolution/")
	if net.ParseIP(ip) == nil {
		writeError(w, r, errors.Validation("resolution",
			fmt.Errorf("%q is not a valid IP address", ip)))
		return
	}

	result, err := h.lifecycle.Resolve(r.Context(), ip)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// invalidate drops cached aggregates that count whitelist entries.
func (h *whitelistHandlers) invalidate() {
	h.cache.DeleteByPrefix("stats:")
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

type settingsHandlers struct {
	store *store.Store
	cache *cache.Cache
}

func newSettingsHandlers(st *store.Store, c *cache.Cache) *settingsHandlers {
	return &settingsHandlers{store: st, cache: c}
}

// HandleList serves GET /api/settings?category=.
func (h *settingsHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.ListSettings(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if settings == nil {
		settings = []models.Setting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(settings),
		"settings": settings,
	})
}

// HandleGet serves GET /api/settings/:key.
func (h *settingsHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := strings.ToUpper(pathTail(r, "/api/settings/"))
	if key == "" {
		writeError(w, r, errors.Validation("settings_get",
			fmt.Errorf("setting key is required in the path")))
		return
	}

	setting, err := h.store.GetSetting(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

type settingRequest struct {
	Value    string `json:"value"`
	Type     string `json:"type,omitempty"`
	Category string `json:"category,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// HandleSet serves PUT /api/settings/:key. Typed values are validated
// up front so a knob reader never sees garbage.
func (h *settingsHandlers) HandleSet(w http.ResponseWriter, r *http.Request) {
	key := strings.ToUpper(pathTail(r, "/api/settings/"))
	if key == "" {
		writeError(w, r, errors.Validation("settings_set",
			fmt.Errorf("setting key is required in the path")))
		return
	}

	var req settingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = "string"
	}
	if err := validateSettingValue(req.Type, req.Value); err != nil {
		writeError(w, r, err)
		return
	}

	setting := models.Setting{
		Key:      key,
		Value:    req.Value,
		Type:     req.Type,
		Category: req.Category,
		Active:   true,
	}
	if req.Active != nil {
		setting.Active = *req.Active
	}

	if err := h.store.SetSetting(r.Context(), setting); err != nil {
		writeError(w, r, err)
		return
	}

	// Knobs feed cached aggregates (retention, limits), so drop them.
	h.cache.DeleteByPrefix("stats:")

	writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"status": "saved",
	})
}

func validateSettingValue(typ, value string) error {
	const op = "settings_set"
	switch typ {
	case "string":
		return nil
	case "int":
		if _, err := strconv.Atoi(value); err != nil {
			return errors.Validation(op, fmt.Errorf("value %q is not an integer", value))
		}
	case "bool":
		switch strings.ToLower(value) {
		case "true", "false", "1", "0":
		default:
			return errors.Validation(op, fmt.Errorf("value %q is not a boolean", value))
		}
	default:
		return errors.Validation(op, fmt.Errorf("unknown setting type %q", typ))
	}
	return nil
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/store"
)

const maxBodyBytes = 10 << 20 // ingest payloads can be large, everything else is tiny

// writeJSON renders a 2xx JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeJSON reads a request body into dst, rejecting unknown fields so
// typos in payloads fail loudly instead of silently doing nothing.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Validation("decode_body", fmt.Errorf("invalid JSON body: %w", err))
	}
	return nil
}

// pathTail extracts the path parameter after prefix, e.g. the service
// name in /api/collection/trigger/REGTECH.
func pathTail(r *http.Request, prefix string) string {
	tail := strings.TrimPrefix(r.URL.Path, prefix)
	return strings.Trim(tail, "/")
}

// queryInt parses an integer query parameter. Absent values return def;
// garbage and negatives are a 400 per the API contract.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Validation("parse_query", fmt.Errorf("parameter %q must be an integer, got %q", name, raw))
	}
	if n < 0 {
		return 0, errors.Validation("parse_query", fmt.Errorf("parameter %q must not be negative, got %d", name, n))
	}
	return n, nil
}

// pageParams parses page and limit with the shared caps.
func pageParams(r *http.Request) (page, limit int, err error) {
	page, err = queryInt(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	limit, err = queryInt(r, "limit", store.DefaultLimit)
	if err != nil {
		return 0, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < store.MinLimit {
		return 0, 0, errors.Validation("parse_query", fmt.Errorf("limit must be at least %d", store.MinLimit))
	}
	if limit > store.MaxLimit {
		return 0, 0, errors.Validation("parse_query", fmt.Errorf("limit must not exceed %d", store.MaxLimit))
	}
	return page, limit, nil
}

// queryBool parses an optional tri-state boolean filter.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := strings.ToLower(r.URL.Query().Get(name))
	switch raw {
	case "":
		return nil, nil
	case "1", "true", "yes":
		v := true
		return &v, nil
	case "0", "false", "no":
		v := false
		return &v, nil
	}
	return nil, errors.Validation("parse_query", fmt.Errorf("parameter %q must be a boolean, got %q", name, raw))
}

package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsRoundtrip(t *testing.T) {
	f := newFixture(t)

	// Keys are upper-cased on the way in.
	res, payload := f.do(t, http.MethodPut, "/api/settings/retention_days", map[string]any{
		"value":    "45",
		"type":     "int",
		"category": "lifecycle",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "RETENTION_DAYS", decodeMap(t, payload)["key"])

	res, payload = f.get(t, "/api/settings/RETENTION_DAYS")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, "45", body["value"])
	assert.Equal(t, "int", body["type"])
	assert.Equal(t, true, body["active"])

	res, payload = f.get(t, "/api/settings?category=lifecycle")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(1), decodeMap(t, payload)["count"])
}

func TestSettingsValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad int", map[string]any{"value": "soon", "type": "int"}},
		{"bad bool", map[string]any{"value": "perhaps", "type": "bool"}},
		{"unknown type", map[string]any{"value": "x", "type": "duration"}},
	}
	for _, tc := range cases {
		res, payload := f.do(t, http.MethodPut, "/api/settings/SOME_KEY", tc.body, nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, tc.name)
		assert.Equal(t, "Invalid Request", decodeProblem(t, payload).Title, tc.name)
	}

	res, _ := f.get(t, "/api/settings/NO_SUCH_KEY")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSettingsUpdateDropsCachedStats(t *testing.T) {
	f := newFixture(t)

	f.cache.Set("stats:overview", "cached", time.Minute)
	res, _ := f.do(t, http.MethodPut, "/api/settings/RETENTION_DAYS", map[string]any{
		"value": "7", "type": "int",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	_, ok := f.cache.Get("stats:overview")
	assert.False(t, ok)
}

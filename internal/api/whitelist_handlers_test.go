package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/models"
)

func TestWhitelistAddListRemove(t *testing.T) {
	f := newFixture(t)

	res, payload := f.do(t, http.MethodPost, "/api/whitelist", map[string]any{
		"ip":     "203.0.113.30",
		"reason": "partner NAT egress",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, "manual", body["source"], "source defaults to manual")
	assert.Equal(t, "whitelisted", body["status"])

	res, payload = f.get(t, "/api/whitelist")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeMap(t, payload)
	assert.Equal(t, float64(1), body["count"])
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "203.0.113.30", entry["ip"])
	assert.Equal(t, "partner NAT egress", entry["reason"])

	res, _ = f.do(t, http.MethodDelete, "/api/whitelist/203.0.113.30", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// Removal is soft: gone from the default list, visible with all=true.
	res, payload = f.get(t, "/api/whitelist")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(0), decodeMap(t, payload)["count"])

	res, payload = f.get(t, "/api/whitelist?all=true")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(1), decodeMap(t, payload)["count"])
}

func TestWhitelistAcceptsPrivateAddresses(t *testing.T) {
	f := newFixture(t)

	// Blacklist ingest rejects these, but shielding internal hosts from a
	// bad feed entry is exactly what the whitelist is for.
	for _, ip := range []string{"10.0.0.5", "192.168.1.1", "127.0.0.1"} {
		res, _ := f.do(t, http.MethodPost, "/api/whitelist", map[string]any{"ip": ip}, nil)
		assert.Equal(t, http.StatusCreated, res.StatusCode, ip)
	}
}

func TestWhitelistValidation(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, http.MethodPost, "/api/whitelist", map[string]any{
		"ip": "not-an-ip",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.do(t, http.MethodDelete, "/api/whitelist/203.0.113.77", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "removing an absent entry")

	res, _ = f.do(t, http.MethodPatch, "/api/whitelist", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestWhitelistAddDropsCachedStats(t *testing.T) {
	f := newFixture(t)

	f.cache.Set("stats:overview", "cached", time.Minute)
	res, _ := f.do(t, http.MethodPost, "/api/whitelist", map[string]any{
		"ip": "203.0.113.31",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	_, ok := f.cache.Get("stats:overview")
	assert.False(t, ok, "whitelist changes invalidate cached aggregates")
}

func TestResolutionEndpoint(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store, models.BlacklistRecord{IP: "203.0.113.40", Confidence: 95})

	res, payload := f.get(t, "/api/resolution/203.0.113.40")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, string(models.ResolutionBlacklist), body["decision"])

	// Whitelisting the IP flips the decision.
	res, _ = f.do(t, http.MethodPost, "/api/whitelist", map[string]any{
		"ip": "203.0.113.40", "reason": "false positive",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, payload = f.get(t, "/api/resolution/203.0.113.40")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, string(models.ResolutionWhitelist), decodeMap(t, payload)["decision"])

	// Unknown IPs resolve to unknown rather than erroring.
	res, payload = f.get(t, "/api/resolution/198.51.100.250")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, string(models.ResolutionUnknown), decodeMap(t, payload)["decision"])

	res, _ = f.get(t, "/api/resolution/junk")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/models"
)

func TestBlacklistListPagination(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store,
		models.BlacklistRecord{IP: "198.51.100.1", Confidence: 10},
		models.BlacklistRecord{IP: "198.51.100.2", Confidence: 20},
		models.BlacklistRecord{IP: "198.51.100.3", Confidence: 30},
		models.BlacklistRecord{IP: "198.51.100.4", Confidence: 40},
		models.BlacklistRecord{IP: "198.51.100.5", Confidence: 50},
	)

	res, payload := f.get(t, "/api/blacklist/list?page=1&limit=3")
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeMap(t, payload)
	records, ok := body["records"].([]any)
	require.True(t, ok)
	assert.Len(t, records, 3)

	pagination, ok := body["pagination"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), pagination["total"])
	assert.Equal(t, float64(2), pagination["total_pages"])
	assert.Equal(t, true, pagination["has_next"])

	res, payload = f.get(t, "/api/blacklist/list?page=2&limit=3")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeMap(t, payload)
	assert.Len(t, body["records"].([]any), 2)
}

func TestBlacklistListRejectsBadParams(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/blacklist/list?limit=0",
		"/api/blacklist/list?limit=2000",
		"/api/blacklist/list?limit=abc",
		"/api/blacklist/list?page=-1",
		"/api/blacklist/list?active=maybe",
	} {
		res, payload := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, path)
		assert.Equal(t, "Invalid Request", decodeProblem(t, payload).Title, path)
	}
}

func TestBlacklistListFilters(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store,
		models.BlacklistRecord{IP: "198.51.100.1", Source: "REGTECH", Country: "KR", Confidence: 90},
		models.BlacklistRecord{IP: "198.51.100.2", Source: "SECUDIUM", Country: "US", Confidence: 80},
	)

	res, payload := f.get(t, "/api/blacklist/list?source=SECUDIUM")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, payload)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "198.51.100.2", records[0].(map[string]any)["ip"])
}

func TestBlacklistGetByIP(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store, models.BlacklistRecord{IP: "203.0.113.7", Confidence: 88})

	res, payload := f.get(t, "/api/blacklist/203.0.113.7")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, "203.0.113.7", body["ip"])
	assert.Equal(t, float64(1), body["count"])

	// Valid but unknown IP is a 404, not an empty list.
	res, _ = f.get(t, "/api/blacklist/203.0.113.250")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// Garbage and non-routable addresses fail validation.
	res, _ = f.get(t, "/api/blacklist/not-an-ip")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.get(t, "/api/blacklist/192.168.1.1")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, payload = f.get(t, "/api/blacklist/")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "No such blacklist resource", decodeProblem(t, payload).Detail)
}

func TestBlacklistSearch(t *testing.T) {
	f := newFixture(t)
	seedRecords(t, f.store,
		models.BlacklistRecord{IP: "203.0.113.15", Confidence: 70},
		models.BlacklistRecord{IP: "203.0.113.150", Confidence: 60},
		models.BlacklistRecord{IP: "198.51.100.15", Confidence: 50},
	)

	res, payload := f.get(t, "/api/blacklist/search?q=203.0.113.15")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, payload)
	assert.Equal(t, float64(2), body["count"])

	res, payload = f.get(t, "/api/blacklist/search")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, decodeProblem(t, payload).Detail, "q is required")

	// No hits is an empty array, not null.
	res, payload = f.get(t, "/api/blacklist/search?q=10.99")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeMap(t, payload)
	records, ok := body["records"].([]any)
	require.True(t, ok, "records must be an array even when empty")
	assert.Empty(t, records)
}

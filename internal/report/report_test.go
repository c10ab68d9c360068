package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCorpus(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()

	detected := time.Now().AddDate(0, 0, -14)
	retired := time.Now().AddDate(0, 0, -1)
	res, err := st.UpsertBlacklist(ctx, []models.BlacklistRecord{
		{IP: "198.51.100.1", Source: "REGTECH", Reason: "malware, C2 callback", Category: "malware",
			Confidence: 90, Country: "KR", DetectionDate: &detected},
		{IP: "198.51.100.2", Source: "SECUDIUM", Category: "scanner", Confidence: 70, Country: "US"},
		{IP: "198.51.100.3", Source: "REGTECH", Category: "malware", Confidence: 60, RemovalDate: &retired},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Inserted)

	require.NoError(t, st.UpsertWhitelist(ctx, models.WhitelistRecord{
		IP: "198.51.100.9", Source: "manual", Reason: "corp egress",
	}))
	require.NoError(t, st.EnsureStatus(ctx, "REGTECH"))
	_, err = st.WriteHistory(ctx, models.CollectionHistory{
		Service: "REGTECH", Trigger: models.TriggerManual, Success: true,
		Inserted: 3, ItemsCollected: 3, DurationMS: 1200,
	})
	require.NoError(t, err)
}

func TestBuildGathersEverything(t *testing.T) {
	st := newTestStore(t)
	seedCorpus(t, st)

	data, err := Build(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, 3, data.Totals.TotalIPs)
	assert.Equal(t, 2, data.Totals.ActiveIPs)
	assert.Equal(t, 1, data.Totals.Whitelisted)
	assert.Equal(t, 2, data.Totals.Sources)
	assert.Len(t, data.BySource, 2)
	assert.NotEmpty(t, data.ByCategory)
	assert.NotEmpty(t, data.ByCountry)
	assert.Len(t, data.Services, 1)
	assert.Len(t, data.Recent, 1)
	assert.WithinDuration(t, time.Now(), data.GeneratedAt, 5*time.Second)
}

func TestCSVExportRoundtrips(t *testing.T) {
	st := newTestStore(t)
	seedCorpus(t, st)

	payload, err := NewCSVGenerator(st).Generate(context.Background(), store.BlacklistFilter{})
	require.NoError(t, err)

	r := csv.NewReader(bytes.NewReader(payload))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)

	// The reader drops the blank spacer line, leaving two comment rows,
	// the column header, then data.
	require.GreaterOrEqual(t, len(rows), 3+3)
	assert.Equal(t, "# Blacklist Export", rows[0][0])
	assert.Equal(t, csvColumns, rows[2])

	byIP := map[string][]string{}
	for _, row := range rows[3:] {
		byIP[row[0]] = row
	}
	require.Len(t, byIP, 3)

	first := byIP["198.51.100.1"]
	assert.Equal(t, "REGTECH", first[1])
	assert.Equal(t, "malware, C2 callback", first[2], "commas survive CSV quoting")
	assert.Equal(t, "90", first[4])
	assert.Equal(t, "true", first[6])
	assert.Equal(t, "KR", first[7])
	assert.NotEmpty(t, first[8], "detection date present")
	assert.Empty(t, first[9], "no removal date")

	retired := byIP["198.51.100.3"]
	assert.Equal(t, "false", retired[6])
	assert.NotEmpty(t, retired[9])
}

func TestCSVExportHonorsFilter(t *testing.T) {
	st := newTestStore(t)
	seedCorpus(t, st)

	active := true
	payload, err := NewCSVGenerator(st).Generate(context.Background(), store.BlacklistFilter{Active: &active})
	require.NoError(t, err)

	body := string(payload)
	assert.Contains(t, body, "198.51.100.1")
	assert.Contains(t, body, "198.51.100.2")
	assert.NotContains(t, body, "198.51.100.3")
}

func TestPDFGenerate(t *testing.T) {
	st := newTestStore(t)
	seedCorpus(t, st)

	data, err := Build(context.Background(), st)
	require.NoError(t, err)

	payload, err := NewPDFGenerator().Generate(data)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(payload, []byte("%PDF")))
	assert.Greater(t, len(payload), 1024)
}

func TestPDFGenerateEmptyCorpus(t *testing.T) {
	st := newTestStore(t)

	data, err := Build(context.Background(), st)
	require.NoError(t, err)
	require.Empty(t, data.Recent)

	payload, err := NewPDFGenerator().Generate(data)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(payload, []byte("%PDF")))
}

package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

// CSVGenerator streams the blacklist corpus as CSV, page by page, so
// large exports never hold the whole table in memory twice.
type CSVGenerator struct {
	store *store.Store
}

func NewCSVGenerator(st *store.Store) *CSVGenerator {
	return &CSVGenerator{store: st}
}

var csvColumns = []string{
	"ip", "source", "reason", "category", "confidence",
	"detection_count", "active", "country",
	"detection_date", "removal_date", "last_seen",
}

// Generate exports every record matching the filter.
func (g *CSVGenerator) Generate(ctx context.Context, filter store.BlacklistFilter) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := [][]string{
		{"# Blacklist Export"},
		{"# Generated:", time.Now().Format(time.RFC3339)},
		{""},
		csvColumns,
	}
	for _, row := range header {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write CSV header: %w", err)
		}
	}

	for page := 1; ; page++ {
		records, total, err := g.store.ListBlacklist(ctx, filter, page, store.MaxLimit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if err := w.Write(recordRow(rec)); err != nil {
				return nil, fmt.Errorf("write CSV row for %s: %w", rec.IP, err)
			}
		}
		if page*store.MaxLimit >= total || len(records) == 0 {
			break
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}

func recordRow(rec models.BlacklistRecord) []string {
	return []string{
		rec.IP,
		rec.Source,
		rec.Reason,
		rec.Category,
		fmt.Sprintf("%d", rec.Confidence),
		fmt.Sprintf("%d", rec.DetectionCount),
		fmt.Sprintf("%t", rec.Active),
		rec.Country,
		dateOrEmpty(rec.DetectionDate),
		dateOrEmpty(rec.RemovalDate),
		rec.LastSeen.Format(time.RFC3339),
	}
}

func dateOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// Package report renders operator-facing exports: a PDF collection
// summary and a CSV dump of the blacklist corpus.
package report

import (
	"context"
	"time"

	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

const historySample = 25

// Data is everything a collection report needs, assembled in one pass
// so the renderers stay free of storage concerns.
type Data struct {
	GeneratedAt time.Time
	Totals      store.TotalCounts
	BySource    []models.CollectionStats
	ByCategory  []store.Breakdown
	ByCountry   []store.Breakdown
	Services    []models.CollectionStatus
	Recent      []models.CollectionHistory
}

// Build gathers report data from the store.
func Build(ctx context.Context, st *store.Store) (*Data, error) {
	totals, err := st.Totals(ctx)
	if err != nil {
		return nil, err
	}
	bySource, err := st.SourceStats(ctx)
	if err != nil {
		return nil, err
	}
	byCategory, err := st.CategoryBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	byCountry, err := st.CountryBreakdown(ctx, 10)
	if err != nil {
		return nil, err
	}
	services, err := st.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := st.ListHistory(ctx, "", historySample)
	if err != nil {
		return nil, err
	}

	return &Data{
		GeneratedAt: time.Now(),
		Totals:      totals,
		BySource:    bySource,
		ByCategory:  byCategory,
		ByCountry:   byCountry,
		Services:    services,
		Recent:      recent,
	}, nil
}

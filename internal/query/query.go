// Package query is the read side: cached list/stats/timeline views and
// the firewall feed renderings. Writes happen elsewhere; everything
// here may serve a value up to one TTL old except where collection
// runs invalidate eagerly.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/metrics"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

const maxTimelineDays = 730

// Service bundles the cached read paths.
type Service struct {
	store   *store.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
}

func New(st *store.Store, c *cache.Cache) *Service {
	return &Service{store: st, cache: c, metrics: metrics.Get()}
}

// ListResult is one page of blacklist records plus its pagination summary.
type ListResult struct {
	Records    []models.BlacklistRecord `json:"records"`
	Pagination models.Pagination        `json:"pagination"`
}

// List serves a filtered page, cached per (filter, page, limit).
func (s *Service) List(ctx context.Context, filter store.BlacklistFilter, page, limit int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = store.DefaultLimit
	}

	key := listKey(filter, page, limit)
	v, err := s.cache.GetOrSet(ctx, key, cache.TTLListPage, func(ctx context.Context) (any, error) {
		records, total, err := s.store.ListBlacklist(ctx, filter, page, limit)
		if err != nil {
			return nil, err
		}
		return &ListResult{
			Records:    records,
			Pagination: models.NewPagination(page, limit, total),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ListResult), nil
}

func listKey(f store.BlacklistFilter, page, limit int) string {
	active := "-"
	if f.Active != nil {
		if *f.Active {
			active = "1"
		} else {
			active = "0"
		}
	}
	parts := []string{
		"blacklist:list",
		f.Source, f.Category, f.Country, active, f.Query,
		fmt.Sprintf("%d:%d", page, limit),
	}
	return strings.Join(parts, ":")
}

// Stats is the dashboard overview payload.
type Stats struct {
	TotalIPs    int                       `json:"total_ips"`
	ActiveIPs   int                       `json:"active_ips"`
	Whitelisted int                       `json:"whitelisted"`
	Sources     int                       `json:"sources"`
	LastUpdate  *time.Time                `json:"last_update,omitempty"`
	BySource    []models.CollectionStats  `json:"by_source"`
	ByCategory  []store.Breakdown         `json:"by_category"`
	ByCountry   []store.Breakdown         `json:"by_country"`
	Services    []models.CollectionStatus `json:"services"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// Stats aggregates totals and breakdowns, cached for five minutes and
// invalidated eagerly after every successful collection.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	v, err := s.cache.GetOrSet(ctx, "stats:overview", cache.TTLStats, func(ctx context.Context) (any, error) {
		totals, err := s.store.Totals(ctx)
		if err != nil {
			return nil, err
		}
		bySource, err := s.store.SourceStats(ctx)
		if err != nil {
			return nil, err
		}
		byCategory, err := s.store.CategoryBreakdown(ctx)
		if err != nil {
			return nil, err
		}
		byCountry, err := s.store.CountryBreakdown(ctx, 10)
		if err != nil {
			return nil, err
		}
		services, err := s.store.ListStatuses(ctx)
		if err != nil {
			return nil, err
		}
		return &Stats{
			TotalIPs:    totals.TotalIPs,
			ActiveIPs:   totals.ActiveIPs,
			Whitelisted: totals.Whitelisted,
			Sources:     totals.Sources,
			LastUpdate:  totals.LastSeen,
			BySource:    bySource,
			ByCategory:  byCategory,
			ByCountry:   byCountry,
			Services:    services,
			GeneratedAt: time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stats), nil
}

// SourceStats lists per-source aggregates, cached for an hour.
func (s *Service) SourceStats(ctx context.Context) ([]models.CollectionStats, error) {
	v, err := s.cache.GetOrSet(ctx, "stats:sources", cache.TTLSources, func(ctx context.Context) (any, error) {
		return s.store.SourceStats(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.CollectionStats), nil
}

// CollectionSnapshot is the per-service status view plus recent runs.
type CollectionSnapshot struct {
	Services []models.CollectionStatus  `json:"services"`
	Recent   []models.CollectionHistory `json:"recent"`
}

// CollectionStatus snapshots the scheduler-visible state, cached 30s.
func (s *Service) CollectionStatus(ctx context.Context) (*CollectionSnapshot, error) {
	v, err := s.cache.GetOrSet(ctx, "status:snapshot", cache.TTLStatus, func(ctx context.Context) (any, error) {
		services, err := s.store.ListStatuses(ctx)
		if err != nil {
			return nil, err
		}
		recent, err := s.store.ListHistory(ctx, "", 10)
		if err != nil {
			return nil, err
		}
		return &CollectionSnapshot{Services: services, Recent: recent}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CollectionSnapshot), nil
}

// Timeline returns per-day ingest counts for the last N days (clamped
// to two years), grouped by source.
func (s *Service) Timeline(ctx context.Context, days int) ([]models.TimelinePoint, error) {
	if days <= 0 {
		days = 30
	}
	if days > maxTimelineDays {
		days = maxTimelineDays
	}

	key := fmt.Sprintf("stats:timeline:%d", days)
	v, err := s.cache.GetOrSet(ctx, key, cache.TTLStats, func(ctx context.Context) (any, error) {
		return s.store.Timeline(ctx, days)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.TimelinePoint), nil
}

// IPRecords returns every record for one IP, newest source order.
func (s *Service) IPRecords(ctx context.Context, ip string) ([]models.BlacklistRecord, error) {
	return s.store.GetByIP(ctx, ip)
}

// Search runs a prefix match on IPs.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]models.BlacklistRecord, error) {
	return s.store.SearchByIP(ctx, q, limit)
}

// FeedLines renders the plaintext firewall feed, one IP per line with a
// trailing newline, and reports how many entries it contains.
func (s *Service) FeedLines(ctx context.Context) (string, int, error) {
	ips, err := s.store.ActiveFeedIPs(ctx)
	if err != nil {
		return "", 0, err
	}
	if len(ips) == 0 {
		return "", 0, nil
	}
	return strings.Join(ips, "\n") + "\n", len(ips), nil
}

type fortiCommand struct {
	Entries []string `json:"entries"`
}

type fortiFeed struct {
	Commands []fortiCommand `json:"commands"`
}

// FeedFortiGate renders the JSON envelope FortiGate external threat
// feeds expect: a commands array with one entries block.
func (s *Service) FeedFortiGate(ctx context.Context) ([]byte, int, error) {
	ips, err := s.store.ActiveFeedIPs(ctx)
	if err != nil {
		return nil, 0, err
	}
	if ips == nil {
		ips = []string{}
	}
	payload, err := json.Marshal(fortiFeed{Commands: []fortiCommand{{Entries: ips}}})
	if err != nil {
		return nil, 0, err
	}
	return payload, len(ips), nil
}

// RecordPull logs one firewall feed download. Never fails the request.
func (s *Service) RecordPull(ctx context.Context, deviceIP, userAgent, path string, count int, started time.Time) {
	s.store.WriteFirewallPull(ctx, models.FirewallPull{
		DeviceIP:   deviceIP,
		UserAgent:  userAgent,
		Path:       path,
		IPCount:    count,
		ResponseMS: time.Since(started).Milliseconds(),
	})
	s.metrics.RecordFeedPull()
}

// History lists finished collection runs, optionally per service.
func (s *Service) History(ctx context.Context, service string, limit int) ([]models.CollectionHistory, error) {
	return s.store.ListHistory(ctx, service, limit)
}

// Pulls lists recent firewall feed downloads.
func (s *Service) Pulls(ctx context.Context, limit int) ([]models.FirewallPull, error) {
	return s.store.ListFirewallPulls(ctx, limit)
}

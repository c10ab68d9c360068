// Package lifecycle owns the active flag: the daily sweep that retires
// elapsed and stale records, and the resolution view that merges
// whitelist and blacklist into one decision per IP.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/store"
)

const settingRetentionDays = "RETENTION_DAYS"

// Engine applies lifecycle rules. Ingest-time deactivation happens in
// the store upsert; the sweep catches records whose dates elapsed
// while nothing was writing to them.
type Engine struct {
	store  *store.Store
	cache  *cache.Cache
	events *events.Hub

	retentionDefault int
}

func New(st *store.Store, c *cache.Cache, hub *events.Hub, retentionDefault int) *Engine {
	if retentionDefault <= 0 {
		retentionDefault = 30
	}
	return &Engine{store: st, cache: c, events: hub, retentionDefault: retentionDefault}
}

// Sweep deactivates records whose removal date has passed and records
// not seen within the retention window. Runs nightly via the scheduler.
func (e *Engine) Sweep(ctx context.Context) (expired, stale int64, err error) {
	started := time.Now()

	expired, err = e.store.DeactivateExpired(ctx, started)
	if err != nil {
		return 0, 0, err
	}

	retention := e.store.SettingInt(ctx, settingRetentionDays, e.retentionDefault)
	stale, err = e.store.DeactivateStale(ctx, retention)
	if err != nil {
		return expired, 0, err
	}

	if expired+stale > 0 {
		e.cache.DeleteByPrefix("stats:")
		e.cache.DeleteByPrefix("blacklist:list:")
	}
	e.events.PublishSweepCompleted(expired, stale)

	log.Info().
		Int64("expired", expired).
		Int64("stale", stale).
		Int("retentionDays", retention).
		Dur("duration", time.Since(started)).
		Msg("Lifecycle sweep completed")
	return expired, stale, nil
}

// Resolve answers the read-side question for one IP: an active
// whitelist entry always wins; otherwise the strongest active
// blacklist row (highest confidence, then most recent sighting).
func (e *Engine) Resolve(ctx context.Context, ip string) (models.ResolutionResult, error) {
	res := models.ResolutionResult{IP: ip, Decision: models.ResolutionUnknown}

	wl, err := e.store.ActiveWhitelistEntry(ctx, ip)
	if err != nil {
		return res, err
	}
	if wl != nil {
		res.Decision = models.ResolutionWhitelist
		res.Whitelist = wl
		return res, nil
	}

	records, err := e.store.GetByIP(ctx, ip)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return res, nil
		}
		return res, err
	}

	var best *models.BlacklistRecord
	for i := range records {
		r := &records[i]
		if !r.Active {
			continue
		}
		if best == nil || stronger(r, best) {
			best = r
		}
	}
	if best != nil {
		res.Decision = models.ResolutionBlacklist
		res.Blacklist = best
	}
	return res, nil
}

func stronger(a, b *models.BlacklistRecord) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.LastSeen.After(b.LastSeen)
}

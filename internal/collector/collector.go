package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/metrics"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/normalize"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

// Settings keys the collector consults per run.
const (
	settingTimeout = "COLLECTION_TIMEOUT"
)

// Collector drives one job end to end: claim the service, decrypt the
// credential, scrape, normalize, persist, account for the outcome.
type Collector struct {
	store   *store.Store
	vault   *vault.Vault
	sources *source.Registry
	cache   *cache.Cache
	events  *events.Hub
	metrics *metrics.Metrics

	defaultTimeout time.Duration
}

func New(st *store.Store, v *vault.Vault, reg *source.Registry, c *cache.Cache, hub *events.Hub, defaultTimeout time.Duration) *Collector {
	if defaultTimeout <= 0 {
		defaultTimeout = 600 * time.Second
	}
	return &Collector{
		store:          st,
		vault:          v,
		sources:        reg,
		cache:          c,
		events:         hub,
		metrics:        metrics.Get(),
		defaultTimeout: defaultTimeout,
	}
}

// Collect runs the full scrape pipeline for one service. The returned
// history row is already persisted; the error reports why the run
// failed (and whether a retry makes sense, via errors.IsRetryable).
func (c *Collector) Collect(ctx context.Context, service string, trigger models.TriggerType, force bool) (models.CollectionHistory, error) {
	src, ok := c.sources.Lookup(service)
	if !ok {
		return models.CollectionHistory{}, errors.NotFound("collect", service)
	}

	cred, err := c.store.LoadCredential(ctx, service)
	if err != nil {
		return models.CollectionHistory{}, err
	}
	if !cred.Enabled {
		return models.CollectionHistory{}, errors.Disabled(service)
	}

	if err := c.claim(ctx, service, force); err != nil {
		return models.CollectionHistory{}, err
	}

	started := time.Now()
	c.events.PublishCollectionStarted(service, trigger)

	h := models.CollectionHistory{
		Service:   service,
		StartedAt: started,
		Trigger:   trigger,
	}

	// Per-run budget. The scraper sees this context at every I/O point,
	// so cancellation tears the browsing context down promptly.
	budget := time.Duration(c.store.SettingInt(ctx, settingTimeout, int(c.defaultTimeout.Seconds()))) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, details, runErr := c.run(runCtx, src, *cred)

	duration := time.Since(started)
	h.DurationMS = duration.Milliseconds()
	h.Inserted = result.Inserted
	h.Updated = result.Updated
	h.Failed = result.Failed
	h.ItemsCollected = result.Total()
	h.Success = runErr == nil
	h.Details = details
	if runErr != nil {
		h.Error = runErr.Error()
	}

	c.finish(ctx, &h, result, duration, runErr)
	return h, runErr
}

// claim wins the idle -> running edge or explains why it could not.
// force first clears a lingering error state so operators can rerun
// without waiting out the backoff cooldown.
func (c *Collector) claim(ctx context.Context, service string, force bool) error {
	if err := c.store.EnsureStatus(ctx, service); err != nil {
		return err
	}
	if force {
		if _, err := c.store.TransitionStatus(ctx, service, models.StateError, models.StateIdle); err != nil {
			return err
		}
	}

	won, err := c.store.TransitionStatus(ctx, service, models.StateIdle, models.StateRunning)
	if err != nil {
		return err
	}
	if won {
		c.events.PublishStatusChanged(service, models.StateRunning)
		return nil
	}

	st, err := c.store.GetStatus(ctx, service)
	if err != nil {
		return err
	}
	if st.Status == models.StateDisabled {
		return errors.Disabled(service)
	}
	return errors.Busy(service)
}

// run is the scrape -> normalize -> store pipeline with per-stage
// timings. A panic anywhere inside becomes an ordinary failed run so
// the status row and history stay consistent.
func (c *Collector) run(ctx context.Context, src source.Source, cred models.CollectionCredential) (result models.UpsertResult, details string, err error) {
	service := src.Name()
	timings := make(map[string]int64, 5)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("service", service).Msg("Collection run panicked")
			err = errors.New(errors.KindInternal, "collect", service, fmt.Errorf("panic: %v", r))
		}
	}()

	// Plaintext lives only in this frame.
	if cred.Encrypted {
		plain, derr := c.vault.Decrypt(cred.Password)
		if derr != nil {
			return result, "", derr
		}
		cred.Password = plain
		cred.Encrypted = false
	}

	stage := time.Now()
	sess, err := src.Authenticate(ctx, cred)
	timings["auth_ms"] = time.Since(stage).Milliseconds()
	if err != nil {
		return result, encodeDetails(timings, nil), err
	}
	defer sess.Close()

	stage = time.Now()
	artifact, err := src.Fetch(ctx, sess, source.DefaultWindow(time.Now()))
	timings["fetch_ms"] = time.Since(stage).Milliseconds()
	if err != nil {
		return result, encodeDetails(timings, nil), err
	}

	stage = time.Now()
	rows, err := src.Parse(ctx, artifact)
	timings["parse_ms"] = time.Since(stage).Milliseconds()
	if err != nil {
		return result, encodeDetails(timings, nil), err
	}

	stage = time.Now()
	norm := normalize.New(service).Rows(rows)
	timings["normalize_ms"] = time.Since(stage).Milliseconds()

	stage = time.Now()
	for _, batch := range norm.Batches {
		if ctx.Err() != nil {
			timings["store_ms"] = time.Since(stage).Milliseconds()
			return result, encodeDetails(timings, norm),
				errors.New(errors.KindCancelled, "collect", service, ctx.Err())
		}
		batchRes, berr := c.store.UpsertBlacklist(ctx, batch)
		result.Add(batchRes)
		if berr != nil {
			timings["store_ms"] = time.Since(stage).Milliseconds()
			return result, encodeDetails(timings, norm), berr
		}
	}
	timings["store_ms"] = time.Since(stage).Milliseconds()

	c.metrics.RecordItems(service, "rejected", norm.Rejected)
	log.Info().
		Str("service", service).
		Int("scraped", len(rows)).
		Int("accepted", norm.Accepted).
		Int("rejected", norm.Rejected).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Msg("Collection pipeline completed")

	return result, encodeDetails(timings, norm), nil
}

// Ingest is the push path: normalize and store rows somebody else
// scraped (air-gapped deployments). Same claim, accounting, and cache
// rules as a scrape, without touching credentials or the portal.
func (c *Collector) Ingest(ctx context.Context, service string, rows []models.RawRow, trigger models.TriggerType) (models.CollectionHistory, error) {
	if service == "" {
		service = models.SourceREGTECH
	}

	if err := c.claim(ctx, service, false); err != nil {
		return models.CollectionHistory{}, err
	}

	started := time.Now()
	c.events.PublishCollectionStarted(service, trigger)

	var result models.UpsertResult
	norm := normalize.New(service).Rows(rows)

	var runErr error
	for _, batch := range norm.Batches {
		if ctx.Err() != nil {
			runErr = errors.New(errors.KindCancelled, "ingest", service, ctx.Err())
			break
		}
		batchRes, err := c.store.UpsertBlacklist(ctx, batch)
		result.Add(batchRes)
		if err != nil {
			runErr = err
			break
		}
	}

	duration := time.Since(started)
	h := models.CollectionHistory{
		Service:        service,
		StartedAt:      started,
		Trigger:        trigger,
		Inserted:       result.Inserted,
		Updated:        result.Updated,
		Failed:         result.Failed,
		ItemsCollected: result.Total(),
		Success:        runErr == nil,
		DurationMS:     duration.Milliseconds(),
		Details:        encodeDetails(nil, norm),
	}
	if runErr != nil {
		h.Error = runErr.Error()
	}

	c.finish(ctx, &h, result, duration, runErr)
	return h, runErr
}

// finish writes the history row, settles the status machine, refreshes
// caches and metrics, and announces the outcome. It must succeed as far
// as possible even when the run did not.
func (c *Collector) finish(ctx context.Context, h *models.CollectionHistory, result models.UpsertResult, duration time.Duration, runErr error) {
	service := h.Service

	// The terminal bookkeeping must survive a cancelled run context.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if id, err := c.store.WriteHistory(ctx, *h); err != nil {
		log.Error().Err(err).Str("service", service).Msg("Failed to write history row")
	} else {
		h.ID = id
	}

	if err := c.store.FinishRun(ctx, service, h.Success, time.Now()); err != nil {
		log.Error().Err(err).Str("service", service).Msg("Failed to settle collection status")
	}

	if h.Success {
		if result.Total() > 0 {
			c.cache.DeleteByPrefix("stats:")
			c.cache.DeleteByPrefix("blacklist:list:")
		}
		if err := c.store.TouchCredentialCollection(ctx, service, time.Now()); err != nil {
			log.Warn().Err(err).Str("service", service).Msg("Failed to stamp last collection")
		}
		c.metrics.RecordCollection(service, "success", duration)
		c.metrics.RecordItems(service, "inserted", result.Inserted)
		c.metrics.RecordItems(service, "updated", result.Updated)
		c.metrics.RecordItems(service, "failed", result.Failed)
		c.events.PublishCollectionFinished(service, result, duration)
		c.events.PublishStatusChanged(service, models.StateIdle)
		c.refreshActiveGauge(ctx)
	} else {
		c.metrics.RecordCollection(service, "failure", duration)
		c.events.PublishCollectionFailed(service, h.Error)
		c.events.PublishStatusChanged(service, models.StateError)
	}
}

func (c *Collector) refreshActiveGauge(ctx context.Context) {
	stats, err := c.store.SourceStats(ctx)
	if err != nil {
		return
	}
	for _, st := range stats {
		c.metrics.SetActiveIPs(st.Source, st.ActiveIPs)
	}
}

func encodeDetails(timings map[string]int64, norm *normalize.Result) string {
	details := make(map[string]any, len(timings)+2)
	for k, v := range timings {
		details[k] = v
	}
	if norm != nil && norm.Rejected > 0 {
		details["rejected"] = norm.Rejected
		details["reject_reasons"] = norm.Reasons
	}
	if len(details) == 0 {
		return ""
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(raw)
}

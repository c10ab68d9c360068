// Package scheduler owns the collection job queue: cron triggers,
// manual triggers, bounded workers, per-service single-flight, and
// backoff retries. All durable state lives in the store; the scheduler
// only keeps the in-flight bookkeeping (cancel handles, next fire
// times) in memory.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/collector"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/metrics"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
)

const (
	// DefaultSchedule fires a collection every six hours.
	DefaultSchedule = "0 */6 * * *"

	settingRetryCount = "COLLECTION_RETRY_COUNT"
	settingSchedule   = "COLLECTION_SCHEDULE"

	busyRequeueDelay = 5 * time.Second
	maxBusyRequeues  = 3
	cancelGrace      = 5 * time.Second
	tickInterval     = 30 * time.Second
)

// Job is one unit of work on the queue. Attempt counts retries of a
// failed run; Requeues counts deferrals while the service was busy.
type Job struct {
	ID         string
	Service    string
	Trigger    models.TriggerType
	Force      bool
	Attempt    int
	Requeues   int
	EnqueuedAt time.Time
}

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	Workers        int
	QueueSize      int
	DefaultRetries int
	DisableAuto    bool
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// cronEntry caches a parsed schedule alongside its source text so the
// tick loop only re-parses when an operator changes the expression.
type cronEntry struct {
	spec  string
	sched cron.Schedule
	next  time.Time
}

type maintenanceTask struct {
	name  string
	sched cron.Schedule
	next  time.Time
	run   func(context.Context)
}

// Scheduler drives collections through the Collector. Construct with
// New, register maintenance tasks, then Start once.
type Scheduler struct {
	store     *store.Store
	collector *collector.Collector
	sources   *source.Registry
	events    *events.Hub
	metrics   *metrics.Metrics

	workers        int
	queue          chan Job
	backoff        backoffConfig
	parser         cron.Parser
	defaultRetries int
	disableAuto    atomic.Bool

	mu      sync.Mutex
	running map[string]*runHandle

	rngMu sync.Mutex
	rng   *rand.Rand

	// entries and tasks are touched only by the cron loop goroutine
	// after Start, so they need no lock of their own.
	entries map[string]*cronEntry
	tasks   []*maintenanceTask

	wg sync.WaitGroup
}

func New(st *store.Store, col *collector.Collector, reg *source.Registry, hub *events.Hub, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DefaultRetries <= 0 {
		opts.DefaultRetries = 3
	}
	s := &Scheduler{
		store:          st,
		collector:      col,
		sources:        reg,
		events:         hub,
		metrics:        metrics.Get(),
		workers:        opts.Workers,
		queue:          make(chan Job, opts.QueueSize),
		backoff:        defaultBackoff(),
		parser:         cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		defaultRetries: opts.DefaultRetries,
		running:        make(map[string]*runHandle),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		entries:        make(map[string]*cronEntry),
	}
	s.disableAuto.Store(opts.DisableAuto)
	return s
}

// SetAutoCollection toggles cron-driven source triggers at runtime.
// Manual and API triggers are unaffected; the config watcher calls this
// when DISABLE_AUTO_COLLECTION changes.
func (s *Scheduler) SetAutoCollection(enabled bool) {
	was := !s.disableAuto.Swap(!enabled)
	if was != enabled {
		log.Info().Bool("autoCollection", enabled).Msg("Auto collection toggled")
	}
}

// RegisterTask adds a maintenance cron (sweeps, heartbeats). Must be
// called before Start.
func (s *Scheduler) RegisterTask(name, spec string, run func(context.Context)) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return errors.Validation("register_task", fmt.Errorf("schedule %q: %w", spec, err))
	}
	s.tasks = append(s.tasks, &maintenanceTask{name: name, sched: sched, run: run})
	return nil
}

// Start recovers orphaned running rows, then launches the workers and
// the cron loop. It returns immediately; cancel ctx and call Wait to
// shut down.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.ResetRunning(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reset orphaned running services")
	} else if n > 0 {
		log.Warn().Int64("services", n).Msg("Reset orphaned running services to error state")
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.cronLoop(ctx)

	log.Info().
		Int("workers", s.workers).
		Int("queueCapacity", cap(s.queue)).
		Bool("autoCollection", !s.disableAuto.Load()).
		Msg("Scheduler started")
}

// Wait blocks until the workers and cron loop have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// QueueDepth reports jobs waiting on the queue right now.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Trigger validates and enqueues a job, returning its ID. Unknown
// services, disabled services, and busy services are rejected here so
// API callers get a precise answer without waiting for a worker.
func (s *Scheduler) Trigger(ctx context.Context, service string, trigger models.TriggerType, force bool) (string, error) {
	if _, ok := s.sources.Lookup(service); !ok {
		return "", errors.NotFound("trigger", service)
	}
	cred, err := s.store.LoadCredential(ctx, service)
	if err != nil {
		return "", err
	}
	if !cred.Enabled {
		return "", errors.Disabled(service)
	}
	if st, err := s.store.GetStatus(ctx, service); err == nil {
		switch {
		case st.Status == models.StateDisabled:
			return "", errors.Disabled(service)
		case st.Status == models.StateRunning:
			return "", errors.Busy(service)
		case st.Status == models.StateError && !force:
			return "", errors.Busy(service)
		}
	}

	job := Job{
		ID:         ulid.Make().String(),
		Service:    service,
		Trigger:    trigger,
		Force:      force,
		EnqueuedAt: time.Now(),
	}
	if err := s.enqueue(job); err != nil {
		return "", err
	}
	log.Info().
		Str("job", job.ID).
		Str("service", service).
		Str("trigger", string(trigger)).
		Bool("force", force).
		Msg("Collection job queued")
	return job.ID, nil
}

// Cancel aborts the running job for a service and waits briefly for it
// to settle. Partial progress already committed stays committed.
func (s *Scheduler) Cancel(service string) error {
	s.mu.Lock()
	h, ok := s.running[service]
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("cancel", service)
	}

	h.cancel()
	select {
	case <-h.done:
		log.Info().Str("service", service).Msg("Collection job cancelled")
		return nil
	case <-time.After(cancelGrace):
		return errors.Timeout("cancel", service, fmt.Errorf("job still terminating after %s", cancelGrace))
	}
}

func (s *Scheduler) enqueue(job Job) error {
	select {
	case s.queue <- job:
		s.metrics.SetQueueDepth(len(s.queue))
		return nil
	default:
		return errors.New(errors.KindUnavailable, "enqueue", job.Service,
			fmt.Errorf("queue full (%d jobs)", cap(s.queue)))
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log.Debug().Int("worker", id).Msg("Collection worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("Collection worker stopped")
			return
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			s.metrics.SetQueueDepth(len(s.queue))
			s.process(ctx, job)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, job Job) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	if !s.track(job.Service, handle) {
		// Another worker in this process holds the service.
		cancel()
		s.requeueBusy(ctx, job)
		return
	}

	_, err := s.collector.Collect(runCtx, job.Service, job.Trigger, job.Force || job.Attempt > 0)
	s.untrack(job.Service)
	cancel()

	switch {
	case err == nil:
	case errors.KindOf(err) == errors.KindBusy:
		s.requeueBusy(ctx, job)
	case errors.IsRetryable(err):
		if job.Attempt+1 < s.maxAttempts(ctx) {
			s.scheduleRetry(ctx, job, err)
		} else {
			log.Error().
				Err(err).
				Str("service", job.Service).
				Int("attempts", job.Attempt+1).
				Msg("Collection abandoned, retry budget exhausted")
			s.scheduleCooldownClear(ctx, job)
		}
	default:
		log.Error().Err(err).Str("service", job.Service).Msg("Collection failed, error not retryable")
		s.scheduleCooldownClear(ctx, job)
	}
}

// requeueBusy puts a job back at the tail after a short delay. Past the
// requeue cap the job is dropped with a skipped_busy history row so the
// drop stays visible to operators.
func (s *Scheduler) requeueBusy(ctx context.Context, job Job) {
	if job.Requeues >= maxBusyRequeues {
		log.Warn().
			Str("job", job.ID).
			Str("service", job.Service).
			Int("requeues", job.Requeues).
			Msg("Dropping collection job, service stayed busy")
		h := models.CollectionHistory{
			Service:   job.Service,
			StartedAt: job.EnqueuedAt,
			Trigger:   job.Trigger,
			Success:   false,
			Error:     "skipped_busy",
		}
		if _, err := s.store.WriteHistory(ctx, h); err != nil {
			log.Warn().Err(err).Str("service", job.Service).Msg("Failed to record skipped job")
		}
		s.metrics.RecordCollection(job.Service, "skipped_busy", 0)
		return
	}

	job.Requeues++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(busyRequeueDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.enqueue(job); err != nil {
			log.Warn().Err(err).Str("service", job.Service).Msg("Failed to requeue busy job")
		}
	}()
}

// scheduleRetry waits out the backoff cooldown, clears error back to
// idle, and enqueues the next attempt.
func (s *Scheduler) scheduleRetry(ctx context.Context, job Job, cause error) {
	delay := s.backoff.nextDelay(job.Attempt, s.rollJitter())
	log.Warn().
		Err(cause).
		Str("service", job.Service).
		Int("attempt", job.Attempt+1).
		Dur("cooldown", delay).
		Msg("Collection failed, retry scheduled")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if won, err := s.store.TransitionStatus(ctx, job.Service, models.StateError, models.StateIdle); err != nil {
			log.Warn().Err(err).Str("service", job.Service).Msg("Failed to clear error state before retry")
			return
		} else if won {
			s.events.PublishStatusChanged(job.Service, models.StateIdle)
		}

		retry := job
		retry.Attempt++
		retry.Requeues = 0
		retry.Force = false
		retry.EnqueuedAt = time.Now()
		if err := s.enqueue(retry); err != nil {
			log.Warn().Err(err).Str("service", job.Service).Msg("Failed to enqueue retry")
		}
	}()
}

// scheduleCooldownClear moves error back to idle after one cooldown
// with no retry attached, so cron triggers resume on their own.
func (s *Scheduler) scheduleCooldownClear(ctx context.Context, job Job) {
	delay := s.backoff.nextDelay(job.Attempt, s.rollJitter())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if won, err := s.store.TransitionStatus(ctx, job.Service, models.StateError, models.StateIdle); err != nil {
			log.Warn().Err(err).Str("service", job.Service).Msg("Failed to clear error state after cooldown")
		} else if won {
			s.events.PublishStatusChanged(job.Service, models.StateIdle)
		}
	}()
}

func (s *Scheduler) track(service string, h *runHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.running[service]; exists {
		return false
	}
	s.running[service] = h
	return true
}

func (s *Scheduler) untrack(service string) {
	s.mu.Lock()
	h := s.running[service]
	delete(s.running, service)
	s.mu.Unlock()
	if h != nil {
		close(h.done)
	}
}

func (s *Scheduler) maxAttempts(ctx context.Context) int {
	n := s.store.SettingInt(ctx, settingRetryCount, s.defaultRetries)
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scheduler) rollJitter() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.disableAuto.Load() {
		s.tickSources(ctx, now)
	}
	s.tickTasks(ctx, now)
}

func (s *Scheduler) tickSources(ctx context.Context, now time.Time) {
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cron tick could not list credentials")
		return
	}

	for _, cred := range creds {
		if !cred.Enabled {
			delete(s.entries, cred.Service)
			continue
		}
		if _, ok := s.sources.Lookup(cred.Service); !ok {
			continue
		}

		entry := s.entryFor(ctx, cred)
		if entry == nil {
			continue
		}
		if entry.next.IsZero() {
			// First sighting: aim at the next boundary rather than
			// firing immediately, so restarts do not storm the portal.
			entry.next = entry.sched.Next(now)
			s.persistNextRun(ctx, cred.Service, entry.next)
			continue
		}
		if entry.next.After(now) {
			continue
		}

		entry.next = entry.sched.Next(now)
		s.persistNextRun(ctx, cred.Service, entry.next)

		st, err := s.store.GetStatus(ctx, cred.Service)
		if err == nil && st.Status != models.StateIdle {
			log.Debug().
				Str("service", cred.Service).
				Str("status", string(st.Status)).
				Msg("Cron fire skipped, service not idle")
			continue
		}

		job := Job{
			ID:         ulid.Make().String(),
			Service:    cred.Service,
			Trigger:    models.TriggerCron,
			EnqueuedAt: now,
		}
		if err := s.enqueue(job); err != nil {
			log.Warn().Err(err).Str("service", cred.Service).Msg("Failed to enqueue scheduled collection")
		}
	}
}

func (s *Scheduler) tickTasks(ctx context.Context, now time.Time) {
	for _, task := range s.tasks {
		if task.next.IsZero() {
			task.next = task.sched.Next(now)
			continue
		}
		if task.next.After(now) {
			continue
		}
		task.next = task.sched.Next(now)

		s.wg.Add(1)
		go func(t *maintenanceTask) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("task", t.name).Msg("Maintenance task panicked")
				}
			}()
			t.run(ctx)
		}(task)
	}
}

// entryFor resolves the cron text for a service (status config first,
// then settings, then the default) and re-parses only on change. A
// malformed expression falls back to the credential's fixed interval.
func (s *Scheduler) entryFor(ctx context.Context, cred models.CollectionCredential) *cronEntry {
	text := ""
	if st, err := s.store.GetStatus(ctx, cred.Service); err == nil {
		text = st.Config["schedule"]
	}
	if text == "" {
		text = s.store.SettingString(ctx, settingSchedule, DefaultSchedule)
	}

	entry := s.entries[cred.Service]
	if entry != nil && entry.spec == text {
		return entry
	}

	sched, err := s.parser.Parse(text)
	if err != nil {
		interval := time.Duration(cred.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 6 * time.Hour
		}
		log.Warn().
			Err(err).
			Str("service", cred.Service).
			Str("schedule", text).
			Dur("interval", interval).
			Msg("Bad cron expression, using fixed interval")
		sched = cron.Every(interval)
	}

	entry = &cronEntry{spec: text, sched: sched}
	s.entries[cred.Service] = entry
	return entry
}

func (s *Scheduler) persistNextRun(ctx context.Context, service string, at time.Time) {
	if err := s.store.SetNextRun(ctx, service, at); err != nil {
		log.Debug().Err(err).Str("service", service).Msg("Failed to persist next run time")
	}
}

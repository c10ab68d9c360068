package main

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/regintel/blacklist/internal/api"
	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/collector"
	"github.com/regintel/blacklist/internal/config"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/lifecycle"
	"github.com/regintel/blacklist/internal/logging"
	"github.com/regintel/blacklist/internal/metrics"
	"github.com/regintel/blacklist/internal/query"
	"github.com/regintel/blacklist/internal/scheduler"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/source/regtech"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 success, 1 config error, 2 init failure, 3 runtime failure.
const (
	exitConfig  = 1
	exitInit    = 2
	exitRuntime = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	if stderrors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

var rootCmd = &cobra.Command{
	Use:           "blacklist",
	Short:         "Blacklist - threat intelligence IP collection and distribution",
	Long:          `Blacklist collects malicious IP lists from threat intelligence portals, deduplicates them into a lifecycle-managed corpus, and serves them to firewalls and operators.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Blacklist %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a credential vault master key",
	Long:  `Generates a random 256-bit master key and prints it hex-encoded for use as CREDENTIAL_MASTER_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateMasterKey()
		if err != nil {
			return exitWith(exitInit, err)
		}
		fmt.Println(hex.EncodeToString(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(genkeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func runServer() error {
	// Baseline logger for early startup; re-initialized once config is in.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "blacklist",
	})

	cfg, err := config.Load()
	if err != nil {
		return exitWith(exitConfig, fmt.Errorf("load configuration: %w", err))
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "blacklist",
	})

	log.Info().Str("version", Version).Msg("Starting blacklist server")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return exitWith(exitInit, fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	v, err := vault.New(cfg.MasterKey, cfg.KeySalt)
	if err != nil {
		return exitWith(exitInit, fmt.Errorf("initialize vault: %w", err))
	}

	c := cache.New()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(splitOrigins(cfg.CORSOrigins))
	go hub.Run(ctx)

	sources := source.NewRegistry()
	rt := regtech.New()
	sources.Register(rt)

	tester := vault.NewTester(v, st, c)
	tester.RegisterProbe(rt.Name(), rt.Probe)

	col := collector.New(st, v, sources, c, hub, cfg.CollectionTimeout)
	sched := scheduler.New(st, col, sources, hub, scheduler.Options{
		Workers:        cfg.Workers,
		DefaultRetries: cfg.CollectionRetryCount,
		DisableAuto:    cfg.DisableAutoCollection,
	})
	engine := lifecycle.New(st, c, hub, cfg.RetentionDays)
	q := query.New(st, c)

	// Every registered source gets a status row so the read side shows
	// it before the first credential arrives.
	for _, name := range sources.Names() {
		if err := st.EnsureStatus(ctx, name); err != nil {
			return exitWith(exitInit, fmt.Errorf("seed status for %s: %w", name, err))
		}
	}

	// Nightly lifecycle sweep plus a periodic gauge refresh so the
	// active_ips metric stays honest between collections.
	if err := sched.RegisterTask("lifecycle_sweep", "0 0 * * *", func(ctx context.Context) {
		if _, _, err := engine.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Lifecycle sweep failed")
		}
	}); err != nil {
		return exitWith(exitInit, err)
	}
	if err := sched.RegisterTask("gauge_refresh", "*/15 * * * *", func(ctx context.Context) {
		stats, err := st.SourceStats(ctx)
		if err != nil {
			return
		}
		m := metrics.Get()
		for _, s := range stats {
			m.SetActiveIPs(s.Source, s.ActiveIPs)
		}
	}); err != nil {
		return exitWith(exitInit, err)
	}

	sched.Start(ctx)

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Store:     st,
		Cache:     c,
		Query:     q,
		Scheduler: sched,
		Collector: col,
		Lifecycle: engine,
		Vault:     v,
		Tester:    tester,
		Sources:   sources,
		Hub:       hub,
		Version:   Version,
	})

	// ReadHeaderTimeout instead of ReadTimeout: a full-request deadline
	// would survive the websocket upgrade and kill idle /ws clients.
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	watcher, err := config.NewWatcher(cfg.DataDir, func(vals map[string]string) {
		applyReload(cfg, sched, vals)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, .env changes need a restart")
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed")
		runErr = exitWith(exitRuntime, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	sched.Wait()

	log.Info().Msg("Server stopped")
	return runErr
}

// applyReload pushes the runtime-adjustable knobs from a reloaded .env
// into the running process. Structural settings (port, DB path, master
// key) still need a restart.
func applyReload(cfg *config.Config, sched *scheduler.Scheduler, vals map[string]string) {
	if v, ok := vals["LOG_LEVEL"]; ok && v != cfg.LogLevel {
		cfg.LogLevel = v
		logging.Init(logging.Config{
			Format:    cfg.LogFormat,
			Level:     v,
			Component: "blacklist",
		})
		log.Info().Str("level", v).Msg("Log level changed")
	}
	if v, ok := vals["DISABLE_AUTO_COLLECTION"]; ok {
		disabled := parseBool(v)
		if disabled != cfg.DisableAutoCollection {
			cfg.DisableAutoCollection = disabled
			sched.SetAutoCollection(!disabled)
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitOrigins(origins string) []string {
	if origins == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/collector"
	"github.com/regintel/blacklist/internal/config"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/lifecycle"
	"github.com/regintel/blacklist/internal/query"
	"github.com/regintel/blacklist/internal/scheduler"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

// Router wires every HTTP route to its handler group. Construction is
// the composition root for the read side; the write side arrives as the
// scheduler and collector built in main.
type Router struct {
	mux     *http.ServeMux
	cfg     *config.Config
	version string

	store     *store.Store
	cache     *cache.Cache
	query     *query.Service
	scheduler *scheduler.Scheduler
	collector *collector.Collector
	lifecycle *lifecycle.Engine
	vault     *vault.Vault
	tester    *vault.Tester
	sources   *source.Registry
	hub       *events.Hub
	limiter   *RateLimiter
}

// Deps collects everything the router needs. All fields are required
// except Hub, which may be nil in tests that never touch /ws.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Cache     *cache.Cache
	Query     *query.Service
	Scheduler *scheduler.Scheduler
	Collector *collector.Collector
	Lifecycle *lifecycle.Engine
	Vault     *vault.Vault
	Tester    *vault.Tester
	Sources   *source.Registry
	Hub       *events.Hub
	Version   string
}

// NewRouter builds the route table and returns the router.
func NewRouter(d Deps) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		cfg:       d.Config,
		version:   d.Version,
		store:     d.Store,
		cache:     d.Cache,
		query:     d.Query,
		scheduler: d.Scheduler,
		collector: d.Collector,
		lifecycle: d.Lifecycle,
		vault:     d.Vault,
		tester:    d.Tester,
		sources:   d.Sources,
		hub:       d.Hub,
		limiter: NewRateLimiter(d.Cache, d.Config.RateLimitRequests,
			d.Config.RateLimitWindow, d.Config.TrustProxyHeaders),
	}
	r.setupRoutes()
	return r
}

// Handler returns the router wrapped in the shared middleware chain.
func (r *Router) Handler() http.Handler {
	return ErrorHandler(r)
}

func (r *Router) setupRoutes() {
	blacklist := newBlacklistHandlers(r.query)
	stats := newStatsHandlers(r.query)
	collection := newCollectionHandlers(r.cfg, r.store, r.scheduler, r.collector,
		r.vault, r.tester, r.sources, r.query)
	feeds := newFeedHandlers(r.query, r.cfg.TrustProxyHeaders)
	whitelist := newWhitelistHandlers(r.store, r.lifecycle, r.cache)
	reports := newReportHandlers(r.store)
	settings := newSettingsHandlers(r.store, r.cache)

	// Health and process surface.
	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.Handle("/metrics", promhttp.Handler())

	// Blacklist read surface.
	r.mux.HandleFunc("/api/blacklist/list", get(blacklist.HandleList))
	r.mux.HandleFunc("/api/blacklist/search", get(blacklist.HandleSearch))
	r.mux.HandleFunc("/api/blacklist/", get(blacklist.HandleGetByIP))

	// Stats surface.
	r.mux.HandleFunc("/api/stats", get(stats.HandleOverview))
	r.mux.HandleFunc("/api/stats/timeline", get(stats.HandleTimeline))
	r.mux.HandleFunc("/api/stats/collection", get(stats.HandleCollection))
	r.mux.HandleFunc("/api/stats/sources", get(stats.HandleSources))
	r.mux.HandleFunc("/api/stats/pulls", get(stats.HandlePulls))

	// Firewall feeds. Device-facing, no auth by design: the proxy layer
	// restricts these to management networks.
	r.mux.HandleFunc("/api/fortinet/threat-feed", get(feeds.HandleThreatFeed))
	r.mux.HandleFunc("/api/fortinet/blocklist", get(feeds.HandleBlocklist))

	// Collection control surface. Mutations carry the rate limit.
	r.mux.HandleFunc("/api/collection/trigger/", r.limited(http.MethodPost, collection.HandleTrigger))
	r.mux.HandleFunc("/api/collection/cancel/", r.limited(http.MethodPost, collection.HandleCancel))
	r.mux.HandleFunc("/api/collection/test/", r.limited(http.MethodPost, collection.HandleTest))
	r.mux.HandleFunc("/api/collection/credentials/", r.limited(http.MethodPut, collection.HandleCredentials))
	r.mux.HandleFunc("/api/collection/status/", r.limited(http.MethodPut, collection.HandleStatus))
	r.mux.HandleFunc("/api/collection/ingest", r.limited(http.MethodPost, collection.HandleIngest))
	r.mux.HandleFunc("/api/collection/history", get(collection.HandleHistory))
	r.mux.HandleFunc("/api/collection/status", get(collection.HandleStatusList))

	// Whitelist and resolution.
	r.mux.HandleFunc("/api/whitelist/list", get(whitelist.HandleList))
	r.mux.HandleFunc("/api/whitelist", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			r.limiter.Middleware(whitelist.HandleAdd)(w, req)
		case http.MethodGet:
			whitelist.HandleList(w, req)
		default:
			writeMethodNotAllowed(w, req)
		}
	})
	r.mux.HandleFunc("/api/whitelist/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodDelete {
			writeMethodNotAllowed(w, req)
			return
		}
		r.limiter.Middleware(whitelist.HandleRemove)(w, req)
	})
	r.mux.HandleFunc("/api/resolution/", get(whitelist.HandleResolution))

	// Reports and exports.
	r.mux.HandleFunc("/api/reports/collection", get(reports.HandleCollectionPDF))
	r.mux.HandleFunc("/api/export/csv", get(reports.HandleCSVExport))

	// Settings.
	r.mux.HandleFunc("/api/settings", get(settings.HandleList))
	r.mux.HandleFunc("/api/settings/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			settings.HandleGet(w, req)
		case http.MethodPut:
			r.limiter.Middleware(settings.HandleSet)(w, req)
		default:
			writeMethodNotAllowed(w, req)
		}
	})

	// Live event stream.
	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.hub.HandleWebSocket)
	}
}

// get restricts a handler to the GET method.
func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r)
			return
		}
		h(w, r)
	}
}

// limited restricts a handler to one method and applies the rate limit.
func (r *Router) limited(method string, h http.HandlerFunc) http.HandlerFunc {
	wrapped := r.limiter.Middleware(h)
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			writeMethodNotAllowed(w, req)
			return
		}
		wrapped(w, req)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		r.Method+" is not supported on "+r.URL.Path)
}

// ServeHTTP applies CORS and security headers, then dispatches.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if origin := r.allowOrigin(req); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
		w.Header().Set("Vary", "Origin")
	}
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/") || req.URL.Path == "/health" {
		addSecurityHeaders(w)
	}

	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Request handled")
}

// allowOrigin matches the request origin against the configured
// allowlist. Empty config means CORS headers are never emitted.
func (r *Router) allowOrigin(req *http.Request) string {
	if r.cfg.CORSOrigins == "" {
		return ""
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	for _, allowed := range strings.Split(r.cfg.CORSOrigins, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "no-store")
}

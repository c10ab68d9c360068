package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/regintel/blacklist/internal/collector"
	"github.com/regintel/blacklist/internal/config"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/query"
	"github.com/regintel/blacklist/internal/scheduler"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

type collectionHandlers struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *scheduler.Scheduler
	collector *collector.Collector
	vault     *vault.Vault
	tester    *vault.Tester
	sources   *source.Registry
	query     *query.Service
}

func newCollectionHandlers(cfg *config.Config, st *store.Store, sched *scheduler.Scheduler,
	col *collector.Collector, v *vault.Vault, tester *vault.Tester,
	sources *source.Registry, q *query.Service) *collectionHandlers {
	return &collectionHandlers{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		collector: col,
		vault:     v,
		tester:    tester,
		sources:   sources,
		query:     q,
	}
}

// servicePath extracts and normalizes the service name path parameter.
func servicePath(r *http.Request, prefix string) (string, error) {
	service := strings.ToUpper(pathTail(r, prefix))
	if service == "" {
		return "", errors.Validation("service_path", fmt.Errorf("service name is required in the path"))
	}
	return service, nil
}

// HandleTrigger serves POST /api/collection/trigger/:service. The job
// runs asynchronously; 202 means queued, not collected. force=true
// overrides the error-state cooldown, never a running job.
func (h *collectionHandlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	service, err := servicePath(r, "/api/collection/trigger/")
	if err != nil {
		writeError(w, r, err)
		return
	}
	force, err := queryBool(r, "force")
	if err != nil {
		writeError(w, r, err)
		return
	}

	jobID, err := h.scheduler.Trigger(r.Context(), service, models.TriggerManual, force != nil && *force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  jobID,
		"service": service,
		"status":  "queued",
	})
}

// HandleCancel serves POST /api/collection/cancel/:service.
func (h *collectionHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	service, err := servicePath(r, "/api/collection/cancel/")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.scheduler.Cancel(service); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"status":  "cancelled",
	})
}

// HandleTest serves POST /api/collection/test/:service, a live login
// check without a collection run. A failed login is a 200 with
// success=false; only infrastructure problems are errors.
func (h *collectionHandlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	service, err := servicePath(r, "/api/collection/test/")
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.tester.TestConnectivity(r.Context(), service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type credentialRequest struct {
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	Enabled         *bool             `json:"enabled,omitempty"`
	IntervalSeconds *int              `json:"interval_seconds,omitempty"`
	Config          map[string]string `json:"config,omitempty"`
}

// HandleCredentials serves PUT /api/collection/credentials/:service.
// The password is encrypted before it reaches the store and never
// appears in any response or log line.
func (h *collectionHandlers) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	service, err := servicePath(r, "/api/collection/credentials/")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, ok := h.sources.Lookup(service); !ok {
		writeError(w, r, errors.NotFound("credentials", service))
		return
	}

	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, errors.Validation("credentials",
			fmt.Errorf("username and password are required")))
		return
	}

	ciphertext, err := h.vault.Encrypt(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	cred := models.CollectionCredential{
		Service:   service,
		Username:  req.Username,
		Password:  ciphertext,
		Encrypted: true,
		Config:    req.Config,
		Enabled:   true,
	}
	// Omitted fields keep their stored values.
	if prior, err := h.store.LoadCredential(r.Context(), service); err == nil {
		cred.Enabled = prior.Enabled
		cred.IntervalSeconds = prior.IntervalSeconds
		if cred.Config == nil {
			cred.Config = prior.Config
		}
	}
	if req.Enabled != nil {
		cred.Enabled = *req.Enabled
	}
	if req.IntervalSeconds != nil {
		cred.IntervalSeconds = *req.IntervalSeconds
	}

	if err := h.store.StoreCredential(r.Context(), cred); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.EnsureStatus(r.Context(), service); err != nil {
		writeError(w, r, err)
		return
	}
	h.tester.Invalidate(service)

	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"status":  "saved",
		"enabled": cred.Enabled,
	})
}

type statusToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleStatus serves PUT /api/collection/status/:service, flipping a
// service between enabled and disabled. A running job keeps running;
// disabling only blocks future triggers.
func (h *collectionHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	service, err := servicePath(r, "/api/collection/status/")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req statusToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, r, errors.Validation("status_toggle",
			fmt.Errorf("enabled is required")))
		return
	}

	ctx := r.Context()
	if err := h.store.SetCredentialEnabled(ctx, service, *req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}

	if *req.Enabled {
		// Only the disabled state is worth leaving; idle, error, and
		// running already accept triggers or settle on their own.
		if _, err := h.store.TransitionStatus(ctx, service, models.StateDisabled, models.StateIdle); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		for _, from := range []models.ServiceState{models.StateIdle, models.StateError} {
			ok, err := h.store.TransitionStatus(ctx, service, from, models.StateDisabled)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if ok {
				break
			}
		}
	}

	status, err := h.store.GetStatus(ctx, service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"enabled": *req.Enabled,
		"status":  status.Status,
	})
}

type ingestRequest struct {
	Source string          `json:"source,omitempty"`
	Rows   []models.RawRow `json:"rows"`
}

// HandleIngest serves POST /api/collection/ingest, the push path for
// deployments where this process cannot reach the portal. Requires the
// ingest API key; without one configured the route is a hard 403.
func (h *collectionHandlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if h.cfg.IngestAPIKey == "" {
		writeProblem(w, r, http.StatusForbidden, "Ingest Disabled",
			"No ingest API key is configured on this instance")
		return
	}
	key := r.Header.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.IngestAPIKey)) != 1 {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized",
			"Missing or invalid X-API-Key header")
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, r, errors.Validation("ingest",
			fmt.Errorf("rows must not be empty")))
		return
	}

	service := strings.ToUpper(req.Source)
	history, err := h.collector.Ingest(r.Context(), service, req.Rows, models.TriggerAPI)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Rows that neither inserted nor updated were rejected by the
	// normalizer or failed their batch.
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   history.Service,
		"total":    len(req.Rows),
		"inserted": history.Inserted,
		"updated":  history.Updated,
		"errors":   len(req.Rows) - history.Inserted - history.Updated,
	})
}

// HandleHistory serves GET /api/collection/history?service=&limit=.
func (h *collectionHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	service := strings.ToUpper(r.URL.Query().Get("service"))

	history, err := h.query.History(r.Context(), service, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []models.CollectionHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(history),
		"history": history,
	})
}

// HandleStatusList serves GET /api/collection/status: every service's
// scheduler state joined with its credential metadata. Passwords never
// leave the store ciphertext, and the JSON tag drops them here anyway.
func (h *collectionHandlers) HandleStatusList(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.store.ListStatuses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := h.store.ListCredentials(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	byService := make(map[string]models.CollectionCredential, len(creds))
	for _, c := range creds {
		byService[c.Service] = c
	}

	type serviceStatus struct {
		models.CollectionStatus
		Credential *models.CollectionCredential `json:"credential,omitempty"`
	}
	services := make([]serviceStatus, 0, len(statuses))
	for _, st := range statuses {
		entry := serviceStatus{CollectionStatus: st}
		if c, ok := byService[st.Service]; ok {
			c.Password = ""
			entry.Credential = &c
		}
		services = append(services, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(services),
		"services": services,
		"queued":   h.scheduler.QueueDepth(),
	})
}

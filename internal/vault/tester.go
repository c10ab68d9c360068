package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

// CredentialStore is the slice of the store the tester needs.
type CredentialStore interface {
	LoadCredential(ctx context.Context, service string) (*models.CollectionCredential, error)
	UpdateCredentialTest(ctx context.Context, service string, ok bool, message string, at time.Time) error
}

// Probe performs a live login against the upstream portal. The regtech
// source registers one at startup.
type Probe func(ctx context.Context, cred models.CollectionCredential) error

// TestResult is the outcome of a connectivity test. Cached marks results
// served from the 60s memo window instead of a live login.
type TestResult struct {
	Service  string    `json:"service"`
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
	TestedAt time.Time `json:"tested_at"`
	Cached   bool      `json:"cached"`
}

// Tester runs live credential checks and persists last_test_* fields.
// Results are memoized briefly so a hammered test button cannot lock the
// account upstream.
type Tester struct {
	vault *Vault
	store CredentialStore
	cache *cache.Cache

	mu     sync.RWMutex
	probes map[string]Probe
}

func NewTester(v *Vault, store CredentialStore, c *cache.Cache) *Tester {
	return &Tester{
		vault:  v,
		store:  store,
		cache:  c,
		probes: make(map[string]Probe),
	}
}

// RegisterProbe wires a service's live login check.
func (t *Tester) RegisterProbe(service string, p Probe) {
	t.mu.Lock()
	t.probes[service] = p
	t.mu.Unlock()
}

// Invalidate drops the memoized result so the next test runs a live
// probe. Called after a credential update.
func (t *Tester) Invalidate(service string) {
	t.cache.Delete("credtest:" + service)
}

// TestConnectivity decrypts the stored credential, runs the service's
// probe, and records the outcome. A failed login is a successful test
// call: the failure lands in the result, not the error.
func (t *Tester) TestConnectivity(ctx context.Context, service string) (TestResult, error) {
	const op = "test_connectivity"

	cacheKey := "credtest:" + service
	if v, ok := t.cache.Get(cacheKey); ok {
		if res, ok := v.(TestResult); ok {
			res.Cached = true
			return res, nil
		}
	}

	t.mu.RLock()
	probe, ok := t.probes[service]
	t.mu.RUnlock()
	if !ok {
		return TestResult{}, errors.NotFound(op, fmt.Sprintf("no probe registered for service %q", service))
	}

	cred, err := t.store.LoadCredential(ctx, service)
	if err != nil {
		return TestResult{}, err
	}

	if cred.Encrypted {
		plain, err := t.vault.Decrypt(cred.Password)
		if err != nil {
			return TestResult{}, err
		}
		cred.Password = plain
		cred.Encrypted = false
	}

	res := TestResult{Service: service, TestedAt: time.Now()}
	if err := probe(ctx, *cred); err != nil {
		res.Message = err.Error()
	} else {
		res.Success = true
		res.Message = "login ok"
	}

	if err := t.store.UpdateCredentialTest(ctx, service, res.Success, res.Message, res.TestedAt); err != nil {
		log.Warn().Err(err).Str("service", service).Msg("Failed to persist credential test result")
	}
	t.cache.Set(cacheKey, res, cache.TTLCredTest)

	return res, nil
}

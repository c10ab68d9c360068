package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/regintel/blacklist/internal/models"
)

// Session is an authenticated browsing context. Only the source that
// produced it understands its contents; callers must Close it on every
// exit path so connections and cookies are released.
type Session interface {
	Close()
}

// DateWindow bounds a fetch. Both ends are inclusive dates.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// DefaultWindow is the standing collection range: the last three months.
func DefaultWindow(now time.Time) DateWindow {
	return DateWindow{From: now.AddDate(0, -3, 0), To: now}
}

// Source is one upstream intel portal. Implementations are stateless
// across runs; per-run state lives in the Session.
type Source interface {
	Name() string
	Authenticate(ctx context.Context, cred models.CollectionCredential) (Session, error)
	Fetch(ctx context.Context, sess Session, window DateWindow) ([]byte, error)
	Parse(ctx context.Context, artifact []byte) ([]models.RawRow, error)
}

// Registry routes collection jobs to source implementations by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(s Source) {
	r.mu.Lock()
	r.sources[s.Name()] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Source, bool) {
	r.mu.RLock()
	s, ok := r.sources[name]
	r.mu.RUnlock()
	return s, ok
}

// Names lists registered sources in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

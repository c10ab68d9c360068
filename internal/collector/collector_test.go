package collector

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/events"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/source"
	"github.com/regintel/blacklist/internal/store"
	"github.com/regintel/blacklist/internal/vault"
)

type nopSession struct{}

func (nopSession) Close() {}

// fakeSource scripts one portal's behavior for pipeline tests.
type fakeSource struct {
	name         string
	authErr      error
	fetchErr     error
	rows         []models.RawRow
	panicOnFetch bool
	blockOnFetch bool

	mu          sync.Mutex
	authCalls   int
	gotPassword string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Authenticate(ctx context.Context, cred models.CollectionCredential) (source.Session, error) {
	f.mu.Lock()
	f.authCalls++
	f.gotPassword = cred.Password
	f.mu.Unlock()
	if f.authErr != nil {
		return nil, f.authErr
	}
	return nopSession{}, nil
}

func (f *fakeSource) Fetch(ctx context.Context, sess source.Session, window source.DateWindow) ([]byte, error) {
	if f.panicOnFetch {
		panic("portal exploded")
	}
	if f.blockOnFetch {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []byte("artifact"), nil
}

func (f *fakeSource) Parse(ctx context.Context, artifact []byte) ([]models.RawRow, error) {
	return f.rows, nil
}

type fixture struct {
	col   *Collector
	store *store.Store
	vault *vault.Vault
	src   *fakeSource
}

func newFixture(t *testing.T, src *fakeSource) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.New(bytes.Repeat([]byte{7}, 32), "test-salt")
	require.NoError(t, err)

	c := cache.New()
	t.Cleanup(c.Close)

	reg := source.NewRegistry()
	if src != nil {
		reg.Register(src)
	}

	return &fixture{
		col:   New(st, v, reg, c, events.NewHub(nil), 30*time.Second),
		store: st,
		vault: v,
		src:   src,
	}
}

func (f *fixture) seedCredential(t *testing.T, service string, enabled bool) {
	t.Helper()
	require.NoError(t, f.store.StoreCredential(context.Background(), models.CollectionCredential{
		Service:  service,
		Username: "analyst",
		Password: "plain-password",
		Enabled:  enabled,
	}))
}

func validRows() []models.RawRow {
	return []models.RawRow{
		{IP: "203.0.113.5", Country: "KR", Reason: "SQL Injection"},
		{IP: "198.51.100.7", Country: "US"},
		{IP: "192.0.2.9"},
	}
}

func TestCollectSuccess(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", rows: validRows()})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.NoError(t, err)
	assert.True(t, h.Success)
	assert.Equal(t, 3, h.Inserted)
	assert.Equal(t, 3, h.ItemsCollected)
	assert.NotEmpty(t, h.ID)

	status, err := f.store.GetStatus(ctx, "REGTECH")
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, status.Status)
	assert.Equal(t, 1, status.SuccessCount)

	runs, err := f.store.ListHistory(ctx, "REGTECH", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)

	cred, err := f.store.LoadCredential(ctx, "REGTECH")
	require.NoError(t, err)
	assert.NotNil(t, cred.LastCollection, "successful runs stamp last_collection")
}

func TestCollectRerunUpdatesInsteadOfInserting(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", rows: validRows()})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	_, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.NoError(t, err)

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Inserted)
	assert.Equal(t, 3, h.Updated)

	records, err := f.store.GetByIP(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 2, records[0].DetectionCount)
}

func TestCollectUnknownService(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.col.Collect(context.Background(), "NOPE", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestCollectDisabledCredential(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH"})
	f.seedCredential(t, "REGTECH", false)

	_, err := f.col.Collect(context.Background(), "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindDisabled, errors.KindOf(err))
}

func TestCollectBusyWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", rows: validRows()})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureStatus(ctx, "REGTECH"))
	won, err := f.store.TransitionStatus(ctx, "REGTECH", models.StateIdle, models.StateRunning)
	require.NoError(t, err)
	require.True(t, won)

	_, err = f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindBusy, errors.KindOf(err))

	// force does not barge past a live run either.
	_, err = f.col.Collect(ctx, "REGTECH", models.TriggerManual, true)
	require.Error(t, err)
	assert.Equal(t, errors.KindBusy, errors.KindOf(err))
}

func TestCollectErrorStateNeedsForce(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", rows: validRows()})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureStatus(ctx, "REGTECH"))
	require.NoError(t, f.store.SetServiceState(ctx, "REGTECH", models.StateError))

	_, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindBusy, errors.KindOf(err), "error state means cooldown without force")

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, true)
	require.NoError(t, err)
	assert.True(t, h.Success)
}

func TestCollectDecryptsCredentialForPortal(t *testing.T) {
	src := &fakeSource{name: "REGTECH", rows: validRows()}
	f := newFixture(t, src)
	ctx := context.Background()

	ciphertext, err := f.vault.Encrypt("s3cret-portal-pw")
	require.NoError(t, err)
	require.NoError(t, f.store.StoreCredential(ctx, models.CollectionCredential{
		Service:   "REGTECH",
		Username:  "analyst",
		Password:  ciphertext,
		Encrypted: true,
		Enabled:   true,
	}))

	_, err = f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.NoError(t, err)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, "s3cret-portal-pw", src.gotPassword, "portal must see plaintext")

	// What is stored stays ciphertext.
	cred, err := f.store.LoadCredential(ctx, "REGTECH")
	require.NoError(t, err)
	assert.Equal(t, ciphertext, cred.Password)
	assert.True(t, cred.Encrypted)
}

func TestCollectAuthFailure(t *testing.T) {
	f := newFixture(t, &fakeSource{
		name:    "REGTECH",
		authErr: errors.Auth("regtech_login", "REGTECH", errors.AuthInvalid, assert.AnError),
	})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindAuth, errors.KindOf(err))
	assert.False(t, h.Success)
	assert.NotEmpty(t, h.Error)

	status, err := f.store.GetStatus(ctx, "REGTECH")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, status.Status)
	assert.Equal(t, 1, status.ErrorCount)

	runs, err := f.store.ListHistory(ctx, "REGTECH", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
}

func TestCollectPanicBecomesFailedRun(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", panicOnFetch: true})
	f.seedCredential(t, "REGTECH", true)
	ctx := context.Background()

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
	assert.Contains(t, h.Error, "panic")

	// The status machine settles instead of sticking in running.
	status, err := f.store.GetStatus(ctx, "REGTECH")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, status.Status)
}

func TestCollectRejectsUnusableRows(t *testing.T) {
	rows := append(validRows(),
		models.RawRow{IP: "192.168.1.1"}, // private
		models.RawRow{IP: "not-an-ip"},
	)
	f := newFixture(t, &fakeSource{name: "REGTECH", rows: rows})
	f.seedCredential(t, "REGTECH", true)

	h, err := f.col.Collect(context.Background(), "REGTECH", models.TriggerManual, false)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Inserted, "only public IPs land")
	assert.Contains(t, h.Details, "reject_reasons")
}

func TestCollectCancelledRun(t *testing.T) {
	f := newFixture(t, &fakeSource{name: "REGTECH", blockOnFetch: true})
	f.seedCredential(t, "REGTECH", true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	h, err := f.col.Collect(ctx, "REGTECH", models.TriggerManual, false)
	require.Error(t, err)
	assert.False(t, h.Success)

	// Terminal bookkeeping survives the dead context.
	status, err := f.store.GetStatus(context.Background(), "REGTECH")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, status.Status)

	runs, err := f.store.ListHistory(context.Background(), "REGTECH", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestIngestDefaultsToRegtech(t *testing.T) {
	f := newFixture(t, nil) // push path needs no registered source
	ctx := context.Background()

	h, err := f.col.Ingest(ctx, "", validRows(), models.TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, models.SourceREGTECH, h.Service)
	assert.Equal(t, 3, h.Inserted)
	assert.Equal(t, models.TriggerAPI, h.Trigger)

	status, err := f.store.GetStatus(ctx, models.SourceREGTECH)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, status.Status)
}

func TestIngestBusyService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureStatus(ctx, "PUSHFEED"))
	_, err := f.store.TransitionStatus(ctx, "PUSHFEED", models.StateIdle, models.StateRunning)
	require.NoError(t, err)

	_, err = f.col.Ingest(ctx, "PUSHFEED", validRows(), models.TriggerAPI)
	require.Error(t, err)
	assert.Equal(t, errors.KindBusy, errors.KindOf(err))
}

func TestIngestTalliesRejects(t *testing.T) {
	f := newFixture(t, nil)

	rows := []models.RawRow{
		{IP: "203.0.113.50"},
		{IP: "127.0.0.1"}, // loopback never lands
		{IP: ""},
	}
	h, err := f.col.Ingest(context.Background(), "PUSHFEED", rows, models.TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Inserted)
	assert.Contains(t, h.Details, "loopback_ip")
}

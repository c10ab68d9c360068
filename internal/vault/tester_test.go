package vault

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/regintel/blacklist/internal/cache"
	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

type fakeCredStore struct {
	cred    *models.CollectionCredential
	loadErr error
	lastOK  *bool
	lastMsg string
}

func (f *fakeCredStore) LoadCredential(ctx context.Context, service string) (*models.CollectionCredential, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	c := *f.cred
	return &c, nil
}

func (f *fakeCredStore) UpdateCredentialTest(ctx context.Context, service string, ok bool, message string, at time.Time) error {
	f.lastOK = &ok
	f.lastMsg = message
	return nil
}

func newTestTester(t *testing.T, store CredentialStore) (*Tester, *Vault) {
	t.Helper()
	v, err := New(testKey(9), "salt")
	if err != nil {
		t.Fatal(err)
	}
	c := cache.New()
	t.Cleanup(c.Close)
	return NewTester(v, store, c), v
}

func TestTestConnectivitySuccess(t *testing.T) {
	store := &fakeCredStore{cred: &models.CollectionCredential{
		Service:  "REGTECH",
		Username: "user",
		Password: "plain",
		Enabled:  true,
	}}
	tester, _ := newTestTester(t, store)

	var gotPassword string
	probeCalls := 0
	tester.RegisterProbe("REGTECH", func(ctx context.Context, cred models.CollectionCredential) error {
		probeCalls++
		gotPassword = cred.Password
		return nil
	})

	res, err := tester.TestConnectivity(context.Background(), "REGTECH")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Cached {
		t.Errorf("result = %+v, want live success", res)
	}
	if gotPassword != "plain" {
		t.Errorf("probe saw password %q", gotPassword)
	}
	if store.lastOK == nil || !*store.lastOK {
		t.Error("test outcome not persisted")
	}

	// Second call inside the memo window is served from cache.
	res2, err := tester.TestConnectivity(context.Background(), "REGTECH")
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Cached {
		t.Error("second call not memoized")
	}
	if probeCalls != 1 {
		t.Errorf("probe ran %d times, want 1", probeCalls)
	}
}

func TestTestConnectivityDecryptsCiphertext(t *testing.T) {
	store := &fakeCredStore{}
	tester, v := newTestTester(t, store)

	ct, err := v.Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	store.cred = &models.CollectionCredential{
		Service:   "REGTECH",
		Username:  "user",
		Password:  ct,
		Encrypted: true,
	}

	var gotPassword string
	tester.RegisterProbe("REGTECH", func(ctx context.Context, cred models.CollectionCredential) error {
		gotPassword = cred.Password
		return nil
	})

	if _, err := tester.TestConnectivity(context.Background(), "REGTECH"); err != nil {
		t.Fatal(err)
	}
	if gotPassword != "s3cret" {
		t.Errorf("probe saw %q, want decrypted secret", gotPassword)
	}
}

func TestTestConnectivityLoginFailureIsResult(t *testing.T) {
	store := &fakeCredStore{cred: &models.CollectionCredential{
		Service:  "REGTECH",
		Username: "user",
		Password: "wrong",
	}}
	tester, _ := newTestTester(t, store)
	tester.RegisterProbe("REGTECH", func(ctx context.Context, cred models.CollectionCredential) error {
		return fmt.Errorf("login rejected")
	})

	res, err := tester.TestConnectivity(context.Background(), "REGTECH")
	if err != nil {
		t.Fatalf("login failure must not be a transport error: %v", err)
	}
	if res.Success {
		t.Error("failed login reported as success")
	}
	if res.Message == "" {
		t.Error("failure message missing")
	}
	if store.lastOK == nil || *store.lastOK {
		t.Error("failed outcome not persisted")
	}
}

func TestTestConnectivityNoProbe(t *testing.T) {
	store := &fakeCredStore{cred: &models.CollectionCredential{Service: "GHOST"}}
	tester, _ := newTestTester(t, store)

	_, err := tester.TestConnectivity(context.Background(), "GHOST")
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("kind = %q, want not_found", errors.KindOf(err))
	}
}

func TestInvalidateForcesLiveProbe(t *testing.T) {
	store := &fakeCredStore{cred: &models.CollectionCredential{
		Service:  "REGTECH",
		Username: "user",
		Password: "plain",
	}}
	tester, _ := newTestTester(t, store)

	probeCalls := 0
	tester.RegisterProbe("REGTECH", func(ctx context.Context, cred models.CollectionCredential) error {
		probeCalls++
		return nil
	})

	if _, err := tester.TestConnectivity(context.Background(), "REGTECH"); err != nil {
		t.Fatal(err)
	}
	tester.Invalidate("REGTECH")
	if _, err := tester.TestConnectivity(context.Background(), "REGTECH"); err != nil {
		t.Fatal(err)
	}
	if probeCalls != 2 {
		t.Errorf("probe ran %d times, want 2 after invalidation", probeCalls)
	}
}

// Package regtech collects the KISA/FSEC threat-intel blacklist through
// the portal's authenticated web UI: two-stage form login, advisory
// board navigation, Excel export download. There is no API; this is
// deliberate headless scraping, so every selector and path is
// config-overridable for when the portal drifts.
package regtech

import (
	"context"
	"fmt"
	"time"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
	"github.com/regintel/blacklist/internal/source"
)

// Source implements source.Source for the REGTECH portal.
type Source struct {
	baseURL string
}

type Option func(*Source)

// WithBaseURL points the source at a different portal host, mostly for
// tests against a local stand-in.
func WithBaseURL(u string) Option {
	return func(s *Source) { s.baseURL = u }
}

func New(opts ...Option) *Source {
	s := &Source{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Name() string { return models.SourceREGTECH }

// Authenticate opens a fresh browsing context and runs the login flow.
// The context is released here on failure; on success the caller owns
// the returned session and must Close it.
func (s *Source) Authenticate(ctx context.Context, cred models.CollectionCredential) (source.Session, error) {
	const op = "regtech_login"

	if cred.Username == "" || cred.Password == "" {
		return nil, errors.Auth(op, s.Name(), errors.AuthInvalid,
			fmt.Errorf("credential has empty username or password"))
	}

	baseURL := s.baseURL
	if v := cred.Config["base_url"]; v != "" {
		baseURL = v
	}

	sess, err := newSession(baseURL)
	if err != nil {
		return nil, errors.New(errors.KindInternal, op, s.Name(), err)
	}

	cred.Service = s.Name()
	if err := sess.login(ctx, cred); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// Fetch downloads the blacklist tab's Excel export for the window.
func (s *Source) Fetch(ctx context.Context, sess source.Session, window source.DateWindow) ([]byte, error) {
	const op = "regtech_fetch"

	rs, ok := sess.(*session)
	if !ok {
		return nil, errors.Validation(op, fmt.Errorf("session was not produced by this source"))
	}
	if window.From.IsZero() || window.To.IsZero() {
		window = source.DefaultWindow(time.Now())
	}

	return rs.downloadExcel(ctx, dateWindow{
		from: window.From.Format("2006-01-02"),
		to:   window.To.Format("2006-01-02"),
	})
}

// Parse reads the downloaded workbook into raw rows.
func (s *Source) Parse(ctx context.Context, artifact []byte) ([]models.RawRow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return parseExcel(artifact)
}

// Probe is the connectivity-test hook: log in, then release the context
// immediately. Used by the credential tester, never by collection runs.
func (s *Source) Probe(ctx context.Context, cred models.CollectionCredential) error {
	sess, err := s.Authenticate(ctx, cred)
	if err != nil {
		return err
	}
	sess.Close()
	return nil
}

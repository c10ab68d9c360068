package regtech

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	stderrors "errors"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

const (
	defaultBaseURL = "https://regtech.fsec.or.kr"

	idCheckPath   = "/login/idCheck"
	loginPath     = "/login/loginProcess"
	advisoryPath  = "/fcti/securityAdvisory/advisoryList"
	excelPath     = "/fcti/securityAdvisory/advisoryListExcel"
	blacklistTab  = "blacklist"
	downloadLimit = 50 << 20 // 50 MiB Excel cap

	navTimeout      = 30 * time.Second
	downloadTimeout = 60 * time.Second

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	// Both must be present after login; either missing means the portal
	// rejected us even if it answered 200.
	cookieVA    = "regtech-va"
	cookieFront = "regtech-front"
)

// session is one authenticated browsing context: its own cookie jar and
// its own transport, torn down together on Close.
type session struct {
	client    *http.Client
	transport *http.Transport
	baseURL   string
	closeOnce sync.Once
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.transport.CloseIdleConnections()
	})
}

func newSession(baseURL string) (*session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	transport := newTransport()
	return &session{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   2 * time.Minute, // backstop; per-request contexts are tighter
		},
		transport: transport,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}, nil
}

type pageResult struct {
	status      int
	contentType string
	body        []byte
	finalURL    *url.URL
}

// fetch runs one request under its own deadline and drains the body
// while the deadline is still alive.
func (s *session) fetch(ctx context.Context, timeout time.Duration, method, path string, form url.Values) (*pageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Referer", s.baseURL+advisoryPath)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, downloadLimit))
	if err != nil {
		return nil, err
	}

	return &pageResult{
		status:      resp.StatusCode,
		contentType: strings.ToLower(resp.Header.Get("Content-Type")),
		body:        data,
		finalURL:    resp.Request.URL,
	}, nil
}

// login runs the portal's two-stage flow: the id discovery POST primes
// the session, then the credential POST authenticates it. Success is
// judged by cookies and the final location, never by status code alone,
// because the portal answers 200 to failed logins too.
func (s *session) login(ctx context.Context, cred models.CollectionCredential) error {
	const op = "regtech_login"
	service := cred.Service

	discover, err := s.fetch(ctx, navTimeout, http.MethodPost, idCheckPath, url.Values{
		"loginID": {cred.Username},
	})
	if err != nil {
		return classifyTransport(op, service, err)
	}
	if discover.status >= 400 {
		return errors.New(errors.KindAuth, op, service,
			fmt.Errorf("id discovery rejected: status %d", discover.status)).
			WithReason(errors.AuthInvalid).WithStatusCode(discover.status)
	}

	result, err := s.fetch(ctx, navTimeout, http.MethodPost, loginPath, url.Values{
		"loginID": {cred.Username},
		"loginPW": {cred.Password},
	})
	if err != nil {
		return classifyTransport(op, service, err)
	}

	if s.authenticated(result) {
		log.Debug().Str("service", service).Msg("Portal login succeeded")
		return nil
	}

	reason := classifyLoginBody(string(result.body))
	err = fmt.Errorf("login rejected: %s", describeLoginPage(result))
	return errors.Auth(op, service, reason, err)
}

// authenticated checks the portal's success signals: both session cookies
// present and the final URL no longer under /login.
func (s *session) authenticated(result *pageResult) bool {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return false
	}

	var hasVA, hasFront bool
	for _, c := range s.client.Jar.Cookies(base) {
		switch c.Name {
		case cookieVA:
			hasVA = true
		case cookieFront:
			hasFront = true
		}
	}
	if !hasVA || !hasFront {
		return false
	}
	return !strings.HasPrefix(result.finalURL.Path, "/login")
}

// downloadExcel navigates the advisory board, then posts the blacklist
// tab's Excel export for the date window.
func (s *session) downloadExcel(ctx context.Context, window dateWindow) ([]byte, error) {
	const op = "regtech_fetch"

	nav, err := s.fetch(ctx, navTimeout, http.MethodGet, advisoryPath, nil)
	if err != nil {
		return nil, classifyTransport(op, "", err)
	}
	if nav.status >= 400 {
		return nil, errors.Network(op, "", fmt.Errorf("advisory page: status %d", nav.status))
	}

	dl, err := s.fetch(ctx, downloadTimeout, http.MethodPost, excelPath, url.Values{
		"startDate": {window.from},
		"endDate":   {window.to},
		"tabGubun":  {blacklistTab},
	})
	if err != nil {
		return nil, classifyTransport(op, "", err)
	}
	if dl.status >= 400 {
		return nil, errors.New(errors.KindNetwork, op, "",
			fmt.Errorf("excel download: status %d", dl.status)).WithStatusCode(dl.status)
	}
	if !excelContentType(dl.contentType) {
		return nil, errors.Network(op, "", fmt.Errorf(
			"excel download returned %q, not a spreadsheet (session likely expired)", dl.contentType))
	}
	return dl.body, nil
}

type dateWindow struct {
	from, to string
}

func excelContentType(ct string) bool {
	return strings.Contains(ct, "spreadsheet") ||
		strings.Contains(ct, "excel") ||
		strings.Contains(ct, "octet-stream")
}

// classifyTransport maps raw transport errors onto the auth taxonomy.
func classifyTransport(op, service string, err error) error {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Auth(op, service, errors.AuthTimeout, err)
	case stderrors.Is(err, context.Canceled):
		return errors.New(errors.KindCancelled, op, service, err)
	default:
		return errors.Auth(op, service, errors.AuthNetwork, err)
	}
}

// classifyLoginBody sniffs the rejection page for an account lock
// notice; everything else is treated as bad credentials.
func classifyLoginBody(body string) errors.AuthReason {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "lock") ||
		strings.Contains(body, "잠금") ||
		strings.Contains(body, "잠겼") ||
		strings.Contains(body, "5회") {
		return errors.AuthLocked
	}
	return errors.AuthInvalid
}

var inputTagRe = regexp.MustCompile(`(?i)<input\b[^>]*>`)

// describeLoginPage packs the rendered body head and the page's input
// descriptors into the error, so a drifted login form can be diagnosed
// from logs without re-running the job.
func describeLoginPage(result *pageResult) string {
	head := string(result.body)
	if len(head) > 512 {
		head = head[:512]
	}
	inputs := inputTagRe.FindAllString(string(result.body), 12)

	var b strings.Builder
	fmt.Fprintf(&b, "status %d at %s", result.status, result.finalURL.Path)
	if len(inputs) > 0 {
		fmt.Fprintf(&b, "; form inputs: %s", strings.Join(inputs, " | "))
	}
	fmt.Fprintf(&b, "; body head: %q", head)
	return b.String()
}

package normalize

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

const (
	// BatchSize is the chunk size handed to the store.
	BatchSize = 100

	defaultConfidence = 85
	defaultCategory   = "threat_intel"
)

var ipv4Re = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006.01.02"}

// Normalizer turns raw scraped rows into store-ready records for one
// source, applying that source's defaults.
type Normalizer struct {
	source        string
	defaultReason string
	now           func() time.Time
}

func New(source string) *Normalizer {
	return &Normalizer{
		source:        source,
		defaultReason: fmt.Sprintf("%s Excel Import", source),
		now:           time.Now,
	}
}

// Result summarizes a normalization pass. Batches are sized for the
// store's transaction chunking.
type Result struct {
	Batches  [][]models.BlacklistRecord
	Accepted int
	Rejected int
	Reasons  map[string]int
}

// DetailsJSON renders the rejection tally for a history row.
func (r *Result) DetailsJSON() string {
	if r.Rejected == 0 {
		return ""
	}
	raw, err := json.Marshal(map[string]any{
		"rejected": r.Rejected,
		"reasons":  r.Reasons,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

// Rows normalizes a full scrape. Bad rows are tallied, never fatal:
// one garbage line in the Excel must not sink the other thousands.
func (n *Normalizer) Rows(rows []models.RawRow) *Result {
	res := &Result{Reasons: make(map[string]int)}

	var current []models.BlacklistRecord
	for _, raw := range rows {
		rec, err := n.Row(raw)
		if err != nil {
			res.Rejected++
			res.Reasons[rejectReason(err)]++
			continue
		}
		res.Accepted++
		current = append(current, rec)
		if len(current) == BatchSize {
			res.Batches = append(res.Batches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		res.Batches = append(res.Batches, current)
	}
	return res
}

// Row normalizes a single record.
func (n *Normalizer) Row(raw models.RawRow) (models.BlacklistRecord, error) {
	const op = "normalize_row"
	var rec models.BlacklistRecord

	ip := strings.TrimSpace(raw.IP)
	if err := ValidateIP(ip); err != nil {
		return rec, errors.Validation(op, err)
	}

	now := n.now()
	rec.IP = ip
	rec.Source = n.source
	rec.Country = NormalizeCountry(raw.Country)
	rec.DetectionDate = ParseDate(raw.DetectionDate)
	rec.RemovalDate = ParseDate(raw.RemovalDate)

	// Removal before detection is a portal data bug; drop the removal
	// date rather than the whole row.
	if rec.DetectionDate != nil && rec.RemovalDate != nil && rec.RemovalDate.Before(*rec.DetectionDate) {
		rec.RemovalDate = nil
	}

	rec.Reason = strings.TrimSpace(raw.Reason)
	if rec.Reason == "" {
		rec.Reason = n.defaultReason
	}
	rec.Category = strings.TrimSpace(raw.Category)
	if rec.Category == "" {
		rec.Category = defaultCategory
	}
	rec.Confidence = raw.Confidence
	if rec.Confidence <= 0 || rec.Confidence > 100 {
		rec.Confidence = defaultConfidence
	}

	rec.DetectionCount = 1
	rec.LastSeen = now
	rec.Active = true
	if rec.RemovalDate != nil && rec.RemovalDate.Format("2006-01-02") < now.Format("2006-01-02") {
		rec.Active = false
	}

	if len(raw.Fields) > 0 {
		if blob, err := json.Marshal(raw.Fields); err == nil {
			rec.RawData = string(blob)
		}
	}
	return rec, nil
}

// ValidateIP accepts public IPv4 dotted-quads and syntactically valid
// IPv6. RFC1918, loopback, and 0.0.0.0/8 addresses are rejected: they
// can never be actionable threat intel and would poison firewall feeds.
func ValidateIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("empty ip")
	}

	if ipv4Re.MatchString(ip) {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return fmt.Errorf("invalid ipv4 %q: octet out of range", ip)
		}
		v4 := parsed.To4()
		switch {
		case v4[0] == 0:
			return fmt.Errorf("reserved ip %q: 0.0.0.0/8", ip)
		case parsed.IsLoopback():
			return fmt.Errorf("loopback ip %q", ip)
		case parsed.IsPrivate():
			return fmt.Errorf("private ip %q", ip)
		}
		return nil
	}

	if strings.Contains(ip, ":") {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return fmt.Errorf("invalid ipv6 %q", ip)
		}
		if parsed.IsLoopback() || parsed.IsUnspecified() {
			return fmt.Errorf("reserved ipv6 %q", ip)
		}
		return nil
	}

	return fmt.Errorf("not an ip address: %q", ip)
}

// NormalizeCountry maps portal country spellings to ISO-3166-1 alpha-2.
// Unknown values are uppercased and truncated; anything that still is
// not two ASCII letters becomes empty (null country).
func NormalizeCountry(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "", "UNKNOWN", "-":
		return ""
	case "KOREA", "SOUTH KOREA", "REPUBLIC OF KOREA", "한국", "대한민국":
		return "KR"
	case "USA", "UNITED STATES", "미국":
		return "US"
	case "CHINA", "중국":
		return "CN"
	case "JAPAN", "일본":
		return "JP"
	case "RUSSIA", "러시아":
		return "RU"
	case "VIETNAM", "베트남":
		return "VN"
	case "INDIA", "인도":
		return "IN"
	case "GERMANY", "독일":
		return "DE"
	case "FRANCE", "프랑스":
		return "FR"
	case "NETHERLANDS", "네덜란드":
		return "NL"
	case "BRAZIL", "브라질":
		return "BR"
	}

	runes := []rune(s)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	code := string(runes)
	if len(code) == 2 && code[0] >= 'A' && code[0] <= 'Z' && code[1] >= 'A' && code[1] <= 'Z' {
		return code
	}
	return ""
}

// ParseDate accepts the portal's three date spellings. Anything else,
// including timestamps with time parts, parses to nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func rejectReason(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "private"):
		return "private_ip"
	case strings.Contains(msg, "loopback"):
		return "loopback_ip"
	case strings.Contains(msg, "reserved"):
		return "reserved_ip"
	case strings.Contains(msg, "empty"):
		return "empty_ip"
	default:
		return "invalid_ip"
	}
}

package normalize

import (
	"fmt"
	"testing"
	"time"

	"github.com/regintel/blacklist/internal/models"
)

func TestValidateIP(t *testing.T) {
	tests := []struct {
		ip      string
		wantErr bool
	}{
		{"8.8.8.8", false},
		{"203.0.113.7", false},
		{"1.2.3.4", false},
		{"255.255.255.255", false},
		{"2001:db8::1", false},

		{"", true},
		{"not-an-ip", true},
		{"1.2.3", true},
		{"1.2.3.4.5", true},
		{"256.1.1.1", true},
		{"0.1.2.3", true},        // 0.0.0.0/8
		{"127.0.0.1", true},      // loopback
		{"10.0.0.1", true},       // RFC1918
		{"172.16.5.5", true},     // RFC1918
		{"192.168.1.1", true},    // RFC1918
		{"::1", true},            // v6 loopback
		{"::", true},             // v6 unspecified
		{"zz::gg", true},         // v6 garbage
		{"8.8.8.8; DROP", true},  // injection shape
		{" 8.8.8.8", true},       // caller trims, validator does not
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("ip %q", tt.ip), func(t *testing.T) {
			err := ValidateIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIP(%q) = %v, wantErr %v", tt.ip, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeCountry(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"KR", "KR"},
		{"kr", "KR"},
		{" us ", "US"},
		{"Korea", "KR"},
		{"SOUTH KOREA", "KR"},
		{"대한민국", "KR"},
		{"한국", "KR"},
		{"미국", "US"},
		{"중국", "CN"},
		{"China", "CN"},
		{"Japan", "JP"},
		{"러시아", "RU"},
		{"", ""},
		{"-", ""},
		{"Unknown", ""},
		{"Netherlands", "NL"},
		{"Germany", "DE"},
		{"12", ""},
		{"K1", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("country %q", tt.in), func(t *testing.T) {
			if got := NormalizeCountry(tt.in); got != tt.want {
				t.Errorf("NormalizeCountry(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-03-15", "2026/03/15", "2026.03.15", " 2026-03-15 "} {
		got := ParseDate(in)
		if got == nil || !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}

	for _, in := range []string{"", "15-03-2026", "2026-3-15", "2026-03-15 10:00:00", "soon"} {
		if got := ParseDate(in); got != nil {
			t.Errorf("ParseDate(%q) = %v, want nil", in, got)
		}
	}
}

func TestRowDefaults(t *testing.T) {
	n := New("REGTECH")
	rec, err := n.Row(models.RawRow{IP: "8.8.8.8"})
	if err != nil {
		t.Fatal(err)
	}

	if rec.Source != "REGTECH" {
		t.Errorf("Source = %q", rec.Source)
	}
	if rec.Confidence != 85 {
		t.Errorf("Confidence = %d, want default 85", rec.Confidence)
	}
	if rec.Category != "threat_intel" {
		t.Errorf("Category = %q, want default", rec.Category)
	}
	if rec.Reason != "REGTECH Excel Import" {
		t.Errorf("Reason = %q, want source default", rec.Reason)
	}
	if rec.DetectionCount != 1 {
		t.Errorf("DetectionCount = %d, want 1", rec.DetectionCount)
	}
	if !rec.Active {
		t.Error("fresh row must be active")
	}
	if rec.LastSeen.IsZero() {
		t.Error("LastSeen not stamped")
	}
}

func TestRowConfidenceBounds(t *testing.T) {
	n := New("REGTECH")
	tests := []struct {
		in   int
		want int
	}{
		{0, 85},
		{-5, 85},
		{101, 85},
		{100, 100},
		{1, 1},
		{50, 50},
	}
	for _, tt := range tests {
		rec, err := n.Row(models.RawRow{IP: "8.8.8.8", Confidence: tt.in})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Confidence != tt.want {
			t.Errorf("confidence %d -> %d, want %d", tt.in, rec.Confidence, tt.want)
		}
	}
}

func TestRowElapsedRemovalInactive(t *testing.T) {
	n := New("REGTECH")
	n.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }

	rec, err := n.Row(models.RawRow{
		IP:            "8.8.8.8",
		DetectionDate: "2026-01-10",
		RemovalDate:   "2026-02-01",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Active {
		t.Error("row with elapsed removal date imported as active")
	}

	rec, err = n.Row(models.RawRow{
		IP:          "8.8.8.9",
		RemovalDate: "2026-12-31",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Active {
		t.Error("row with future removal date imported as inactive")
	}
}

func TestRowRemovalBeforeDetectionDropped(t *testing.T) {
	n := New("REGTECH")
	rec, err := n.Row(models.RawRow{
		IP:            "8.8.8.8",
		DetectionDate: "2026-05-01",
		RemovalDate:   "2026-04-01",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.RemovalDate != nil {
		t.Error("removal date earlier than detection kept")
	}
	if rec.DetectionDate == nil {
		t.Error("detection date lost")
	}
}

func TestRowsBatchingAndTally(t *testing.T) {
	n := New("REGTECH")

	var rows []models.RawRow
	for i := 0; i < 205; i++ {
		rows = append(rows, models.RawRow{IP: fmt.Sprintf("20.0.%d.%d", i/250, i%250+1)})
	}
	rows = append(rows,
		models.RawRow{IP: "10.0.0.1"},   // private
		models.RawRow{IP: "127.0.0.1"},  // loopback
		models.RawRow{IP: "not-an-ip"},  // garbage
		models.RawRow{IP: ""},           // empty
	)

	res := n.Rows(rows)
	if res.Accepted != 205 {
		t.Errorf("Accepted = %d, want 205", res.Accepted)
	}
	if res.Rejected != 4 {
		t.Errorf("Rejected = %d, want 4", res.Rejected)
	}
	if len(res.Batches) != 3 {
		t.Fatalf("Batches = %d, want 3 (100+100+5)", len(res.Batches))
	}
	if len(res.Batches[0]) != 100 || len(res.Batches[1]) != 100 || len(res.Batches[2]) != 5 {
		t.Errorf("batch sizes = %d/%d/%d", len(res.Batches[0]), len(res.Batches[1]), len(res.Batches[2]))
	}

	if res.Reasons["private_ip"] != 1 || res.Reasons["loopback_ip"] != 1 ||
		res.Reasons["invalid_ip"] != 1 || res.Reasons["empty_ip"] != 1 {
		t.Errorf("Reasons = %v", res.Reasons)
	}
	if res.DetailsJSON() == "" {
		t.Error("DetailsJSON empty despite rejects")
	}
}

func TestRowsNoRejectsEmptyDetails(t *testing.T) {
	n := New("REGTECH")
	res := n.Rows([]models.RawRow{{IP: "8.8.8.8"}})
	if res.DetailsJSON() != "" {
		t.Errorf("DetailsJSON = %q, want empty when nothing was rejected", res.DetailsJSON())
	}
}

func TestRowKeepsProvenance(t *testing.T) {
	n := New("REGTECH")
	rec, err := n.Row(models.RawRow{
		IP:     "8.8.8.8",
		Fields: map[string]string{"IP주소": "8.8.8.8", "국가": "한국"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.RawData == "" {
		t.Error("original row fields not preserved")
	}
}

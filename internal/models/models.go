package models

import (
	"time"
)

// SourceREGTECH is the built-in reference source. Additional sources
// register themselves by service name; names are uppercase with
// underscores (see Setting key rules).
const SourceREGTECH = "REGTECH"

// BlacklistRecord is one harvested IP observation. (ip, source) is the
// natural key: the same IP reported by two sources yields two records.
type BlacklistRecord struct {
	ID             int64      `json:"id"`
	IP             string     `json:"ip"`
	Source         string     `json:"source"`
	Reason         string     `json:"reason,omitempty"`
	Category       string     `json:"category,omitempty"`
	Confidence     int        `json:"confidence"`
	DetectionCount int        `json:"detection_count"`
	Active         bool       `json:"active"`
	Country        string     `json:"country,omitempty"`
	DetectionDate  *time.Time `json:"detection_date,omitempty"`
	RemovalDate    *time.Time `json:"removal_date,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
	RawData        string     `json:"raw_data,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WhitelistRecord suppresses blacklist decisions for an IP in the
// resolution view. The underlying blacklist rows are never deleted.
type WhitelistRecord struct {
	ID        int64     `json:"id"`
	IP        string    `json:"ip"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CollectionCredential holds portal login material for one service.
// Password is ciphertext whenever Encrypted is true; plaintext passwords
// only exist transiently on a collection worker's stack.
type CollectionCredential struct {
	Service         string            `json:"service"`
	Username        string            `json:"username"`
	Password        string            `json:"-"`
	Encrypted       bool              `json:"encrypted"`
	Config          map[string]string `json:"config,omitempty"`
	Enabled         bool              `json:"enabled"`
	IntervalSeconds int               `json:"interval_seconds"`
	LastCollection  *time.Time        `json:"last_collection,omitempty"`
	LastTestOK      *bool             `json:"last_test_ok,omitempty"`
	LastTestMessage string            `json:"last_test_message,omitempty"`
	LastTestAt      *time.Time        `json:"last_test_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TriggerType records what started a collection job.
type TriggerType string

const (
	TriggerCron   TriggerType = "cron"
	TriggerManual TriggerType = "manual"
	TriggerAPI    TriggerType = "api"
)

// CollectionHistory is the append-only record of one finished job.
// Exactly one row exists per finished job; cancelled jobs that never
// reached a terminal outcome write none.
type CollectionHistory struct {
	ID             string      `json:"id"`
	Service        string      `json:"service"`
	StartedAt      time.Time   `json:"started_at"`
	Trigger        TriggerType `json:"trigger"`
	ItemsCollected int         `json:"items_collected"`
	Inserted       int         `json:"inserted"`
	Updated        int         `json:"updated"`
	Failed         int         `json:"failed"`
	Success        bool        `json:"success"`
	Error          string      `json:"error,omitempty"`
	DurationMS     int64       `json:"duration_ms"`
	Details        string      `json:"details,omitempty"`
}

// ServiceState is the scheduler-visible state of one service.
type ServiceState string

const (
	StateIdle     ServiceState = "idle"
	StateRunning  ServiceState = "running"
	StateError    ServiceState = "error"
	StateDisabled ServiceState = "disabled"
)

// CollectionStatus is the single mutable row per service that the
// scheduler CASes through the idle/running/error/disabled machine.
type CollectionStatus struct {
	Service      string            `json:"service"`
	Status       ServiceState      `json:"status"`
	LastRun      *time.Time        `json:"last_run,omitempty"`
	NextRun      *time.Time        `json:"next_run,omitempty"`
	SuccessCount int               `json:"success_count"`
	ErrorCount   int               `json:"error_count"`
	Config       map[string]string `json:"config,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CollectionStats aggregates the corpus per source.
type CollectionStats struct {
	Source    string     `json:"source"`
	TotalIPs  int        `json:"total_ips"`
	ActiveIPs int        `json:"active_ips"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// FirewallPull is one fact row per firewall feed request.
type FirewallPull struct {
	ID         int64     `json:"id"`
	DeviceIP   string    `json:"device_ip"`
	UserAgent  string    `json:"user_agent"`
	Path       string    `json:"path"`
	IPCount    int       `json:"ip_count"`
	ResponseMS int64     `json:"response_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Setting is one runtime knob. Keys match ^[A-Z_]+$.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	Category  string    `json:"category,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertResult reports per-row outcomes of a batch ingest.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Total is Inserted+Updated, the items_collected figure for history rows.
func (r UpsertResult) Total() int { return r.Inserted + r.Updated }

// Add merges another batch result into this one.
func (r *UpsertResult) Add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Failed += o.Failed
}

// Resolution is the read-side decision about an IP.
type Resolution string

const (
	ResolutionWhitelist Resolution = "whitelist"
	ResolutionBlacklist Resolution = "blacklist"
	ResolutionUnknown   Resolution = "unknown"
)

// ResolutionResult carries the decision plus the row that won it.
type ResolutionResult struct {
	IP        string           `json:"ip"`
	Decision  Resolution       `json:"decision"`
	Whitelist *WhitelistRecord `json:"whitelist,omitempty"`
	Blacklist *BlacklistRecord `json:"blacklist,omitempty"`
}

// Pagination summarizes a page of list results.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPagination computes the summary for a total row count.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
		HasPrev:    page > 1 && total > 0,
	}
}

// TimelinePoint is one day's ingest count for one source.
type TimelinePoint struct {
	Day    string `json:"day"`
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Package state owns all mutable per-model runtime state: circuit breaker
// status, consecutive outcome counters, the sliding window of request
// records, lifetime totals, the global fallback counter, and the rate-limit
// bucket namespace.
//
// The Store interface is the single storage contract; three backends
// implement it (in-process map, Redis over TCP, Redis-compatible HTTP REST).
// Every other package reads and mutates model state exclusively through a
// Store — nothing else owns this data.
package state

import (
	"fmt"
	"sort"
	"time"
)

// CircuitState classifies the health of one upstream model.
type CircuitState string

const (
	CircuitClosed      CircuitState = "CLOSED"
	CircuitOpen        CircuitState = "OPEN"
	CircuitHalfOpen    CircuitState = "HALF_OPEN"
	CircuitUnavailable CircuitState = "PERMANENTLY_UNAVAILABLE"
)

// RequestRecord is one observed request outcome. Timestamp is unix
// milliseconds; records older than the stats window are discarded.
type RequestRecord struct {
	Timestamp int64 `json:"ts"`
	LatencyMs int64 `json:"latency_ms"`
	Success   bool  `json:"success"`
}

// Stats holds the sliding-window request records and the aggregates derived
// from them. Aggregates are recomputed on every recorded outcome and by the
// periodic janitor; they are never updated incrementally.
type Stats struct {
	// Requests is the window of retained records. External backends store
	// records separately (sorted set) and serialize this field empty.
	Requests []RequestRecord `json:"requests"`

	TotalRequests int     `json:"total_requests"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  int64   `json:"p95_latency_ms"`
}

// ModelState is the mutable runtime state of one model, created on first
// reference.
type ModelState struct {
	CircuitState CircuitState `json:"circuit_state"`

	// OpenedAt is the unix-ms timestamp of the last CLOSED→OPEN (or
	// HALF_OPEN→OPEN) transition. Zero unless the circuit is open.
	OpenedAt int64 `json:"opened_at,omitempty"`

	ConsecutiveFailures  int `json:"consecutive_failures"`
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	Stats Stats `json:"stats"`

	LifetimeTotalRequests int64 `json:"lifetime_total_requests"`

	// UnavailableReason is set iff CircuitState is PERMANENTLY_UNAVAILABLE.
	UnavailableReason string `json:"unavailable_reason,omitempty"`
}

// NewModelState returns a freshly initialized state: circuit closed, no
// records, success rate 1.0 (zero-request models are treated as healthy).
func NewModelState() *ModelState {
	return &ModelState{
		CircuitState: CircuitClosed,
		Stats:        Stats{SuccessRate: 1.0},
	}
}

// Recompute replaces the window records and recomputes every derived
// aggregate from them. Records are assumed to be already trimmed to the
// window by the Store.
func (s *ModelState) Recompute(records []RequestRecord) {
	s.Stats.Requests = records
	s.Stats.TotalRequests = len(records)
	s.Stats.SuccessCount = 0
	s.Stats.ErrorCount = 0

	successLatencies := make([]int64, 0, len(records))
	for _, r := range records {
		if r.Success {
			s.Stats.SuccessCount++
			successLatencies = append(successLatencies, r.LatencyMs)
		} else {
			s.Stats.ErrorCount++
		}
	}

	if s.Stats.TotalRequests == 0 {
		s.Stats.SuccessRate = 1.0
	} else {
		s.Stats.SuccessRate = float64(s.Stats.SuccessCount) / float64(s.Stats.TotalRequests)
	}

	if len(successLatencies) == 0 {
		s.Stats.AvgLatencyMs = 0
		s.Stats.P95LatencyMs = 0
		return
	}

	var sum int64
	for _, l := range successLatencies {
		sum += l
	}
	s.Stats.AvgLatencyMs = float64(sum) / float64(len(successLatencies))

	sort.Slice(successLatencies, func(i, j int) bool { return successLatencies[i] < successLatencies[j] })
	idx := int(0.95 * float64(len(successLatencies)))
	if idx >= len(successLatencies) {
		idx = len(successLatencies) - 1
	}
	s.Stats.P95LatencyMs = successLatencies[idx]
}

// Clone returns a deep copy. Stores hand out copies so callers can mutate
// freely before writing back with SetState.
func (s *ModelState) Clone() *ModelState {
	cp := *s
	if s.Stats.Requests != nil {
		cp.Stats.Requests = append([]RequestRecord(nil), s.Stats.Requests...)
	}
	return &cp
}

// StorageError wraps any backend failure. Callers surface it (HTTP 500) but
// do not retry; the router treats it as fatal for the current attempt only.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("state: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("state: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Key shapes shared by the external backends.
const (
	stateKeyPrefix    = "router:state:"
	requestsKeyPrefix = "router:requests:"
	rateLimitPrefix   = "router:ratelimit:"
	fallbacksKey      = "router:fallbacks_used"
)

func stateKey(name string) string    { return stateKeyPrefix + name }
func requestsKey(name string) string { return requestsKeyPrefix + name }
func rateLimitKey(key string) string { return rateLimitPrefix + key }

package state

import (
	"context"
	"sync"
	"time"
)

// bucketJanitorInterval is how often expired rate-limit buckets are dropped.
const bucketJanitorInterval = time.Minute

// modelEntry holds one model's state plus its record window behind a
// dedicated mutex, so updates to different models never contend.
type modelEntry struct {
	mu      sync.Mutex
	state   *ModelState
	records []RequestRecord
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the in-process Store backend. Rate-limit buckets are swept
// by a background janitor started in Init and stopped by Close.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]*modelEntry

	bucketMu sync.Mutex
	buckets  map[string]*rateBucket

	fallbackMu sync.Mutex
	fallbacks  int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:  make(map[string]*modelEntry),
		buckets: make(map[string]*rateBucket),
		done:    make(chan struct{}),
	}
}

func (m *MemoryStore) Init(_ context.Context) error {
	m.wg.Add(1)
	go m.sweepBuckets()
	return nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *MemoryStore) entry(name string, create bool) *modelEntry {
	m.mu.RLock()
	e := m.models[name]
	m.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.models[name]; e == nil {
		e = &modelEntry{state: NewModelState()}
		m.models[name] = e
	}
	return e
}

func (m *MemoryStore) GetState(_ context.Context, name string) (*ModelState, error) {
	e := m.entry(name, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state.Clone()
	st.Stats.Requests = append([]RequestRecord(nil), e.records...)
	return st, nil
}

func (m *MemoryStore) SetState(_ context.Context, name string, st *ModelState) error {
	e := m.entry(name, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := st.Clone()
	// Records are owned by RecordRequest/GetRequests, never by SetState.
	cp.Stats.Requests = nil
	e.state = cp
	return nil
}

func (m *MemoryStore) RecordRequest(_ context.Context, name string, rec RequestRecord) error {
	e := m.entry(name, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
	return nil
}

func (m *MemoryStore) GetRequests(_ context.Context, name string, windowStart int64) ([]RequestRecord, error) {
	e := m.entry(name, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Records arrive in timestamp order; find the first retained index.
	keepFrom := 0
	for keepFrom < len(e.records) && e.records[keepFrom].Timestamp < windowStart {
		keepFrom++
	}
	if keepFrom > 0 {
		e.records = append([]RequestRecord(nil), e.records[keepFrom:]...)
	}
	return append([]RequestRecord(nil), e.records...), nil
}

func (m *MemoryStore) ResetState(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.models, name)
	return nil
}

func (m *MemoryStore) ModelNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.models))
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}

func (m *MemoryStore) FallbacksUsed(_ context.Context) (int64, error) {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	return m.fallbacks, nil
}

func (m *MemoryStore) RecordFallbackUsage(_ context.Context) error {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	m.fallbacks++
	return nil
}

func (m *MemoryStore) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()

	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	b := m.buckets[key]
	if b == nil || now.After(b.resetAt) {
		b = &rateBucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}
	b.count++
	return b.count <= limit, nil
}

// Buckets returns a snapshot of the live rate-limit buckets, keyed by bucket
// name with (count, seconds until reset). Used by the admin API.
func (m *MemoryStore) Buckets() map[string][2]int64 {
	now := time.Now()
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	out := make(map[string][2]int64, len(m.buckets))
	for k, b := range m.buckets {
		if now.After(b.resetAt) {
			continue
		}
		out[k] = [2]int64{int64(b.count), int64(b.resetAt.Sub(now).Seconds())}
	}
	return out
}

func (m *MemoryStore) sweepBuckets() {
	defer m.wg.Done()
	ticker := time.NewTicker(bucketJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.bucketMu.Lock()
			for k, b := range m.buckets {
				if now.After(b.resetAt) {
					delete(m.buckets, k)
				}
			}
			m.bucketMu.Unlock()
		case <-m.done:
			return
		}
	}
}

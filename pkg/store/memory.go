package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/fido"
)

const (
	// memoryTenants bounds the number of tenants with a live backlog.
	memoryTenants = 4096

	// memoryTTL is how long an idle tenant backlog is kept.
	memoryTTL = 24 * time.Hour

	// defaultMemoryPerTenant bounds the number of records kept per tenant.
	defaultMemoryPerTenant = 500
)

// Memory keeps per-tenant notification backlogs in a TTL cache.
// It implements both Store and Backlog.
type Memory struct {
	cache     *fido.Cache[string, []Record]
	marks     map[string]time.Time
	now       func() time.Time
	perTenant int
	mu        sync.Mutex
}

// NewMemory returns an empty Memory store. perTenant <= 0 selects the default bound.
func NewMemory(perTenant int) *Memory {
	if perTenant <= 0 {
		perTenant = defaultMemoryPerTenant
	}
	return &Memory{
		cache: fido.New[string, []Record](
			fido.Size(memoryTenants),
			fido.TTL(memoryTTL),
		),
		marks:     make(map[string]time.Time),
		now:       time.Now,
		perTenant: perTenant,
	}
}

// Add appends r to its tenant's backlog. A record with the same id within
// DuplicateWindow of an existing one is ignored.
func (m *Memory) Add(_ context.Context, r Record) error {
	if r.RestaurantID == "" {
		return ErrNoTenant
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, _ := m.cache.Get(r.RestaurantID)
	for _, e := range existing {
		if duplicate(e, r) {
			return nil
		}
	}
	next := make([]Record, 0, len(existing)+1)
	next = append(next, existing...)
	next = append(next, r)
	if over := len(next) - m.perTenant; over > 0 {
		next = next[over:]
	}
	m.cache.Set(r.RestaurantID, next)
	return nil
}

// Since returns the tenant's records created strictly after since, oldest first.
func (m *Memory) Since(_ context.Context, tenantID string, since time.Time) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since(tenantID, since), nil
}

// since must be called with mu held.
func (m *Memory) since(tenantID string, since time.Time) []Record {
	all, _ := m.cache.Get(tenantID)
	var out []Record
	for _, r := range all {
		if r.CreatedAt.After(since) {
			out = append(out, r)
		}
	}
	// Synced records carry client timestamps and may arrive out of order.
	slices.SortStableFunc(out, func(a, b Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// FetchMissed returns records added since the previous FetchMissed for the tenant.
func (m *Memory) FetchMissed(_ context.Context, tenantID string) ([]Record, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.since(tenantID, m.marks[tenantID])
	for _, r := range out {
		if r.CreatedAt.After(m.marks[tenantID]) {
			m.marks[tenantID] = r.CreatedAt
		}
	}
	return out, nil
}

// Sync is a no-op: memory records are already authoritative.
func (*Memory) Sync(context.Context) error {
	return nil
}

// Len returns the number of tenants with a backlog.
func (m *Memory) Len() int {
	return m.cache.Len()
}

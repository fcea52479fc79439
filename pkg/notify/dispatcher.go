package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/sched"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

const (
	// DefaultRetention is how long a delivered id suppresses duplicates.
	DefaultRetention = time.Hour
	// DefaultSweepInterval is how often expired ids are removed.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultMaxHandlersPerSource is the soft cap on registrations per kind and source.
	DefaultMaxHandlersPerSource = 10
	// DefaultStoreTimeout bounds a single persistence call.
	DefaultStoreTimeout = 10 * time.Second

	// DefaultSource tags registrations made without a source.
	DefaultSource = "default"
)

// Drop reasons reported to metrics.
const (
	dropNotAdmin       = "not_admin"
	dropDuplicate      = "duplicate"
	dropTenantMismatch = "tenant_mismatch"
	dropNoTenant       = "no_tenant"
	dropClosed         = "closed"
)

// Handler receives dispatched events.
type Handler func(Event)

// Config configures a Dispatcher.
type Config struct {
	Store                store.Store
	Scheduler            sched.Scheduler
	Logger               *slog.Logger
	Metrics              *metrics.Registry
	ID                   IDFunc
	Retention            time.Duration
	SweepInterval        time.Duration
	StoreTimeout         time.Duration
	MaxHandlersPerSource int
}

type registration struct {
	fn     Handler
	id     string
	source string
}

// Entry is a dedup registry entry.
type Entry struct {
	Timestamp time.Time
	Event     Event
	ID        string
	Kind      Kind
}

// Dispatcher deduplicates events, enforces tenant isolation, persists events
// and fans them out to registered handlers.
type Dispatcher struct {
	store    store.Store
	sched    sched.Scheduler
	logger   *slog.Logger
	metrics  *metrics.Registry
	idFunc   IDFunc
	sweep    sched.Timer
	seen     map[string]Entry
	handlers map[Kind][]registration
	// live is, per tenant, the latest time events were known to be flowing
	// over the connection. Replay only covers records created after it.
	live   map[string]time.Time
	tenant string

	retention    time.Duration
	storeTimeout time.Duration
	maxPerSource int

	wg     sync.WaitGroup
	mu     sync.Mutex
	admin  bool
	closed bool
}

// New creates a Dispatcher and starts its dedup sweep.
func New(cfg Config) *Dispatcher {
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ID == nil {
		cfg.ID = DefaultID
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.MaxHandlersPerSource <= 0 {
		cfg.MaxHandlersPerSource = DefaultMaxHandlersPerSource
	}
	d := &Dispatcher{
		store:        cfg.Store,
		sched:        cfg.Scheduler,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		idFunc:       cfg.ID,
		seen:         make(map[string]Entry),
		handlers:     make(map[Kind][]registration),
		live:         make(map[string]time.Time),
		retention:    cfg.Retention,
		storeTimeout: cfg.StoreTimeout,
		maxPerSource: cfg.MaxHandlersPerSource,
	}
	d.sweep = d.sched.Every(cfg.SweepInterval, func() { d.Sweep() })
	return d
}

// SetAdmin toggles delivery of sensitive kinds.
func (d *Dispatcher) SetAdmin(admin bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admin = admin
}

// Admin reports whether sensitive kinds are delivered.
func (d *Dispatcher) Admin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.admin
}

// SetTenant sets the active tenant used for isolation checks.
func (d *Dispatcher) SetTenant(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenant = id
}

// Tenant returns the active tenant.
func (d *Dispatcher) Tenant() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tenant
}

// HandleNotification runs ev through the admin gate, deduplication and tenant
// isolation, then persists it and delivers it to the handlers for its kind.
func (d *Dispatcher) HandleNotification(ev Event) {
	id := d.idFunc(ev)

	d.mu.Lock()
	if !d.closed && d.tenant != "" {
		d.markLiveLocked(d.tenant, d.sched.Now())
	}
	if reason := d.rejectLocked(ev, id); reason != "" {
		d.mu.Unlock()
		d.metrics.Drop(reason)
		d.logger.Debug("notification dropped", "kind", ev.Kind, "id", id, "reason", reason)
		return
	}
	now := d.sched.Now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	persist := id != "" && d.store != nil
	if id != "" {
		d.seen[id] = Entry{ID: id, Timestamp: now, Kind: ev.Kind, Event: ev}
	}
	var rec store.Record
	if persist {
		rec = NewRecord(ev, id, now)
		if rec.RestaurantID == "" {
			rec.RestaurantID = d.tenant
		}
		d.wg.Add(1)
	}
	hs := d.snapshotLocked(ev.Kind)
	d.mu.Unlock()

	if persist {
		go d.persist(rec)
	}
	d.deliver(ev, hs)
}

// rejectLocked returns the reason ev must be dropped, or "". Must be called with mu held.
func (d *Dispatcher) rejectLocked(ev Event, id string) string {
	if d.closed {
		return dropClosed
	}
	if ev.Kind.Sensitive() && !d.admin {
		return dropNotAdmin
	}
	if id != "" {
		if _, dup := d.seen[id]; dup {
			return dropDuplicate
		}
	}
	// Low stock without a discoverable tenant is never delivered.
	if ev.Kind == LowStock && ev.TenantID == "" {
		return dropNoTenant
	}
	if d.tenant != "" && ev.TenantID != "" && ev.TenantID != d.tenant {
		return dropTenantMismatch
	}
	return ""
}

func (d *Dispatcher) persist(rec store.Record) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()
	if err := d.store.Add(ctx, rec); err != nil {
		d.logger.Warn("failed to persist notification", "id", rec.ID, "error", err)
	}
}

// snapshotLocked copies the handler list for kind. Must be called with mu held.
func (d *Dispatcher) snapshotLocked(kind Kind) []registration {
	regs := d.handlers[kind]
	out := make([]registration, len(regs))
	copy(out, regs)
	return out
}

func (d *Dispatcher) deliver(ev Event, hs []registration) {
	for _, r := range hs {
		d.invoke(ev, r)
	}
	d.metrics.Deliver(string(ev.Kind))
}

func (d *Dispatcher) invoke(ev Event, r registration) {
	defer func() {
		if p := recover(); p != nil {
			d.metrics.Panic()
			d.logger.Error("notification handler panicked",
				"kind", ev.Kind, "handler_id", r.id, "source", r.source, "panic", fmt.Sprint(p))
		}
	}()
	r.fn(ev)
}

// Register adds fn for kind and returns its registration id. When source
// already holds the maximum number of registrations for kind, its oldest one
// is evicted. An invalid kind or nil fn registers nothing and returns "".
func (d *Dispatcher) Register(kind Kind, fn Handler, source string) string {
	if !kind.Valid() || fn == nil {
		return ""
	}
	if source == "" {
		source = DefaultSource
	}
	id := uuid.NewString()

	d.mu.Lock()
	defer d.mu.Unlock()
	regs := append(d.handlers[kind], registration{fn: fn, id: id, source: source})

	count := 0
	for _, r := range regs {
		if r.source == source {
			count++
		}
	}
	if count > d.maxPerSource {
		for i, r := range regs {
			if r.source == source {
				d.logger.Warn("handler limit reached, evicting oldest registration",
					"kind", kind, "source", source, "evicted_id", r.id, "limit", d.maxPerSource)
				regs = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
	}
	d.handlers[kind] = regs
	return id
}

// OnOrder registers a typed handler for an order kind.
func (d *Dispatcher) OnOrder(kind Kind, fn func(Order, Event), source string) string {
	if !kind.IsOrder() || fn == nil {
		return ""
	}
	return d.Register(kind, func(ev Event) {
		if ev.Order != nil {
			fn(*ev.Order, ev)
		}
	}, source)
}

// OnStock registers a typed handler for a stock kind.
func (d *Dispatcher) OnStock(kind Kind, fn func(StockItem, Event), source string) string {
	if !kind.IsStock() || fn == nil {
		return ""
	}
	return d.Register(kind, func(ev Event) {
		if ev.Item != nil {
			fn(*ev.Item, ev)
		}
	}, source)
}

// Unregister removes the registration id for kind.
func (d *Dispatcher) Unregister(kind Kind, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[kind]
	for i, r := range regs {
		if r.id == id {
			d.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterSource removes every registration from source for the given
// kinds, or for all kinds when none are given. It returns the number removed.
func (d *Dispatcher) UnregisterSource(source string, kinds ...Kind) int {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, k := range kinds {
		regs := d.handlers[k]
		kept := make([]registration, 0, len(regs))
		for _, r := range regs {
			if r.source == source {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		d.handlers[k] = kept
	}
	return removed
}

// Handlers returns the number of registrations for kind.
func (d *Dispatcher) Handlers(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[kind])
}

// Seen reports whether id is in the dedup registry.
func (d *Dispatcher) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Sweep removes dedup entries older than the retention window and returns
// how many were removed.
func (d *Dispatcher) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.sched.Now().Add(-d.retention)
	removed := 0
	for id, e := range d.seen {
		if e.Timestamp.Before(cutoff) {
			delete(d.seen, id)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Debug("swept dedup registry", "removed", removed, "remaining", len(d.seen))
	}
	return removed
}

// FetchMissed replays records the store kept while the client was away, then
// syncs the store. Only records created after the tenant was last seen live
// are replayed; on a first connection that is the retention window. Replayed
// events skip tenant checks, and ids already delivered are not replayed again.
// It only runs in an admin context with an active tenant and returns the
// number of events replayed.
func (d *Dispatcher) FetchMissed(ctx context.Context) int {
	d.mu.Lock()
	if !d.admin || d.closed || d.store == nil || d.tenant == "" {
		d.mu.Unlock()
		return 0
	}
	tenant := d.tenant
	started := d.sched.Now()
	cutoff, known := d.live[tenant]
	if !known {
		// Nothing is known about this tenant yet, so the dedup window bounds
		// how far back a first connection looks.
		cutoff = started.Add(-d.retention)
	}
	d.mu.Unlock()

	records, err := d.store.FetchMissed(ctx, tenant)
	if err != nil {
		d.logger.Warn("failed to fetch missed notifications", "restaurant_id", tenant, "error", err)
	}

	replayed, stale := 0, 0
	for _, r := range records {
		// Records at or before the cutoff were delivered live or predate
		// this session. Undated records cannot be placed and are replayed.
		if !r.CreatedAt.IsZero() && !r.CreatedAt.After(cutoff) {
			stale++
			continue
		}
		ev, err := FromRecord(r)
		if err != nil {
			d.logger.Warn("skipping stored notification", "id", r.ID, "error", err)
			continue
		}
		d.mu.Lock()
		if r.ID != "" {
			if _, dup := d.seen[r.ID]; dup {
				d.mu.Unlock()
				continue
			}
			d.seen[r.ID] = Entry{ID: r.ID, Timestamp: d.sched.Now(), Kind: ev.Kind, Event: ev}
		}
		hs := d.snapshotLocked(ev.Kind)
		d.mu.Unlock()
		d.deliver(ev, hs)
		replayed++
	}

	if err == nil {
		d.mu.Lock()
		d.markLiveLocked(tenant, started)
		d.mu.Unlock()
	}
	if stale > 0 {
		d.logger.Debug("skipped notifications already seen live", "restaurant_id", tenant, "count", stale)
	}

	if err := d.store.Sync(ctx); err != nil {
		d.logger.Warn("failed to sync notifications", "error", err)
	}
	if replayed > 0 {
		d.logger.Info("replayed missed notifications", "restaurant_id", tenant, "count", replayed)
	}
	return replayed
}

// markLiveLocked moves tenant's live watermark forward to t. Must be called with mu held.
func (d *Dispatcher) markLiveLocked(tenant string, t time.Time) {
	if t.After(d.live[tenant]) {
		d.live[tenant] = t
	}
}

// Close stops the sweep and waits for in-flight persistence.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.sweep.Stop()
	d.mu.Unlock()
	d.wg.Wait()
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/sched"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// recordingStore captures persisted records and can be made to fail.
type recordingStore struct {
	addErr  error
	missed  []store.Record
	added   []store.Record
	tenants []string
	syncs   int
	mu      sync.Mutex
}

func (s *recordingStore) Add(_ context.Context, r store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, r)
	return s.addErr
}

func (s *recordingStore) FetchMissed(_ context.Context, tenantID string) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = append(s.tenants, tenantID)
	return s.missed, nil
}

func (s *recordingStore) Sync(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return nil
}

func (s *recordingStore) addedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, r := range s.added {
		ids = append(ids, r.ID)
	}
	return ids
}

func mustDecode(t *testing.T, message string) Event {
	t.Helper()
	ev, err := Decode(json.RawMessage(message), nil)
	if err != nil {
		t.Fatalf("Decode(%s): %v", message, err)
	}
	return ev
}

func newTestDispatcher(t *testing.T, st store.Store) (*Dispatcher, *sched.Fake, *metrics.Registry) {
	t.Helper()
	clock := sched.NewFake(epoch)
	reg := metrics.NewRegistry()
	d := New(Config{Store: st, Scheduler: clock, Metrics: reg})
	t.Cleanup(d.Close)
	return d, clock, reg
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestNonAdminDropsSensitiveKinds(t *testing.T) {
	d, _, reg := newTestDispatcher(t, nil)
	d.SetTenant("42")

	var low, out collector
	d.Register(LowStock, low.handle, "Inventory")
	d.Register(OutOfStock, out.handle, "Inventory")

	d.HandleNotification(mustDecode(t, `{"type":"low_stock","item":{"id":1,"quantity":2,"restaurant_id":42}}`))
	d.HandleNotification(mustDecode(t, `{"type":"out_of_stock","item":{"id":1,"quantity":0,"restaurant_id":42}}`))

	if low.count() != 0 {
		t.Errorf("low stock delivered %d times without admin", low.count())
	}
	if out.count() != 1 {
		t.Errorf("out of stock delivered %d times, want 1", out.count())
	}
	if got := testutil.ToFloat64(reg.Dropped.WithLabelValues(dropNotAdmin)); got != 1 {
		t.Errorf("not_admin drops = %v", got)
	}
}

func TestAtMostOnceDelivery(t *testing.T) {
	d, clock, reg := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var got collector
	d.Register(NewOrder, got.handle, "OrderList")

	for range 5 {
		d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":77}}`))
		clock.Advance(time.Minute)
	}
	if got.count() != 1 {
		t.Fatalf("delivered %d times, want 1", got.count())
	}
	if v := testutil.ToFloat64(reg.Dropped.WithLabelValues(dropDuplicate)); v != 4 {
		t.Errorf("duplicate drops = %v, want 4", v)
	}

	// A status change is a different logical event.
	d.Register(OrderUpdated, got.handle, "OrderList")
	d.HandleNotification(mustDecode(t, `{"type":"order_updated","order":{"id":77,"status":"ready"}}`))
	d.HandleNotification(mustDecode(t, `{"type":"order_updated","order":{"id":77,"status":"served"}}`))
	if got.count() != 3 {
		t.Errorf("delivered %d times after updates, want 3", got.count())
	}
}

func TestConcurrentDuplicatesDeliveredOnce(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var got collector
	d.Register(NewOrder, got.handle, "")

	ev := mustDecode(t, `{"type":"new_order","order":{"id":5}}`)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.HandleNotification(ev)
		}()
	}
	wg.Wait()
	if got.count() != 1 {
		t.Errorf("delivered %d times, want 1", got.count())
	}
}

func TestTenantIsolation(t *testing.T) {
	tests := []struct {
		name    string
		tenant  string
		message string
		want    int
	}{
		{"matching tenant", "42", `{"type":"new_order","order":{"id":1,"restaurant_id":42}}`, 1},
		{"other tenant", "42", `{"type":"new_order","order":{"id":1,"restaurant_id":43}}`, 0},
		{"other tenant via id prefix", "42", `{"type":"out_of_stock","item":{"id":"43_1","quantity":0}}`, 0},
		{"order without tenant", "42", `{"type":"new_order","order":{"id":1}}`, 1},
		{"low stock without tenant", "42", `{"type":"low_stock","item":{"id":1,"quantity":1}}`, 0},
		{"low stock without tenant or active tenant", "", `{"type":"low_stock","item":{"id":1,"quantity":1}}`, 0},
		{"out of stock without tenant", "42", `{"type":"out_of_stock","item":{"id":1,"quantity":0}}`, 1},
		{"no active tenant", "", `{"type":"new_order","order":{"id":1,"restaurant_id":43}}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDispatcher(t, nil)
			d.SetAdmin(true)
			d.SetTenant(tt.tenant)

			var got collector
			for _, k := range Kinds {
				d.Register(k, got.handle, "test")
			}
			d.HandleNotification(mustDecode(t, tt.message))
			if got.count() != tt.want {
				t.Errorf("delivered %d, want %d", got.count(), tt.want)
			}
		})
	}
}

func TestMismatchedTenantIsNotRecorded(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)
	d.SetTenant("42")

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1,"restaurant_id":43}}`))
	if d.Seen("new_order_1") {
		t.Error("dropped event was recorded in the dedup registry")
	}
}

func TestHandlerOrderAndPanicIsolation(t *testing.T) {
	d, _, reg := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var order []string
	d.Register(NewOrder, func(Event) { order = append(order, "first") }, "a")
	d.Register(NewOrder, func(Event) { panic("boom") }, "b")
	d.Register(NewOrder, func(Event) { order = append(order, "third") }, "c")

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Errorf("delivery order = %v", order)
	}
	if v := testutil.ToFloat64(reg.Panics); v != 1 {
		t.Errorf("panics = %v", v)
	}
}

func TestHandlerMayRegisterDuringDelivery(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	calls := 0
	d.Register(NewOrder, func(Event) {
		calls++
		d.Register(NewOrder, func(Event) { calls++ }, "nested")
	}, "outer")

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (snapshot excludes handlers added during delivery)", calls)
	}
	if d.Handlers(NewOrder) != 2 {
		t.Errorf("Handlers = %d, want 2", d.Handlers(NewOrder))
	}
}

func TestUnregister(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var a, b collector
	idA := d.Register(NewOrder, a.handle, "OrderList")
	d.Register(NewOrder, b.handle, "OrderList")
	d.Register(LowStock, b.handle, "OrderList")

	if !d.Unregister(NewOrder, idA) {
		t.Fatal("Unregister returned false")
	}
	if d.Unregister(NewOrder, idA) {
		t.Error("second Unregister returned true")
	}
	if d.Unregister(OrderUpdated, "missing") {
		t.Error("Unregister of unknown id returned true")
	}

	if n := d.UnregisterSource("OrderList", NewOrder); n != 1 {
		t.Errorf("UnregisterSource(NewOrder) = %d, want 1", n)
	}
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	if a.count()+b.count() != 0 {
		t.Errorf("events reached unregistered handlers")
	}
	if d.Handlers(LowStock) != 1 {
		t.Errorf("LowStock handlers = %d, want 1", d.Handlers(LowStock))
	}
	if n := d.UnregisterSource("OrderList"); n != 1 {
		t.Errorf("UnregisterSource(all) = %d, want 1", n)
	}
}

func TestUnregisterSourceStopsDelivery(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var got collector
	d.Register(NewOrder, got.handle, "OrderList")
	d.Register(NewOrder, got.handle, "OrderList")
	d.UnregisterSource("OrderList")

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	if got.count() != 0 {
		t.Errorf("delivered %d, want 0", got.count())
	}
}

func TestRegisterSoftCapEvictsOldest(t *testing.T) {
	clock := sched.NewFake(epoch)
	d := New(Config{Scheduler: clock, MaxHandlersPerSource: 3})
	defer d.Close()
	d.SetAdmin(true)

	hits := make([]int, 5)
	for i := range 5 {
		d.Register(NewOrder, func(Event) { hits[i]++ }, "Leaky")
	}
	d.Register(NewOrder, func(Event) {}, "Other")

	if d.Handlers(NewOrder) != 4 {
		t.Fatalf("Handlers = %d, want 4", d.Handlers(NewOrder))
	}
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	want := []int{0, 0, 1, 1, 1}
	for i := range want {
		if hits[i] != want[i] {
			t.Errorf("hits = %v, want %v", hits, want)
			break
		}
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	if id := d.Register("bogus", func(Event) {}, ""); id != "" {
		t.Error("registered invalid kind")
	}
	if id := d.Register(NewOrder, nil, ""); id != "" {
		t.Error("registered nil handler")
	}
	if id := d.OnOrder(LowStock, func(Order, Event) {}, ""); id != "" {
		t.Error("OnOrder accepted a stock kind")
	}
	if id := d.OnStock(NewOrder, func(StockItem, Event) {}, ""); id != "" {
		t.Error("OnStock accepted an order kind")
	}
}

func TestTypedAdapters(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var gotOrder Order
	var gotItem StockItem
	d.OnOrder(OrderUpdated, func(o Order, _ Event) { gotOrder = o }, "")
	d.OnStock(OutOfStock, func(it StockItem, _ Event) { gotItem = it }, "")

	d.HandleNotification(mustDecode(t, `{"type":"order_updated","order":{"id":4,"status":"ready"}}`))
	d.HandleNotification(mustDecode(t, `{"type":"out_of_stock","item":{"id":6,"name":"Basil","quantity":0}}`))

	if gotOrder.ID != "4" || gotOrder.Status != "ready" {
		t.Errorf("order = %+v", gotOrder)
	}
	if gotItem.Name != "Basil" {
		t.Errorf("item = %+v", gotItem)
	}
}

func TestSweepAllowsRedeliveryAfterRetention(t *testing.T) {
	d, clock, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)

	var got collector
	d.Register(NewOrder, got.handle, "")
	ev := mustDecode(t, `{"type":"new_order","order":{"id":1}}`)

	d.HandleNotification(ev)
	clock.Advance(55 * time.Minute)
	d.HandleNotification(ev)
	if got.count() != 1 {
		t.Fatalf("delivered %d within retention, want 1", got.count())
	}

	// The 65 minute sweep is the first one after the entry is an hour old.
	clock.Advance(10 * time.Minute)
	if d.Seen("new_order_1") {
		t.Fatal("entry survived sweep past retention")
	}
	d.HandleNotification(ev)
	if got.count() != 2 {
		t.Errorf("delivered %d after retention, want 2", got.count())
	}
}

func TestPersistence(t *testing.T) {
	st := &recordingStore{}
	d, _, _ := newTestDispatcher(t, st)
	d.SetAdmin(true)
	d.SetTenant("42")

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"status":"pending"}}`))
	d.Close()

	ids := st.addedIDs()
	if len(ids) != 1 || ids[0] != "new_order_1" {
		t.Fatalf("persisted %v, want [new_order_1]", ids)
	}
	if st.added[0].RestaurantID != "42" {
		t.Errorf("record tenant = %q, want active tenant 42", st.added[0].RestaurantID)
	}
}

func TestStoreFailureDoesNotBlockDelivery(t *testing.T) {
	st := &recordingStore{addErr: errors.New("disk full")}
	d, _, _ := newTestDispatcher(t, st)
	d.SetAdmin(true)

	var got collector
	d.Register(NewOrder, got.handle, "")
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	if got.count() != 1 {
		t.Errorf("delivered %d, want 1", got.count())
	}
}

func TestFetchMissed(t *testing.T) {
	st := &recordingStore{missed: []store.Record{
		{ID: "new_order_8", Type: "new_order", RestaurantID: "42", EntityID: "8", Data: json.RawMessage(`{"id":8}`)},
		{ID: "bad", Type: "mystery"},
		{ID: "low_stock_3_1", Type: "low_stock", RestaurantID: "42", EntityID: "3"},
	}}
	d, _, _ := newTestDispatcher(t, st)
	d.SetTenant("42")

	if n := d.FetchMissed(context.Background()); n != 0 {
		t.Fatalf("FetchMissed without admin replayed %d", n)
	}

	d.SetAdmin(true)
	var orders, stock collector
	d.Register(NewOrder, orders.handle, "")
	d.Register(LowStock, stock.handle, "")

	if n := d.FetchMissed(context.Background()); n != 2 {
		t.Fatalf("FetchMissed replayed %d, want 2", n)
	}
	if orders.count() != 1 || stock.count() != 1 {
		t.Errorf("orders=%d stock=%d, want 1 each", orders.count(), stock.count())
	}
	if st.syncs != 1 || len(st.tenants) != 1 || st.tenants[0] != "42" {
		t.Errorf("syncs=%d tenants=%v", st.syncs, st.tenants)
	}

	// Replayed ids are recorded, so the same live event is not delivered again.
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":8}}`))
	if orders.count() != 1 {
		t.Errorf("live duplicate of replayed event delivered")
	}

	// A second reconnect returns the same backlog; nothing is replayed twice.
	if n := d.FetchMissed(context.Background()); n != 0 {
		t.Errorf("second FetchMissed replayed %d, want 0", n)
	}
}

func TestFetchMissedSkipsEventsDeliveredLive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(0)
	d, clock, _ := newTestDispatcher(t, st)
	d.SetAdmin(true)
	d.SetTenant("42")

	var orders collector
	d.Register(NewOrder, orders.handle, "")

	// First open: nothing is waiting.
	if n := d.FetchMissed(ctx); n != 0 {
		t.Fatalf("initial FetchMissed replayed %d", n)
	}

	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":7,"restaurant_id":42}}`))
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := st.Since(ctx, "42", time.Time{})
		if err != nil {
			t.Fatalf("Since: %v", err)
		}
		if len(recs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("live event never persisted: %+v", recs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stay connected past retention so dedup no longer remembers id 7.
	clock.Advance(2 * time.Hour)
	if d.Seen("new_order_7") {
		t.Fatal("dedup entry survived retention")
	}
	if n := d.FetchMissed(ctx); n != 0 {
		t.Errorf("reconnect replayed %d events that were delivered live", n)
	}
	if orders.count() != 1 {
		t.Fatalf("handler calls = %d, want 1", orders.count())
	}

	// An event recorded while the display was away is still replayed.
	clock.Advance(time.Minute)
	away := mustDecode(t, `{"type":"new_order","order":{"id":8,"restaurant_id":42}}`)
	if err := st.Add(ctx, NewRecord(away, "new_order_8", clock.Now())); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := d.FetchMissed(ctx); n != 1 {
		t.Errorf("FetchMissed replayed %d, want 1", n)
	}
	if orders.count() != 2 {
		t.Errorf("handler calls = %d, want 2", orders.count())
	}
}

func TestFirstFetchIsBoundedByRetention(t *testing.T) {
	old := store.Record{ID: "new_order_1", Type: "new_order", RestaurantID: "42", EntityID: "1",
		Data: json.RawMessage(`{"id":1}`), CreatedAt: epoch.Add(-3 * time.Hour)}
	recent := store.Record{ID: "new_order_2", Type: "new_order", RestaurantID: "42", EntityID: "2",
		Data: json.RawMessage(`{"id":2}`), CreatedAt: epoch.Add(-10 * time.Minute)}
	st := &recordingStore{missed: []store.Record{old, recent}}
	d, _, _ := newTestDispatcher(t, st)
	d.SetAdmin(true)
	d.SetTenant("42")

	var orders collector
	d.Register(NewOrder, orders.handle, "")
	if n := d.FetchMissed(context.Background()); n != 1 {
		t.Fatalf("FetchMissed replayed %d, want 1", n)
	}
	if orders.events[0].Order.ID != "2" {
		t.Errorf("replayed order %+v, want id 2", orders.events[0].Order)
	}
}

func TestClosedDispatcherDropsEvents(t *testing.T) {
	d, clock, _ := newTestDispatcher(t, nil)
	d.SetAdmin(true)
	var got collector
	d.Register(NewOrder, got.handle, "")

	d.Close()
	d.Close()
	d.HandleNotification(mustDecode(t, `{"type":"new_order","order":{"id":1}}`))
	if got.count() != 0 {
		t.Error("closed dispatcher delivered an event")
	}
	if clock.Pending() != 0 {
		t.Errorf("sweep timer still armed after Close")
	}
}

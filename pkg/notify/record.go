package notify

import (
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

// IDFunc derives the deduplication id of an event. An empty id means the
// event cannot be deduplicated or persisted.
type IDFunc func(Event) string

// DefaultID derives ids of the form new_order_<id>, order_updated_<id>_<status>,
// low_stock_<id>_<quantity> and out_of_stock_<id>_<quantity>.
func DefaultID(ev Event) string {
	rid := ev.ResourceID()
	if rid == "" {
		return ""
	}
	switch ev.Kind {
	case NewOrder:
		return fmt.Sprintf("%s_%s", ev.Kind, rid)
	case OrderUpdated:
		return fmt.Sprintf("%s_%s_%s", ev.Kind, rid, ev.Order.Status)
	case LowStock, OutOfStock:
		return fmt.Sprintf("%s_%s_%s", ev.Kind, rid, ev.Item.Quantity)
	default:
		return ""
	}
}

// NewRecord normalizes ev for durable storage.
func NewRecord(ev Event, id string, now time.Time) store.Record {
	r := store.Record{
		ID:           id,
		Type:         string(ev.Kind),
		RestaurantID: ev.TenantID,
		EntityID:     ev.ResourceID(),
		Data:         ev.Raw,
		CreatedAt:    now,
	}
	switch ev.Kind {
	case NewOrder:
		r.Title = "New order #" + orderLabel(ev.Order)
		if ev.Order.CustomerName != "" {
			r.Body = "From " + ev.Order.CustomerName
		}
	case OrderUpdated:
		r.Title = "Order #" + orderLabel(ev.Order) + " updated"
		if ev.Order.Status != "" {
			r.Body = "Status: " + ev.Order.Status
		}
	case LowStock:
		r.Title = "Low stock: " + itemLabel(ev.Item)
		r.Body = quantityText(ev.Item)
	case OutOfStock:
		r.Title = "Out of stock: " + itemLabel(ev.Item)
		r.Body = quantityText(ev.Item)
	}
	return r
}

// FromRecord rebuilds the event a stored record was created from.
func FromRecord(r store.Record) (Event, error) {
	kind, ok := ParseKind(r.Type)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Type)
	}
	ev := Event{
		Kind:       kind,
		TenantID:   r.RestaurantID,
		Raw:        r.Data,
		ReceivedAt: r.CreatedAt,
	}
	if err := ev.decodePayload(); err != nil {
		return Event{}, err
	}
	switch {
	case ev.Order != nil && ev.Order.ID == "":
		ev.Order.ID = ID(r.EntityID)
	case ev.Item != nil && ev.Item.ID == "":
		ev.Item.ID = ID(r.EntityID)
	}
	return ev, nil
}

func orderLabel(o *Order) string {
	if o.Number != "" {
		return string(o.Number)
	}
	return string(o.ID)
}

func itemLabel(it *StockItem) string {
	if it.Name != "" {
		return it.Name
	}
	return string(it.ID)
}

func quantityText(it *StockItem) string {
	if it.Quantity == "" {
		return ""
	}
	if it.Unit != "" {
		return fmt.Sprintf("%s %s remaining", it.Quantity, it.Unit)
	}
	return fmt.Sprintf("%s remaining", it.Quantity)
}

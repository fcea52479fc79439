// Package notify turns restaurant domain messages into typed events and
// dispatches them to registered handlers with deduplication and tenant isolation.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of a domain event.
type Kind string

// Domain event kinds.
const (
	NewOrder     Kind = "new_order"
	OrderUpdated Kind = "order_updated"
	LowStock     Kind = "low_stock"
	OutOfStock   Kind = "out_of_stock"
)

// Kinds lists every known kind.
var Kinds = []Kind{NewOrder, OrderUpdated, LowStock, OutOfStock}

var (
	// ErrUnknownKind is returned for a message type that maps to no Kind.
	ErrUnknownKind = errors.New("unknown message type")
	// ErrMalformed is returned when a message is not a JSON object.
	ErrMalformed = errors.New("malformed message")
)

// ParseKind maps a wire message type to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, k.Valid()
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case NewOrder, OrderUpdated, LowStock, OutOfStock:
		return true
	default:
		return false
	}
}

// Sensitive reports whether k is only delivered in an admin context.
func (k Kind) Sensitive() bool {
	return k == NewOrder || k == OrderUpdated || k == LowStock
}

// IsOrder reports whether events of kind k carry an Order.
func (k Kind) IsOrder() bool {
	return k == NewOrder || k == OrderUpdated
}

// IsStock reports whether events of kind k carry a StockItem.
func (k Kind) IsStock() bool {
	return k == LowStock || k == OutOfStock
}

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	s, err := scalarJSON(b)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(s)
	return nil
}

// String returns the identifier as text.
func (id ID) String() string { return string(id) }

// OrderLine is one item of an order.
type OrderLine struct {
	Name     string      `json:"name"`
	Notes    string      `json:"notes,omitempty"`
	Quantity json.Number `json:"quantity,omitempty"`
}

// Order is the payload of order events.
type Order struct {
	ID           ID          `json:"id"`
	RestaurantID ID          `json:"restaurant_id,omitempty"`
	Number       ID          `json:"order_number,omitempty"`
	Status       string      `json:"status,omitempty"`
	CustomerName string      `json:"customer_name,omitempty"`
	TableNumber  ID          `json:"table_number,omitempty"`
	Total        ID          `json:"total,omitempty"`
	Items        []OrderLine `json:"items,omitempty"`
}

// StockItem is the payload of inventory events.
type StockItem struct {
	ID           ID          `json:"id"`
	RestaurantID ID          `json:"restaurant_id,omitempty"`
	Name         string      `json:"name,omitempty"`
	Unit         string      `json:"unit,omitempty"`
	Quantity     json.Number `json:"quantity,omitempty"`
	Threshold    json.Number `json:"threshold,omitempty"`
}

// Event is a normalized domain event. Order is set for order kinds and Item
// for stock kinds; the other is nil.
type Event struct {
	ReceivedAt time.Time
	Order      *Order
	Item       *StockItem
	Kind       Kind
	TenantID   string
	Channel    string
	Raw        json.RawMessage
}

// ResourceID returns the id of the order or item the event is about.
func (e Event) ResourceID() string {
	switch {
	case e.Order != nil:
		return string(e.Order.ID)
	case e.Item != nil:
		return string(e.Item.ID)
	default:
		return ""
	}
}

// TenantResolver finds the tenant of a decoded payload. It returns "" when
// no tenant can be discovered.
type TenantResolver func(kind Kind, payload map[string]any) string

// Decode parses a domain message of the form {"type": ..., "order"|"item": {...}}.
// The tenant id is resolved once here with resolve, or DefaultTenantResolver when nil.
func Decode(message json.RawMessage, resolve TenantResolver) (Event, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(message, &env); err != nil || env == nil {
		return Event{}, fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}
	var typ string
	if raw, ok := env["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return Event{}, fmt.Errorf("%w: type is not a string", ErrMalformed)
		}
	}
	kind, ok := ParseKind(typ)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, typ)
	}

	ev := Event{Kind: kind, Raw: payloadOf(kind, env, message)}
	if err := ev.decodePayload(); err != nil {
		return Event{}, err
	}

	if resolve == nil {
		resolve = DefaultTenantResolver
	}
	ev.TenantID = resolve(kind, generic(ev.Raw))
	if ev.TenantID == "" {
		ev.TenantID = directTenant(generic(message))
	}
	return ev, nil
}

var (
	orderKeys = []string{"order", "data"}
	stockKeys = []string{"item", "inventory_item", "menu_item", "data"}
)

func payloadOf(kind Kind, env map[string]json.RawMessage, message json.RawMessage) json.RawMessage {
	keys := stockKeys
	if kind.IsOrder() {
		keys = orderKeys
	}
	for _, k := range keys {
		if raw, ok := env[k]; ok && len(raw) > 0 && raw[0] == '{' {
			return raw
		}
	}
	return message
}

func (e *Event) decodePayload() error {
	switch {
	case e.Kind.IsOrder():
		var o Order
		if len(e.Raw) > 0 {
			if err := json.Unmarshal(e.Raw, &o); err != nil {
				return fmt.Errorf("%w: order payload: %w", ErrMalformed, err)
			}
		}
		e.Order = &o
	case e.Kind.IsStock():
		var it StockItem
		if len(e.Raw) > 0 {
			if err := json.Unmarshal(e.Raw, &it); err != nil {
				return fmt.Errorf("%w: item payload: %w", ErrMalformed, err)
			}
		}
		e.Item = &it
	}
	return nil
}

// DefaultTenantResolver looks for a tenant id in the payload's restaurant_id or
// organization_id, then in nested menu_item and metadata objects, and finally in
// an id of the form "<tenant>_<local>".
func DefaultTenantResolver(_ Kind, payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if t := directTenant(payload); t != "" {
		return t
	}
	for _, key := range []string{"menu_item", "metadata"} {
		if nested, ok := payload[key].(map[string]any); ok {
			if t := directTenant(nested); t != "" {
				return t
			}
		}
	}
	if id, ok := payload["id"].(string); ok {
		if i := strings.IndexByte(id, '_'); i > 0 && i < len(id)-1 {
			return id[:i]
		}
	}
	return ""
}

func directTenant(m map[string]any) string {
	for _, key := range []string{"restaurant_id", "organization_id"} {
		if s := scalar(m[key]); s != "" {
			return s
		}
	}
	return ""
}

// generic decodes raw into a map, keeping numbers exact.
func generic(raw json.RawMessage) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func scalarJSON(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return "", nil
	case b[0] == '"':
		var s string
		err := json.Unmarshal(b, &s)
		return s, err
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

package srv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codeGROOVE-dev/tablecast/pkg/cable"
)

const (
	maxSubscriptionsPerClient = 16
	maxTenantIDLength         = 64
	// AnyTenant is the tenant grant of a token trusted for every restaurant.
	AnyTenant = "*"
)

var (
	// ErrUnknownChannel is returned for channels the relay does not serve.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrTenantMismatch is returned when an identifier names another restaurant.
	ErrTenantMismatch = errors.New("restaurant not permitted for this connection")
	// ErrTooManySubscriptions is returned past maxSubscriptionsPerClient.
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	// ErrInvalidTenant is returned for empty or oversized restaurant ids.
	ErrInvalidTenant = errors.New("invalid restaurant id")
)

// DefaultChannels are the channels served when a handler names none.
var DefaultChannels = []string{cable.OrderChannel, cable.InventoryChannel}

type subKey struct {
	channel string
	tenant  string
}

// Subscriptions is a client's set of channel subscriptions.
type Subscriptions struct {
	set map[subKey]struct{}
	mu  sync.RWMutex
}

// NewSubscriptions returns an empty set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{set: make(map[subKey]struct{})}
}

// Add records a subscription. Adding an existing one succeeds.
func (s *Subscriptions) Add(channel, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{channel, tenantID}
	if _, ok := s.set[k]; ok {
		return nil
	}
	if len(s.set) >= maxSubscriptionsPerClient {
		return ErrTooManySubscriptions
	}
	s.set[k] = struct{}{}
	return nil
}

// Remove drops a subscription and reports whether it existed.
func (s *Subscriptions) Remove(channel, tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{channel, tenantID}
	_, ok := s.set[k]
	delete(s.set, k)
	return ok
}

// Has reports whether the set holds channel for tenantID.
func (s *Subscriptions) Has(channel, tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[subKey{channel, tenantID}]
	return ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set)
}

// resolveSubscription validates a subscribe or unsubscribe identifier for a
// connection granted grant, and returns the channel and tenant it names.
// An identifier without a restaurant id means the connection's own tenant.
func resolveSubscription(raw json.RawMessage, grant, connTenant string, channels map[string]bool) (channel, tenant string, err error) {
	id, err := cable.DecodeIdentifier(raw)
	if err != nil {
		return "", "", err
	}
	if !channels[id.Channel] {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownChannel, id.Channel)
	}
	tenant = id.RestaurantID.String()
	if tenant == "" {
		tenant = connTenant
	}
	if err := validTenant(tenant); err != nil {
		return "", "", err
	}
	if grant != AnyTenant && tenant != grant {
		return "", "", ErrTenantMismatch
	}
	return id.Channel, tenant, nil
}

func validTenant(id string) error {
	if id == "" || id == AnyTenant || len(id) > maxTenantIDLength {
		return ErrInvalidTenant
	}
	for _, c := range id {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return ErrInvalidTenant
		}
	}
	return nil
}

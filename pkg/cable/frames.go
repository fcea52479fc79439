package cable

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeGROOVE-dev/tablecast/pkg/notify"
)

// Channel names.
const (
	OrderChannel     = "OrderChannel"
	InventoryChannel = "InventoryChannel"
)

// FrameType classifies an inbound frame.
type FrameType string

// Frame types.
const (
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
	FrameWelcome    FrameType = "welcome"
	FrameDisconnect FrameType = "disconnect"
	FrameConfirm    FrameType = "confirm_subscription"
	FrameReject     FrameType = "reject_subscription"
	FrameMessage    FrameType = "message"
)

const (
	commandSubscribe = "subscribe"
	commandUnsub     = "unsubscribe"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON objects.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownMessageType is returned for frames of an unrecognized type.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Identifier names a channel subscription.
type Identifier struct {
	Channel      string    `json:"channel"`
	RestaurantID notify.ID `json:"restaurant_id,omitempty"`
}

// Command is an outbound control frame.
type Command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

// Control is a bare typed frame such as ping or pong.
type Control struct {
	Type    string `json:"type"`
	Message any    `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Frame is a classified inbound frame. Event is set for FrameMessage.
type Frame struct {
	Event      notify.Event
	Identifier Identifier
	Type       FrameType
	Reason     string
}

// SubscribeFrame builds the subscribe command for channel scoped to tenantID.
func SubscribeFrame(channel, tenantID string) Command {
	return Command{Command: commandSubscribe, Identifier: EncodeIdentifier(channel, tenantID)}
}

// UnsubscribeFrame builds the unsubscribe command for channel scoped to tenantID.
func UnsubscribeFrame(channel, tenantID string) Command {
	return Command{Command: commandUnsub, Identifier: EncodeIdentifier(channel, tenantID)}
}

// IsSubscribe reports whether c is a subscribe command.
func (c Command) IsSubscribe() bool { return c.Command == commandSubscribe }

// IsUnsubscribe reports whether c is an unsubscribe command.
func (c Command) IsUnsubscribe() bool { return c.Command == commandUnsub }

// EncodeIdentifier returns the JSON-in-a-string identifier for a channel.
func EncodeIdentifier(channel, tenantID string) string {
	b, err := json.Marshal(Identifier{Channel: channel, RestaurantID: notify.ID(tenantID)})
	if err != nil {
		// Marshaling two strings cannot fail.
		panic(err)
	}
	return string(b)
}

// DecodeIdentifier parses an identifier, accepting the JSON-in-a-string form
// or a plain object.
func DecodeIdentifier(raw json.RawMessage) (Identifier, error) {
	var id Identifier
	if len(raw) == 0 {
		return id, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return id, fmt.Errorf("identifier: %w", err)
		}
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &id); err != nil {
		return id, fmt.Errorf("identifier: %w", err)
	}
	return id, nil
}

type inbound struct {
	Type       string          `json:"type"`
	Identifier json.RawMessage `json:"identifier"`
	Message    json.RawMessage `json:"message"`
	Reason     string          `json:"reason"`
}

// ParseFrame classifies raw. Domain messages are decoded into a notify.Event,
// with the tenant resolved by resolve. It never panics on bad input.
func ParseFrame(raw []byte, resolve notify.TenantResolver) (Frame, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	ident, err := DecodeIdentifier(in.Identifier)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if in.Type != "" {
		switch t := FrameType(in.Type); t {
		case FramePing, FramePong, FrameWelcome, FrameDisconnect, FrameConfirm, FrameReject:
			return Frame{Type: t, Identifier: ident, Reason: in.Reason}, nil
		default:
			return Frame{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, in.Type)
		}
	}

	if len(in.Message) == 0 {
		return Frame{}, fmt.Errorf("%w: no type or message", ErrMalformedFrame)
	}
	ev, err := notify.Decode(in.Message, resolve)
	if err != nil {
		if errors.Is(err, notify.ErrUnknownKind) {
			return Frame{}, fmt.Errorf("%w: %w", ErrUnknownMessageType, err)
		}
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	ev.Channel = ident.Channel
	return Frame{Type: FrameMessage, Identifier: ident, Event: ev}, nil
}

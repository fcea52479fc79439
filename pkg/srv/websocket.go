package srv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
	"github.com/codeGROOVE-dev/tablecast/pkg/security"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	handshakeDeadline   = 2 * time.Second
	maxFrameBytes       = 64 << 10
)

type sessionKey struct{}

// session is what ServeHTTP learned about a request before the upgrade.
type session struct {
	peer        security.Peer
	reservation string
	tenant      string
	grant       string
}

// WebSocketHandler accepts display connections on the cable endpoint.
type WebSocketHandler struct {
	hub      *Hub
	limiter  *security.ConnectionLimiter
	auth     Authenticator
	channels map[string]bool
	// PingInterval is how often the relay pings each client. The read
	// deadline is two and a half intervals.
	PingInterval time.Duration
}

// NewWebSocketHandler creates a handler serving channels, or DefaultChannels
// when none are given.
func NewWebSocketHandler(h *Hub, limiter *security.ConnectionLimiter, auth Authenticator, channels ...string) *WebSocketHandler {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &WebSocketHandler{
		hub:          h,
		limiter:      limiter,
		auth:         auth,
		channels:     set,
		PingInterval: defaultPingInterval,
	}
}

func (h *WebSocketHandler) readTimeout() time.Duration {
	return h.PingInterval * 5 / 2
}

// ServeHTTP authenticates the request and reserves a connection slot before
// upgrading, so rejected clients get a plain HTTP status.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	peer, err := security.IdentifyPeer(r)
	if err != nil {
		f := peer.Fields("")
		f["error"] = err.Error()
		logger.Warn(ctx, "cable 400: invalid user-agent", f)
		http.Error(w, "400 Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	tenant := r.URL.Query().Get("restaurant_id")
	if err := validTenant(tenant); err != nil {
		logger.Warn(ctx, "cable 400: invalid restaurant id", peer.Fields(""))
		http.Error(w, "400 Bad Request: restaurant_id is required", http.StatusBadRequest)
		return
	}

	grant, err := authorize(ctx, h.auth, bearerToken(r), tenant)
	if err != nil {
		f := peer.Fields(tenant)
		f["url"] = security.RedactURL(r.URL.String())
		logger.Warn(ctx, "cable 401: authentication failed", f)
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
		return
	}

	reservation := ""
	if h.limiter != nil {
		reservation = h.limiter.Reserve(peer.IP)
		if reservation == "" {
			logger.Warn(ctx, "cable 429: connection limit", peer.Fields(tenant))
			http.Error(w, "429 Too Many Requests: connection limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	r = r.WithContext(context.WithValue(ctx, sessionKey{}, session{
		peer:        peer,
		reservation: reservation,
		tenant:      tenant,
		grant:       grant,
	}))
	s := websocket.Server{
		Handler: h.Handle,
		// Displays are not browsers, so there is no Origin to check.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
	s.ServeHTTP(w, r)
}

// wsCloser closes a connection exactly once.
type wsCloser struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (wc *wsCloser) Close() error {
	var err error
	wc.closeOnce.Do(func() { err = wc.ws.Close() })
	return err
}

// inbound is every frame a display may send.
type inbound struct {
	Type       string          `json:"type"`
	Command    string          `json:"command"`
	Identifier json.RawMessage `json:"identifier"`
}

// Handle runs one upgraded connection. It must be reached through ServeHTTP,
// which authenticates the request and stores the session in its context.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	sess, ok := ctx.Value(sessionKey{}).(session)
	if !ok {
		// Unauthenticated: the peer is only identified for the log line.
		sess.peer, _ = security.IdentifyPeer(ws.Request())
	}
	wc := &wsCloser{ws: ws}
	defer func() {
		if err := wc.Close(); err != nil && !isClosedConnErr(err) {
			f := sess.peer.Fields(sess.tenant)
			f["error"] = err.Error()
			logger.Debug(ctx, "websocket close failed", f)
		}
	}()
	ws.MaxPayloadBytes = maxFrameBytes

	if !ok {
		logger.Error(ctx, "websocket connection without a session", nil, sess.peer.Fields(""))
		sendDirect(ctx, ws, outFrame{Type: "disconnect", Reason: "unauthorized"})
		return
	}

	if h.limiter != nil {
		if !h.limiter.CommitReservation(sess.reservation) {
			logger.Warn(ctx, "websocket rejected: reservation expired", sess.peer.Fields(sess.tenant))
			sendDirect(ctx, ws, outFrame{Type: "disconnect", Reason: "connection_limit_exceeded"})
			return
		}
		defer h.limiter.Remove(sess.peer.IP)
	}

	client := NewClient(uuid.NewString(), sess.tenant, ws)
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID)

	f := sess.peer.Fields(sess.tenant)
	f["client_id"] = client.ID
	logger.Info(ctx, "websocket connection established", f)

	client.reply(outFrame{Type: "welcome"})
	go client.Run(ctx, h.PingInterval, writeTimeout)

	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout())); err != nil {
			logger.Debug(ctx, "set read deadline failed", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		var in inbound
		if err := websocket.JSON.Receive(ws, &in); err != nil {
			if errors.Is(err, io.EOF) || isClosedConnErr(err) {
				logger.Info(ctx, "client closed connection", logger.Fields{"client_id": client.ID})
				return
			}
			var se *json.SyntaxError
			var te *json.UnmarshalTypeError
			if errors.As(err, &se) || errors.As(err, &te) {
				logger.Warn(ctx, "client sent malformed frame", logger.Fields{"client_id": client.ID})
				continue
			}
			logger.Info(ctx, "client read ended", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		if ctx.Err() != nil {
			return
		}
		h.handleFrame(ctx, client, sess, in)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, c *Client, sess session, in inbound) {
	switch {
	case in.Type == "ping":
		if !c.reply(outFrame{Type: "pong"}) {
			logger.Warn(ctx, "control channel full, dropping pong", logger.Fields{"client_id": c.ID})
		}
	case in.Type == "pong":
		// The read deadline was already extended.
	case in.Command == "subscribe":
		channel, tenant, err := resolveSubscription(in.Identifier, sess.grant, sess.tenant, h.channels)
		if err == nil {
			err = c.subs.Add(channel, tenant)
		}
		if err != nil {
			logger.Warn(ctx, "subscription rejected", logger.Fields{
				"client_id": c.ID,
				"error":     err.Error(),
			})
			c.reply(outFrame{Type: "reject_subscription", Identifier: identifierText(in.Identifier)})
			return
		}
		logger.Info(ctx, "subscription confirmed", logger.Fields{
			"client_id":     c.ID,
			"channel":       channel,
			"restaurant_id": tenant,
		})
		c.reply(outFrame{Type: "confirm_subscription", Identifier: identifierText(in.Identifier)})
	case in.Command == "unsubscribe":
		channel, tenant, err := resolveSubscription(in.Identifier, sess.grant, sess.tenant, h.channels)
		if err != nil {
			return
		}
		c.subs.Remove(channel, tenant)
	default:
		logger.Debug(ctx, "unexpected frame", logger.Fields{
			"client_id": c.ID,
			"type":      in.Type,
			"command":   in.Command,
		})
	}
}

// identifierText returns the identifier in its JSON-in-a-string form.
func identifierText(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// sendDirect writes a frame before the client writer exists.
func sendDirect(ctx context.Context, ws *websocket.Conn, f outFrame) {
	if err := ws.SetWriteDeadline(time.Now().Add(handshakeDeadline)); err != nil {
		return
	}
	if err := websocket.JSON.Send(ws, f); err != nil {
		logger.Debug(ctx, "failed to send frame", logger.Fields{"type": f.Type, "error": fmt.Sprint(err)})
	}
}

func isClosedConnErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") || strings.Contains(s, "broken pipe")
}

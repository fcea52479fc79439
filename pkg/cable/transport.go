package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState mirrors the browser WebSocket readyState values.
type ReadyState int

// Ready states.
const (
	ReadyConnecting ReadyState = iota
	ReadyOpen
	ReadyClosing
	ReadyClosed
)

// Close codes used by the client.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// SocketHandler receives socket events. Calls for one socket are serialized.
type SocketHandler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

// Socket is one connection attempt.
type Socket interface {
	// Start begins the handshake and delivers events to h. It must not block.
	Start(h SocketHandler)
	// Send writes v as a JSON text frame.
	Send(v any) error
	Close(code int, reason string) error
	ReadyState() ReadyState
}

// Transport constructs sockets. Dial must not perform network I/O.
type Transport interface {
	Dial(rawURL string) (Socket, error)
}

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
)

// WebSocketTransport dials with gorilla/websocket.
type WebSocketTransport struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

// Dial validates rawURL and returns an unstarted socket.
func (t *WebSocketTransport) Dial(rawURL string) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	wt := t.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSocket{
		url:          rawURL,
		dialer:       dialer,
		header:       t.Header.Clone(),
		writeTimeout: wt,
		ctx:          ctx,
		cancel:       cancel,
		state:        ReadyConnecting,
	}, nil
}

type wsSocket struct {
	ctx          context.Context //nolint:containedctx // socket lifetime
	conn         *websocket.Conn
	dialer       *websocket.Dialer
	header       http.Header
	cancel       context.CancelFunc
	url          string
	closeReason  string
	writeTimeout time.Duration
	state        ReadyState
	closeCode    int
	mu           sync.Mutex
	writeMu      sync.Mutex
	closedLocal  bool
}

func (s *wsSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSocket) Start(h SocketHandler) {
	go s.run(h)
}

func (s *wsSocket) run(h SocketHandler) {
	conn, resp, err := s.dialer.DialContext(s.ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake body is unused
	}
	if err != nil {
		s.mu.Lock()
		local, code, reason := s.closedLocal, s.closeCode, s.closeReason
		s.state = ReadyClosed
		s.mu.Unlock()
		if local {
			h.OnClose(code, reason)
			return
		}
		if resp != nil {
			err = fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		h.OnError(err)
		return
	}

	s.mu.Lock()
	if s.closedLocal {
		code, reason := s.closeCode, s.closeReason
		s.state = ReadyClosed
		s.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // closed before open
		h.OnClose(code, reason)
		return
	}
	s.conn = conn
	s.state = ReadyOpen
	s.mu.Unlock()

	h.OnOpen()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			s.mu.Lock()
			if s.closedLocal {
				code, reason = s.closeCode, s.closeReason
			}
			s.state = ReadyClosed
			s.mu.Unlock()
			_ = conn.Close() //nolint:errcheck // already failed
			h.OnClose(code, reason)
			return
		}
		h.OnMessage(data)
	}
}

func (s *wsSocket) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != ReadyOpen || conn == nil {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closedLocal {
		s.mu.Unlock()
		return nil
	}
	s.closedLocal = true
	s.closeCode, s.closeReason = code, reason
	conn := s.conn
	if s.state != ReadyClosed {
		s.state = ReadyClosing
	}
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()
	cerr := conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return fmt.Errorf("write close frame: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close: %w", cerr)
	}
	return nil
}

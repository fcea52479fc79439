package cable

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	opened chan struct{}
	msgs   chan string
	closed chan int
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 1),
		msgs:   make(chan string, 8),
		closed: make(chan int, 1),
		errs:   make(chan error, 1),
	}
}

func (r *recorder) OnOpen()                    { r.opened <- struct{}{} }
func (r *recorder) OnMessage(data []byte)      { r.msgs <- string(data) }
func (r *recorder) OnClose(code int, _ string) { r.closed <- code }
func (r *recorder) OnError(err error)          { r.errs <- err }

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/cable?token=tok&restaurant_id=42"
}

// echoServer replies to the first frame with a pong and then closes with 4001.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck // test
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(4001, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // test
		_, _, _ = conn.ReadMessage()                                                     //nolint:errcheck // drain close
	}))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	sock, err := (&WebSocketTransport{}).Dial(wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sock.ReadyState() != ReadyConnecting {
		t.Errorf("ready state before Start = %v", sock.ReadyState())
	}
	if err := sock.Send(Control{Type: "ping"}); err == nil {
		t.Error("Send before open succeeded")
	}

	rec := newRecorder()
	sock.Start(rec)
	wait(t, rec.opened, "open")
	if sock.ReadyState() != ReadyOpen {
		t.Errorf("ready state = %v, want open", sock.ReadyState())
	}
	if err := sock.Send(Control{Type: "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := wait(t, rec.msgs, "reply"); got != `{"type":"pong"}` {
		t.Errorf("reply = %s", got)
	}
	if code := wait(t, rec.closed, "close"); code != 4001 {
		t.Errorf("close code = %d, want 4001", code)
	}
	if sock.ReadyState() != ReadyClosed {
		t.Errorf("ready state after close = %v", sock.ReadyState())
	}
}

func TestWebSocketTransportLocalClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	sock, err := (&WebSocketTransport{}).Dial(wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rec := newRecorder()
	sock.Start(rec)
	wait(t, rec.opened, "open")

	if err := sock.Close(CloseNormal, "bye"); err != nil {
		t.Logf("Close: %v", err)
	}
	if code := wait(t, rec.closed, "close"); code != CloseNormal {
		t.Errorf("close code = %d, want %d", code, CloseNormal)
	}
}

func TestWebSocketTransportHandshakeFailure(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	u := strings.Replace(wsURL(srv), "token=tok", "token=bad", 1)
	sock, err := (&WebSocketTransport{}).Dial(u)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rec := newRecorder()
	sock.Start(rec)
	err = wait(t, rec.errs, "error")
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want handshake status", err)
	}
}

func TestWebSocketTransportRejectsScheme(t *testing.T) {
	if _, err := (&WebSocketTransport{}).Dial("https://example.com/cable"); err == nil {
		t.Error("Dial accepted an https url")
	}
}

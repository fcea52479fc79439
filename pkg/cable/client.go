// Package cable maintains the realtime connection to the restaurant backend:
// the connection state machine, channel subscriptions, reconnection with
// backoff and the heartbeat liveness check.
package cable

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/tablecast/pkg/credentials"
	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/notify"
	"github.com/codeGROOVE-dev/tablecast/pkg/sched"
	"github.com/codeGROOVE-dev/tablecast/pkg/security"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Disconnect reasons.
const (
	// ReasonCleanup leaves auto-reconnect enabled.
	ReasonCleanup = "cleanup"
	ReasonUser    = "user"
)

// Defaults applied by New.
const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultJitter               = 0.2
	DefaultMaxReconnectAttempts = 10
	DefaultMinReconnectDelay    = time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultForceReconnectWait   = 3 * time.Second
	DefaultFetchTimeout         = 30 * time.Second
)

// Sink receives what the connection produces.
type Sink interface {
	HandleNotification(ev notify.Event)
	SetTenant(id string)
	FetchMissed(ctx context.Context) int
}

// NetworkMonitor reports host connectivity changes.
type NetworkMonitor interface {
	Subscribe(fn func(online bool)) func()
}

// Config configures a Client.
type Config struct {
	Transport      Transport
	Credentials    credentials.Source
	Sink           Sink
	Scheduler      sched.Scheduler
	Network        NetworkMonitor
	Logger         *slog.Logger
	Metrics        *metrics.Registry
	TenantResolver notify.TenantResolver
	// Rand returns values in [0, 1) for jitter.
	Rand     func() float64
	BaseURL  string
	PageURL  string
	Channels []string

	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MinReconnectDelay    time.Duration
	HeartbeatInterval    time.Duration
	ForceReconnectWait   time.Duration
	FetchTimeout         time.Duration
	// Jitter is the backoff spread. Negative disables it.
	Jitter               float64
	MaxReconnectAttempts int
}

type statusHandler struct {
	fn func(Status)
	id string
}

// Client owns at most one live socket. Every callback it makes (socket
// start and close, sends, status handlers, sink calls) runs without c.mu held.
//
//nolint:govet // grouped by concern
type Client struct {
	cfg     Config
	sched   sched.Scheduler
	logger  *slog.Logger
	limiter *rate.Limiter
	backoff Backoff

	mu      sync.Mutex
	pending []func()

	socket     Socket
	gen        uint64
	tenant     string
	channels   []string
	state      ConnectionState
	lastErr    error
	attempts   int
	handlers   []statusHandler
	waiters    []chan struct{}
	netUnsub   func()
	retrySeq   uint64
	connectSeq uint64

	retryTimer   sched.Timer
	connectTimer sched.Timer
	heartbeat    sched.Timer

	initialized   bool
	connecting    bool
	autoReconnect bool
	fatal         bool
	exhausted     bool
}

// New validates cfg and returns an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.BaseURL == "" && cfg.PageURL == "" {
		return nil, errors.New("base URL or page URL is required")
	}

	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.Real()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{OrderChannel, InventoryChannel}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	switch {
	case cfg.Jitter == 0 || cfg.Jitter >= 1:
		cfg.Jitter = DefaultJitter
	case cfg.Jitter < 0:
		cfg.Jitter = 0
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.MinReconnectDelay <= 0 {
		cfg.MinReconnectDelay = DefaultMinReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ForceReconnectWait <= 0 {
		cfg.ForceReconnectWait = DefaultForceReconnectWait
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		cfg:      cfg,
		sched:    cfg.Scheduler,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinReconnectDelay), 1),
		backoff:  Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter},
		channels: slices.Clone(cfg.Channels),
		state:    Disconnected,
	}, nil
}

// unlockAndFlush releases c.mu and then runs the work queued under it.
func (c *Client) unlockAndFlush() {
	work := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

func (c *Client) queue(fn func()) {
	c.pending = append(c.pending, fn)
}

// Initialize connects for tenantID. It is a no-op when the client is already
// connected, connecting or waiting to retry for the same tenant.
func (c *Client) Initialize(tenantID string) {
	c.mu.Lock()
	if c.initialized && c.tenant == tenantID &&
		(c.isConnectedLocked() || c.connecting || c.retryTimer != nil || c.connectTimer != nil) {
		c.logger.Debug("already initialized", "restaurant_id", tenantID, "state", c.state.String())
		c.unlockAndFlush()
		return
	}

	c.stopTimersLocked()
	c.teardownLocked("reinitialize")
	c.tenant = tenantID
	c.initialized = true
	c.attempts = 0
	c.fatal = false
	c.exhausted = false
	c.autoReconnect = true
	if c.cfg.Network != nil && c.netUnsub == nil {
		c.netUnsub = c.cfg.Network.Subscribe(c.onNetwork)
	}

	sink := c.cfg.Sink
	c.queue(func() { sink.SetTenant(tenantID) })
	c.connectLocked(Connecting)
	c.unlockAndFlush()
}

// Disconnect closes the connection. Any reason other than ReasonCleanup also
// disables automatic reconnection until the next Initialize.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	if reason != ReasonCleanup {
		c.autoReconnect = false
	}
	c.stopTimersLocked()
	c.teardownLocked(reason)
	c.attempts = 0
	c.exhausted = false
	c.setStateLocked(Disconnected, nil)
	c.logger.Info("disconnected", "reason", reason)
	c.unlockAndFlush()
}

// Cleanup disconnects and stops listening for network changes.
func (c *Client) Cleanup() {
	c.Disconnect(ReasonCleanup)

	c.mu.Lock()
	unsub := c.netUnsub
	c.netUnsub = nil
	c.initialized = false
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ForceReconnect replaces the socket and waits until it is connected, the
// force-reconnect wait elapses, or ctx ends. It reports whether the client is
// connected on return.
func (c *Client) ForceReconnect(ctx context.Context) bool {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return false
	}
	c.stopTimersLocked()
	c.teardownLocked("force reconnect")
	c.attempts = 0
	c.exhausted = false
	c.fatal = false
	c.autoReconnect = true
	done := make(chan struct{})
	c.waiters = append(c.waiters, done)
	c.connectLocked(Reconnecting)
	c.unlockAndFlush()

	expired := make(chan struct{})
	t := c.sched.AfterFunc(c.cfg.ForceReconnectWait, func() { close(expired) })
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-expired:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeWaiterLocked(done)
	return c.isConnectedLocked()
}

// removeWaiterLocked forgets a ForceReconnect waiter that gave up. Must be called with mu held.
func (c *Client) removeWaiterLocked(done chan struct{}) {
	if i := slices.Index(c.waiters, done); i >= 0 {
		c.waiters = slices.Delete(c.waiters, i, i+1)
	}
}

// IsConnected reports whether the socket is open and the state is Connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *Client) isConnectedLocked() bool {
	return c.state == Connected && c.socket != nil && c.socket.ReadyState() == ReadyOpen
}

// ConnectionStatus returns the current status.
func (c *Client) ConnectionStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Err: c.lastErr, Attempt: c.attempts}
}

// RegisterStatusHandler adds fn and returns an id for UnregisterStatusHandler.
func (c *Client) RegisterStatusHandler(fn func(Status)) string {
	if fn == nil {
		return ""
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers = append(c.handlers, statusHandler{id: id, fn: fn})
	c.mu.Unlock()
	return id
}

// UnregisterStatusHandler removes the handler registered under id.
func (c *Client) UnregisterStatusHandler(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = slices.Delete(c.handlers, i, i+1)
			return true
		}
	}
	return false
}

// Subscribe sends a subscribe command for channel if the socket is open and
// adds it to the channels re-issued on every open. A closed socket drops the
// request.
func (c *Client) Subscribe(channel string) bool {
	c.mu.Lock()
	if c.socket == nil || c.socket.ReadyState() != ReadyOpen {
		c.logger.Debug("subscribe dropped, socket not open", "channel", channel)
		c.unlockAndFlush()
		return false
	}
	c.subscribeLocked(channel)
	if !slices.Contains(c.channels, channel) {
		c.channels = append(c.channels, channel)
	}
	c.unlockAndFlush()
	return true
}

// Unsubscribe stops re-issuing channel and sends an unsubscribe command if the
// socket is open.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	c.channels = slices.DeleteFunc(c.channels, func(ch string) bool { return ch == channel })
	if c.socket != nil && c.socket.ReadyState() == ReadyOpen {
		c.sendLocked(UnsubscribeFrame(channel, c.tenant))
	}
	c.unlockAndFlush()
}

func (c *Client) subscribeLocked(channel string) {
	c.sendLocked(SubscribeFrame(channel, c.tenant))
}

func (c *Client) sendLocked(v any) {
	sock := c.socket
	if sock == nil {
		return
	}
	logger := c.logger
	c.queue(func() {
		if err := sock.Send(v); err != nil {
			logger.Warn("send failed", "error", err)
		}
	})
}

// setStateLocked records a transition and queues status notifications.
// Repeating the current state is silent unless err is a new terminal error.
func (c *Client) setStateLocked(s ConnectionState, err error) {
	if s == c.state {
		if err == nil || !IsTerminal(err) || sameError(err, c.lastErr) {
			return
		}
	}
	c.state = s
	c.lastErr = err
	c.cfg.Metrics.SetState(int(s))

	if s == Connected {
		for _, w := range c.waiters {
			close(w)
		}
		c.waiters = nil
	}

	st := Status{State: s, Err: err, Attempt: c.attempts}
	handlers := slices.Clone(c.handlers)
	logger := c.logger
	c.queue(func() {
		for _, h := range handlers {
			notifyStatus(logger, h, st)
		}
	})
}

func notifyStatus(logger *slog.Logger, h statusHandler, st Status) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("status handler panicked", "handler", h.id, "panic", r)
		}
	}()
	h.fn(st)
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}

func (c *Client) failFatalLocked(err error) {
	c.fatal = true
	c.connecting = false
	c.logger.Error("cannot connect", "error", err)
	c.setStateLocked(Errored, &PreconditionError{Err: err})
}

// connectLocked starts one connection attempt, moving to next first.
func (c *Client) connectLocked(next ConnectionState) {
	if c.connecting {
		return
	}
	if c.isConnectedLocked() {
		return
	}
	token := c.cfg.Credentials.Token()
	if token == "" {
		c.failFatalLocked(ErrMissingCredential)
		return
	}
	if c.tenant == "" {
		c.failFatalLocked(ErrMissingTenant)
		return
	}

	now := c.sched.Now()
	r := c.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		c.setStateLocked(next, nil)
		if c.connectTimer == nil {
			c.connectSeq++
			seq := c.connectSeq
			c.logger.Debug("connect throttled", "delay", d)
			c.connectTimer = c.sched.AfterFunc(d, func() { c.deferredConnect(seq, next) })
		}
		return
	}

	c.setStateLocked(next, nil)
	endpoint, err := Endpoint(c.cfg.BaseURL, c.cfg.PageURL, token, c.tenant)
	if err != nil {
		c.setStateLocked(Errored, err)
		c.scheduleReconnectLocked()
		return
	}

	c.teardownLocked("replaced")
	sock, err := c.cfg.Transport.Dial(endpoint)
	if err != nil {
		c.logger.Warn("socket construction failed", "url", security.RedactURL(endpoint), "error", err)
		c.setStateLocked(Errored, err)
		c.scheduleReconnectLocked()
		return
	}

	c.gen++
	c.socket = sock
	c.connecting = true
	events := socketEvents{c: c, gen: c.gen}
	c.logger.Info("connecting", "url", security.RedactURL(endpoint), "attempt", c.attempts)
	c.queue(func() { sock.Start(events) })
}

func (c *Client) deferredConnect(seq uint64, next ConnectionState) {
	c.mu.Lock()
	if seq != c.connectSeq || c.connectTimer == nil {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	if c.initialized && !c.fatal {
		c.connectLocked(next)
	}
	c.unlockAndFlush()
}

// teardownLocked detaches the current socket so its late events are ignored,
// and queues a normal close.
func (c *Client) teardownLocked(reason string) {
	c.stopHeartbeatLocked()
	c.connecting = false
	sock := c.socket
	if sock == nil {
		return
	}
	c.socket = nil
	c.gen++
	logger := c.logger
	c.queue(func() {
		if err := sock.Close(CloseNormal, reason); err != nil {
			logger.Debug("close failed", "error", err)
		}
	})
}

func (c *Client) scheduleReconnectLocked() {
	if !c.initialized || !c.autoReconnect || c.fatal || c.exhausted {
		return
	}
	if c.retryTimer != nil || c.connectTimer != nil {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.exhausted = true
		c.logger.Error("giving up", "attempts", c.attempts)
		c.setStateLocked(Errored, ErrMaxAttempts)
		return
	}

	c.attempts++
	c.cfg.Metrics.Reconnect()
	d := c.backoff.Delay(c.attempts, c.cfg.Rand)
	c.retrySeq++
	seq := c.retrySeq
	c.logger.Info("reconnect scheduled", "attempt", c.attempts, "delay", d)
	c.retryTimer = c.sched.AfterFunc(d, func() { c.retry(seq) })
}

func (c *Client) retry(seq uint64) {
	c.mu.Lock()
	if seq != c.retrySeq || c.retryTimer == nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	if c.initialized && c.autoReconnect && !c.fatal {
		c.connectLocked(Reconnecting)
	}
	c.unlockAndFlush()
}

func (c *Client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Client) stopTimersLocked() {
	c.stopRetryLocked()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.stopHeartbeatLocked()
}

func (c *Client) onNetwork(online bool) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	if !online {
		c.logger.Warn("network offline")
		c.setStateLocked(Errored, ErrOffline)
		c.unlockAndFlush()
		return
	}
	if c.autoReconnect && !c.fatal && !c.exhausted {
		c.logger.Info("network online, reconnecting")
		c.stopRetryLocked()
		c.connectLocked(Reconnecting)
	}
	c.unlockAndFlush()
}

// socketEvents binds a socket's events to the generation it was dialed as.
type socketEvents struct {
	c   *Client
	gen uint64
}

func (e socketEvents) OnOpen()                         { e.c.handleOpen(e.gen) }
func (e socketEvents) OnMessage(data []byte)           { e.c.handleMessage(e.gen, data) }
func (e socketEvents) OnClose(code int, reason string) { e.c.handleClose(e.gen, code, reason) }
func (e socketEvents) OnError(err error)               { e.c.handleError(e.gen, err) }

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	c.connecting = false
	c.attempts = 0
	c.exhausted = false
	c.setStateLocked(Connected, nil)
	c.logger.Info("connected", "restaurant_id", c.tenant)

	if c.socket.ReadyState() == ReadyOpen {
		for _, ch := range c.channels {
			c.subscribeLocked(ch)
		}
	}
	c.queue(func() { go c.fetchMissed() })
	c.queue(func() { c.startHeartbeat(gen) })
	c.unlockAndFlush()
}

func (c *Client) fetchMissed() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()
	if n := c.cfg.Sink.FetchMissed(ctx); n > 0 {
		c.logger.Info("replayed missed notifications", "count", n)
	}
}

func (c *Client) startHeartbeat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != Connected {
		return
	}
	c.stopHeartbeatLocked()
	c.heartbeat = c.sched.Every(c.cfg.HeartbeatInterval, func() { c.heartbeatTick(gen) })
}

func (c *Client) heartbeatTick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if !c.isConnectedLocked() {
		c.logger.Warn("heartbeat found connection dead", "state", c.state.String())
		c.stopHeartbeatLocked()
		c.setStateLocked(Errored, ErrHeartbeat)
		c.scheduleReconnectLocked()
		c.unlockAndFlush()
		return
	}
	c.sendLocked(Control{Type: string(FramePing)})
	c.unlockAndFlush()
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	frame, err := ParseFrame(data, c.cfg.TenantResolver)
	if err != nil {
		if errors.Is(err, ErrUnknownMessageType) {
			c.cfg.Metrics.Frame("unknown")
			c.logger.Debug("ignoring frame", "error", err)
		} else {
			c.cfg.Metrics.Frame("malformed")
			c.logger.Warn("dropping malformed frame", "error", err)
		}
		return
	}
	c.cfg.Metrics.Frame(string(frame.Type))

	c.mu.Lock()
	if gen != c.gen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	switch frame.Type {
	case FramePing:
		if c.socket.ReadyState() == ReadyOpen {
			c.sendLocked(Control{Type: string(FramePong)})
		}
	case FrameReject:
		c.logger.Warn("subscription rejected", "channel", frame.Identifier.Channel)
	case FrameConfirm:
		c.logger.Debug("subscription confirmed", "channel", frame.Identifier.Channel)
	case FrameDisconnect:
		c.logger.Info("server requested disconnect", "reason", frame.Reason)
	case FrameMessage:
		sink, ev := c.cfg.Sink, frame.Event
		c.queue(func() { sink.HandleNotification(ev) })
	default:
	}
	c.unlockAndFlush()
}

func (c *Client) handleClose(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.connecting = false
	c.stopHeartbeatLocked()
	c.logger.Info("connection closed", "code", code, "reason", reason)
	c.setStateLocked(Disconnected, nil)
	if code != CloseNormal {
		c.scheduleReconnectLocked()
	}
	c.unlockAndFlush()
}

func (c *Client) handleError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.connecting = false
	if c.socket != nil && c.socket.ReadyState() == ReadyClosed {
		c.socket = nil
		c.gen++
	}
	c.stopHeartbeatLocked()
	c.logger.Warn("socket error", "error", err)
	c.setStateLocked(Errored, err)
	c.scheduleReconnectLocked()
	c.unlockAndFlush()
}

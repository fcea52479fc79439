package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	maxIPEntries       = 10000
	reservationTTL     = time.Minute
	inactiveTTL        = 10 * time.Minute
	cleanupInterval    = time.Minute
	defaultAcceptEvery = 100 * time.Millisecond
	defaultAcceptBurst = 20
)

type ipInfo struct {
	lastActive   time.Time
	accept       *rate.Limiter
	count        int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter admits websocket connections under a per-IP cap, a total
// cap and a per-IP accept rate. A slot can be reserved before the handshake
// and committed once the connection is established.
type ConnectionLimiter struct {
	perIP        map[string]*ipInfo
	reservations map[string]*reservation
	stopCh       chan struct{}
	acceptLimit  rate.Limit
	maxPerIP     int
	maxTotal     int
	total        int
	totalReserve int
	acceptBurst  int
	mu           sync.Mutex
	stopOnce     sync.Once
}

// NewConnectionLimiter returns a limiter and starts its cleanup loop. Call Stop
// to end the loop.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*ipInfo),
		reservations: make(map[string]*reservation),
		stopCh:       make(chan struct{}),
		acceptLimit:  rate.Every(defaultAcceptEvery),
		acceptBurst:  defaultAcceptBurst,
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
	}
	go cl.cleanupLoop()
	return cl
}

// SetAcceptRate changes the per-IP accept rate for addresses seen from now on.
func (cl *ConnectionLimiter) SetAcceptRate(limit rate.Limit, burst int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.acceptLimit = limit
	cl.acceptBurst = burst
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCh) })
}

// Add admits a connection from ip directly.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	info, ok := cl.admitLocked(ip)
	if !ok {
		return false
	}
	info.count++
	cl.total++
	return true
}

// Remove releases a connection from ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	info := cl.perIP[ip]
	if info == nil || info.count == 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	if cl.total > 0 {
		cl.total--
	}
}

// Reserve holds a slot for ip and returns a token, or "" if ip may not connect.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	info, ok := cl.admitLocked(ip)
	if !ok {
		return ""
	}
	token := uuid.NewString()
	cl.reservations[token] = &reservation{ip: ip, createdAt: time.Now()}
	info.reservations++
	cl.totalReserve++
	return token
}

// CommitReservation turns a reservation into an active connection.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	res := cl.reservations[token]
	if res == nil {
		return false
	}
	delete(cl.reservations, token)
	cl.releaseReservationLocked(res.ip)

	if time.Since(res.createdAt) > reservationTTL {
		return false
	}
	info := cl.perIP[res.ip]
	if info == nil {
		return false
	}
	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// CancelReservation releases a reservation that will not be committed.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	res := cl.reservations[token]
	if res == nil {
		return
	}
	delete(cl.reservations, token)
	cl.releaseReservationLocked(res.ip)
}

// admitLocked checks every limit for ip, creating its entry when needed.
// Must be called with mu held.
func (cl *ConnectionLimiter) admitLocked(ip string) (*ipInfo, bool) {
	if cl.total+cl.totalReserve >= cl.maxTotal {
		return nil, false
	}
	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return nil, false
			}
		}
		info = &ipInfo{accept: rate.NewLimiter(cl.acceptLimit, cl.acceptBurst)}
		cl.perIP[ip] = info
	}
	if info.count+info.reservations >= cl.maxPerIP {
		return nil, false
	}
	if !info.accept.Allow() {
		return nil, false
	}
	info.lastActive = time.Now()
	return info, true
}

func (cl *ConnectionLimiter) releaseReservationLocked(ip string) {
	if info := cl.perIP[ip]; info != nil && info.reservations > 0 {
		info.reservations--
	}
	if cl.totalReserve > 0 {
		cl.totalReserve--
	}
}

// evictOldestInactive drops the least recently active entry with no
// connections or reservations. Must be called with mu held.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var (
		oldestIP string
		oldest   time.Time
	)
	for ip, info := range cl.perIP {
		if info.count > 0 || info.reservations > 0 {
			continue
		}
		if oldestIP == "" || info.lastActive.Before(oldest) {
			oldestIP, oldest = ip, info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stopCh:
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

// cleanup expires stale reservations, drops idle entries and repairs counters.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	now := time.Now()
	for token, res := range cl.reservations {
		if now.Sub(res.createdAt) > reservationTTL {
			delete(cl.reservations, token)
			cl.releaseReservationLocked(res.ip)
		}
	}
	if cl.totalReserve < 0 {
		cl.totalReserve = 0
	}
	for ip, info := range cl.perIP {
		if info.reservations < 0 {
			info.reservations = 0
		}
		if info.count == 0 && info.reservations == 0 && now.Sub(info.lastActive) > inactiveTTL {
			delete(cl.perIP, ip)
		}
	}
}

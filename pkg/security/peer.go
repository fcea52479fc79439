// Package security holds request hygiene helpers for the relay: peer
// identification, credential redaction and connection admission limits.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
)

const (
	maxAgentName    = 64
	maxAgentVersion = 32
)

var (
	// ErrNoAgent means the request carried no User-Agent.
	ErrNoAgent = errors.New("User-Agent header is required")

	// ErrBadAgent means the User-Agent does not start with a name/version product.
	ErrBadAgent = errors.New("User-Agent must start with name/version, e.g. tablecast/1.4.0")
)

// Peer is the far end of a relay request: where it comes from and which
// display software it claims to run.
type Peer struct {
	IP      string
	Agent   string
	Version string
}

// IdentifyPeer returns the peer behind r. IP is always set, even when the
// User-Agent is rejected, so the rejection can be attributed.
//
// Only the leading product of the User-Agent is read; platform comments
// such as "tablecast/1.4.0 (linux; arm64)" are ignored.
func IdentifyPeer(r *http.Request) (Peer, error) {
	p := Peer{IP: remoteIP(r.RemoteAddr)}

	product, _, _ := strings.Cut(strings.TrimSpace(r.UserAgent()), " ")
	if product == "" {
		return p, ErrNoAgent
	}
	name, version, ok := strings.Cut(product, "/")
	if !ok || !validAgentName(name) || !validAgentVersion(version) {
		return p, fmt.Errorf("%w: got %q", ErrBadAgent, r.UserAgent())
	}
	p.Agent, p.Version = name, version
	return p, nil
}

// String returns "agent/version@ip", or just the IP for an anonymous peer.
func (p Peer) String() string {
	if p.Agent == "" {
		return p.IP
	}
	return p.Agent + "/" + p.Version + "@" + p.IP
}

// Fields returns p as log fields, scoped to tenant when it is known.
func (p Peer) Fields(tenant string) logger.Fields {
	f := logger.Fields{"ip": p.IP}
	if p.Agent != "" {
		f["agent"] = p.Agent + "/" + p.Version
	}
	if tenant != "" {
		f["restaurant_id"] = tenant
	}
	return f
}

// remoteIP returns the host of addr. Forwarding headers are never consulted
// since clients control them. IPv4-mapped IPv6 addresses are unmapped so a
// host counts once against per-IP limits whichever stack it arrived on.
func remoteIP(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if a, err := netip.ParseAddr(addr); err == nil {
		return a.Unmap().String()
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func validAgentName(s string) bool {
	if s == "" || len(s) > maxAgentName {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func validAgentVersion(s string) bool {
	if s == "" || len(s) > maxAgentVersion {
		return false
	}
	return !strings.ContainsAny(s, "/()")
}

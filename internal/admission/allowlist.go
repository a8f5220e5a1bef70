package admission

import (
	"net"
	"net/http"
	"strings"

	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// testSentinelAddress is accepted unconditionally when the allow-list is
// running in a test profile, so integration tests don't need a real
// routable address on the allow-list.
const testSentinelAddress = "test-client"

// Allowlist compares a peer address against a configured set of single
// addresses and CIDR blocks.
type Allowlist struct {
	networks    []*net.IPNet
	testProfile bool
}

// NewAllowlist parses entries (bare IPs or CIDR blocks, IPv4 or IPv6) into
// an Allowlist. A bare address is normalized to a /32 or /128 block the
// way the original IP allow-list middleware does.
func NewAllowlist(entries []string, testProfile bool) (*Allowlist, error) {
	a := &Allowlist{testProfile: testProfile}
	for _, entry := range entries {
		cidr := entry
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindInternal, err, "invalid allow-list entry %q", entry)
		}
		a.networks = append(a.networks, network)
	}
	return a, nil
}

// Allow reports whether addr (an IP literal, with any port already
// stripped) is permitted.
func (a *Allowlist) Allow(addr string) bool {
	if a.testProfile && addr == testSentinelAddress {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range a.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Check is the admission-gate step: it extracts the caller's address
// (honoring X-Forwarded-For only when the adapter is itself configured
// behind trustedProxy) and enforces the allow-list.
func (a *Allowlist) Check(r *http.Request, trustedProxy string) error {
	addr := PeerAddress(r, trustedProxy)
	if !a.Allow(addr) {
		return rpcerr.New(rpcerr.KindForbidden, "source address %q not permitted", addr)
	}
	return nil
}

// PeerAddress resolves the request's originating address, trusting
// X-Forwarded-For/X-Real-IP only when the immediate peer is trustedProxy —
// otherwise a spoofed header from an untrusted peer could bypass the
// allow-list entirely.
func PeerAddress(r *http.Request, trustedProxy string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if trustedProxy == "" || host != trustedProxy {
		return host
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	return host
}

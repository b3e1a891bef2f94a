// Package security hardens outbound HTTP from the forwarder. The downstream
// endpoint is operator-configured, but deployments that template it from
// tenant settings must not let the delivery client reach internal
// infrastructure such as the cloud metadata service (169.254.169.254),
// localhost, or private network ranges. GuardedTransport enforces an IP
// blocklist at dial time, after DNS resolution, so rebinding tricks cannot
// bypass a URL-level check.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// dnsTimeout caps DNS resolution during dial.
const dnsTimeout = 500 * time.Millisecond

// ErrBlockedAddress is returned when a request targets a blocked IP range.
var ErrBlockedAddress = errors.New("security: request to blocked IP range")

// ErrDNSTimeout is returned when DNS resolution exceeds the timeout.
var ErrDNSTimeout = errors.New("security: DNS resolution timeout")

// ErrTooManyRedirects is returned when the redirect limit is exceeded.
var ErrTooManyRedirects = errors.New("security: too many redirects")

// ErrDNSFailed is returned when DNS resolution fails entirely.
var ErrDNSFailed = errors.New("security: DNS resolution failed")

// blockedCIDRs are the ranges a delivery request must never reach.
var blockedCIDRs = []string{
	"127.0.0.0/8",    // localhost
	"10.0.0.0/8",     // private class A
	"172.16.0.0/12",  // private class B
	"192.168.0.0/16", // private class C
	"169.254.0.0/16", // link-local, includes cloud metadata
	"0.0.0.0/8",      // current network
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
	"100.64.0.0/10",  // carrier-grade NAT
	"198.18.0.0/15",  // benchmark testing
	"fc00::/7",       // IPv6 private
	"fe80::/10",      // IPv6 link-local
	"::1/128",        // IPv6 localhost
}

var (
	blockedNets []*net.IPNet
	initOnce    sync.Once
	initErr     error
)

func initBlockedNets() {
	initOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(blockedCIDRs))
		for _, cidr := range blockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				initErr = fmt.Errorf("security: failed to parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
}

func isBlockedIP(ip net.IP) bool {
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type netResolver struct {
	r *net.Resolver
}

func (nr *netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return nr.r.LookupIPAddr(ctx, host)
}

// GuardedTransport wraps http.Transport and validates every resolved IP
// during connection establishment.
type GuardedTransport struct {
	// Base is the underlying http.Transport used for actual connections.
	Base *http.Transport

	// Resolver is used for DNS lookups. If nil, net.DefaultResolver is used.
	// Exposed for testing.
	Resolver Resolver
}

// NewGuardedTransport creates a GuardedTransport wrapping the provided base
// transport. If base is nil, a default http.Transport is used.
func NewGuardedTransport(base *http.Transport) (*GuardedTransport, error) {
	initBlockedNets()
	if initErr != nil {
		return nil, fmt.Errorf("security: initialization failed: %w", initErr)
	}

	if base == nil {
		base = &http.Transport{}
	}

	gt := &GuardedTransport{Base: base}
	base.DialContext = gt.guardedDialContext

	return gt, nil
}

// RoundTrip implements http.RoundTripper. It delegates to the base transport,
// whose DialContext carries the IP validation.
func (gt *GuardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return gt.Base.RoundTrip(req)
}

// guardedDialContext resolves the host, validates each resolved address
// against the blocklist, and only dials if all of them are safe.
func (gt *GuardedTransport) guardedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip.String())
		}
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, network, addr)
	}

	resolver := gt.getResolver()
	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}

	// Every resolved IP must be safe, not just the one dialed. A record set
	// mixing one public and one private address is a rebinding attempt.
	for _, ipAddr := range ips {
		if isBlockedIP(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ipAddr.IP.String(), host)
		}
	}

	target := net.JoinHostPort(ips[0].IP.String(), port)
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, target)
}

func (gt *GuardedTransport) getResolver() Resolver {
	if gt.Resolver != nil {
		return gt.Resolver
	}
	return &netResolver{r: net.DefaultResolver}
}

// CheckRedirect returns an http.Client CheckRedirect function that validates
// redirect targets against the blocklist and enforces a redirect limit.
func CheckRedirect(maxRedirects int, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	initBlockedNets()

	if resolver == nil {
		resolver = &netResolver{r: net.DefaultResolver}
	}

	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlockedAddress)
		}

		if ip := net.ParseIP(host); ip != nil {
			if isBlockedIP(ip) {
				return fmt.Errorf("%w: redirect to %s", ErrBlockedAddress, ip.String())
			}
			return nil
		}

		dnsCtx, cancel := context.WithTimeout(req.Context(), dnsTimeout)
		defer cancel()

		ips, err := resolver.LookupIPAddr(dnsCtx, host)
		if err != nil {
			if dnsCtx.Err() != nil {
				return fmt.Errorf("%w: redirect host %q", ErrDNSTimeout, host)
			}
			return fmt.Errorf("%w: redirect host %q: %v", ErrDNSFailed, host, err)
		}

		for _, ipAddr := range ips {
			if isBlockedIP(ipAddr.IP) {
				return fmt.Errorf("%w: redirect to %s (resolved from %s)", ErrBlockedAddress, ipAddr.IP.String(), host)
			}
		}

		return nil
	}
}

// NewGuardedHTTPClient creates an http.Client with the guarded transport and
// redirect checking. This is the client the forwarder hands to its downstream
// delivery layer when private targets are disallowed.
func NewGuardedHTTPClient(timeout time.Duration, maxRedirects int) (*http.Client, error) {
	transport, err := NewGuardedTransport(nil)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(maxRedirects, transport.Resolver),
	}, nil
}

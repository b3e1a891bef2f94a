package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements Resolver for deterministic testing.
type mockResolver struct {
	ips map[string][]net.IPAddr
	err error
}

func (m *mockResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if m.err != nil {
		return nil, m.err
	}
	ips, ok := m.ips[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	return ips, nil
}

// slowResolver simulates a DNS resolver that takes too long.
type slowResolver struct {
	delay time.Duration
}

func (s *slowResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	select {
	case <-time.After(s.delay):
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newMockResolver(mappings map[string][]string) *mockResolver {
	ips := make(map[string][]net.IPAddr)
	for host, ipStrs := range mappings {
		addrs := make([]net.IPAddr, len(ipStrs))
		for i, ipStr := range ipStrs {
			addrs[i] = net.IPAddr{IP: net.ParseIP(ipStr)}
		}
		ips[host] = addrs
	}
	return &mockResolver{ips: ips}
}

func TestInitBlockedNets(t *testing.T) {
	initBlockedNets()
	require.NoError(t, initErr, "blocked CIDRs should parse without error")
	require.NotEmpty(t, blockedNets)
}

func TestIsBlockedIP(t *testing.T) {
	initBlockedNets()
	require.NoError(t, initErr)

	blocked := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"100.64.0.1",
		"::1",
		"fe80::1",
	}
	for _, raw := range blocked {
		ip := net.ParseIP(raw)
		require.NotNil(t, ip, raw)
		assert.True(t, isBlockedIP(ip), "expected %s to be blocked", raw)
	}

	allowed := []string{"93.184.216.34", "8.8.8.8", "2606:4700::6810:84e5"}
	for _, raw := range allowed {
		ip := net.ParseIP(raw)
		require.NotNil(t, ip, raw)
		assert.False(t, isBlockedIP(ip), "expected %s to be allowed", raw)
	}
}

func TestGuardedDialContext_BlockedIPLiteral(t *testing.T) {
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)

	_, err = transport.guardedDialContext(context.Background(), "tcp", "169.254.169.254:80")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress))
}

func TestGuardedDialContext_BlockedResolvedIP(t *testing.T) {
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)
	transport.Resolver = newMockResolver(map[string][]string{
		"internal.example.com": {"10.0.0.5"},
	})

	_, err = transport.guardedDialContext(context.Background(), "tcp", "internal.example.com:443")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress))
	assert.Contains(t, err.Error(), "internal.example.com")
}

func TestGuardedDialContext_MixedRecordSetBlocked(t *testing.T) {
	// One public plus one private address is a rebinding attempt; the whole
	// record set is rejected.
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)
	transport.Resolver = newMockResolver(map[string][]string{
		"rebind.example.com": {"93.184.216.34", "192.168.1.1"},
	})

	_, err = transport.guardedDialContext(context.Background(), "tcp", "rebind.example.com:443")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress))
}

func TestGuardedDialContext_DNSTimeout(t *testing.T) {
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)
	transport.Resolver = &slowResolver{delay: 2 * time.Second}

	_, err = transport.guardedDialContext(context.Background(), "tcp", "slow.example.com:443")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDNSTimeout))
}

func TestGuardedDialContext_DNSFailure(t *testing.T) {
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)
	transport.Resolver = &mockResolver{err: errors.New("servfail")}

	_, err = transport.guardedDialContext(context.Background(), "tcp", "missing.example.com:443")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDNSFailed))
}

func TestGuardedDialContext_InvalidAddr(t *testing.T) {
	transport, err := NewGuardedTransport(nil)
	require.NoError(t, err)

	_, err = transport.guardedDialContext(context.Background(), "tcp", "no-port-here")
	require.Error(t, err)
}

func TestCheckRedirect_Limit(t *testing.T) {
	check := CheckRedirect(3, newMockResolver(nil))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/next", nil)
	via := []*http.Request{req, req, req}

	err := check(req, via)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRedirects))
}

func TestCheckRedirect_BlockedTarget(t *testing.T) {
	check := CheckRedirect(5, newMockResolver(map[string][]string{
		"evil.example.com": {"169.254.169.254"},
	}))

	req := httptest.NewRequest(http.MethodGet, "https://evil.example.com/hook", nil)

	err := check(req, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress))
}

func TestCheckRedirect_BlockedIPLiteral(t *testing.T) {
	check := CheckRedirect(5, newMockResolver(nil))

	req := httptest.NewRequest(http.MethodGet, "https://127.0.0.1:9000/hook", nil)

	err := check(req, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockedAddress))
}

func TestCheckRedirect_SafeTarget(t *testing.T) {
	check := CheckRedirect(5, newMockResolver(map[string][]string{
		"hooks.example.com": {"93.184.216.34"},
	}))

	req := httptest.NewRequest(http.MethodGet, "https://hooks.example.com/hook", nil)

	assert.NoError(t, check(req, nil))
}

func TestNewGuardedHTTPClient_BlocksLoopbackServer(t *testing.T) {
	// httptest servers bind to 127.0.0.1, which the guarded client refuses to
	// dial, so the request must fail before reaching the handler.
	handled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handled = true
	}))
	defer srv.Close()

	client, err := NewGuardedHTTPClient(2*time.Second, 3)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "blocked IP range"))
	assert.False(t, handled)
}

// Package ssrf validates outbound webhook URLs and pins their resolved
// addresses so every connect in a request uses exactly the addresses that
// passed validation. This closes the DNS-rebinding window between the
// validation lookup and the actual dial, and blocks redirect pivots into
// internal networks by re-validating every redirect target.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrSchemeDenied is returned for anything but http and https.
	ErrSchemeDenied = errors.New("ssrf: scheme not allowed")
	// ErrUserinfoDenied is returned when the URL embeds credentials.
	ErrUserinfoDenied = errors.New("ssrf: userinfo in URL not allowed")
	// ErrHostDenied is returned for denylisted hostnames.
	ErrHostDenied = errors.New("ssrf: host not allowed")
	// ErrAddressDenied is returned when an address classifies as non-public.
	ErrAddressDenied = errors.New("ssrf: address not allowed")
	// ErrResolveFailed is returned when DNS yields an error or zero addresses.
	ErrResolveFailed = errors.New("ssrf: hostname did not resolve")
	// ErrUnpinnedHost is returned when a dial targets a host that never
	// passed validation.
	ErrUnpinnedHost = errors.New("ssrf: dial to unvalidated host")
)

// deniedHostnames is the fixed hostname denylist. Profile configuration can
// extend but never shrink it.
var deniedHostnames = []string{
	"localhost",
	"0.0.0.0",
	"169.254.169.254",
	"metadata.google.internal",
	"metadata.azure.com",
}

// Resolver is the DNS dependency; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard validates URLs and produces per-request pin sets.
type Guard struct {
	resolver     Resolver
	deniedHosts  map[string]bool
	allowPrivate bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the system resolver, mainly for tests.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithAllowPrivate skips address-range classification. Intended for local
// development against services on loopback; Load refuses it in production.
func WithAllowPrivate() Option {
	return func(g *Guard) { g.allowPrivate = true }
}

// WithDeniedHosts extends the hostname denylist.
func WithDeniedHosts(hosts []string) Option {
	return func(g *Guard) {
		for _, h := range hosts {
			g.deniedHosts[normalizeHost(h)] = true
		}
	}
}

// NewGuard creates a Guard with the built-in denylist and system resolver.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		resolver:    net.DefaultResolver,
		deniedHosts: make(map[string]bool, len(deniedHostnames)),
	}
	for _, h := range deniedHostnames {
		g.deniedHosts[h] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PinSet holds validated hosts and their pinned addresses for one request.
// It is request-local; redirects add entries via Validate.
type PinSet struct {
	mu   sync.Mutex
	pins map[string][]netip.Addr // host -> validated addresses
}

// NewPinSet returns an empty pin set.
func NewPinSet() *PinSet {
	return &PinSet{pins: make(map[string][]netip.Addr)}
}

// Lookup returns the pinned addresses for host, if any.
func (p *PinSet) Lookup(host string) ([]netip.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs, ok := p.pins[normalizeHost(host)]
	return addrs, ok
}

func (p *PinSet) add(host string, addrs []netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[normalizeHost(host)] = addrs
}

// Validate runs the full guard against rawURL and, on success, records the
// resolved address set in pins. The returned URL is the parsed input.
//
// The sequence is fixed: scheme check, userinfo check, hostname denylist,
// IP-literal classification or full DNS resolution with classification of
// every address, then pinning.
func (g *Guard) Validate(ctx context.Context, rawURL string, pins *PinSet) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ssrf: parse url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrSchemeDenied, u.Scheme)
	}
	if u.User != nil {
		return nil, ErrUserinfoDenied
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrHostDenied)
	}
	if g.deniedHosts[host] {
		return nil, fmt.Errorf("%w: %q", ErrHostDenied, host)
	}

	// IP literal: classify directly, pin as-is.
	if addr, err := netip.ParseAddr(host); err == nil {
		if cerr := g.classify(addr); cerr != nil {
			return nil, fmt.Errorf("%w: %s", ErrAddressDenied, host)
		}
		pins.add(host, []netip.Addr{addr.Unmap()})
		return u, nil
	}

	// Hostname: resolve everything (A and AAAA) and classify every address.
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResolveFailed, host)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: empty answer", ErrResolveFailed, host)
	}
	pinned := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if cerr := g.classify(addr); cerr != nil {
			// One bad address poisons the whole set; an attacker controls
			// which answer a victim would pick.
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrAddressDenied, host, addr)
		}
		pinned = append(pinned, addr.Unmap())
	}

	pins.add(host, pinned)
	return u, nil
}

// DialContext returns a dial function that connects only to pinned
// addresses. The hostname from the address being dialed selects the pin
// entry; a host without pins fails closed.
func (p *PinSet) DialContext(base *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{}
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("ssrf: split address: %w", err)
		}

		addrs, ok := p.Lookup(host)
		if !ok || len(addrs) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnpinnedHost, host)
		}

		var lastErr error
		for _, addr := range addrs {
			conn, err := base.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func (g *Guard) classify(addr netip.Addr) error {
	if g.allowPrivate {
		return nil
	}
	return Classify(addr)
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSuffix(h, "."))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return h
}

package ssrf

import (
	"context"
	"net/netip"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver returns a scripted sequence of answers; each Lookup consumes
// the next one. Used to model DNS rebinding between validation and dial.
type fakeResolver struct {
	answers [][]netip.Addr
	errs    []error
	calls   int
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, _ string) ([]netip.Addr, error) {
	i := f.calls
	if i >= len(f.answers) {
		i = len(f.answers) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.answers[i], err
}

func publicResolver(addrs ...string) *fakeResolver {
	parsed := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		parsed[i] = netip.MustParseAddr(a)
	}
	return &fakeResolver{answers: [][]netip.Addr{parsed}}
}

func TestValidateAcceptsPublicHost(t *testing.T) {
	g := NewGuard(WithResolver(publicResolver("93.184.216.34")))
	pins := NewPinSet()

	u, err := g.Validate(context.Background(), "https://example.com/hook", pins)
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Hostname())

	addrs, ok := pins.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)
}

func TestValidateRejectsSchemes(t *testing.T) {
	g := NewGuard()
	for _, raw := range []string{"ftp://example.com/x", "file:///etc/passwd", "gopher://example.com"} {
		_, err := g.Validate(context.Background(), raw, NewPinSet())
		assert.ErrorIs(t, err, ErrSchemeDenied, raw)
	}
}

func TestValidateRejectsUserinfo(t *testing.T) {
	g := NewGuard()
	_, err := g.Validate(context.Background(), "http://user:pw@example.com/", NewPinSet())
	assert.ErrorIs(t, err, ErrUserinfoDenied)
}

func TestValidateRejectsDenylistedHostnames(t *testing.T) {
	g := NewGuard()
	for _, raw := range []string{
		"http://localhost/",
		"http://LOCALHOST./",
		"http://0.0.0.0/",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://metadata.azure.com/metadata/instance",
	} {
		_, err := g.Validate(context.Background(), raw, NewPinSet())
		assert.Error(t, err, raw)
	}
}

func TestValidateRejectsPrivateLiterals(t *testing.T) {
	g := NewGuard()
	for _, raw := range []string{
		"http://127.0.0.1/",
		"http://127.8.9.1/",
		"http://10.0.0.5/",
		"http://172.16.1.1/",
		"http://192.168.1.1/",
		"http://100.64.0.1/",
		"http://169.254.1.1/",
		"http://198.18.0.1/",
		"http://240.0.0.1/",
		"http://255.255.255.255/",
		"http://[::1]/",
		"http://[fe80::1]/",
		"http://[fc00::1]/",
		"http://[fd12:3456::1]/",
		"http://[ff02::1]/",
		"http://[::ffff:127.0.0.1]/",
		"http://[2001:db8::1]/",
		"http://[64:ff9b::7f00:1]/",
	} {
		_, err := g.Validate(context.Background(), raw, NewPinSet())
		assert.ErrorIs(t, err, ErrAddressDenied, raw)
	}
}

func TestValidateRejectsWhenAnyResolvedAddressIsPrivate(t *testing.T) {
	g := NewGuard(WithResolver(publicResolver("93.184.216.34", "10.0.0.9")))
	_, err := g.Validate(context.Background(), "https://evil.example/", NewPinSet())
	assert.ErrorIs(t, err, ErrAddressDenied)
}

func TestValidateRejectsEmptyDNSAnswer(t *testing.T) {
	g := NewGuard(WithResolver(&fakeResolver{answers: [][]netip.Addr{{}}}))
	_, err := g.Validate(context.Background(), "https://nothing.example/", NewPinSet())
	assert.ErrorIs(t, err, ErrResolveFailed)
}

func TestDialUsesPinnedAddressDespiteRebind(t *testing.T) {
	// First lookup (validation) returns a public address; any later lookup
	// would return a private one. The dialer must never consult DNS again.
	r := &fakeResolver{answers: [][]netip.Addr{
		{netip.MustParseAddr("93.184.216.34")},
		{netip.MustParseAddr("127.0.0.1")},
	}}
	g := NewGuard(WithResolver(r))
	pins := NewPinSet()

	_, err := g.Validate(context.Background(), "https://rebind.example/", pins)
	require.NoError(t, err)

	addrs, ok := pins.Lookup("rebind.example")
	require.True(t, ok)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, addrs)
	// Exactly one DNS call happened, during validation.
	assert.Equal(t, 1, r.calls)
}

func TestDialContextFailsClosedForUnpinnedHost(t *testing.T) {
	pins := NewPinSet()
	dial := pins.DialContext(nil)
	_, err := dial(context.Background(), "tcp", "unvalidated.example:443")
	assert.ErrorIs(t, err, ErrUnpinnedHost)
}

func TestWithDeniedHostsExtends(t *testing.T) {
	g := NewGuard(WithDeniedHosts([]string{"Internal.Corp"}))
	_, err := g.Validate(context.Background(), "http://internal.corp/x", NewPinSet())
	assert.ErrorIs(t, err, ErrHostDenied)
}

// Property: every address in a denied IPv4 range is rejected, both as a URL
// literal and as a resolved answer.
func TestClassifyDeniedRangesProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	ranges := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("224.0.0.0/4"),
		netip.MustParsePrefix("240.0.0.0/4"),
	}

	properties.Property("denied ranges classify as denied", prop.ForAll(
		func(rangeIdx int, off uint32) bool {
			p := ranges[rangeIdx%len(ranges)]
			base := p.Addr().As4()
			hostBits := 32 - p.Bits()
			off %= uint32(1) << hostBits

			v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
			v |= off
			addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})

			if Classify(addr) == nil {
				return false
			}

			// Resolved-use path must reject too.
			g := NewGuard(WithResolver(&fakeResolver{answers: [][]netip.Addr{{addr}}}))
			_, err := g.Validate(context.Background(), "https://host.example/", NewPinSet())
			return err != nil
		},
		gen.IntRange(0, len(ranges)-1),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}

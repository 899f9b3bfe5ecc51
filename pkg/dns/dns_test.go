package dns

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	rferrors "github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
)

type fakeLookup struct {
	mu    sync.Mutex
	addrs map[string][]net.IPAddr
	calls int
}

func (f *fakeLookup) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	addrs, ok := f.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestResolver(addrs map[string][]net.IPAddr) (*Resolver, *fakeLookup) {
	f := &fakeLookup{addrs: addrs}
	r := NewResolver(NewCache(), quietLogger())
	r.Lookup = f
	return r, f
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestResolveCachesFirstAddress(t *testing.T) {
	r, f := newTestResolver(map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}, {IP: net.ParseIP("93.184.216.35")}},
	})
	u := mustParse(t, "http://example.com:8080/path")
	info := timing.NewInfo("GET", u.String())

	checkpoints := 0
	res, err := r.Resolve(context.Background(), u, info, func() { checkpoints++ })
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.IP != "93.184.216.34" {
		t.Errorf("IP = %q, want first address", res.IP)
	}
	if res.Host != "example.com" || res.PortSuffix != ":8080" {
		t.Errorf("Host/PortSuffix = %q/%q", res.Host, res.PortSuffix)
	}
	if res.Authority != "93.184.216.34:8080" {
		t.Errorf("Authority = %q, want 93.184.216.34:8080", res.Authority)
	}
	if checkpoints != 1 {
		t.Errorf("checkpoint called %d times, want 1", checkpoints)
	}
	if f.calls != 1 {
		t.Errorf("lookups = %d, want 1", f.calls)
	}

	m := info.Snapshot()
	if m.PrimaryIP != "93.184.216.34" || m.PrimaryPort != 8080 {
		t.Errorf("primary = %s:%d", m.PrimaryIP, m.PrimaryPort)
	}
}

func TestResolveCacheHitIsIdempotent(t *testing.T) {
	r, f := newTestResolver(map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("10.0.0.1")}},
	})
	u := mustParse(t, "https://example.com/")

	first, err := r.Resolve(context.Background(), u, nil, nil)
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}

	info := timing.NewInfo("GET", u.String())
	before := info.Snapshot().NameLookupTime
	for i := 0; i < 2; i++ {
		again, err := r.Resolve(context.Background(), u, info, nil)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if again != first {
			t.Errorf("Resolve() = %+v, want %+v", again, first)
		}
	}

	if f.calls != 1 {
		t.Errorf("lookups = %d, want 1", f.calls)
	}
	if r.Cache.Len() != 1 {
		t.Errorf("cache size = %d, want 1", r.Cache.Len())
	}
	if got := info.Snapshot().NameLookupTime; got != before {
		t.Errorf("NameLookupTime = %v, want unchanged %v", got, before)
	}
	if first.Authority != "10.0.0.1" {
		t.Errorf("Authority = %q, want bare IP without port", first.Authority)
	}
}

func TestResolveFailure(t *testing.T) {
	r, _ := newTestResolver(nil)
	_, err := r.Resolve(context.Background(), mustParse(t, "http://missing.invalid/"), nil, nil)
	if err == nil {
		t.Fatal("Resolve() expected error")
	}
	if !errors.Is(err, rferrors.ErrResolution) {
		t.Errorf("error type = %v, want resolution", rferrors.GetErrorType(err))
	}
	if r.Cache.Len() != 0 {
		t.Errorf("failed lookups must not be cached")
	}
}

func TestResolveEmptyAnswer(t *testing.T) {
	r, _ := newTestResolver(map[string][]net.IPAddr{"empty.test": {}})
	_, err := r.Resolve(context.Background(), mustParse(t, "http://empty.test/"), nil, nil)
	if rferrors.GetErrorType(err) != rferrors.ErrorTypeResolution {
		t.Errorf("error = %v, want resolution error", err)
	}
}

func TestResolveIPLiteral(t *testing.T) {
	r, f := newTestResolver(nil)

	tests := []struct {
		raw       string
		authority string
	}{
		{"http://127.0.0.1:9000/", "127.0.0.1:9000"},
		{"http://[::1]:9000/", "[::1]:9000"},
		{"http://[::1]/", "[::1]"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), mustParse(t, tt.raw), nil, nil)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Authority != tt.authority {
				t.Errorf("Authority = %q, want %q", res.Authority, tt.authority)
			}
		})
	}
	if f.calls != 0 {
		t.Errorf("IP literals triggered %d lookups", f.calls)
	}
}

func TestResolveInternationalHost(t *testing.T) {
	r, f := newTestResolver(map[string][]net.IPAddr{
		"xn--bcher-kva.example": {{IP: net.ParseIP("192.0.2.7")}},
	})
	res, err := r.Resolve(context.Background(), mustParse(t, "http://bücher.example/"), nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Host != "xn--bcher-kva.example" || res.IP != "192.0.2.7" {
		t.Errorf("Resolve() = %+v", res)
	}
	if f.calls != 1 {
		t.Errorf("lookups = %d, want 1", f.calls)
	}
}

func TestHostHeader(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://bücher.example/", "xn--bcher-kva.example"},
		{"http://bücher.example:81/", "xn--bcher-kva.example:81"},
		{"https://API.Example.com./", "api.example.com"},
		{"http://192.0.2.1:8080/", "192.0.2.1:8080"},
		{"http://[2001:db8::1]/", "[2001:db8::1]"},
	}
	for _, tt := range tests {
		if got := HostHeader(mustParse(t, tt.url)); got != tt.want {
			t.Errorf("HostHeader(%s) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestOverridePrepopulatesCache(t *testing.T) {
	r, f := newTestResolver(nil)
	if err := r.Override(map[string]string{"Pinned.Example": "192.0.2.10"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	res, err := r.Resolve(context.Background(), mustParse(t, "http://pinned.example/"), nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.IP != "192.0.2.10" {
		t.Errorf("IP = %q, want override", res.IP)
	}
	if f.calls != 0 {
		t.Errorf("override still looked up the host")
	}

	if err := r.Override(map[string]string{"bad.example": "not-an-ip"}); rferrors.GetErrorType(err) != rferrors.ErrorTypeConfiguration {
		t.Errorf("Override(bad ip) error = %v, want configuration error", err)
	}
}

func TestCacheInsertIfAbsent(t *testing.T) {
	c := NewCache()
	if got := c.Add("h", "1.1.1.1"); got != "1.1.1.1" {
		t.Errorf("Add() = %q", got)
	}
	if got := c.Add("h", "2.2.2.2"); got != "1.1.1.1" {
		t.Errorf("second Add() = %q, want existing entry", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add("concurrent", "3.3.3.3")
			c.Get("h")
		}()
	}
	wg.Wait()

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Clear() left %d entries", c.Len())
	}
}

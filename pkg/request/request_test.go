package request

import (
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	rferrors "github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

func testBuilder() *Builder {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewBuilder(l)
}

func mustNormalize(t *testing.T, method, rawURL string, opts Options) Normalized {
	t.Helper()
	n, err := Normalize(method, rawURL, opts)
	if err != nil {
		t.Fatalf("Normalize(%s %s) error = %v", method, rawURL, err)
	}
	return n
}

func TestNormalizeDefaults(t *testing.T) {
	n := mustNormalize(t, "post", "HTTP://example.com/a#frag", Options{
		Headers: http.Header{"x-custom": {"1"}},
	})

	if n.Method != "POST" {
		t.Errorf("Method = %q, want POST", n.Method)
	}
	if n.URL.String() != "http://example.com/a" {
		t.Errorf("URL = %q", n.URL.String())
	}
	if n.MaxRedirects != 20 {
		t.Errorf("MaxRedirects = %d, want 20", n.MaxRedirects)
	}
	if n.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", n.Timeout)
	}
	if n.Headers.Get("X-Custom") != "1" {
		t.Errorf("header not canonicalized: %v", n.Headers)
	}
	if n.HTTPVersion != "1.1" {
		t.Errorf("HTTPVersion = %q, want 1.1", n.HTTPVersion)
	}
}

func TestNormalizeRedirectLimit(t *testing.T) {
	if n := mustNormalize(t, "GET", "http://a.test/", Options{MaxRedirects: -1}); n.MaxRedirects != 0 {
		t.Errorf("negative MaxRedirects = %d, want 0", n.MaxRedirects)
	}
	if n := mustNormalize(t, "GET", "http://a.test/", Options{MaxRedirects: 3}); n.MaxRedirects != 3 {
		t.Errorf("MaxRedirects = %d, want 3", n.MaxRedirects)
	}
}

func TestNormalizeHTTPVersion(t *testing.T) {
	tests := map[string]string{"": "1.1", "1.0": "1.0", "1.1": "1.1", "2": "1.1", "2.0": "1.1"}
	for in, want := range tests {
		if n := mustNormalize(t, "GET", "http://a.test/", Options{HTTPVersion: in}); n.HTTPVersion != want {
			t.Errorf("HTTPVersion(%q) = %q, want %q", in, n.HTTPVersion, want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		opts   Options
	}{
		{"ftp scheme", "GET", "ftp://a.test/", Options{}},
		{"no host", "GET", "http:///path", Options{}},
		{"bad method", "GE T", "http://a.test/", Options{}},
		{"bad header name", "GET", "http://a.test/", Options{Headers: http.Header{"Bad Name": {"x"}}}},
		{"bad header value", "GET", "http://a.test/", Options{Headers: http.Header{"X": {"a\r\nInjected: 1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.method, tt.url, tt.opts)
			if rferrors.GetErrorType(err) != rferrors.ErrorTypeConfiguration {
				t.Errorf("Normalize() error = %v, want configuration error", err)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	defaults := Options{
		Headers:      http.Header{"Accept": {"text/html"}, "X-Default": {"d"}},
		Timeout:      5 * time.Second,
		MaxRedirects: 7,
		Proxy:        "http://default-proxy:1",
		Resolve:      map[string]string{"a.test": "10.0.0.1"},
	}
	call := Options{
		Headers: http.Header{"accept": {"application/json"}},
		Timeout: time.Second,
		Resolve: map[string]string{"b.test": "10.0.0.2"},
	}

	got := Merge(defaults, call)
	if got.Headers.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q, want call value", got.Headers.Get("Accept"))
	}
	if len(got.Headers["Accept"]) != 1 {
		t.Errorf("Accept = %v, want single value", got.Headers["Accept"])
	}
	if got.Headers.Get("X-Default") != "d" {
		t.Error("default header lost")
	}
	if got.Timeout != time.Second || got.MaxRedirects != 7 || got.Proxy != "http://default-proxy:1" {
		t.Errorf("Merge() = %+v", got)
	}
	if len(got.Resolve) != 2 {
		t.Errorf("Resolve = %v, want both entries", got.Resolve)
	}
	if defaults.Headers.Get("Accept") != "text/html" {
		t.Error("Merge() mutated defaults")
	}
}

func TestBuildDefaultHeaders(t *testing.T) {
	n := mustNormalize(t, "POST", "http://example.com:8080/form", Options{Body: "a=1"})
	cfg, info, adapter, err := testBuilder().Build(n)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if info == nil || adapter == nil {
		t.Fatal("Build() returned nil info or adapter")
	}

	h := cfg.Header
	checks := map[string]string{
		"Host":            "example.com:8080",
		"Content-Type":    "application/x-www-form-urlencoded",
		"Content-Length":  "3",
		"Accept-Encoding": "gzip",
		"User-Agent":      "go-rawfetch (native)",
	}
	for k, want := range checks {
		if got := h.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if !cfg.DecodeGzip {
		t.Error("DecodeGzip = false with default Accept-Encoding")
	}
	if cfg.FollowLocation || cfg.AutoDecode {
		t.Error("transport redirect following or auto decoding enabled")
	}
	if string(cfg.Body) != "a=1" {
		t.Errorf("Body = %q", cfg.Body)
	}
	if cfg.PeerName != "example.com" {
		t.Errorf("PeerName = %q", cfg.PeerName)
	}
	if cfg.TLS == nil || cfg.TLS.MinVersion < 0x0303 {
		t.Error("TLS config missing or below TLS 1.2")
	}
}

func TestBuildASCIIHost(t *testing.T) {
	tests := []struct {
		url      string
		host     string
		peerName string
	}{
		{"http://bücher.example/", "xn--bcher-kva.example", "xn--bcher-kva.example"},
		{"https://BÜCHER.example:8443/x", "xn--bcher-kva.example:8443", "xn--bcher-kva.example"},
		{"http://Example.COM./", "example.com", "example.com"},
		{"http://[::1]:8080/", "[::1]:8080", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg, _, _, err := testBuilder().Build(mustNormalize(t, "GET", tt.url, Options{}))
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if got := cfg.Header.Get("Host"); got != tt.host {
				t.Errorf("Host = %q, want %q", got, tt.host)
			}
			if cfg.PeerName != tt.peerName {
				t.Errorf("PeerName = %q, want %q", cfg.PeerName, tt.peerName)
			}
		})
	}
}

func TestBuildRespectsCallerHeaders(t *testing.T) {
	n := mustNormalize(t, "POST", "http://example.com/", Options{
		Body: []byte("{}"),
		Headers: http.Header{
			"Content-Type":    {"application/json"},
			"Accept-Encoding": {"identity"},
			"User-Agent":      {"custom"},
		},
	})
	cfg, _, _, err := testBuilder().Build(n)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type overridden: %q", cfg.Header.Get("Content-Type"))
	}
	if cfg.DecodeGzip {
		t.Error("DecodeGzip = true with caller Accept-Encoding")
	}
	if cfg.Header.Get("User-Agent") != "custom" {
		t.Errorf("User-Agent = %q", cfg.Header.Get("User-Agent"))
	}
}

func TestBuildNoContentTypeForEmptyOrGet(t *testing.T) {
	for _, tc := range []struct{ method, body string }{{"POST", ""}, {"PUT", "x"}, {"GET", ""}} {
		n := mustNormalize(t, tc.method, "http://example.com/", Options{Body: tc.body})
		cfg, _, _, err := testBuilder().Build(n)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if ct := cfg.Header.Get("Content-Type"); ct != "" {
			t.Errorf("%s with body %q got Content-Type %q", tc.method, tc.body, ct)
		}
	}
}

func TestReadBody(t *testing.T) {
	chunks := []string{"ab", "cd", ""}
	i := 0
	source := ChunkSource(func(size int) (string, error) {
		if size <= 0 {
			t.Errorf("chunk size = %d", size)
		}
		c := chunks[i]
		i++
		return c, nil
	})

	anyChunks := []interface{}{"x", "y", ""}
	j := 0
	anySource := func(int) interface{} {
		c := anyChunks[j]
		j++
		return c
	}

	tests := []struct {
		name string
		src  interface{}
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"bytes", []byte("raw"), "raw"},
		{"reader", strings.NewReader("streamed"), "streamed"},
		{"chunk source", source, "abcd"},
		{"any chunks", anySource, "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadBody(tt.src)
			if err != nil {
				t.Fatalf("ReadBody() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ReadBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadBodyErrors(t *testing.T) {
	bad := func(int) interface{} { return 42 }
	if _, err := ReadBody(bad); rferrors.GetErrorType(err) != rferrors.ErrorTypeProtocol {
		t.Errorf("non-string chunk error = %v, want protocol error", err)
	}

	if _, err := ReadBody(3.14); rferrors.GetErrorType(err) != rferrors.ErrorTypeConfiguration {
		t.Errorf("unsupported body error = %v, want configuration error", err)
	}

	boom := errors.New("boom")
	failing := ChunkSource(func(int) (string, error) { return "", boom })
	if _, err := ReadBody(failing); !errors.Is(err, boom) {
		t.Errorf("chunk source error = %v, want %v", err, boom)
	}
}

func TestBuildBindTo(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "local.sock")
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		bindTo  string
		errType rferrors.ErrorType
		addr    string
	}{
		{sock, rferrors.ErrorTypeUnsupported, ""},
		{"if!eth0", rferrors.ErrorTypeUnsupported, ""},
		{"host!127.0.0.1:0", "", "127.0.0.1:0"},
		{"127.0.0.1", "", "127.0.0.1:0"},
		{"[::1]:4000", "", "[::1]:4000"},
		{"not-an-ip", rferrors.ErrorTypeConfiguration, ""},
	}
	for _, tt := range tests {
		t.Run(tt.bindTo, func(t *testing.T) {
			n := mustNormalize(t, "GET", "http://example.com/", Options{BindTo: tt.bindTo})
			cfg, _, _, err := testBuilder().Build(n)
			if tt.errType != "" {
				if rferrors.GetErrorType(err) != tt.errType {
					t.Fatalf("Build() error = %v, want %s", err, tt.errType)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if cfg.LocalAddr == nil || cfg.LocalAddr.(*net.TCPAddr).String() != tt.addr {
				t.Errorf("LocalAddr = %v, want %s", cfg.LocalAddr, tt.addr)
			}
		})
	}
}

func TestBuildPeerFingerprint(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		fp      map[string]string
		wantErr bool
	}{
		{"sha256", map[string]string{"sha256": digest}, false},
		{"pin-sha256 alongside sha256", map[string]string{"sha256": digest, "pin-sha256": "x"}, false},
		{"pin-sha256 alone", map[string]string{"pin-sha256": "x"}, true},
		{"md5", map[string]string{"md5": "x"}, true},
		{"malformed sha256", map[string]string{"sha256": "zz"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := mustNormalize(t, "GET", "https://example.com/", Options{PeerFingerprint: tt.fp})
			_, _, _, err := testBuilder().Build(n)
			if tt.wantErr {
				if rferrors.GetErrorType(err) != rferrors.ErrorTypeConfiguration {
					t.Errorf("Build() error = %v, want configuration error", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Build() error = %v", err)
			}
		})
	}
}

func TestProgressAdapter(t *testing.T) {
	type call struct{ a, b int64 }
	var calls []call
	info := timing.NewInfo("GET", "http://a.test/")
	p := NewProgressAdapter(func(a, b int64, _ timing.Metrics) {
		calls = append(calls, call{a, b})
	}, info, 0)

	p.Checkpoint()
	if err := p.Progress(10, 100); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	p.Progress(0, 0)
	p.Checkpoint()
	p.Progress(40, 30)
	p.Complete()

	want := []call{{0, 0}, {10, 100}, {10, 100}, {10, 100}, {40, 30}, {40, 30}}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, calls[i], want[i])
		}
	}

	p2 := NewProgressAdapter(nil, info, 0)
	p2.Progress(5, 50)
	p2.Complete()
	if a, b := p2.Last(); a != 50 || b != 50 {
		t.Errorf("Complete() last = (%d, %d), want (50, 50)", a, b)
	}
}

func TestProgressAdapterMaxDuration(t *testing.T) {
	info := timing.NewInfo("GET", "http://a.test/")
	p := NewProgressAdapter(nil, info, time.Nanosecond)
	time.Sleep(time.Millisecond)
	err := p.Progress(1, 1)
	if !rferrors.IsTimeoutError(err) {
		t.Errorf("Progress() error = %v, want timeout", err)
	}
}

func TestSink(t *testing.T) {
	info := timing.NewInfo("POST", "http://a.test/")
	var forwarded [][2]int64
	adapter := NewProgressAdapter(func(a, b int64, _ timing.Metrics) {
		forwarded = append(forwarded, [2]int64{a, b})
	}, info, 0)
	sink := NewSink(info, adapter, false)

	sink(transport.Notification{Kind: transport.NotifyConnect, Addr: "10.0.0.1:80"})
	sink(transport.Notification{Kind: transport.NotifyPretransfer})
	sink(transport.Notification{Kind: transport.NotifyProgress, Uploaded: 12, Downloaded: 0, DownloadTotal: 100})
	first := info.Snapshot().StartTransferTime
	time.Sleep(time.Millisecond)
	sink(transport.Notification{Kind: transport.NotifyProgress, Uploaded: 99, Downloaded: 100, DownloadTotal: 100})

	m := info.Snapshot()
	if m.StartTransferTime != first {
		t.Errorf("StartTransferTime changed: %v -> %v", first, m.StartTransferTime)
	}
	if m.SizeUpload != 12 {
		t.Errorf("SizeUpload = %d, want first value 12", m.SizeUpload)
	}
	if m.SizeDownload != 100 {
		t.Errorf("SizeDownload = %d, want 100", m.SizeDownload)
	}
	if m.TotalTime < m.StartTransferTime {
		t.Errorf("TotalTime %v < StartTransferTime %v", m.TotalTime, m.StartTransferTime)
	}
	if !strings.Contains(m.Debug, "Connected to 10.0.0.1:80") {
		t.Errorf("debug trace = %q", m.Debug)
	}
	if len(forwarded) != 2 || forwarded[1] != [2]int64{100, 100} {
		t.Errorf("forwarded = %v", forwarded)
	}
}

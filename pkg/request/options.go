// Package request turns caller options into a prepared transport
// configuration, telemetry record and progress adapter.
package request

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
)

// ChunkSource produces the request body piece by piece. It is called with
// the preferred chunk size until it returns an empty string.
type ChunkSource func(size int) (string, error)

// ProgressFunc receives (downloaded, total) pairs and a telemetry snapshot.
type ProgressFunc func(downloaded, total int64, info timing.Metrics)

// Options controls a request. The zero value of every field means "use
// the default", so client-wide defaults and per-call options merge field
// by field.
type Options struct {
	Headers http.Header

	// Body is a string, []byte, io.Reader, ChunkSource or func(int) any.
	Body interface{}

	// Timeout bounds idle reads and writes.
	Timeout time.Duration
	// MaxDuration bounds the whole request, redirects included.
	MaxDuration time.Duration

	// MaxRedirects caps followed redirects; 0 uses the default and a
	// negative value disables following.
	MaxRedirects int

	Proxy string
	// NoProxy overrides the no_proxy environment when non-nil.
	NoProxy *string

	// Resolve pins hostnames to IP addresses.
	Resolve map[string]string

	SkipVerifyPeer bool
	SkipVerifyHost bool
	CAFile         string
	CAPath         string
	LocalCert      string
	LocalPK        string
	Passphrase     string
	Ciphers        string
	// PeerFingerprint maps an algorithm to a hex digest; only sha256 pins.
	PeerFingerprint      map[string]string
	CapturePeerCertChain bool

	// BindTo is the local address to bind, optionally host!-prefixed.
	BindTo      string
	HTTPVersion string
	UserAgent   string

	OnProgress ProgressFunc
}

// DefaultOptions returns the options applied when a client is created
// without explicit defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      constants.DefaultTimeout,
		MaxRedirects: constants.DefaultMaxRedirects,
		HTTPVersion:  constants.DefaultHTTPVersion,
		UserAgent:    constants.DefaultUserAgent,
	}
}

// Merge overlays call on defaults. Headers merge by canonical name with
// the call's values replacing the defaults'.
func Merge(defaults, call Options) Options {
	out := defaults

	out.Headers = make(http.Header, len(defaults.Headers)+len(call.Headers))
	for k, v := range defaults.Headers {
		out.Headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	for k, v := range call.Headers {
		out.Headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	if call.Body != nil {
		out.Body = call.Body
	}
	if call.Timeout != 0 {
		out.Timeout = call.Timeout
	}
	if call.MaxDuration != 0 {
		out.MaxDuration = call.MaxDuration
	}
	if call.MaxRedirects != 0 {
		out.MaxRedirects = call.MaxRedirects
	}
	if call.Proxy != "" {
		out.Proxy = call.Proxy
	}
	if call.NoProxy != nil {
		out.NoProxy = call.NoProxy
	}
	if len(call.Resolve) > 0 {
		merged := make(map[string]string, len(defaults.Resolve)+len(call.Resolve))
		for k, v := range defaults.Resolve {
			merged[k] = v
		}
		for k, v := range call.Resolve {
			merged[k] = v
		}
		out.Resolve = merged
	}
	if call.SkipVerifyPeer {
		out.SkipVerifyPeer = true
	}
	if call.SkipVerifyHost {
		out.SkipVerifyHost = true
	}
	if call.CAFile != "" {
		out.CAFile = call.CAFile
	}
	if call.CAPath != "" {
		out.CAPath = call.CAPath
	}
	if call.LocalCert != "" {
		out.LocalCert = call.LocalCert
	}
	if call.LocalPK != "" {
		out.LocalPK = call.LocalPK
	}
	if call.Passphrase != "" {
		out.Passphrase = call.Passphrase
	}
	if call.Ciphers != "" {
		out.Ciphers = call.Ciphers
	}
	if call.PeerFingerprint != nil {
		out.PeerFingerprint = call.PeerFingerprint
	}
	if call.CapturePeerCertChain {
		out.CapturePeerCertChain = true
	}
	if call.BindTo != "" {
		out.BindTo = call.BindTo
	}
	if call.HTTPVersion != "" {
		out.HTTPVersion = call.HTTPVersion
	}
	if call.UserAgent != "" {
		out.UserAgent = call.UserAgent
	}
	if call.OnProgress != nil {
		out.OnProgress = call.OnProgress
	}
	return out
}

// Normalized is a validated request ready for the builder.
type Normalized struct {
	Method string
	URL    *url.URL
	Options
}

// Normalize validates method, URL and headers and applies defaults.
func Normalize(method, rawURL string, opts Options) (Normalized, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return Normalized{}, errors.NewConfigurationError("invalid HTTP method %q", method)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Normalized{}, errors.NewConfigurationError("invalid URL %q: %v", rawURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return Normalized{}, errors.NewConfigurationError("unsupported URL scheme %q: only http and https are supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return Normalized{}, errors.NewConfigurationError("invalid URL %q: host is missing", rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""

	headers := make(http.Header, len(opts.Headers))
	for k, values := range opts.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return Normalized{}, errors.NewConfigurationError("invalid header name %q", k)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return Normalized{}, errors.NewConfigurationError("invalid value for header %q", k)
			}
		}
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
	}
	opts.Headers = headers

	switch {
	case opts.MaxRedirects == 0:
		opts.MaxRedirects = constants.DefaultMaxRedirects
	case opts.MaxRedirects < 0:
		opts.MaxRedirects = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = constants.DefaultUserAgent
	}
	opts.HTTPVersion = capHTTPVersion(opts.HTTPVersion)

	return Normalized{Method: method, URL: u, Options: opts}, nil
}

// capHTTPVersion limits the version to what a raw HTTP/1.x writer speaks.
func capHTTPVersion(v string) string {
	if v == "1.0" {
		return "1.0"
	}
	return constants.DefaultHTTPVersion
}

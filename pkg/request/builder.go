package request

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/dns"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/tlsconfig"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// Builder assembles the transport configuration of a request.
type Builder struct {
	Logger logrus.FieldLogger
}

// NewBuilder returns a Builder logging to logger.
func NewBuilder(logger logrus.FieldLogger) *Builder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Builder{Logger: logger}
}

// Build prepares the first hop of n. The returned config targets n.URL by
// hostname; proxy selection and DNS substitution happen afterwards.
func (b *Builder) Build(n Normalized) (*transport.Config, *timing.Info, *ProgressAdapter, error) {
	localAddr, err := bindAddress(n.BindTo)
	if err != nil {
		return nil, nil, nil, err
	}

	body, err := ReadBody(n.Body)
	if err != nil {
		return nil, nil, nil, err
	}

	pin, err := sha256Pin(n.PeerFingerprint)
	if err != nil {
		return nil, nil, nil, err
	}

	tlsCfg, err := tlsconfig.Build(tlsconfig.Params{
		VerifyPeer:      !n.SkipVerifyPeer,
		VerifyHost:      !n.SkipVerifyHost,
		CAFile:          n.CAFile,
		CAPath:          n.CAPath,
		LocalCert:       n.LocalCert,
		LocalPK:         n.LocalPK,
		Passphrase:      n.Passphrase,
		Ciphers:         n.Ciphers,
		PeerFingerprint: pin,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	headers := n.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("Host", dns.HostHeader(n.URL))
	if len(body) > 0 {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
		if n.Method == http.MethodPost && headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	decodeGzip := false
	if headers.Get("Accept-Encoding") == "" {
		headers.Set("Accept-Encoding", "gzip")
		decodeGzip = true
	}
	if headers.Get("User-Agent") == "" {
		headers.Set("User-Agent", n.UserAgent)
	}

	target := *n.URL
	info := timing.NewInfo(n.Method, n.URL.String())
	adapter := NewProgressAdapter(n.OnProgress, info, n.MaxDuration)

	cfg := &transport.Config{
		Method:               n.Method,
		Target:               &target,
		Header:               headers,
		Body:                 body,
		PeerName:             peerName(n.URL),
		TLS:                  tlsCfg,
		CapturePeerCertChain: n.CapturePeerCertChain,
		LocalAddr:            localAddr,
		ConnectTimeout:       n.Timeout,
		Timeout:              n.Timeout,
		HTTPVersion:          n.HTTPVersion,
		DecodeGzip:           decodeGzip,
		FollowLocation:       false,
		AutoDecode:           false,
	}
	cfg.Notify = NewSink(info, adapter, cfg.CapturePeerCertChain)

	b.Logger.WithFields(logrus.Fields{
		"method": n.Method,
		"url":    n.URL.String(),
		"body":   len(body),
	}).Debug("request prepared")

	return cfg, info, adapter, nil
}

// bindAddress parses the bindto option. Only network addresses are
// accepted: local socket paths and interface names are rejected.
func bindAddress(bindTo string) (net.Addr, error) {
	if bindTo == "" {
		return nil, nil
	}
	if strings.HasPrefix(bindTo, "if!") {
		return nil, errors.NewUnsupportedFeatureError("binding to a network interface")
	}
	bindTo = strings.TrimPrefix(bindTo, "host!")
	if _, err := os.Stat(bindTo); err == nil {
		return nil, errors.NewUnsupportedFeatureError("binding to a local socket")
	}

	host, portStr, err := net.SplitHostPort(bindTo)
	if err != nil {
		host, portStr = strings.Trim(bindTo, "[]"), "0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.NewConfigurationError("invalid bindto address %q", bindTo)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.NewConfigurationError("invalid bindto port %q", portStr)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// ReadBody normalizes a body source into bytes.
func ReadBody(src interface{}) ([]byte, error) {
	switch body := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(body), nil
	case []byte:
		return body, nil
	case io.Reader:
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, errors.NewIOError("reading request body", err)
		}
		return data, nil
	case ChunkSource:
		return readChunks(body)
	case func(int) (string, error):
		return readChunks(body)
	case func(int) interface{}:
		return readChunks(func(size int) (string, error) {
			chunk := body(size)
			s, ok := chunk.(string)
			if !ok {
				return "", errors.NewProtocolError(fmt.Sprintf("body chunk source returned %T, want string", chunk), nil)
			}
			return s, nil
		})
	default:
		return nil, errors.NewConfigurationError("unsupported request body type %T", src)
	}
}

func readChunks(next func(int) (string, error)) ([]byte, error) {
	var out []byte
	for {
		chunk, err := next(constants.ChunkSize)
		if err != nil {
			return nil, err
		}
		if chunk == "" {
			return out, nil
		}
		out = append(out, chunk...)
	}
}

// sha256Pin extracts the sha256 pin. pin-sha256 alone is rejected and is
// ignored next to a sha256 entry.
func sha256Pin(fp map[string]string) (string, error) {
	if len(fp) == 0 {
		return "", nil
	}
	pin, hasSHA256 := "", false
	for algo, digest := range fp {
		switch strings.ToLower(algo) {
		case "sha256":
			pin, hasSHA256 = digest, true
		case "pin-sha256":
		default:
			return "", errors.NewConfigurationError("unsupported peer fingerprint algorithm %q", algo)
		}
	}
	if !hasSHA256 {
		return "", errors.NewConfigurationError("pin-sha256 peer fingerprints are not supported, use sha256")
	}
	return pin, nil
}

func peerName(u *url.URL) string {
	host, err := dns.ASCIIHost(u.Hostname())
	if err != nil {
		return strings.ToLower(u.Hostname())
	}
	return host
}

// Package transport holds the per-hop connection configuration and dials
// raw connections for it: direct TCP, TLS, plain HTTP proxies and CONNECT
// tunnels through HTTP or HTTPS proxies.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
)

// NotificationKind identifies a transport event.
type NotificationKind int

const (
	// NotifyConnect fires once the TCP connection to the peer (or proxy) is up.
	NotifyConnect NotificationKind = iota + 1
	// NotifyTLSHandshake fires after a successful handshake with the origin.
	NotifyTLSHandshake
	// NotifyPretransfer fires right before the request is written.
	NotifyPretransfer
	// NotifyProgress reports byte counters.
	NotifyProgress
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyConnect:
		return "connect"
	case NotifyTLSHandshake:
		return "tls_handshake"
	case NotifyPretransfer:
		return "pretransfer"
	case NotifyProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Notification is delivered to a Config's sink.
type Notification struct {
	Kind NotificationKind
	Addr string
	TLS  *tls.ConnectionState

	Uploaded      int64
	UploadTotal   int64
	Downloaded    int64
	DownloadTotal int64
}

// Sink receives notifications. A non-nil error aborts the transfer.
type Sink func(Notification) error

// Config is the mutable connection configuration of a request. The
// redirect resolver rewrites it between hops.
type Config struct {
	Method string
	// Target is the URL dialed for the current hop. When the connection
	// is direct its authority carries the resolved IP.
	Target *url.URL
	Header http.Header
	Body   []byte

	// Proxy is host:port of the proxy, empty for direct connections.
	Proxy     string
	ProxyTLS  bool
	ProxyAuth string
	// FullURI selects absolute-form request targets (plain proxying).
	FullURI bool

	// PeerName is the TLS server name; empty falls back to Target's host.
	PeerName             string
	TLS                  *tls.Config
	CapturePeerCertChain bool

	LocalAddr      net.Addr
	ConnectTimeout time.Duration
	// Timeout bounds idle reads and writes.
	Timeout     time.Duration
	HTTPVersion string

	// DecodeGzip asks the response layer to gunzip gzip-encoded bodies.
	DecodeGzip bool
	// FollowLocation and AutoDecode must stay false: redirects are decided
	// by the redirect resolver and chunked bodies are decoded by the reader.
	// Dial rejects a config with either set.
	FollowLocation bool
	AutoDecode     bool

	Notify Sink
}

// Emit forwards n to the sink, if any.
func (c *Config) Emit(n Notification) error {
	if c.Notify == nil {
		return nil
	}
	return c.Notify(n)
}

// IsTLS reports whether the target is https.
func (c *Config) IsTLS() bool {
	return c.Target != nil && strings.EqualFold(c.Target.Scheme, "https")
}

// TargetAddr returns host:port of the target, applying the scheme default.
func (c *Config) TargetAddr() string {
	port := c.Target.Port()
	if port == "" {
		port = strconv.Itoa(constants.HTTPPort)
		if c.IsTLS() {
			port = strconv.Itoa(constants.HTTPSPort)
		}
	}
	return net.JoinHostPort(c.Target.Hostname(), port)
}

// Dialer opens connections for a Config.
type Dialer struct {
	Logger logrus.FieldLogger
}

// NewDialer returns a Dialer logging to logger.
func NewDialer(logger logrus.FieldLogger) *Dialer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dialer{Logger: logger}
}

// Dial connects to the hop described by cfg. For https targets the
// returned connection has completed the TLS handshake with the origin.
func (d *Dialer) Dial(ctx context.Context, cfg *Config) (net.Conn, error) {
	if cfg.Target == nil {
		return nil, errors.NewConfigurationError("transport: no target URL")
	}
	if cfg.FollowLocation || cfg.AutoDecode {
		return nil, errors.NewConfigurationError("transport: FollowLocation and AutoDecode are not supported")
	}

	addr := cfg.TargetAddr()
	if cfg.Proxy != "" {
		addr = cfg.Proxy
	}

	conn, err := d.connectTCP(ctx, cfg, addr)
	if err != nil {
		host, port := splitAddr(addr)
		return nil, errors.NewConnectionError(host, port, err)
	}
	if err := cfg.Emit(Notification{Kind: NotifyConnect, Addr: conn.RemoteAddr().String()}); err != nil {
		conn.Close()
		return nil, err
	}

	if cfg.Proxy != "" && cfg.ProxyTLS {
		proxyHost, proxyPort := splitAddr(cfg.Proxy)
		proxyConn, err := d.handshake(ctx, conn, cfg, &tls.Config{
			ServerName: proxyHost,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			return nil, errors.NewTLSError(proxyHost, proxyPort, err)
		}
		conn = proxyConn
	}

	if cfg.Proxy != "" && cfg.IsTLS() {
		if err := d.tunnel(ctx, conn, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if !cfg.IsTLS() {
		return conn, nil
	}

	tlsCfg := originTLSConfig(cfg)
	tlsConn, err := d.handshake(ctx, conn, cfg, tlsCfg)
	if err != nil {
		_, port := splitAddr(cfg.TargetAddr())
		return nil, errors.NewTLSError(tlsCfg.ServerName, port, err)
	}
	state := tlsConn.ConnectionState()
	if err := cfg.Emit(Notification{Kind: NotifyTLSHandshake, Addr: addr, TLS: &state}); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *Dialer) connectTCP(ctx context.Context, cfg *Config, addr string) (net.Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = constants.DefaultConnTimeout
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		LocalAddr: cfg.LocalAddr,
		Control:   setLowLatency,
	}
	d.Logger.WithField("addr", addr).Debug("dialing")
	return dialer.DialContext(ctx, "tcp", addr)
}

func originTLSConfig(cfg *Config) *tls.Config {
	var tlsCfg *tls.Config
	if cfg.TLS != nil {
		tlsCfg = cfg.TLS.Clone()
	} else {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"http/1.1"}}
	}
	tlsCfg.ServerName = cfg.PeerName
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Target.Hostname()
	}
	return tlsCfg
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, cfg *Config, tlsCfg *tls.Config) (*tls.Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = constants.DefaultConnTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// tunnel issues CONNECT for the target through an established proxy connection.
func (d *Dialer) tunnel(ctx context.Context, conn net.Conn, cfg *Config) error {
	target := cfg.TargetAddr()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if cfg.ProxyAuth != "" {
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", cfg.ProxyAuth)
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return errors.NewIOError("writing CONNECT", err)
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return errors.NewProtocolError("reading CONNECT response", err)
	}
	code, err := parseStatusCode(line)
	if err != nil {
		return err
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return errors.NewProtocolError("reading CONNECT response headers", err)
	}
	if code < 200 || code > 299 {
		return errors.NewProtocolError(fmt.Sprintf("proxy refused CONNECT to %s with status %d", target, code), nil)
	}
	if br.Buffered() > 0 {
		return errors.NewProtocolError("proxy sent data after CONNECT response", nil)
	}
	d.Logger.WithFields(logrus.Fields{"proxy": cfg.Proxy, "target": target}).Debug("tunnel established")
	return nil
}

func parseStatusCode(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, errors.NewProtocolError(fmt.Sprintf("malformed status line %q", line), nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return 0, errors.NewProtocolError(fmt.Sprintf("malformed status code in %q", line), err)
	}
	return code, nil
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Package client provides the main HTTP client API.
package client

import (
	"context"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/dns"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/multiplexer"
	"github.com/WhileEndless/go-rawfetch/pkg/proxy"
	"github.com/WhileEndless/go-rawfetch/pkg/redirect"
	"github.com/WhileEndless/go-rawfetch/pkg/request"
	"github.com/WhileEndless/go-rawfetch/pkg/state"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// Client issues requests over raw sockets. All requests of one client
// share its DNS cache and per-host connection limits.
type Client struct {
	defaults request.Options
	state    *state.ClientState
	resolver *dns.Resolver
	selector *proxy.Selector
	builder  *request.Builder
	mux      *multiplexer.Multiplexer
	logger   logrus.FieldLogger
}

// Option customizes a Client at construction.
type Option func(*Client)

// WithLogger routes client logs to logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLookup replaces the system resolver used on DNS cache misses.
func WithLookup(l dns.Lookuper) Option {
	return func(c *Client) {
		c.resolver.Lookup = l
	}
}

// WithGetenv replaces the environment lookup used for proxy selection.
func WithGetenv(getenv func(string) string) Option {
	return func(c *Client) {
		c.selector.Getenv = getenv
	}
}

// New creates a client. defaults apply to every request and are
// overridden field by field by per-call options. maxHostConnections caps
// concurrent connections per host; zero or less means unbounded.
func New(defaults request.Options, maxHostConnections int, opts ...Option) *Client {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	st := state.New(maxHostConnections)
	c := &Client{
		defaults: defaults,
		state:    st,
		resolver: dns.NewResolver(st.DNS, silent),
		selector: proxy.NewSelector(),
		logger:   silent,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.resolver.Logger = c.logger
	c.builder = request.NewBuilder(c.logger)
	c.mux = multiplexer.New(st, transport.NewDialer(c.logger), c.logger)
	return c
}

// NewDefault creates a client with DefaultOptions and the default
// per-host connection cap.
func NewDefault(opts ...Option) *Client {
	return New(request.DefaultOptions(), constants.DefaultMaxHostConnections, opts...)
}

// ID identifies the client's state in logs.
func (c *Client) ID() string {
	return c.state.ID
}

// Request prepares a request and starts it. Preparation errors (invalid
// options, proxy settings, first-hop DNS failures) are returned before
// any connection is attempted; transfer errors surface on the Response.
// Cancelling ctx aborts the transfer.
func (c *Client) Request(ctx context.Context, method, rawURL string, opts request.Options) (*Response, error) {
	n, err := request.Normalize(method, rawURL, request.Merge(c.defaults, opts))
	if err != nil {
		return nil, err
	}
	if err := c.resolver.Override(n.Resolve); err != nil {
		return nil, err
	}

	cfg, info, adapter, err := c.builder.Build(n)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := c.logger.WithFields(logrus.Fields{
		"request_id": id,
		"method":     n.Method,
	})

	desc, err := c.selector.Select(n.Proxy, n.URL, n.NoProxy)
	if err != nil {
		return nil, err
	}

	host, err := dns.ASCIIHost(n.URL.Hostname())
	if err != nil {
		return nil, errors.NewResolutionError(n.URL.Hostname(), err)
	}
	if proxy.Configure(cfg, desc, host, cfg.Header, n.URL.Scheme == "https") {
		res, err := c.resolver.Resolve(ctx, n.URL, info, adapter.Checkpoint)
		if err != nil {
			return nil, err
		}
		cfg.Target.Host = res.Authority
	} else {
		log.WithFields(logrus.Fields{
			"host":  host,
			"proxy": desc.Address,
		}).Debug("using proxy")
	}

	rr := redirect.New(redirect.Config{
		URL:          n.URL,
		Transport:    cfg,
		Info:         info,
		Proxy:        desc,
		DNS:          c.resolver,
		MaxRedirects: n.MaxRedirects,
		OnCheckpoint: adapter.Checkpoint,
		Logger:       log,
	})

	log.WithField("url", n.URL.String()).Info("Request")
	h := c.mux.Open(ctx, multiplexer.Request{
		ID:       id,
		Config:   cfg,
		Info:     info,
		Redirect: rr,
		Progress: adapter,
	})
	return &Response{client: c, handle: h, redirect: rr}, nil
}

// Get is shorthand for Request with GET.
func (c *Client) Get(ctx context.Context, rawURL string, opts request.Options) (*Response, error) {
	return c.Request(ctx, http.MethodGet, rawURL, opts)
}

// Chunk is one streamed event of a response.
type Chunk struct {
	Response *Response
	Kind     multiplexer.EventKind
	Data     []byte
	Err      error
}

// Stream yields the chunks of responses as they arrive. responses is a
// *Response, a []*Response or an iter.Seq[*Response]. A positive timeout
// yields a timeout chunk for every unfinished response after that long
// without progress.
func (c *Client) Stream(responses interface{}, timeout time.Duration) (iter.Seq[Chunk], error) {
	var list []*Response
	switch v := responses.(type) {
	case *Response:
		list = []*Response{v}
	case []*Response:
		list = v
	case iter.Seq[*Response]:
		for r := range v {
			list = append(list, r)
		}
	default:
		return nil, errors.NewTypeMismatchError("stream expects *Response, []*Response or iter.Seq[*Response]", responses)
	}

	byHandle := make(map[*multiplexer.Handle]*Response, len(list))
	handles := make([]*multiplexer.Handle, 0, len(list))
	for _, r := range list {
		if r == nil {
			continue
		}
		if r.client != c {
			return nil, errors.NewConfigurationError("response %s belongs to another client", r.ID())
		}
		if _, dup := byHandle[r.handle]; dup {
			continue
		}
		byHandle[r.handle] = r
		handles = append(handles, r.handle)
	}

	events := c.mux.Stream(handles, timeout)
	return func(yield func(Chunk) bool) {
		for ev := range events {
			ch := Chunk{
				Response: byHandle[ev.Handle],
				Kind:     ev.Kind,
				Data:     ev.Data,
				Err:      ev.Err,
			}
			if !yield(ch) {
				return
			}
		}
	}, nil
}

// Reset clears the DNS cache and connection bookkeeping.
func (c *Client) Reset() {
	c.state.Reset()
	c.logger.WithField("client_id", c.state.ID).Debug("client state reset")
}

// Pending returns the number of requests still in flight.
func (c *Client) Pending() int {
	return c.state.Pending()
}

// Response is a request in flight or completed.
type Response struct {
	client   *Client
	handle   *multiplexer.Handle
	redirect *redirect.Resolver
}

// ID returns the request id.
func (r *Response) ID() string {
	return r.handle.ID()
}

// Info returns a telemetry snapshot. It may be called at any time.
func (r *Response) Info() timing.Metrics {
	return r.handle.Info().Snapshot()
}

// RedirectState reports how the last response head was handled.
func (r *Response) RedirectState() redirect.State {
	<-r.handle.Done()
	return r.redirect.State()
}

// StatusCode blocks until the final response head arrived.
func (r *Response) StatusCode(ctx context.Context) (int, error) {
	status, _, err := r.handle.WaitHeaders(ctx)
	return status, err
}

// Headers blocks until the final response head arrived.
func (r *Response) Headers(ctx context.Context) (http.Header, error) {
	_, h, err := r.handle.WaitHeaders(ctx)
	return h, err
}

// Content blocks until the body was received and returns it.
func (r *Response) Content(ctx context.Context) ([]byte, error) {
	if err := r.handle.Wait(ctx); err != nil {
		return nil, err
	}
	return r.handle.Body().Bytes()
}

// Body blocks until the body was received and returns a reader over it.
func (r *Response) Body(ctx context.Context) (io.ReadCloser, error) {
	if err := r.handle.Wait(ctx); err != nil {
		return nil, err
	}
	return r.handle.Body().Reader()
}

// Wait blocks until the request finished.
func (r *Response) Wait(ctx context.Context) error {
	return r.handle.Wait(ctx)
}

// Cancel aborts the request.
func (r *Response) Cancel() {
	r.handle.Cancel()
}

// Close aborts the request if still running and releases the body.
func (r *Response) Close() error {
	r.handle.Cancel()
	<-r.handle.Done()
	return r.handle.Body().Close()
}

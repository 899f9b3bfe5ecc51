// Package redirect decides, hop by hop, whether and how a request follows
// a redirect response.
package redirect

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawfetch/pkg/dns"
	"github.com/WhileEndless/go-rawfetch/pkg/proxy"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// State is the outcome of the last decision.
type State int

const (
	// Pending means no decision was taken for the current hop yet.
	Pending State = iota
	// NoRedirect is terminal: the response is not a followable redirect.
	NoRedirect
	// RedirectExhausted is terminal: the redirect limit was reached.
	RedirectExhausted
	// RedirectApplied means the config was rewritten for the next hop.
	RedirectApplied
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case NoRedirect:
		return "no-redirect"
	case RedirectExhausted:
		return "redirect-exhausted"
	case RedirectApplied:
		return "redirect-applied"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config wires a Resolver to the request it serves.
type Config struct {
	// URL is the original request URL, by hostname.
	URL          *url.URL
	Transport    *transport.Config
	Info         *timing.Info
	Proxy        *proxy.Descriptor
	DNS          *dns.Resolver
	MaxRedirects int
	// OnCheckpoint runs after each successful DNS resolution.
	OnCheckpoint func()
	Logger       logrus.FieldLogger
}

// Resolver is the redirect state machine of one top-level request. It is
// driven by a single goroutine.
type Resolver struct {
	maxRedirects int
	originalHost string
	withAuth     http.Header
	noAuth       http.Header

	current      *url.URL
	cfg          *transport.Config
	info         *timing.Info
	proxy        *proxy.Descriptor
	dns          *dns.Resolver
	onCheckpoint func()
	logger       logrus.FieldLogger

	state State
}

// New builds the resolver from the request's first-hop headers.
func New(c Config) *Resolver {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	withAuth := c.Transport.Header.Clone()
	if withAuth == nil {
		withAuth = make(http.Header)
	}
	withAuth.Del("Host")
	// Proxy credentials installed by proxy.Configure are reapplied per hop.
	// A value the caller set is kept.
	if c.Proxy != nil && c.Proxy.AuthHeader != "" && withAuth.Get("Proxy-Authorization") == c.Proxy.AuthHeader {
		withAuth.Del("Proxy-Authorization")
	}

	noAuth := withAuth.Clone()
	noAuth.Del("Authorization")
	noAuth.Del("Cookie")

	current := *c.URL
	return &Resolver{
		maxRedirects: c.MaxRedirects,
		originalHost: hostKey(&current),
		withAuth:     withAuth,
		noAuth:       noAuth,
		current:      &current,
		cfg:          c.Transport,
		info:         c.Info,
		proxy:        c.Proxy,
		dns:          c.DNS,
		onCheckpoint: c.OnCheckpoint,
		logger:       logger,
	}
}

// State returns the outcome of the last Decide call.
func (r *Resolver) State() State {
	return r.state
}

// Current returns the URL of the current hop, by hostname.
func (r *Resolver) Current() *url.URL {
	u := *r.current
	return &u
}

// Decide inspects the response of the current hop, whose status code is
// already recorded in the request info. It returns the URL to dial next,
// or nil when the chain ends. The transport config is rewritten in place.
func (r *Resolver) Decide(ctx context.Context, location string) (*url.URL, error) {
	status := r.info.Snapshot().StatusCode

	target := r.resolveLocation(location, status)
	if target == nil {
		r.state = NoRedirect
		r.info.Update(func(m *timing.Metrics) { m.RedirectURL = "" })
		return nil, nil
	}

	redirectURL := target.String()
	exhausted := false
	elapsed := r.info.Elapsed()
	r.info.Update(func(m *timing.Metrics) {
		m.RedirectURL = redirectURL
		if m.RedirectCount >= r.maxRedirects {
			exhausted = true
			return
		}
		m.RedirectCount++
		m.RedirectTime = elapsed
		m.URL = redirectURL
	})
	if exhausted {
		r.state = RedirectExhausted
		r.logger.WithField("url", redirectURL).Debug("redirect limit reached")
		return nil, nil
	}

	r.current = target
	r.rewriteMethod(status)

	r.logger.WithFields(logrus.Fields{
		"code":   status,
		"url":    redirectURL,
		"method": r.cfg.Method,
	}).Info("Redirecting")
	r.info.Debugf("* Issue another request to this URL: '%s'", redirectURL)

	next := *target
	ref, _ := url.Parse(strings.TrimSpace(location))
	if ref.Host != "" {
		host, err := dns.ASCIIHost(target.Hostname())
		if err != nil {
			host = strings.ToLower(target.Hostname())
		}

		headers := r.withAuth
		if hostKey(target) != r.originalHost {
			headers = r.noAuth
		}
		headers = headers.Clone()
		headers.Set("Host", dns.HostHeader(target))

		isTLS := strings.EqualFold(target.Scheme, "https")
		if proxy.Configure(r.cfg, r.proxy, host, headers, isTLS) {
			res, err := r.dns.Resolve(ctx, target, r.info, r.onCheckpoint)
			if err != nil {
				r.recordError(err)
				return nil, err
			}
			next.Host = res.Authority
		}
	} else if r.cfg.PeerName != "" {
		res, err := r.dns.Resolve(ctx, target, r.info, r.onCheckpoint)
		if err != nil {
			r.recordError(err)
			return nil, err
		}
		next.Host = res.Authority
	}

	r.cfg.Target = &next
	r.state = RedirectApplied
	out := next
	return &out, nil
}

// resolveLocation returns the absolute redirect target, or nil when the
// response does not redirect.
func (r *Resolver) resolveLocation(location string, status int) *url.URL {
	if location == "" || status < 300 || status >= 400 {
		return nil
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return nil
	}
	target := r.current.ResolveReference(ref)
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
		target.Scheme = strings.ToLower(target.Scheme)
	default:
		return nil
	}
	if target.Hostname() == "" {
		return nil
	}
	target.Fragment = ""
	target.RawFragment = ""
	return target
}

// rewriteMethod applies the browser rules: 301 and 302 turn POST into
// GET, 303 turns anything but HEAD into GET.
func (r *Resolver) rewriteMethod(status int) {
	method := r.cfg.Method
	rewrite := false
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		rewrite = method == http.MethodPost
	case http.StatusSeeOther:
		rewrite = method != http.MethodHead
	}
	if !rewrite {
		return
	}

	r.cfg.Method = http.MethodGet
	r.cfg.Body = nil
	for _, h := range []http.Header{r.cfg.Header, r.withAuth, r.noAuth} {
		if h == nil {
			continue
		}
		h.Del("Content-Length")
		h.Del("Content-Type")
		h.Del("Transfer-Encoding")
	}
	r.info.Update(func(m *timing.Metrics) { m.Method = http.MethodGet })
}

func (r *Resolver) recordError(err error) {
	msg := err.Error()
	r.info.Update(func(m *timing.Metrics) { m.Error = msg })
}

// hostKey identifies an origin for credential forwarding: lowercase
// host and effective port.
func hostKey(u *url.URL) string {
	return strings.ToLower(u.Hostname()) + ":" + strconv.Itoa(dns.DefaultPort(u))
}

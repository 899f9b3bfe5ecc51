// Package dns resolves request hosts through a per-client cache.
//
// Entries are written once and never expire; a client that needs fresh
// answers resets its state. Concurrent misses for the same host may each
// perform a lookup, the first writer wins.
package dns

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
)

// Cache maps ASCII hostnames to a single IP address.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// Get returns the cached address for host.
func (c *Cache) Get(host string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ip, ok := c.entries[host]
	return ip, ok
}

// Add stores ip for host unless an entry exists, and returns the entry
// that is cached after the call.
func (c *Cache) Add(host, ip string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[host]; ok {
		return existing
	}
	c.entries[host] = ip
	return ip
}

// Set stores ip for host, replacing any entry. Used for explicit overrides.
func (c *Cache) Set(host, ip string) {
	c.mu.Lock()
	c.entries[host] = ip
	c.mu.Unlock()
}

// Len returns the number of cached hosts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]string)
	c.mu.Unlock()
}

// Lookuper is the subset of *net.Resolver used here.
type Lookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Result describes the resolved target of one hop.
type Result struct {
	// Host is the ASCII hostname, without brackets for IPv6 literals.
	Host string
	// PortSuffix is ":port" when the URL carries an explicit port.
	PortSuffix string
	// Authority is the URL authority with the IP in place of the host.
	Authority string
	IP        string
}

// Resolver resolves hosts through a shared Cache.
type Resolver struct {
	Cache   *Cache
	Lookup  Lookuper
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// NewResolver returns a Resolver using the system resolver.
func NewResolver(cache *Cache, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		Cache:   cache,
		Lookup:  net.DefaultResolver,
		Timeout: constants.DefaultDNSTimeout,
		Logger:  logger,
	}
}

// Resolve returns the address to connect to for u. On a cache miss it
// blocks on a lookup and records the elapsed request time as the name
// lookup time. onCheckpoint, when set, runs after a successful resolution.
func (r *Resolver) Resolve(ctx context.Context, u *url.URL, info *timing.Info, onCheckpoint func()) (Result, error) {
	host, err := ASCIIHost(u.Hostname())
	if err != nil {
		return Result{}, errors.NewResolutionError(u.Hostname(), err)
	}
	if host == "" {
		return Result{}, errors.NewResolutionError(u.String(), nil)
	}

	res := Result{Host: host}
	if p := u.Port(); p != "" {
		res.PortSuffix = ":" + p
	}

	ip, cached := r.Cache.Get(host)
	switch {
	case cached:
		if info != nil {
			info.Debugf("* Hostname was found in DNS cache")
		}
		r.Logger.WithField("host", host).Debug("DNS cache hit")
	case net.ParseIP(host) != nil:
		ip = host
	default:
		if info != nil {
			info.Debugf("* Hostname was NOT found in DNS cache")
		}
		ip, err = r.lookup(ctx, host)
		if err != nil {
			return Result{}, err
		}
		ip = r.Cache.Add(host, ip)
		if info != nil {
			elapsed := info.Elapsed()
			info.Update(func(m *timing.Metrics) { m.NameLookupTime = elapsed })
		}
		r.Logger.WithFields(logrus.Fields{"host": host, "ip": ip}).Debug("DNS lookup")
	}

	res.IP = ip
	res.Authority = joinAuthority(ip, u.Port())

	if info != nil {
		port := DefaultPort(u)
		info.Debugf("*   Trying %s...", joinAuthority(ip, strconv.Itoa(port)))
		info.Update(func(m *timing.Metrics) {
			m.PrimaryIP = ip
			m.PrimaryPort = port
		})
	}
	if onCheckpoint != nil {
		onCheckpoint()
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, host string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultDNSTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lookuper := r.Lookup
	if lookuper == nil {
		lookuper = net.DefaultResolver
	}
	addrs, err := lookuper.LookupIPAddr(ctx, host)
	if err != nil {
		return "", errors.NewResolutionError(host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewResolutionError(host, nil)
	}
	return addrs[0].IP.String(), nil
}

// Override pins hosts to addresses, replacing cached entries.
func (r *Resolver) Override(overrides map[string]string) error {
	for host, ip := range overrides {
		ascii, err := ASCIIHost(host)
		if err != nil {
			return errors.NewConfigurationError("invalid resolve host %q: %v", host, err)
		}
		if net.ParseIP(ip) == nil {
			return errors.NewConfigurationError("invalid resolve address %q for host %q", ip, host)
		}
		r.Cache.Set(ascii, ip)
	}
	return nil
}

// ASCIIHost lowercases host and converts internationalized names to
// their punycode form. IP literals are returned as-is.
func ASCIIHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}

// HostHeader returns the authority of u for the Host header and the
// request target: the host in ASCII form followed by the explicit port,
// if any. A host idna rejects is only lower cased.
func HostHeader(u *url.URL) string {
	host, err := ASCIIHost(u.Hostname())
	if err != nil {
		host = strings.ToLower(u.Hostname())
	}
	return joinAuthority(host, u.Port())
}

// DefaultPort returns the explicit port of u, or the scheme default.
func DefaultPort(u *url.URL) int {
	if p, err := strconv.Atoi(u.Port()); err == nil {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return constants.HTTPSPort
	}
	return constants.HTTPPort
}

func joinAuthority(ip, port string) string {
	if port == "" {
		if strings.Contains(ip, ":") {
			return "[" + ip + "]"
		}
		return ip
	}
	return net.JoinHostPort(ip, port)
}

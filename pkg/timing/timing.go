// Package timing tracks per-request telemetry across every hop of a redirect chain.
package timing

import (
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Metrics is the telemetry snapshot of one logical request.
// Durations are measured from StartTime.
type Metrics struct {
	URL        string `json:"url"`
	Method     string `json:"http_method"`
	StatusCode int    `json:"http_code"`
	Error      string `json:"error,omitempty"`

	RedirectCount int    `json:"redirect_count"`
	RedirectURL   string `json:"redirect_url,omitempty"`

	StartTime         time.Time     `json:"start_time"`
	NameLookupTime    time.Duration `json:"namelookup_time"`
	ConnectTime       time.Duration `json:"connect_time"`
	PretransferTime   time.Duration `json:"pretransfer_time"`
	StartTransferTime time.Duration `json:"starttransfer_time"`
	RedirectTime      time.Duration `json:"redirect_time"`
	TotalTime         time.Duration `json:"total_time"`

	SizeUpload   int64 `json:"size_upload"`
	SizeDownload int64 `json:"size_download"`
	SizeBody     int64 `json:"size_body"`

	PrimaryIP   string `json:"primary_ip"`
	PrimaryPort int    `json:"primary_port"`

	ResponseHeaders []string `json:"response_headers"`
	Debug           string   `json:"debug,omitempty"`

	PeerCertificateChain []*x509.Certificate `json:"-"`
}

// String provides a human-readable representation of the timings.
func (m Metrics) String() string {
	return fmt.Sprintf("NameLookup: %v, Connect: %v, StartTransfer: %v, Redirect: %v, Total: %v",
		m.NameLookupTime, m.ConnectTime, m.StartTransferTime, m.RedirectTime, m.TotalTime)
}

// Info is the mutable telemetry of a request in flight. It is written by
// the DNS resolver, the notification sink and the redirect resolver, and
// read through Snapshot.
type Info struct {
	mu    sync.RWMutex
	m     Metrics
	debug strings.Builder
	now   func() time.Time
}

// NewInfo starts tracking a request.
func NewInfo(method, url string) *Info {
	return newInfo(method, url, time.Now)
}

func newInfo(method, url string, now func() time.Time) *Info {
	i := &Info{now: now}
	i.m = Metrics{
		URL:             url,
		Method:          method,
		StartTime:       now(),
		ResponseHeaders: []string{},
	}
	return i
}

// Elapsed returns the time since the request started.
func (i *Info) Elapsed() time.Duration {
	i.mu.RLock()
	start := i.m.StartTime
	i.mu.RUnlock()
	return i.now().Sub(start)
}

// Update applies fn to the metrics under the write lock.
func (i *Info) Update(fn func(m *Metrics)) {
	i.mu.Lock()
	fn(&i.m)
	i.mu.Unlock()
}

// Debugf appends a line to the debug trace.
func (i *Info) Debugf(format string, args ...interface{}) {
	i.mu.Lock()
	fmt.Fprintf(&i.debug, format, args...)
	if !strings.HasSuffix(format, "\n") {
		i.debug.WriteByte('\n')
	}
	i.mu.Unlock()
}

// Snapshot returns a copy of the current metrics.
func (i *Info) Snapshot() Metrics {
	i.mu.RLock()
	defer i.mu.RUnlock()

	m := i.m
	m.ResponseHeaders = append([]string(nil), i.m.ResponseHeaders...)
	m.PeerCertificateChain = append([]*x509.Certificate(nil), i.m.PeerCertificateChain...)
	m.Debug = i.debug.String()
	return m
}

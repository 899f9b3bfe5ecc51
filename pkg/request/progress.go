package request

import (
	"sync"
	"time"

	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/tlsconfig"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// ProgressAdapter forwards progress to the caller's callback. It keeps the
// last non-zero pair so that checkpoints and idle polls still report
// meaningful values.
type ProgressAdapter struct {
	mu          sync.Mutex
	fn          ProgressFunc
	info        *timing.Info
	maxDuration time.Duration
	last        [2]int64
}

// NewProgressAdapter wraps fn. fn may be nil, in which case only the
// duration limit is enforced.
func NewProgressAdapter(fn ProgressFunc, info *timing.Info, maxDuration time.Duration) *ProgressAdapter {
	return &ProgressAdapter{fn: fn, info: info, maxDuration: maxDuration}
}

// Checkpoint reports the last pair again, e.g. after DNS resolution.
func (p *ProgressAdapter) Checkpoint() {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	p.report(last)
}

// Progress records a (downloaded, total) pair and reports it. It returns a
// timeout error once the request exceeded its maximum duration.
func (p *ProgressAdapter) Progress(downloaded, total int64) error {
	p.mu.Lock()
	if downloaded != 0 || total != 0 {
		p.last = [2]int64{downloaded, total}
	}
	last := p.last
	p.mu.Unlock()

	p.report(last)

	if p.maxDuration > 0 && p.info != nil && p.info.Elapsed() >= p.maxDuration {
		return errors.NewTimeoutError("request", p.maxDuration)
	}
	return nil
}

// Complete reports the final pair, with the larger counter first.
func (p *ProgressAdapter) Complete() {
	p.mu.Lock()
	p.last[0] = max(p.last[0], p.last[1])
	last := p.last
	p.mu.Unlock()
	p.report(last)
}

// Last returns the last reported pair.
func (p *ProgressAdapter) Last() (int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[0], p.last[1]
}

func (p *ProgressAdapter) report(pair [2]int64) {
	if p.fn == nil {
		return
	}
	var snap timing.Metrics
	if p.info != nil {
		snap = p.info.Snapshot()
	}
	p.fn(pair[0], pair[1], snap)
}

// NewSink returns the notification sink updating info from transport events.
func NewSink(info *timing.Info, adapter *ProgressAdapter, captureChain bool) transport.Sink {
	return func(n transport.Notification) error {
		switch n.Kind {
		case transport.NotifyConnect:
			elapsed := info.Elapsed()
			info.Update(func(m *timing.Metrics) { m.ConnectTime = elapsed })
			info.Debugf("* Connected to %s", n.Addr)

		case transport.NotifyTLSHandshake:
			if n.TLS == nil {
				return nil
			}
			info.Debugf("* %s", tlsconfig.Describe(*n.TLS))
			if captureChain {
				chain := n.TLS.PeerCertificates
				info.Update(func(m *timing.Metrics) { m.PeerCertificateChain = chain })
			}

		case transport.NotifyPretransfer:
			elapsed := info.Elapsed()
			info.Update(func(m *timing.Metrics) { m.PretransferTime = elapsed })

		case transport.NotifyProgress:
			elapsed := info.Elapsed()
			info.Update(func(m *timing.Metrics) {
				if m.StartTransferTime == 0 {
					m.StartTransferTime = elapsed
				}
				if m.SizeUpload == 0 && n.Uploaded > 0 {
					m.SizeUpload = n.Uploaded
				}
				m.SizeDownload = n.Downloaded
				m.TotalTime = elapsed
			})
			if adapter != nil {
				return adapter.Progress(n.Downloaded, n.DownloadTotal)
			}
		}
		return nil
	}
}

// Package multiplexer drives prepared requests over raw connections. Each
// request runs on its own goroutine parked on the runtime netpoller;
// Stream fans their events back in to a single consumer.
package multiplexer

import (
	"bufio"
	"context"
	"io"
	"iter"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/WhileEndless/go-rawfetch/pkg/buffer"
	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/state"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// Decider chooses the next hop after each response head.
type Decider interface {
	Decide(ctx context.Context, location string) (*url.URL, error)
}

// Completer is told when the body was fully received.
type Completer interface {
	Complete()
}

// Request is a prepared request handed to Open.
type Request struct {
	ID       string
	Config   *transport.Config
	Info     *timing.Info
	Redirect Decider
	Progress Completer
	// BodyMemLimit is the in-memory size of the body before it spills to disk.
	BodyMemLimit int64
}

// Multiplexer runs requests for one client.
type Multiplexer struct {
	state  *state.ClientState
	dialer *transport.Dialer
	logger logrus.FieldLogger

	mu     sync.Mutex
	notify chan struct{}
}

// New returns a Multiplexer bound to the client's state.
func New(st *state.ClientState, dialer *transport.Dialer, logger logrus.FieldLogger) *Multiplexer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if dialer == nil {
		dialer = transport.NewDialer(logger)
	}
	return &Multiplexer{
		state:  st,
		dialer: dialer,
		logger: logger,
		notify: make(chan struct{}),
	}
}

// Open starts req and returns its handle immediately.
func (m *Multiplexer) Open(ctx context.Context, req Request) *Handle {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     req.ID,
		info:   req.Info,
		body:   buffer.New(req.BodyMemLimit),
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	m.state.Register(h.id, h)
	go m.run(ctx, h, req)
	return h
}

func (m *Multiplexer) run(ctx context.Context, h *Handle, req Request) {
	defer close(h.done)
	defer h.cancel()
	defer m.state.Unregister(h.id)

	log := m.logger.WithField("request_id", h.id)

	err := m.exchange(ctx, h, req, log)
	if err == nil {
		return
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.IsTimeoutError(err) {
		err = ctxErr
	}

	msg := err.Error()
	elapsed := req.Info.Elapsed()
	req.Info.Update(func(m *timing.Metrics) {
		m.Error = msg
		m.TotalTime = elapsed
	})
	h.setErr(err)
	h.append(Event{Kind: EventError, Err: err})
	m.publish()
	log.WithError(err).Debug("request failed")
}

// exchange performs hops until a response is not redirected.
func (m *Multiplexer) exchange(ctx context.Context, h *Handle, req Request, log logrus.FieldLogger) error {
	cfg := req.Config
	for {
		hostKey := cfg.Header.Get("Host")
		if hostKey == "" {
			hostKey = cfg.Target.Host
		}
		release, err := m.state.Acquire(ctx, hostKey)
		if err != nil {
			return err
		}

		conn, err := m.dialer.Dial(ctx, cfg)
		if err != nil {
			release()
			return err
		}
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		finish := func() {
			stop()
			conn.Close()
			release()
		}

		ic := &idleConn{Conn: conn, timeout: cfg.Timeout}
		if err := cfg.Emit(transport.Notification{Kind: transport.NotifyPretransfer}); err != nil {
			finish()
			return err
		}
		dumpRequest(req.Info, cfg)
		log.WithFields(logrus.Fields{"method": cfg.Method, "target": cfg.Target.String()}).Debug("sending request")
		if err := writeRequest(ic, cfg); err != nil {
			finish()
			return err
		}

		br := bufio.NewReaderSize(ic, constants.ChunkSize)
		hd, err := readHead(br)
		if err != nil {
			finish()
			return err
		}
		recordHead(req.Info, hd)

		var next *url.URL
		if req.Redirect != nil {
			next, err = req.Redirect.Decide(ctx, hd.header.Get("Location"))
			if err != nil {
				finish()
				return err
			}
		}
		if next != nil {
			finish()
			continue
		}

		err = m.readBody(h, req, br, hd)
		finish()
		return err
	}
}

func (m *Multiplexer) readBody(h *Handle, req Request, br *bufio.Reader, hd *head) error {
	cfg := req.Config
	h.setHead(hd.status, hd.header.Clone())
	h.append(Event{Kind: EventFirst})
	m.publish()

	framed, total, err := bodyReader(br, cfg.Method, hd)
	if err != nil {
		return err
	}
	counter := &countingReader{r: framed}
	decoded, err := decodeBody(counter, hd, cfg.DecodeGzip)
	if err != nil {
		return err
	}

	progress := transport.Notification{
		Kind:          transport.NotifyProgress,
		Uploaded:      int64(len(cfg.Body)),
		DownloadTotal: max(total, 0),
	}
	if err := cfg.Emit(progress); err != nil {
		return err
	}

	buf := make([]byte, constants.ChunkSize)
	for {
		n, rerr := decoded.Read(buf)
		if n > 0 {
			off := h.body.Size()
			if _, err := h.body.Write(buf[:n]); err != nil {
				return err
			}
			h.append(Event{Kind: EventData, off: off, n: n})
			m.publish()

			progress.Downloaded = counter.n
			if err := cfg.Emit(progress); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if _, ok := rerr.(*errors.Error); ok {
				return rerr
			}
			return errors.NewIOError("reading response body", rerr)
		}
	}

	progress.Downloaded = counter.n
	if err := cfg.Emit(progress); err != nil {
		return err
	}

	size := h.body.Size()
	elapsed := req.Info.Elapsed()
	req.Info.Update(func(m *timing.Metrics) {
		m.SizeBody = size
		m.TotalTime = elapsed
	})
	if req.Progress != nil {
		req.Progress.Complete()
	}
	h.append(Event{Kind: EventLast})
	m.publish()
	return nil
}

func recordHead(info *timing.Info, hd *head) {
	lines := append([]string(nil), hd.lines...)
	info.Update(func(m *timing.Metrics) {
		m.StatusCode = hd.status
		m.ResponseHeaders = lines
	})
	for _, l := range lines {
		info.Debugf("< %s", l)
	}
}

func dumpRequest(info *timing.Info, cfg *transport.Config) {
	info.Debugf("> %s %s HTTP/%s", cfg.Method, requestTarget(cfg), cfg.HTTPVersion)
	keys := make([]string, 0, len(cfg.Header))
	for k := range cfg.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range cfg.Header[k] {
			info.Debugf("> %s: %s", k, v)
		}
	}
}

func (m *Multiplexer) publish() {
	m.mu.Lock()
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

func (m *Multiplexer) wait() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notify
}

// Stream yields the events of handles as they happen, in per-handle order.
// When timeout is positive and no handle made progress for that long, an
// EventTimeout is yielded for every unfinished handle. The sequence ends
// once every handle reached a terminal event.
func (m *Multiplexer) Stream(handles []*Handle, timeout time.Duration) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		cursors := make(map[*Handle]int, len(handles))
		active := make(map[*Handle]bool, len(handles))
		for _, h := range handles {
			if h != nil {
				active[h] = true
			}
		}

		for len(active) > 0 {
			wait := m.wait()
			progressed := false
			for _, h := range handles {
				if !active[h] {
					continue
				}
				evs := h.since(cursors[h])
				cursors[h] += len(evs)
				for _, ev := range evs {
					progressed = true
					ev = h.load(ev)
					if ev.Kind.Terminal() {
						delete(active, h)
					}
					if !yield(ev) {
						return
					}
				}
			}
			if progressed || len(active) == 0 {
				continue
			}

			if timeout <= 0 {
				<-wait
				continue
			}
			timer := time.NewTimer(timeout)
			select {
			case <-wait:
				timer.Stop()
			case <-timer.C:
				for _, h := range handles {
					if !active[h] {
						continue
					}
					if !yield(Event{Handle: h, Kind: EventTimeout}) {
						return
					}
				}
			}
		}
	}
}

package multiplexer

import (
	"context"
	"net/http"
	"sync"

	"github.com/WhileEndless/go-rawfetch/pkg/buffer"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
)

// EventKind classifies stream events.
type EventKind int

const (
	// EventFirst marks the arrival of the final response head.
	EventFirst EventKind = iota + 1
	// EventData carries a piece of the decoded body.
	EventData
	// EventLast marks the end of the body.
	EventLast
	// EventTimeout reports that the stream saw no activity for its timeout.
	EventTimeout
	// EventError ends the handle with an error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFirst:
		return "first"
	case EventData:
		return "data"
	case EventLast:
		return "last"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow for the handle.
func (k EventKind) Terminal() bool {
	return k == EventLast || k == EventError
}

// Event is one item of a stream.
type Event struct {
	Handle *Handle
	Kind   EventKind
	Data   []byte
	Err    error

	// off and n locate a data event's bytes in the handle's body buffer.
	// The log keeps only these; Data is filled in when the event is yielded.
	off int64
	n   int
}

// Handle tracks one in-flight request.
type Handle struct {
	id     string
	info   *timing.Info
	body   *buffer.Buffer
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}

	mu     sync.Mutex
	events []Event
	status int
	header http.Header
	err    error
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// Info returns the request telemetry.
func (h *Handle) Info() *timing.Info { return h.info }

// Body returns the buffer receiving the decoded body.
func (h *Handle) Body() *buffer.Buffer { return h.body }

// Done is closed when the request finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel aborts the request.
func (h *Handle) Cancel() { h.cancel() }

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// WaitHeaders blocks until the final response head arrived or the request
// failed.
func (h *Handle) WaitHeaders(ctx context.Context) (int, http.Header, error) {
	select {
	case <-h.ready:
	case <-h.done:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.header == nil {
		return 0, nil, h.err
	}
	return h.status, h.header.Clone(), nil
}

// Wait blocks until the request finished and returns its error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) since(cursor int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cursor >= len(h.events) {
		return nil
	}
	return append([]Event(nil), h.events[cursor:]...)
}

// load fills in the payload of a data event from the body buffer.
func (h *Handle) load(ev Event) Event {
	if ev.Kind != EventData || ev.n == 0 {
		return ev
	}
	data := make([]byte, ev.n)
	if _, err := h.body.ReadAt(data, ev.off); err != nil {
		return Event{Handle: h, Kind: EventError, Err: err}
	}
	ev.Data = data
	return ev
}

func (h *Handle) append(ev Event) {
	ev.Handle = h
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *Handle) setHead(status int, header http.Header) {
	h.mu.Lock()
	h.status = status
	h.header = header
	h.mu.Unlock()
	close(h.ready)
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Package state holds the coordination state one client shares with every
// request it issues: the DNS cache, per-host connection slots and the
// registry of in-flight requests.
package state

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/WhileEndless/go-rawfetch/pkg/dns"
)

// hostSlot caps concurrent connections to one host. tickets is nil when
// the client is unbounded.
type hostSlot struct {
	tickets chan struct{}
	open    int
}

// ClientState is owned by exactly one client and shared by pointer with
// its requests.
type ClientState struct {
	ID string
	// MaxHostConnections caps open connections per host; <= 0 is unbounded.
	MaxHostConnections int
	DNS                *dns.Cache

	mu      sync.Mutex
	hosts   map[string]*hostSlot
	pending map[string]interface{}
}

// New returns an empty state.
func New(maxHostConnections int) *ClientState {
	return &ClientState{
		ID:                 uuid.NewString(),
		MaxHostConnections: maxHostConnections,
		DNS:                dns.NewCache(),
		hosts:              make(map[string]*hostSlot),
		pending:            make(map[string]interface{}),
	}
}

func (s *ClientState) slot(host string) *hostSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.hosts[host]
	if !ok {
		hs = &hostSlot{}
		if s.MaxHostConnections > 0 {
			hs.tickets = make(chan struct{}, s.MaxHostConnections)
		}
		s.hosts[host] = hs
	}
	return hs
}

// Acquire waits for a connection slot to host. The returned release must
// be called exactly once when the connection closes.
func (s *ClientState) Acquire(ctx context.Context, host string) (func(), error) {
	hs := s.slot(host)
	if hs.tickets != nil {
		select {
		case hs.tickets <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	hs.open++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			hs.open--
			s.mu.Unlock()
			if hs.tickets != nil {
				<-hs.tickets
			}
		})
	}, nil
}

// OpenConnections returns the number of open connections to host.
func (s *ClientState) OpenConnections(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hs, ok := s.hosts[host]; ok {
		return hs.open
	}
	return 0
}

// Register records an in-flight request under id.
func (s *ClientState) Register(id string, v interface{}) {
	s.mu.Lock()
	s.pending[id] = v
	s.mu.Unlock()
}

// Unregister removes a finished request.
func (s *ClientState) Unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Pending returns the number of in-flight requests.
func (s *ClientState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset clears the DNS cache and all bookkeeping. Connections still open
// release the slots they hold, which are no longer reachable.
func (s *ClientState) Reset() {
	s.DNS.Clear()
	s.mu.Lock()
	s.hosts = make(map[string]*hostSlot)
	s.pending = make(map[string]interface{})
	s.mu.Unlock()
}

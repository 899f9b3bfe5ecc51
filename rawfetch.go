// Package rawfetch provides an HTTP/1.x client over raw sockets that owns
// the semantics a socket layer does not: DNS caching, proxy selection with
// no_proxy bypass, TLS parameters and secure manual redirect following
// with per-request telemetry across hops.
package rawfetch

import (
	"context"
	"sync"

	"github.com/WhileEndless/go-rawfetch/pkg/buffer"
	"github.com/WhileEndless/go-rawfetch/pkg/client"
	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/multiplexer"
	"github.com/WhileEndless/go-rawfetch/pkg/request"
	"github.com/WhileEndless/go-rawfetch/pkg/timing"
)

// Version is the current version of the rawfetch library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Client issues requests sharing one DNS cache and connection limits.
	Client = client.Client

	// ClientOption customizes a Client at construction.
	ClientOption = client.Option

	// Options controls a request; zero fields fall back to client defaults.
	Options = request.Options

	// Response is a request in flight or completed.
	Response = client.Response

	// Chunk is one streamed event of a response.
	Chunk = client.Chunk

	// ChunkSource produces a request body piece by piece.
	ChunkSource = request.ChunkSource

	// ProgressFunc receives download progress.
	ProgressFunc = request.ProgressFunc

	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Metrics is the telemetry of a request.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export chunk kinds
const (
	ChunkFirst   = multiplexer.EventFirst
	ChunkData    = multiplexer.EventData
	ChunkLast    = multiplexer.EventLast
	ChunkTimeout = multiplexer.EventTimeout
	ChunkError   = multiplexer.EventError
)

// Re-export error types for convenience
const (
	ErrorTypeResolution    = errors.ErrorTypeResolution
	ErrorTypeConfiguration = errors.ErrorTypeConfiguration
	ErrorTypeUnsupported   = errors.ErrorTypeUnsupported
	ErrorTypeProtocol      = errors.ErrorTypeProtocol
	ErrorTypeTypeMismatch  = errors.ErrorTypeTypeMismatch
	ErrorTypeConnection    = errors.ErrorTypeConnection
	ErrorTypeTLS           = errors.ErrorTypeTLS
	ErrorTypeTimeout       = errors.ErrorTypeTimeout
	ErrorTypeIO            = errors.ErrorTypeIO
)

// Client options
var (
	WithLogger = client.WithLogger
	WithLookup = client.WithLookup
	WithGetenv = client.WithGetenv
)

// NewClient returns a client with defaults applied to every request and
// at most maxHostConnections concurrent connections per host.
func NewClient(defaults Options, maxHostConnections int, opts ...ClientOption) *Client {
	return client.New(defaults, maxHostConnections, opts...)
}

// DefaultOptions returns the stock request defaults.
func DefaultOptions() Options {
	return request.DefaultOptions()
}

// defaultClient is the one shared convenience client behind Fetch. It is
// built on first use; its DNS cache lives for the rest of the process.
// Callers that need isolated state use NewClient.
var defaultClient = sync.OnceValue(func() *client.Client {
	return client.New(request.DefaultOptions(), constants.DefaultMaxHostConnections)
})

// Fetch starts a request on the shared client.
func Fetch(ctx context.Context, method, url string, opts Options) (*Response, error) {
	return defaultClient().Request(ctx, method, url, opts)
}

// NewBuffer creates a new buffer with the specified memory limit.
func NewBuffer(limit int64) *Buffer {
	return buffer.New(limit)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// GetErrorType returns the error type of structured errors.
func GetErrorType(err error) errors.ErrorType {
	return errors.GetErrorType(err)
}

// Package constants defines magic numbers and default values used throughout go-rawfetch
package constants

import "time"

// Request defaults
const (
	DefaultMaxRedirects = 20
	DefaultTimeout      = 60 * time.Second
	DefaultDNSTimeout   = 5 * time.Second
	DefaultConnTimeout  = 10 * time.Second
	DefaultUserAgent    = "go-rawfetch (native)"
	DefaultHTTPVersion  = "1.1"
)

// Client defaults
const (
	// DefaultMaxHostConnections caps concurrent connections per host
	DefaultMaxHostConnections = 6
)

// Body handling
const (
	// ChunkSize is the size requested from streamed request bodies and
	// read from response bodies per progress step
	ChunkSize = 16 * 1024

	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxContentLength    = 1024 * 1024 * 1024 * 1024 // 1TB
	MaxHeaderBytes      = 64 * 1024
)

// Default ports per scheme
const (
	HTTPPort  = 80
	HTTPSPort = 443
)

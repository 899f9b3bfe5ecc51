//go:build !unix

package transport

import "syscall"

// setLowLatency relies on the runtime, which enables TCP_NODELAY on new
// TCP connections.
func setLowLatency(string, string, syscall.RawConn) error {
	return nil
}

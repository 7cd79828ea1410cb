//go:build !linux

package transport

import "io"

// PeekAvailable is a no-op on non-Linux platforms: the FIONREAD ioctl this
// backs is Linux-specific, and readChunkSize falls back to its minimum
// chunk size when ok is false.
func PeekAvailable(conn io.ReadWriteCloser) (n int, ok bool) {
	return 0, false
}

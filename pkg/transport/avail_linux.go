//go:build linux

package transport

import (
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// PeekAvailable reports how many bytes the kernel currently has buffered for
// conn, via FIONREAD, without consuming them. It returns ok=false for
// connections that don't expose a raw file descriptor (e.g. the serial
// transport, whose underlying os.File is read through the stream's own
// polling loop instead).
func PeekAvailable(conn io.ReadWriteCloser) (n int, ok bool) {
	sc, isSyscallConn := conn.(syscall.Conn)
	if !isSyscallConn {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var avail int
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		avail, ctrlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if err != nil || ctrlErr != nil {
		return 0, false
	}
	return avail, true
}

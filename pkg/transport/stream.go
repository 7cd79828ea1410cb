package transport

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// stream multiplexes a newline-delimited line reader and a raw byte reader
// over one underlying io.ReadWriteCloser, carrying leftover bytes between
// the two reading modes. Both the serial and network Transport variants
// embed this to share the reassembly logic.
type stream struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	buf  []byte
}

func (s *stream) setConn(conn io.ReadWriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.buf = nil
}

func (s *stream) write(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	_, err := conn.Write(data)
	return err
}

func (s *stream) close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.buf = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLine returns the next newline-delimited line, trimming a trailing \r.
func (s *stream) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if idx := bytes.IndexByte(s.buf, '\n'); idx >= 0 {
			line := strings.TrimRight(string(s.buf[:idx]), "\r")
			s.buf = s.buf[idx+1:]
			return line, nil
		}
		if err := s.readMoreLocked(deadline); err != nil {
			return "", err
		}
	}
}

// readBytes copies exactly len(into) bytes, draining any leftover buffer first.
func (s *stream) readBytes(into []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	need := len(into)
	got := 0
	for got < need {
		if len(s.buf) > 0 {
			n := copy(into[got:], s.buf)
			s.buf = s.buf[n:]
			got += n
			continue
		}
		if err := s.readMoreLocked(deadline); err != nil {
			return got, err
		}
	}
	return got, nil
}

// readMoreLocked performs one underlying Read, appending to s.buf. Caller
// must hold s.mu. It honors deadline both for transports that support
// SetReadDeadline (net.Conn) and ones that don't (serial, which is
// configured with its own short internal read timeout and returns (0, nil)
// on each tick so this loop can re-check the overall deadline).
func (s *stream) readMoreLocked(deadline time.Time) error {
	if s.conn == nil {
		return io.ErrClosedPipe
	}
	if time.Now().After(deadline) {
		return ErrTimeout
	}
	if dl, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		dl.SetReadDeadline(deadline)
	}
	chunk := make([]byte, readChunkSize(s.conn))
	n, err := s.conn.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err != nil {
		if isTimeoutErr(err) {
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			return nil
		}
		return err
	}
	if n == 0 && time.Now().After(deadline) {
		return ErrTimeout
	}
	return nil
}

// minChunk/maxChunk bound the read buffer readMoreLocked sizes per call.
// PeekAvailable reports how much the kernel already has buffered (FIONREAD
// on Linux, a no-op elsewhere); sizing the read to that hint instead of a
// fixed small buffer cuts the number of syscalls needed to drain a large
// capture payload.
const (
	minChunk = 4096
	maxChunk = 256 * 1024
)

func readChunkSize(conn io.ReadWriteCloser) int {
	avail, ok := PeekAvailable(conn)
	if !ok || avail < minChunk {
		return minChunk
	}
	if avail > maxChunk {
		return maxChunk
	}
	return avail
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	if e, ok := err.(net.Error); ok {
		ne = e
		return ne.Timeout()
	}
	return false
}

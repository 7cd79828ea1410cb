// Package transport frames bytes over serial or TCP connections to a
// capture device. Both variants share one contract: a line reader for the
// ASCII handshake/status protocol and a raw byte reader for the binary
// capture payload, multiplexed on the same underlying stream.
package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/picola-go/pla/pkg/laerr"
)

// ErrTimeout is returned by ReadLine/ReadBytes when the deadline elapses
// before the requested data arrived.
var ErrTimeout = errors.New("transport: read timeout")

// Kind identifies which physical layer a Transport rides on.
type Kind int

const (
	KindSerial Kind = iota
	KindNetwork
)

// Transport is the contract implemented by the serial and network variants.
type Transport interface {
	// Open establishes the underlying connection.
	Open() error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// Write sends bytes to the device.
	Write(data []byte) error
	// ReadLine reads one newline-delimited ASCII line, not including the
	// newline, blocking at most timeout.
	ReadLine(timeout time.Duration) (string, error)
	// ReadBytes reads exactly len(into) bytes, blocking at most timeout
	// for the whole call, and returns the number of bytes copied into into.
	ReadBytes(into []byte, timeout time.Duration) (int, error)
	// Kind reports which physical layer this transport rides on.
	Kind() Kind
	// Identity returns the path or host:port used to (re)open this transport.
	Identity() string
}

// New builds a Transport from a single connection string. A string
// containing a colon is treated as an IPv4 "A.B.C.D:port" network address;
// otherwise it is treated as a serial device path. An empty string is a
// ConfigError.
func New(connString string) (Transport, error) {
	const op = "transport.New"
	if connString == "" {
		return nil, laerr.New(op, laerr.KindConfig, errors.New("empty connection string"))
	}
	if idx := strings.LastIndex(connString, ":"); idx > 0 {
		host := connString[:idx]
		portStr := connString[idx+1:]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, laerr.New(op, laerr.KindConfig, fmt.Errorf("bad port %q: %w", portStr, err))
		}
		if port < 1 || port > 65535 {
			return nil, laerr.New(op, laerr.KindConfig, fmt.Errorf("port %d out of range", port))
		}
		return newNetworkTransport(host, port), nil
	}
	return newSerialTransport(connString), nil
}

package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/picola-go/pla/pkg/laerr"
)

const dialTimeout = 5 * time.Second

type networkTransport struct {
	stream
	host string
	port int
}

func newNetworkTransport(host string, port int) *networkTransport {
	return &networkTransport{host: host, port: port}
}

func (t *networkTransport) addr() string {
	return fmt.Sprintf("%s:%d", t.host, t.port)
}

func (t *networkTransport) Open() error {
	const op = "transport.network.Open"
	conn, err := net.DialTimeout("tcp", t.addr(), dialTimeout)
	if err != nil {
		return laerr.New(op, laerr.KindTransport, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	t.setConn(conn)
	return nil
}

func (t *networkTransport) Close() error { return t.close() }

func (t *networkTransport) Write(data []byte) error {
	if err := t.write(data); err != nil {
		return laerr.New("transport.network.Write", laerr.KindTransport, err)
	}
	return nil
}

func (t *networkTransport) ReadLine(timeout time.Duration) (string, error) {
	line, err := t.readLine(timeout)
	if err != nil {
		return "", wrapReadErr("transport.network.ReadLine", err)
	}
	return line, nil
}

func (t *networkTransport) ReadBytes(into []byte, timeout time.Duration) (int, error) {
	n, err := t.readBytes(into, timeout)
	if err != nil {
		return n, wrapReadErr("transport.network.ReadBytes", err)
	}
	return n, nil
}

func (t *networkTransport) Kind() Kind       { return KindNetwork }
func (t *networkTransport) Identity() string { return t.addr() }

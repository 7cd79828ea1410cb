package transport

import (
	"time"

	"github.com/tarm/serial"

	"github.com/picola-go/pla/pkg/laerr"
)

// Fixed line parameters required by the device firmware: 115200 baud, 8-N-1,
// no flow control. serialReadTick is the internal per-read timeout that lets
// the shared stream reader re-check its overall deadline; it is not the
// caller-visible timeout.
const (
	serialBaud     = 115200
	serialReadTick = 50 * time.Millisecond
)

type serialTransport struct {
	stream
	devicePath string
}

func newSerialTransport(devicePath string) *serialTransport {
	return &serialTransport{devicePath: devicePath}
}

func (t *serialTransport) Open() error {
	const op = "transport.serial.Open"
	cfg := &serial.Config{
		Name:        t.devicePath,
		Baud:        serialBaud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: serialReadTick,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return laerr.New(op, laerr.KindTransport, err)
	}
	t.setConn(port)
	return nil
}

func (t *serialTransport) Close() error { return t.close() }

func (t *serialTransport) Write(data []byte) error {
	if err := t.write(data); err != nil {
		return laerr.New("transport.serial.Write", laerr.KindTransport, err)
	}
	return nil
}

func (t *serialTransport) ReadLine(timeout time.Duration) (string, error) {
	line, err := t.readLine(timeout)
	if err != nil {
		return "", wrapReadErr("transport.serial.ReadLine", err)
	}
	return line, nil
}

func (t *serialTransport) ReadBytes(into []byte, timeout time.Duration) (int, error) {
	n, err := t.readBytes(into, timeout)
	if err != nil {
		return n, wrapReadErr("transport.serial.ReadBytes", err)
	}
	return n, nil
}

func (t *serialTransport) Kind() Kind        { return KindSerial }
func (t *serialTransport) Identity() string  { return t.devicePath }

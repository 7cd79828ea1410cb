package engine

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/handshake"
	"github.com/picola-go/pla/pkg/laerr"
	"github.com/picola-go/pla/pkg/protocol"
	"github.com/picola-go/pla/pkg/transport"
)

// fakeTransport implements transport.Transport over one end of a net.Pipe,
// letting a test goroutine play the role of the device firmware on the
// other end.
type fakeTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFakeTransportPair() (*fakeTransport, net.Conn) {
	client, server := net.Pipe()
	return &fakeTransport{conn: client, r: bufio.NewReader(client)}, server
}

func (f *fakeTransport) Open() error  { return nil }
func (f *fakeTransport) Close() error { return f.conn.Close() }
func (f *fakeTransport) Write(data []byte) error {
	_, err := f.conn.Write(data)
	return err
}
func (f *fakeTransport) ReadLine(timeout time.Duration) (string, error) {
	f.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := f.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.TrimRight(line, "\n"), "\r"), nil
}
func (f *fakeTransport) ReadBytes(into []byte, timeout time.Duration) (int, error) {
	f.conn.SetReadDeadline(time.Now().Add(timeout))
	return io.ReadFull(f.r, into)
}
func (f *fakeTransport) Kind() transport.Kind { return transport.KindNetwork }
func (f *fakeTransport) Identity() string     { return "fake:0" }

var _ transport.Transport = (*fakeTransport)(nil)

func testConfig() Config {
	return Config{ReconnectAttempts: 1, ReconnectInterval: time.Millisecond}
}

func TestStartRejectsBusy(t *testing.T) {
	ft, server := newFakeTransportPair()
	defer server.Close()
	e := &Engine{connString: "bogus", cfg: testConfig(), transport: ft, info: handshake.DeviceInfo{ChannelCount: 8, MaxFrequency: 100_000_000, BufferSize: 1_000_000}}
	e.state.Store(int32(StateArming))

	err := e.Start(&capture.Session{}, nil)
	if laerr.KindOf(err) != laerr.KindBusy {
		t.Fatalf("Start while Arming: kind = %v, want Busy", laerr.KindOf(err))
	}
}

// S1 — 8-channel Edge capture, no bursts (spec §8 S1), run end to end
// against a simulated device on the other side of a net.Pipe.
func TestEngineCaptureS1(t *testing.T) {
	ft, server := newFakeTransportPair()
	e := &Engine{
		connString: "bogus",
		cfg:        testConfig(),
		transport:  ft,
		info:       handshake.DeviceInfo{ChannelCount: 8, MaxFrequency: 100_000_000, BufferSize: 1_000_000},
	}
	e.state.Store(int32(StateIdle))

	go simulateS1Device(t, server)

	session := &capture.Session{
		Frequency:          1_000_000,
		PreTriggerSamples:  100,
		PostTriggerSamples: 900,
		TriggerType:        capture.TriggerEdge,
		TriggerChannel:     0,
		CaptureChannels:    []int{0, 1, 2},
	}

	done := make(chan CompletionEvent, 1)
	if err := e.Start(session, func(ev CompletionEvent) { done <- ev }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-done:
		if !ev.Success {
			t.Fatalf("capture failed: %v", ev.Err)
		}
		if len(ev.Result.Samples[0]) != 1000 {
			t.Errorf("channel 0 length = %d, want 1000", len(ev.Result.Samples[0]))
		}
		if ev.Result.Bursts != nil {
			t.Errorf("S1 has no measured bursts, got %v", ev.Result.Bursts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for capture completion")
	}
}

// simulateS1Device plays the firmware side of the S1 scenario: it reads
// the 46-byte capture request, replies CAPTURE_STARTED, then streams a
// 1000-sample, single-byte-per-sample payload with no burst timestamps.
func simulateS1Device(t *testing.T, conn net.Conn) {
	defer conn.Close()

	reqBuf := make([]byte, 1+45)
	if _, err := io.ReadFull(conn, reqBuf); err != nil {
		t.Errorf("simulated device: reading capture request: %v", err)
		return
	}
	if protocol.Command(reqBuf[0]) != protocol.CmdStartCapture {
		t.Errorf("simulated device: command = %d, want CmdStartCapture", reqBuf[0])
	}

	if _, err := conn.Write([]byte("CAPTURE_STARTED\n")); err != nil {
		t.Errorf("simulated device: writing CAPTURE_STARTED: %v", err)
		return
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, 1000)
	if _, err := conn.Write(lenBuf); err != nil {
		t.Errorf("simulated device: writing length prefix: %v", err)
		return
	}

	samples := make([]byte, 1000)
	for i := range samples {
		samples[i] = byte(i % 8)
	}
	if _, err := conn.Write(samples); err != nil {
		t.Errorf("simulated device: writing samples: %v", err)
		return
	}

	if _, err := conn.Write([]byte{0}); err != nil {
		t.Errorf("simulated device: writing timestampBytes=0: %v", err)
	}
}

func TestStopSetsCancelFlag(t *testing.T) {
	ft, server := newFakeTransportPair()
	defer server.Close()
	go io.Copy(io.Discard, server)

	e := &Engine{connString: "bogus", cfg: testConfig(), transport: ft, info: handshake.DeviceInfo{ChannelCount: 8}}
	e.state.Store(int32(StateRunning))

	if !e.Stop() {
		t.Fatal("Stop() = false, want true")
	}
	if !e.cancel.Load() {
		t.Fatal("Stop did not set the cancellation flag")
	}
}

// Package engine drives one capture device end to end: it owns the
// device's Transport exclusively, runs the Idle->Arming->Running->
// Draining->Done|Failed state machine of one capture, and exposes the
// control operations (stop, bootloader jump, voltage query, WiFi config
// push) defined in spec §4.9.
package engine

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/picola-go/pla/pkg/burst"
	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/demux"
	"github.com/picola-go/pla/pkg/handshake"
	"github.com/picola-go/pla/pkg/laerr"
	"github.com/picola-go/pla/pkg/protocol"
	"github.com/picola-go/pla/pkg/transport"
)

// State is the capture engine's lifecycle state (spec §4.5).
type State int32

const (
	StateIdle State = iota
	StateArming
	StateRunning
	StateDraining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateArming:
		return "Arming"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Timeouts used throughout the state machine (spec §4.3/§4.5/§4.9).
const (
	captureStartTimeout = 10 * time.Second
	payloadTimeout      = 60 * time.Second
	voltageTimeout      = 5 * time.Second
	wifiAckTimeout      = 5 * time.Second
	readChunkTimeout    = 500 * time.Millisecond
)

// Config tunes the post-capture reconnect behavior. The device firmware
// leaves the stream in an unknown state after every run (spec §4.5), so the
// engine retries opening it the same way the teacher's PSU controller
// retries a dropped SCPI connection on a fixed interval rather than giving
// up after one attempt.
type Config struct {
	ReconnectAttempts int
	ReconnectInterval time.Duration
}

// DefaultConfig mirrors the teacher's psuPollInterval cadence, scaled down
// for a reconnect rather than a poll.
var DefaultConfig = Config{ReconnectAttempts: 3, ReconnectInterval: 500 * time.Millisecond}

// CompletionEvent is delivered exactly once per Start, from the engine's
// capture goroutine, after the state has settled at Done or Failed.
type CompletionEvent struct {
	Success bool
	Result  *capture.Result
	Err     error
}

// Engine owns one device's Transport and runs at most one capture at a time.
type Engine struct {
	connString string
	cfg        Config

	mu        sync.Mutex
	transport transport.Transport
	info      handshake.DeviceInfo

	state  atomic.Int32
	cancel atomic.Bool
}

// Open dials connString, performs the handshake, and returns a ready
// Engine. On any failure the partially-opened transport is closed.
func Open(connString string, cfg Config) (*Engine, error) {
	const op = "engine.Open"
	t, err := transport.New(connString)
	if err != nil {
		return nil, err
	}
	if err := t.Open(); err != nil {
		return nil, err
	}
	info, err := handshake.Do(t)
	if err != nil {
		t.Close()
		return nil, err
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultConfig.ReconnectAttempts
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultConfig.ReconnectInterval
	}
	e := &Engine{connString: connString, cfg: cfg, transport: t, info: *info}
	e.state.Store(int32(StateIdle))
	log.Printf("%s: opened %s", op, t.Identity())
	return e, nil
}

// Info returns the handshake-derived device descriptor.
func (e *Engine) Info() handshake.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Identity returns the underlying transport's connection identity.
func (e *Engine) Identity() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport.Identity()
}

// Close tears down the underlying transport. It does not attempt a
// reconnect; the Engine is unusable afterward.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport.Close()
}

func (e *Engine) currentTransport() transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

func (e *Engine) deviceCaps() capture.DeviceCaps {
	e.mu.Lock()
	defer e.mu.Unlock()
	return capture.DeviceCaps{
		MaxFrequency:   e.info.MaxFrequency,
		BurstFrequency: e.info.BurstFrequency,
		BufferSize:     e.info.BufferSize,
		ChannelCount:   e.info.ChannelCount,
	}
}

// Start plans and arms session, then runs the capture asynchronously. It
// rejects a concurrent start with laerr.KindBusy and returns a validation
// error synchronously, before anything is written. onComplete, if non-nil,
// fires exactly once from the capture goroutine.
func (e *Engine) Start(session *capture.Session, onComplete func(CompletionEvent)) error {
	const op = "engine.Start"
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateArming)) {
		return laerr.New(op, laerr.KindBusy, fmt.Errorf("engine is %s, not Idle", e.State()))
	}
	if _, err := capture.Plan(session, e.deviceCaps()); err != nil {
		e.state.Store(int32(StateIdle))
		return err
	}
	e.cancel.Store(false)
	go e.run(session, onComplete)
	return nil
}

func (e *Engine) run(session *capture.Session, onComplete func(CompletionEvent)) {
	result, err := e.runCapture(session)
	success := err == nil
	if success {
		e.state.Store(int32(StateDone))
	} else {
		e.state.Store(int32(StateFailed))
		log.Printf("engine: capture on %s failed: %v", e.Identity(), err)
	}
	if onComplete != nil {
		onComplete(CompletionEvent{Success: success, Result: result, Err: err})
	}
	if rerr := e.reconnect(); rerr != nil {
		log.Printf("engine: post-capture reconnect to %s failed: %v", e.connString, rerr)
	}
}

// runCapture implements the Arming->Running->Draining steps of spec §4.5.
// Start has already validated the session; runCapture plans it again via
// capture.Plan to build the wire request, so nothing is written for a
// session that fails validation.
func (e *Engine) runCapture(session *capture.Session) (*capture.Result, error) {
	const op = "engine.runCapture"
	t := e.currentTransport()

	req, err := capture.Plan(session, e.deviceCaps())
	if err != nil {
		return nil, err
	}

	if err := t.Write(protocol.BuildPacket(protocol.CmdStartCapture, req.Encode())); err != nil {
		return nil, laerr.New(op, laerr.KindTransport, err)
	}

	line, err := t.ReadLine(captureStartTimeout)
	if err != nil {
		// Spec §4.5 calls out this specific timeout as Failed(HardwareError),
		// distinct from the generic Timeout kind used elsewhere.
		return nil, laerr.New(op, laerr.KindHardware, fmt.Errorf("waiting for CAPTURE_STARTED: %w", err))
	}
	if line != "CAPTURE_STARTED" {
		return nil, laerr.New(op, laerr.KindHardware, fmt.Errorf("expected CAPTURE_STARTED, got %q", line))
	}
	e.state.Store(int32(StateRunning))
	log.Printf("engine: %s capture started", t.Identity())

	e.state.Store(int32(StateDraining))
	result, err := e.drain(t, session, req)
	if err != nil {
		return nil, err
	}
	log.Printf("engine: %s capture drained, %d channels", t.Identity(), len(result.Samples))
	return result, nil
}

// drain reads the length-prefixed binary payload and decodes it. The
// receive sequence is strictly ordered per spec §5: length prefix, then
// sample bytes, then the timestamp-length byte, then timestamp bytes.
func (e *Engine) drain(t transport.Transport, session *capture.Session, req *protocol.CaptureRequest) (*capture.Result, error) {
	const op = "engine.drain"
	deadline := time.Now().Add(payloadTimeout)

	lenBuf, err := e.readFull(t, 4, deadline)
	if err != nil {
		return nil, err
	}
	reportedSamples := binary.LittleEndian.Uint32(lenBuf)
	expectedSamples := uint64(req.PreSamples) + uint64(req.PostSamples)*uint64(uint32(req.LoopCount)+1)
	totalSamples := uint64(reportedSamples)
	if totalSamples != expectedSamples {
		log.Printf("engine: %s reported %d samples, planner expected %d; trusting device", t.Identity(), reportedSamples, expectedSamples)
	}

	bps := capture.BytesPerSample(req.CaptureMode)
	sampleBytes, err := e.readFull(t, int(totalSamples)*bps, deadline)
	if err != nil {
		return nil, err
	}

	tsLenBuf, err := e.readFull(t, 1, deadline)
	if err != nil {
		return nil, err
	}
	timestampBytes := int(tsLenBuf[0])

	var ticks []uint32
	if timestampBytes > 0 {
		tsBuf, err := e.readFull(t, timestampBytes, deadline)
		if err != nil {
			return nil, err
		}
		if session.MeasureBursts && req.LoopCount > 0 {
			count := int(req.LoopCount) + 2
			if count*4 > len(tsBuf) {
				return nil, laerr.New(op, laerr.KindHardware, fmt.Errorf(
					"timestamp block %d bytes too short for %d ticks", len(tsBuf), count))
			}
			ticks = make([]uint32, count)
			for i := range ticks {
				ticks[i] = binary.LittleEndian.Uint32(tsBuf[i*4:])
			}
		}
	}

	channels, err := demux.Unpack(sampleBytes, req.CaptureMode, session.CaptureChannels)
	if err != nil {
		return nil, err
	}

	result := &capture.Result{ID: uuid.New(), Samples: channels}
	if len(ticks) > 0 {
		result.Bursts = burst.Reconstruct(ticks, session.Frequency, session.PreTriggerSamples, session.PostTriggerSamples)
	}
	return result, nil
}

// readFull accumulates exactly n bytes from t, honoring deadline and the
// cancellation flag set by Stop. Per the Open Question decision in
// SPEC_FULL.md, stop does not interrupt an in-flight read synchronously:
// it is observed between chunk reads, and any bytes already received are
// discarded once the forced reconnect runs.
func (e *Engine) readFull(t transport.Transport, n int, deadline time.Time) ([]byte, error) {
	const op = "engine.readFull"
	buf := make([]byte, n)
	got := 0
	for got < n {
		if e.cancel.Load() {
			return nil, laerr.New(op, laerr.KindCancelled, fmt.Errorf("stop requested mid-payload"))
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, laerr.New(op, laerr.KindTimeout, fmt.Errorf("payload not received within deadline"))
		}
		chunkTimeout := remaining
		if chunkTimeout > readChunkTimeout {
			chunkTimeout = readChunkTimeout
		}
		end := got + 4096
		if end > n {
			end = n
		}
		read, err := t.ReadBytes(buf[got:end], chunkTimeout)
		got += read
		if err != nil && laerr.KindOf(err) != laerr.KindTimeout {
			return nil, err
		}
	}
	return buf, nil
}

// Stop requests cancellation of an in-flight capture and sends the stop
// command. It is idempotent and always reports true, per spec §4.9: "true
// if not currently capturing or the stop succeeded."
func (e *Engine) Stop() bool {
	e.cancel.Store(true)
	t := e.currentTransport()
	if err := t.Write(protocol.BuildPacket(protocol.CmdStop, nil)); err != nil {
		log.Printf("engine: stop command to %s failed: %v", t.Identity(), err)
	}
	return true
}

// reconnect closes and reopens the transport, re-running the handshake,
// retrying up to cfg.ReconnectAttempts times. On success the engine
// returns to Idle; on exhaustion it is left in Failed and the next
// operation must call Reconnect explicitly.
func (e *Engine) reconnect() error {
	const op = "engine.reconnect"
	e.mu.Lock()
	old := e.transport
	e.mu.Unlock()
	old.Close()

	var lastErr error
	for attempt := 0; attempt < e.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.ReconnectInterval)
		}
		t, err := transport.New(e.connString)
		if err != nil {
			lastErr = err
			continue
		}
		if err := t.Open(); err != nil {
			lastErr = err
			continue
		}
		info, err := handshake.Do(t)
		if err != nil {
			t.Close()
			lastErr = err
			continue
		}
		e.mu.Lock()
		e.transport = t
		e.info = *info
		e.mu.Unlock()
		e.state.Store(int32(StateIdle))
		log.Printf("engine: reconnected to %s", t.Identity())
		return nil
	}
	e.state.Store(int32(StateFailed))
	return laerr.New(op, laerr.KindTransport, lastErr)
}

// Reconnect forces the same close+reopen+rehandshake cycle as the
// mandatory post-capture recovery, for callers that need to recover from a
// Failed engine left there by exhausted automatic reconnect attempts.
func (e *Engine) Reconnect() error {
	return e.reconnect()
}

// EnterBootloader sends the bootloader-jump command. No response is
// expected from the device.
func (e *Engine) EnterBootloader() error {
	const op = "engine.EnterBootloader"
	t := e.currentTransport()
	if err := t.Write(protocol.BuildPacket(protocol.CmdBootloader, nil)); err != nil {
		return laerr.New(op, laerr.KindTransport, err)
	}
	return nil
}

// GetVoltage reports the device's supply voltage. Serial devices are
// always USB-bus-powered at a fixed 3.3V; network devices are queried live.
func (e *Engine) GetVoltage() (string, error) {
	const op = "engine.GetVoltage"
	t := e.currentTransport()
	if t.Kind() == transport.KindSerial {
		return "3.3V", nil
	}
	if err := t.Write(protocol.BuildPacket(protocol.CmdVoltage, nil)); err != nil {
		return "", laerr.New(op, laerr.KindTransport, err)
	}
	line, err := t.ReadLine(voltageTimeout)
	if err != nil {
		if laerr.KindOf(err) == laerr.KindTimeout {
			return "TIMEOUT", nil
		}
		return "ERROR", nil
	}
	return strings.TrimSpace(line), nil
}

// SendWiFiConfig pushes WiFi credentials to a serial-connected device.
// Rejected on network transports, which have no serial-to-WiFi bridge to
// configure.
func (e *Engine) SendWiFiConfig(cfg protocol.WiFiConfig) error {
	const op = "engine.SendWiFiConfig"
	t := e.currentTransport()
	if t.Kind() != transport.KindSerial {
		return laerr.New(op, laerr.KindConfig, fmt.Errorf("WiFi config push is only valid on serial transports"))
	}
	body, err := cfg.Encode()
	if err != nil {
		return laerr.New(op, laerr.KindConfig, err)
	}
	if err := t.Write(protocol.BuildPacket(protocol.CmdWiFiSettings, body)); err != nil {
		return laerr.New(op, laerr.KindTransport, err)
	}
	line, err := t.ReadLine(wifiAckTimeout)
	if err != nil {
		return laerr.New(op, laerr.KindTimeout, err)
	}
	if strings.TrimSpace(line) != "SETTINGS SAVED" {
		return laerr.New(op, laerr.KindHardware, fmt.Errorf("unexpected WiFi ack %q", line))
	}
	return nil
}

// Package multidevice partitions one logical capture across up to five
// physical devices: one master carrying the real trigger, and up to four
// slaves externally triggered off the master's trigger-output line. It
// runs all children concurrently and joins their results into one
// capture.Result keyed by the caller's original channel numbers.
package multidevice

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/engine"
	"github.com/picola-go/pla/pkg/handshake"
	"github.com/picola-go/pla/pkg/laerr"
)

const (
	// ChannelsPerDevice is the fixed partition width: channels 0..23
	// belong to device 0, 24..47 to device 1, and so on.
	ChannelsPerDevice = 24

	// ExternalTriggerChannel is the dedicated input line slaves watch for
	// the master's trigger-output pulse.
	ExternalTriggerChannel = 24

	// MinDevices and MaxDevices bound how many physical devices one
	// Orchestrator may span (spec §7 ConfigError).
	MinDevices = 2
	MaxDevices = 5
)

// DefaultSlavePreTriggerOffset is the device-characterized constant the
// orchestrator shifts a slave's pre-trigger sample count by to compensate
// for external-trigger propagation delay between master and slaves,
// analogous to the teacher's hardcoded pkg/dma shiftSamples constant.
// Callers that have characterized their own hardware may override it via
// Orchestrator.SlavePreTriggerOffset.
const DefaultSlavePreTriggerOffset = 14

// Capabilities is the homogeneous capability set the orchestrator derives
// across all child devices (spec §4.8).
type Capabilities struct {
	ChannelCount   uint32
	MaxFrequency   uint32
	MinFrequency   uint32
	BufferSize     uint32
	BurstFrequency uint32
}

// CompletionEvent is delivered exactly once per StartCapture.
type CompletionEvent struct {
	Success bool
	Result  *capture.Result
	Err     error
}

// Orchestrator exclusively owns its child engines; external code must not
// reach into them directly during a capture.
type Orchestrator struct {
	mu      sync.Mutex
	engines []*engine.Engine
	caps    Capabilities

	// SlavePreTriggerOffset is injectable per the Open Question decision
	// in SPEC_FULL.md; defaults to DefaultSlavePreTriggerOffset.
	SlavePreTriggerOffset uint32
}

// Open dials 2-5 connection strings, handshakes each, validates version
// and capability uniformity, and returns a ready Orchestrator. Failure of
// any child closes every engine opened so far.
func Open(connStrings []string, cfg engine.Config) (*Orchestrator, error) {
	const op = "multidevice.Open"
	if len(connStrings) < MinDevices || len(connStrings) > MaxDevices {
		return nil, laerr.New(op, laerr.KindConfig, fmt.Errorf(
			"multi-device requires %d-%d connections, got %d", MinDevices, MaxDevices, len(connStrings)))
	}

	engines := make([]*engine.Engine, 0, len(connStrings))
	closeAll := func() {
		for _, e := range engines {
			e.Close()
		}
	}

	for _, cs := range connStrings {
		e, err := engine.Open(cs, cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		engines = append(engines, e)
	}

	caps, err := deriveCapabilities(engines)
	if err != nil {
		closeAll()
		return nil, err
	}

	o := &Orchestrator{engines: engines, caps: caps, SlavePreTriggerOffset: DefaultSlavePreTriggerOffset}
	log.Printf("%s: joined %d devices, channels=%d maxFreq=%d", op, len(engines), caps.ChannelCount, caps.MaxFrequency)
	return o, nil
}

func deriveCapabilities(engines []*engine.Engine) (Capabilities, error) {
	const op = "multidevice.deriveCapabilities"
	infos := make([]handshake.DeviceInfo, len(engines))
	for i, e := range engines {
		infos[i] = e.Info()
	}

	major := infos[0].Major
	minChannels := infos[0].ChannelCount
	maxFreq := infos[0].MaxFrequency
	minBuffer := infos[0].BufferSize
	minMinFreq := capture.MinFrequency(infos[0].MaxFrequency)

	for _, info := range infos[1:] {
		if info.Major != major {
			return Capabilities{}, laerr.New(op, laerr.KindVersion, fmt.Errorf(
				"device major version mismatch: %d vs %d", info.Major, major))
		}
		if info.ChannelCount < minChannels {
			minChannels = info.ChannelCount
		}
		if info.MaxFrequency < maxFreq {
			maxFreq = info.MaxFrequency
		}
		if info.BufferSize < minBuffer {
			minBuffer = info.BufferSize
		}
		if f := capture.MinFrequency(info.MaxFrequency); f > minMinFreq {
			minMinFreq = f
		}
	}

	return Capabilities{
		ChannelCount: minChannels * uint32(len(engines)),
		MaxFrequency: maxFreq,
		MinFrequency: minMinFreq,
		BufferSize:   minBuffer,
		// No burst frequency is offered across a multi-device join (spec §4.8).
		BurstFrequency: 0,
	}, nil
}

// Capabilities returns the derived, homogeneous device capabilities.
func (o *Orchestrator) Capabilities() Capabilities {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.caps
}

// partition maps each requested channel number to (deviceIndex, local).
func partition(channels []int, deviceCount int) (map[int][]int, error) {
	const op = "multidevice.partition"
	byDevice := make(map[int][]int)
	for _, ch := range channels {
		idx := ch / ChannelsPerDevice
		if idx < 0 || idx >= deviceCount {
			return nil, laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"channel %d maps to device %d, only %d devices present", ch, idx, deviceCount))
		}
		byDevice[idx] = append(byDevice[idx], ch%ChannelsPerDevice)
	}
	for idx := range byDevice {
		sort.Ints(byDevice[idx])
	}
	return byDevice, nil
}

// masterIndex picks the device owning the trigger channel, or device 0 if
// that device has no captured channels of its own (spec §4.8).
func masterIndex(session *capture.Session, byDevice map[int][]int) int {
	idx := int(session.TriggerChannel) / ChannelsPerDevice
	if _, ok := byDevice[idx]; ok {
		return idx
	}
	return 0
}

// StartCapture partitions session across the orchestrator's devices, arms
// slaves before the master, and joins all completions. onComplete fires
// exactly once.
func (o *Orchestrator) StartCapture(session *capture.Session, onComplete func(CompletionEvent)) error {
	const op = "multidevice.StartCapture"
	if session.TriggerType == capture.TriggerEdge {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"Edge trigger is rejected by the multi-device orchestrator; use Complex, Fast, or Blast"))
	}

	o.mu.Lock()
	engines := o.engines
	offset := o.SlavePreTriggerOffset
	o.mu.Unlock()

	byDevice, err := partition(session.CaptureChannels, len(engines))
	if err != nil {
		return err
	}
	master := masterIndex(session, byDevice)

	sessions := make(map[int]*capture.Session, len(byDevice))
	for idx, local := range byDevice {
		s := session.Clone()
		s.CaptureChannels = local
		if idx == master {
			sessions[idx] = s
			continue
		}
		if offset > s.PostTriggerSamples {
			return laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"slave pre-trigger offset %d exceeds postTriggerSamples %d", offset, s.PostTriggerSamples))
		}
		s.TriggerType = capture.TriggerEdge
		s.TriggerChannel = ExternalTriggerChannel
		s.TriggerInverted = false
		s.LoopCount = 0
		s.MeasureBursts = false
		s.PreTriggerSamples += offset
		s.PostTriggerSamples -= offset
		sessions[idx] = s
	}

	results := make(chan childResult, len(sessions))

	start := func(idx int) {
		s := sessions[idx]
		err := engines[idx].Start(s, func(ev engine.CompletionEvent) {
			results <- childResult{idx: idx, success: ev.Success, result: ev.Result, err: ev.Err}
		})
		if err != nil {
			results <- childResult{idx: idx, success: false, err: err}
		}
	}

	// Slaves are armed before the master (spec §5).
	for idx := range sessions {
		if idx != master {
			start(idx)
		}
	}
	start(master)

	go o.join(sessions, master, results, onComplete)
	return nil
}

func (o *Orchestrator) join(sessions map[int]*capture.Session, master int, results chan childResult, onComplete func(CompletionEvent)) {
	const op = "multidevice.join"
	remaining := len(sessions)
	var masterResult *capture.Result
	var firstErr error
	childResults := make(map[int]*capture.Result, len(sessions))

	for remaining > 0 {
		r := <-results
		remaining--
		if !r.success {
			if firstErr == nil {
				firstErr = r.err
				log.Printf("%s: device %d failed: %v; stopping siblings", op, r.idx, r.err)
				o.stopAllExcept(sessions, r.idx)
			}
			continue
		}
		childResults[r.idx] = r.result
		if r.idx == master {
			masterResult = r.result
		}
	}

	if firstErr != nil {
		if onComplete != nil {
			onComplete(CompletionEvent{Success: false, Err: laerr.New(op, laerr.KindHardware, firstErr)})
		}
		return
	}

	merged := &capture.Result{ID: uuid.New(), Samples: make(map[int][]byte)}
	if masterResult != nil {
		merged.Bursts = masterResult.Bursts
	}
	for idx, s := range sessions {
		child := childResults[idx]
		if child == nil {
			continue
		}
		for _, localCh := range s.CaptureChannels {
			global := idx*ChannelsPerDevice + localCh
			merged.Samples[global] = child.Samples[localCh]
		}
	}

	if onComplete != nil {
		onComplete(CompletionEvent{Success: true, Result: merged})
	}
}

// stopAllExcept issues Stop to every armed device other than except,
// concurrently, per spec §5's failure-join rule.
func (o *Orchestrator) stopAllExcept(sessions map[int]*capture.Session, except int) {
	var wg sync.WaitGroup
	o.mu.Lock()
	engines := o.engines
	o.mu.Unlock()
	for idx := range sessions {
		if idx == except {
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			engines[idx].Stop()
		}(idx)
	}
	wg.Wait()
}

type childResult struct {
	idx     int
	success bool
	result  *capture.Result
	err     error
}

// Close tears down every child device's transport.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for _, e := range o.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

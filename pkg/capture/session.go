// Package capture holds the logical CaptureSession the caller configures, the
// capture planner that turns it into a wire CaptureRequest against a
// device's limits, and the CaptureResult the engine hands back.
package capture

import "github.com/google/uuid"

// TriggerType selects the device trigger class.
type TriggerType int

const (
	TriggerEdge TriggerType = iota
	TriggerComplex
	TriggerFast
	TriggerBlast
)

func (t TriggerType) String() string {
	switch t {
	case TriggerEdge:
		return "Edge"
	case TriggerComplex:
		return "Complex"
	case TriggerFast:
		return "Fast"
	case TriggerBlast:
		return "Blast"
	default:
		return "Unknown"
	}
}

// Session is the caller-owned, read-only capture configuration. It is
// passed to the capture engine by reference for the duration of one
// capture and never mutated by the engine; per spec Design Notes, results
// are returned in a separate Result rather than deposited back into Session.
type Session struct {
	Frequency          uint32
	PreTriggerSamples  uint32
	PostTriggerSamples uint32
	LoopCount          uint8
	MeasureBursts      bool

	TriggerType     TriggerType
	TriggerChannel  uint8
	TriggerInverted bool // Edge only
	TriggerBitCount uint8
	TriggerPattern  uint16

	// CaptureChannels is the ordered list of channel numbers to capture.
	// Order defines bit position in packed wire samples: the channel at
	// index i occupies bit i.
	CaptureChannels []int
}

// TotalSamples is pre + post*(loop+1), the invariant every demuxed channel's
// sample count must satisfy.
func (s *Session) TotalSamples() uint64 {
	return uint64(s.PreTriggerSamples) + uint64(s.PostTriggerSamples)*uint64(s.LoopCount+1)
}

// Clone returns a deep copy of s, safe to mutate independently (used by the
// multi-device orchestrator to derive per-device master/slave sessions from
// one logical session without aliasing the caller's CaptureChannels slice).
func (s *Session) Clone() *Session {
	clone := *s
	clone.CaptureChannels = append([]int(nil), s.CaptureChannels...)
	return &clone
}

// BurstInfo describes one post-trigger collection window.
type BurstInfo struct {
	BurstSampleStart uint64
	BurstSampleEnd   uint64
	BurstSampleGap   uint64
	BurstTimeGapNs   int64
}

// Result is the output of one capture: per-channel 0/1 sample arrays keyed
// by the caller's channel number, and optional burst timing.
type Result struct {
	ID      uuid.UUID
	Samples map[int][]byte
	Bursts  []BurstInfo
}

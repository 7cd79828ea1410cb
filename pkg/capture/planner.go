package capture

import (
	"fmt"
	"math"

	"github.com/picola-go/pla/pkg/laerr"
	"github.com/picola-go/pla/pkg/protocol"
)

// DeviceCaps is the subset of a device's handshake-derived capabilities the
// planner needs to validate a Session and build a CaptureRequest.
type DeviceCaps struct {
	MaxFrequency   uint32
	BurstFrequency uint32
	BufferSize     uint32
	ChannelCount   uint32
}

// Limits are the capture-size bounds derived from a device's buffer size.
type Limits struct {
	MaxTotalSamples uint64
	MaxPreSamples   uint64
	MaxPostSamples  uint64
	MinPreSamples   uint64
	MinPostSamples  uint64
}

// LimitsFor derives Limits from a device's reported buffer size.
func LimitsFor(bufferSize uint32) Limits {
	return Limits{
		MaxTotalSamples: uint64(bufferSize),
		MaxPreSamples:   uint64(bufferSize) / 2,
		MaxPostSamples:  uint64(bufferSize) - 2,
		MinPreSamples:   2,
		MinPostSamples:  2,
	}
}

// MinFrequency is floor(maxFreq*2/65535).
func MinFrequency(maxFreq uint32) uint32 {
	return uint32(math.Floor(float64(maxFreq) * 2 / 65535))
}

// Validate checks s against caps's device limits and trigger constraints.
func Validate(s *Session, caps DeviceCaps) error {
	const op = "capture.Validate"
	limits := LimitsFor(caps.BufferSize)
	minFreq := MinFrequency(caps.MaxFrequency)

	inRange := s.Frequency >= minFreq && s.Frequency <= caps.MaxFrequency
	if !inRange && s.Frequency != caps.BurstFrequency {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"frequency %d out of range [%d,%d] and not equal to burst frequency %d",
			s.Frequency, minFreq, caps.MaxFrequency, caps.BurstFrequency))
	}

	pre := uint64(s.PreTriggerSamples)
	if pre < limits.MinPreSamples || pre > limits.MaxPreSamples {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"preTriggerSamples %d out of range [%d,%d]", pre, limits.MinPreSamples, limits.MaxPreSamples))
	}
	post := uint64(s.PostTriggerSamples)
	if post < limits.MinPostSamples || post > limits.MaxPostSamples {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"postTriggerSamples %d out of range [%d,%d]", post, limits.MinPostSamples, limits.MaxPostSamples))
	}
	if total := s.TotalSamples(); total > limits.MaxTotalSamples {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"total samples %d exceeds device buffer %d", total, limits.MaxTotalSamples))
	}

	switch s.TriggerType {
	case TriggerComplex:
		if uint32(s.TriggerChannel)+uint32(s.TriggerBitCount) > 16 {
			return laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"complex trigger channel+bitCount %d exceeds 16", uint32(s.TriggerChannel)+uint32(s.TriggerBitCount)))
		}
	case TriggerFast:
		if uint32(s.TriggerChannel)+uint32(s.TriggerBitCount) > 5 {
			return laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"fast trigger channel+bitCount %d exceeds 5", uint32(s.TriggerChannel)+uint32(s.TriggerBitCount)))
		}
	case TriggerBlast:
		// loopCount is a u8; any value is within the 0-255 device limit.
	default: // Edge
		if s.LoopCount != 0 {
			return laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"loopCount must be 0 for trigger type %s", s.TriggerType))
		}
	}

	if len(s.CaptureChannels) > protocol.MaxChannels || len(s.CaptureChannels) > int(caps.ChannelCount) {
		return laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"capturing %d channels exceeds device channel count %d", len(s.CaptureChannels), caps.ChannelCount))
	}
	for _, ch := range s.CaptureChannels {
		if ch < 0 || ch >= int(caps.ChannelCount) {
			return laerr.New(op, laerr.KindValidation, fmt.Errorf(
				"channel %d out of range [0,%d)", ch, caps.ChannelCount))
		}
	}
	return nil
}

// captureMode selects the wire capture mode (and thus bytes-per-sample)
// from the highest channel index actually captured.
func captureMode(channels []int) uint8 {
	max := 0
	for _, c := range channels {
		if c > max {
			max = c
		}
	}
	switch {
	case max < 8:
		return 0
	case max < 16:
		return 1
	default:
		return 2
	}
}

// BytesPerSample returns the wire sample width for a capture mode.
func BytesPerSample(mode uint8) int {
	switch mode {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

// triggerDelayOffset computes the pre/post-trigger sample shift that
// compensates for pipeline latency in the device trigger chain (spec §4.4).
func triggerDelayOffset(s *Session, caps DeviceCaps) uint32 {
	nsPerSample := 1e9 / float64(s.Frequency)
	switch s.TriggerType {
	case TriggerComplex:
		return uint32(math.Round((1.0/float64(caps.MaxFrequency))*1e9*5/nsPerSample + 0.3))
	case TriggerFast:
		return uint32(math.Round((1.0/float64(caps.MaxFrequency))*1e9*3/nsPerSample + 0.3))
	default: // Edge, Blast
		return 0
	}
}

// Plan validates s against caps and builds the wire CaptureRequest,
// including trigger delay compensation. Invariant: emitted
// PreSamples+PostSamples always equals s.PreTriggerSamples+s.PostTriggerSamples.
func Plan(s *Session, caps DeviceCaps) (*protocol.CaptureRequest, error) {
	if err := Validate(s, caps); err != nil {
		return nil, err
	}

	offset := triggerDelayOffset(s, caps)
	req := &protocol.CaptureRequest{
		TriggerType:    uint8(s.TriggerType),
		TriggerChannel: s.TriggerChannel,
		Frequency:      s.Frequency,
		PreSamples:     s.PreTriggerSamples + offset,
		PostSamples:    s.PostTriggerSamples - offset,
		CaptureMode:    captureMode(s.CaptureChannels),
		ChannelCount:   uint8(len(s.CaptureChannels)),
	}
	for i, ch := range s.CaptureChannels {
		req.Channels[i] = uint8(ch)
	}

	if s.TriggerType == TriggerEdge {
		req.InvertedOrCount = boolToU8(s.TriggerInverted)
		req.TriggerValue = boolToU16(s.TriggerInverted)
	} else {
		req.InvertedOrCount = s.TriggerBitCount
		req.TriggerValue = s.TriggerPattern
	}

	switch s.TriggerType {
	case TriggerBlast:
		req.Measure = 1
		req.LoopCount = s.LoopCount
	case TriggerComplex, TriggerFast:
		req.LoopCount = 0
		req.Measure = 0
	default: // Edge
		req.LoopCount = s.LoopCount
		req.Measure = boolToU8(s.MeasureBursts)
	}

	return req, nil
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func boolToU16(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// Package demux unpacks the device's bit-packed sample stream into
// per-channel 0/1 byte arrays.
package demux

import (
	"encoding/binary"
	"fmt"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/laerr"
)

// Unpack splits data (a flat stream of CaptureMode-width samples) into one
// byte slice per requested channel. channels is the same ordered list the
// capture was planned with: the channel at index i occupies bit i of every
// sample word, regardless of its hardware channel number.
func Unpack(data []byte, mode uint8, channels []int) (map[int][]byte, error) {
	const op = "demux.Unpack"
	bps := capture.BytesPerSample(mode)
	if len(data)%bps != 0 {
		return nil, laerr.New(op, laerr.KindValidation, fmt.Errorf(
			"payload length %d not a multiple of sample width %d", len(data), bps))
	}
	sampleCount := len(data) / bps

	out := make(map[int][]byte, len(channels))
	for _, ch := range channels {
		out[ch] = make([]byte, sampleCount)
	}

	for s := 0; s < sampleCount; s++ {
		off := s * bps
		var word uint32
		switch bps {
		case 1:
			word = uint32(data[off])
		case 2:
			word = uint32(binary.LittleEndian.Uint16(data[off : off+2]))
		default:
			word = binary.LittleEndian.Uint32(data[off : off+4])
		}
		for i, ch := range channels {
			out[ch][s] = byte((word >> uint(i)) & 1)
		}
	}
	return out, nil
}

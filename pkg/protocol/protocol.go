// Package protocol encodes outbound requests into the framed byte packets
// the device firmware expects. It does not deserialize responses: those are
// either newline-delimited ASCII (read by the transport's line reader) or a
// length-prefixed binary payload (read by the transport's byte reader and
// parsed by pkg/demux and pkg/burst).
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the single-byte request prefix.
type Command byte

const (
	CmdDeviceInfo   Command = 0
	CmdStartCapture Command = 1
	CmdStop         Command = 2
	CmdBootloader   Command = 3
	CmdVoltage      Command = 4
	CmdWiFiSettings Command = 5
)

// MaxChannels is the hardware channel-table width carried in every
// CaptureRequest regardless of how many channels are actually captured.
const MaxChannels = 24

// CaptureRequest is the wire-serialized capture program, little-endian,
// packed with no padding. Field order and widths are fixed by the device
// firmware (spec §3/§4.2) and must not be reordered.
type CaptureRequest struct {
	TriggerType     uint8
	TriggerChannel  uint8
	InvertedOrCount uint8
	TriggerValue    uint16
	Channels        [MaxChannels]uint8
	ChannelCount    uint8
	Frequency       uint32
	PreSamples      uint32
	PostSamples     uint32
	LoopCount       uint8
	Measure         uint8
	CaptureMode     uint8
}

// Encode serializes r into its wire representation.
func (r *CaptureRequest) Encode() []byte {
	buf := make([]byte, 0, 46)
	buf = append(buf, byte(r.TriggerType), byte(r.TriggerChannel), byte(r.InvertedOrCount))
	buf = appendU16(buf, r.TriggerValue)
	buf = append(buf, r.Channels[:]...)
	buf = append(buf, r.ChannelCount)
	buf = appendU32(buf, r.Frequency)
	buf = appendU32(buf, r.PreSamples)
	buf = appendU32(buf, r.PostSamples)
	buf = append(buf, r.LoopCount, r.Measure, r.CaptureMode)
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// WiFiConfig is the fixed-length ASCII block sent with CmdWiFiSettings:
// AP name (33 B), password (64 B), IP (16 B), port (u16 LE) — 115 B total,
// NUL-padded.
type WiFiConfig struct {
	APName   string
	Password string
	IP       string
	Port     uint16
}

const (
	wifiAPFieldLen       = 33
	wifiPasswordFieldLen = 64
	wifiIPFieldLen       = 16
	WiFiConfigWireLen    = wifiAPFieldLen + wifiPasswordFieldLen + wifiIPFieldLen + 2
)

// Encode serializes c, returning an error if any field overflows its
// fixed-width slot (leaving no room for the NUL terminator).
func (c *WiFiConfig) Encode() ([]byte, error) {
	buf := make([]byte, 0, WiFiConfigWireLen)
	var err error
	buf, err = appendFixedASCII(buf, c.APName, wifiAPFieldLen)
	if err != nil {
		return nil, fmt.Errorf("ap name: %w", err)
	}
	buf, err = appendFixedASCII(buf, c.Password, wifiPasswordFieldLen)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	buf, err = appendFixedASCII(buf, c.IP, wifiIPFieldLen)
	if err != nil {
		return nil, fmt.Errorf("ip: %w", err)
	}
	buf = appendU16(buf, c.Port)
	return buf, nil
}

func appendFixedASCII(buf []byte, s string, width int) ([]byte, error) {
	if len(s) > width-1 {
		return nil, fmt.Errorf("%q exceeds %d-byte field", s, width)
	}
	field := make([]byte, width)
	copy(field, s)
	return append(buf, field...), nil
}

// BuildPacket prefixes body with the command byte. Commands without a body
// (device-info, stop, bootloader, voltage) pass a nil or empty body.
func BuildPacket(cmd Command, body []byte) []byte {
	packet := make([]byte, 0, 1+len(body))
	packet = append(packet, byte(cmd))
	packet = append(packet, body...)
	return packet
}

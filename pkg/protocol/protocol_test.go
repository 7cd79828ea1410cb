package protocol

import (
	"encoding/binary"
	"strings"
	"testing"
)

func TestCaptureRequestEncodeLayout(t *testing.T) {
	req := &CaptureRequest{
		TriggerType:     0,
		TriggerChannel:  2,
		InvertedOrCount: 12,
		TriggerValue:    0xABC,
		ChannelCount:    3,
		Frequency:       25_000_000,
		PreSamples:      1002,
		PostSamples:     8998,
		LoopCount:       0,
		Measure:         0,
		CaptureMode:     0,
	}
	req.Channels[0], req.Channels[1], req.Channels[2] = 0, 1, 2

	buf := req.Encode()
	if len(buf) != 45 {
		t.Fatalf("Encode length = %d, want 45", len(buf))
	}
	if buf[0] != 0 || buf[1] != 2 || buf[2] != 12 {
		t.Fatalf("fixed header mismatch: %v", buf[:3])
	}
	if got := binary.LittleEndian.Uint16(buf[3:5]); got != 0xABC {
		t.Fatalf("triggerValue = %#x, want 0xABC", got)
	}
	channelsOff := 5
	if buf[channelsOff] != 0 || buf[channelsOff+1] != 1 || buf[channelsOff+2] != 2 {
		t.Fatalf("channel table mismatch: %v", buf[channelsOff:channelsOff+24])
	}
	countOff := channelsOff + MaxChannels
	if buf[countOff] != 3 {
		t.Fatalf("channelCount = %d, want 3", buf[countOff])
	}
	freqOff := countOff + 1
	if got := binary.LittleEndian.Uint32(buf[freqOff : freqOff+4]); got != 25_000_000 {
		t.Fatalf("frequency = %d, want 25000000", got)
	}
	preOff := freqOff + 4
	if got := binary.LittleEndian.Uint32(buf[preOff : preOff+4]); got != 1002 {
		t.Fatalf("preSamples = %d, want 1002", got)
	}
	postOff := preOff + 4
	if got := binary.LittleEndian.Uint32(buf[postOff : postOff+4]); got != 8998 {
		t.Fatalf("postSamples = %d, want 8998", got)
	}
}

func TestBuildPacketPrefixesCommand(t *testing.T) {
	pkt := BuildPacket(CmdStartCapture, []byte{1, 2, 3})
	if pkt[0] != byte(CmdStartCapture) {
		t.Fatalf("command byte = %d, want %d", pkt[0], CmdStartCapture)
	}
	if len(pkt) != 4 {
		t.Fatalf("packet length = %d, want 4", len(pkt))
	}
}

func TestWiFiConfigEncode(t *testing.T) {
	cfg := &WiFiConfig{APName: "lab-ap", Password: "hunter2", IP: "192.168.1.50", Port: 8421}
	buf, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != WiFiConfigWireLen {
		t.Fatalf("wifi block length = %d, want %d", len(buf), WiFiConfigWireLen)
	}
	if !strings.HasPrefix(string(buf[:wifiAPFieldLen]), "lab-ap\x00") {
		t.Fatalf("AP name field not NUL-padded as expected: %q", buf[:wifiAPFieldLen])
	}
	portOff := wifiAPFieldLen + wifiPasswordFieldLen + wifiIPFieldLen
	if got := binary.LittleEndian.Uint16(buf[portOff:]); got != 8421 {
		t.Fatalf("port = %d, want 8421", got)
	}
}

func TestWiFiConfigEncodeOverflow(t *testing.T) {
	cfg := &WiFiConfig{APName: strings.Repeat("x", wifiAPFieldLen)}
	if _, err := cfg.Encode(); err == nil {
		t.Fatalf("expected overflow error for a %d-byte AP name in a %d-byte field", wifiAPFieldLen, wifiAPFieldLen)
	}
}

// Package handshake issues the device-info query and parses the five ASCII
// response lines the firmware sends in reply, validating the reported
// firmware version against the minimum this driver supports.
package handshake

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	hcversion "github.com/hashicorp/go-version"

	"github.com/picola-go/pla/pkg/laerr"
	"github.com/picola-go/pla/pkg/protocol"
	"github.com/picola-go/pla/pkg/transport"
)

// Deadline is the total time budget for the five-line handshake exchange.
const Deadline = 10 * time.Second

// MinimumVersion is the lowest firmware version this driver will talk to.
const MinimumVersion = "1.7"

// DeviceInfo is the immutable device descriptor established at handshake.
type DeviceInfo struct {
	VersionString  string
	Major, Minor   int
	MaxFrequency   uint32
	BurstFrequency uint32
	BufferSize     uint32
	ChannelCount   uint32
}

var (
	freqLineRe    = regexp.MustCompile(`^FREQ:(\d+)$`)
	blastLineRe   = regexp.MustCompile(`^BLASTFREQ:(\d+)$`)
	bufferLineRe  = regexp.MustCompile(`^BUFFER:(\d+)$`)
	channelLineRe = regexp.MustCompile(`^CHANNELS:(\d+)$`)

	versionUnderscoreRe = regexp.MustCompile(`(?i)V(\d+)_(\d+)`)
	versionDotRe        = regexp.MustCompile(`(\d+)\.(\d+)`)
)

// Do sends the device-info request over t and parses the five-line reply.
func Do(t transport.Transport) (*DeviceInfo, error) {
	const op = "handshake.Do"
	deadline := time.Now().Add(Deadline)

	if err := t.Write(protocol.BuildPacket(protocol.CmdDeviceInfo, nil)); err != nil {
		return nil, laerr.New(op, laerr.KindTransport, err)
	}

	versionLine, err := readLine(t, deadline, op)
	if err != nil {
		return nil, err
	}
	major, minor, ok := parseVersionToken(versionLine)
	if !ok {
		return nil, laerr.New(op, laerr.KindHandshake, fmt.Errorf("unparseable version line %q", versionLine))
	}

	freqLine, err := readLine(t, deadline, op)
	if err != nil {
		return nil, err
	}
	maxFreq, err := matchUint(freqLineRe, freqLine, op, "FREQ")
	if err != nil {
		return nil, err
	}
	if maxFreq == 0 {
		return nil, laerr.New(op, laerr.KindHandshake, fmt.Errorf("zero max frequency"))
	}

	blastLine, err := readLine(t, deadline, op)
	if err != nil {
		return nil, err
	}
	burstFreq, err := matchUint(blastLineRe, blastLine, op, "BLASTFREQ")
	if err != nil {
		return nil, err
	}

	bufferLine, err := readLine(t, deadline, op)
	if err != nil {
		return nil, err
	}
	bufferSize, err := matchUint(bufferLineRe, bufferLine, op, "BUFFER")
	if err != nil {
		return nil, err
	}

	channelsLine, err := readLine(t, deadline, op)
	if err != nil {
		return nil, err
	}
	channelCount, err := matchUint(channelLineRe, channelsLine, op, "CHANNELS")
	if err != nil {
		return nil, err
	}
	if channelCount > 24 {
		return nil, laerr.New(op, laerr.KindHandshake, fmt.Errorf("channel count %d exceeds 24", channelCount))
	}

	info := &DeviceInfo{
		VersionString:  versionLine,
		Major:          major,
		Minor:          minor,
		MaxFrequency:   maxFreq,
		BurstFrequency: burstFreq,
		BufferSize:     bufferSize,
		ChannelCount:   channelCount,
	}

	if err := checkMinimumVersion(major, minor); err != nil {
		return info, err
	}

	log.Printf("handshake: %s version=%s channels=%d maxFreq=%d burstFreq=%d buffer=%d",
		t.Identity(), versionLine, channelCount, maxFreq, burstFreq, bufferSize)
	return info, nil
}

func readLine(t transport.Transport, deadline time.Time, op string) (string, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return "", laerr.New(op, laerr.KindTimeout, fmt.Errorf("handshake deadline exceeded"))
	}
	line, err := t.ReadLine(remaining)
	if err != nil {
		if laerr.KindOf(err) == laerr.KindTimeout {
			return "", laerr.New(op, laerr.KindTimeout, err)
		}
		return "", laerr.New(op, laerr.KindHandshake, err)
	}
	return line, nil
}

func matchUint(re *regexp.Regexp, line, op, field string) (uint32, error) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, laerr.New(op, laerr.KindHandshake, fmt.Errorf("line %q does not match %s:<u32>", line, field))
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, laerr.New(op, laerr.KindHandshake, fmt.Errorf("field %s: %w", field, err))
	}
	return uint32(v), nil
}

// parseVersionToken accepts V<major>_<minor> (case-insensitive) anywhere in
// the line, or <major>.<minor>.
func parseVersionToken(line string) (major, minor int, ok bool) {
	if m := versionUnderscoreRe.FindStringSubmatch(line); m != nil {
		major, _ = strconv.Atoi(m[1])
		minor, _ = strconv.Atoi(m[2])
		return major, minor, true
	}
	if m := versionDotRe.FindStringSubmatch(line); m != nil {
		major, _ = strconv.Atoi(m[1])
		minor, _ = strconv.Atoi(m[2])
		return major, minor, true
	}
	return 0, 0, false
}

func checkMinimumVersion(major, minor int) error {
	const op = "handshake.checkMinimumVersion"
	got, err := hcversion.NewVersion(fmt.Sprintf("%d.%d", major, minor))
	if err != nil {
		return laerr.New(op, laerr.KindVersion, err)
	}
	min, err := hcversion.NewVersion(MinimumVersion)
	if err != nil {
		return laerr.New(op, laerr.KindVersion, err)
	}
	if got.LessThan(min) {
		return laerr.New(op, laerr.KindVersion, fmt.Errorf("firmware version %s below minimum %s", got, min))
	}
	return nil
}

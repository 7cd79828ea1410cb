// Command pla-cli is a one-shot embedding host: it opens a device, runs
// the handshake, prints the capability table, programs one capture from
// flags, waits for it to finish, and prints per-channel sample counts.
// It is not part of the core driver stack (spec §1 "CLI surface: none is
// part of the core. Embedding hosts build their own"), grounded in the
// teacher's cli.go + main.go flag-driven one-shot mode.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/engine"
)

// channelListFlag parses a comma-separated channel list, e.g. "0,1,2".
type channelListFlag struct {
	values []int
}

func (c *channelListFlag) String() string {
	parts := make([]string, len(c.values))
	for i, v := range c.values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (c *channelListFlag) Set(value string) error {
	c.values = nil
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid channel %q: %w", p, err)
		}
		c.values = append(c.values, n)
	}
	return nil
}

func main() {
	conn := flag.String("conn", "/dev/ttyACM0", "connection string: serial path or host:port")
	freq := flag.Uint("freq", 1_000_000, "sample frequency in Hz")
	pre := flag.Uint("pre", 100, "pre-trigger sample count")
	post := flag.Uint("post", 900, "post-trigger sample count")
	loop := flag.Uint("loop", 0, "loop count (Blast mode only)")
	blast := flag.Bool("blast", false, "use Blast trigger with measured bursts")
	triggerChannel := flag.Uint("trigger-channel", 0, "trigger channel")
	var channels channelListFlag
	flag.Var(&channels, "channels", "comma-separated capture channel list, e.g. 0,1,2")
	flag.Parse()

	if len(channels.values) == 0 {
		channels.values = []int{0}
	}

	e, err := engine.Open(*conn, engine.DefaultConfig)
	if err != nil {
		log.Fatalf("open %s: %v", *conn, err)
	}
	defer e.Close()

	printCapabilityTable(e)

	session := &capture.Session{
		Frequency:          uint32(*freq),
		PreTriggerSamples:  uint32(*pre),
		PostTriggerSamples: uint32(*post),
		TriggerChannel:     uint8(*triggerChannel),
		CaptureChannels:    channels.values,
	}
	if *blast {
		session.TriggerType = capture.TriggerBlast
		session.LoopCount = uint8(*loop)
		session.MeasureBursts = true
	}

	done := make(chan engine.CompletionEvent, 1)
	if err := e.Start(session, func(ev engine.CompletionEvent) { done <- ev }); err != nil {
		log.Fatalf("start capture: %v", err)
	}

	select {
	case ev := <-done:
		if !ev.Success {
			log.Fatalf("capture failed: %v", ev.Err)
		}
		printResult(ev.Result)
	case <-time.After(2 * time.Minute):
		log.Fatal("capture did not complete within 2 minutes")
	}
}

func printCapabilityTable(e *engine.Engine) {
	info := e.Info()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	rows := [][]string{
		{"Version", info.VersionString},
		{"Channels", strconv.FormatUint(uint64(info.ChannelCount), 10)},
		{"Max frequency (Hz)", strconv.FormatUint(uint64(info.MaxFrequency), 10)},
		{"Burst frequency (Hz)", strconv.FormatUint(uint64(info.BurstFrequency), 10)},
		{"Buffer size (samples)", strconv.FormatUint(uint64(info.BufferSize), 10)},
	}
	for _, r := range rows {
		// go-runewidth pads the field label to its own display width; the
		// value column (including the firmware version string) is passed
		// through unchanged.
		r[0] = runewidth.FillRight(r[0], runewidth.StringWidth(r[0]))
		table.Append(r)
	}
	table.Render()
}

func printResult(result *capture.Result) {
	fmt.Printf("capture %s complete:\n", result.ID)
	for ch, samples := range result.Samples {
		fmt.Printf("  channel %d: %d samples\n", ch, len(samples))
	}
	for i, b := range result.Bursts {
		fmt.Printf("  burst %d: [%d,%d) gap=%d samples (%dns)\n",
			i, b.BurstSampleStart, b.BurstSampleEnd, b.BurstSampleGap, b.BurstTimeGapNs)
	}
}

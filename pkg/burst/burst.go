// Package burst reconstructs per-loop burst timing from the device's
// decrementing 24-bit tick counter, which free-runs in the top byte and
// counts down in the low 24 bits across loop-triggered captures in Blast
// mode.
package burst

import (
	"math"

	"github.com/picola-go/pla/pkg/capture"
)

const (
	tickLowMask = 0x00FFFFFF
	tickTopMask = 0xFF000000
	tick32Wrap  = uint64(0x100000000)
	nsPerTick   = 5.0
)

// invertTick undoes the firmware's countdown encoding: the top byte free
// runs as a tag, the low 24 bits count down from their starting value.
func invertTick(t uint32) uint32 {
	return (t & tickTopMask) | (tickLowMask - (t & tickLowMask))
}

// wrappedTop widens t past a 32-bit wrap relative to prev, per spec §4.7
// steps 3/4: "top = (t[i] < t[i-1]) ? t[i]+2^32 : t[i]".
func wrappedTop(t, prev uint64) uint64 {
	if t < prev {
		return t + tick32Wrap
	}
	return t
}

// Reconstruct turns the raw per-loop tick counter values captured alongside
// a measured Blast capture into BurstInfo records. rawTicks has
// loopCount+2 entries, in capture order, and the result has
// len(rawTicks)-1 entries, one per post-trigger window.
func Reconstruct(rawTicks []uint32, frequency, preTriggerSamples, postTriggerSamples uint32) []capture.BurstInfo {
	n := len(rawTicks)
	if n < 2 {
		return nil
	}

	nsPerSample := 1e9 / float64(frequency)
	ticksPerSample := nsPerSample / nsPerTick
	ticksPerBurst := int64(math.Round(nsPerSample * float64(postTriggerSamples) / nsPerTick))
	twoTicksPerSample := int64(math.Round(2 * ticksPerSample))

	// Step 1: undo the countdown encoding.
	t := make([]uint64, n)
	for i, raw := range rawTicks {
		t[i] = uint64(invertTick(raw))
	}

	// Step 3: jitter compensation. A burst that appears to have completed
	// in less than the nominal burst duration gets the shortfall (plus two
	// sample periods of slack) folded forward into every later tick so
	// later deltas aren't corrupted by the anomaly.
	for i := 1; i < n; i++ {
		top := wrappedTop(t[i], t[i-1])
		delta := int64(top - t[i-1])
		if delta <= ticksPerBurst {
			diff := uint64(ticksPerBurst-delta) + uint64(twoTicksPerSample)
			for k := i; k < n; k++ {
				t[k] += diff
			}
		}
	}

	// Step 4: inter-burst delay in ticks, for i = 2..n-1, recomputed from
	// the fully jitter-compensated tick array.
	delays := make([]int64, n-2)
	for i := 2; i < n; i++ {
		top := wrappedTop(t[i], t[i-1])
		delays[i-2] = (int64(top-t[i-1]) - ticksPerBurst) * nsPerTick
	}

	// Step 5: burst list, one entry per post-trigger window (i = 1..n-1).
	bursts := make([]capture.BurstInfo, n-1)
	for i := 1; i < n; i++ {
		b := capture.BurstInfo{
			BurstSampleEnd: uint64(preTriggerSamples) + uint64(postTriggerSamples)*uint64(i),
		}
		if i == 1 {
			b.BurstSampleStart = uint64(preTriggerSamples)
		} else {
			b.BurstSampleStart = uint64(preTriggerSamples) + uint64(postTriggerSamples)*uint64(i-1)
			gapNs := delays[i-2]
			b.BurstTimeGapNs = gapNs
			if gapSamples := math.Round(float64(gapNs) / nsPerSample); gapSamples > 0 {
				b.BurstSampleGap = uint64(gapSamples)
			}
		}
		bursts[i-1] = b
	}
	return bursts
}

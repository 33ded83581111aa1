// Package clock repairs wrapped hardware timestamps and segments reference
// timelines into static-formation intervals for the calibration pipeline.
package clock

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DW1000 timestamp geometry: a 32-bit counter ticking at 128x the 499.2 MHz
// chipping rate. Every derived time difference inherits this wrap period.
const (
	// TickRateHz is the timestamp counter rate (499.2 MHz x 128).
	TickRateHz = 499200000.0 * 128.0

	// CounterBits is the width of the hardware timestamp counter.
	CounterBits = 32

	// MaxWrapNs is the counter wrap period in nanoseconds (~67.2 ms).
	MaxWrapNs = (1 << CounterBits) / TickRateHz * 1e9

	// RefGapThreshold is the reference-timestamp jump, in source units,
	// that marks a transition between static formations.
	RefGapThreshold = 10e7

	// Segment-relative wrap detection rounds single-trip deltas to
	// baselineStepNs and flags values whose rounded deviation from the
	// segment mode falls outside wrapWindowNs.
	baselineStepNs = 1e6
	wrapWindowNs   = 1e3
)

// TicksToNs converts a raw counter value to nanoseconds.
func TicksToNs(ticks uint32) float64 {
	return float64(ticks) * 1e9 / TickRateHz
}

// UnwrapDelta repairs a timestamp difference that went negative because the
// counter wrapped between the two samples. Non-negative deltas pass through
// unchanged, so reapplying is a no-op.
func UnwrapDelta(d float64) float64 {
	if d < 0 {
		return d + MaxWrapNs
	}
	return d
}

// UnwrapDeltas applies UnwrapDelta to every element in place and returns the
// number of repaired entries.
func UnwrapDeltas(d []float64) int {
	fixed := 0
	for i, v := range d {
		if v < 0 {
			d[i] = v + MaxWrapNs
			fixed++
		}
	}
	return fixed
}

// GapIndices returns the indices at which the reference timeline jumps by
// more than RefGapThreshold, each marking the first sample of a new static
// formation. Index 0 is never reported.
func GapIndices(ts []float64) []int {
	var gaps []int
	for i := 1; i < len(ts); i++ {
		if math.Abs(ts[i]-ts[i-1]) > RefGapThreshold {
			gaps = append(gaps, i)
		}
	}
	return gaps
}

// SegmentBounds pads GapIndices with the start and end of the timeline,
// yielding boundaries [0, g1, ..., n] ready for slicing.
func SegmentBounds(ts []float64) []int {
	bounds := append([]int{0}, GapIndices(ts)...)
	return append(bounds, len(ts))
}

// UnwrapSegmentRelative repairs single-trip deltas whose absolute timestamps
// wrapped between transmit and receive. Hardware round-trip biases shift
// these values between formations by large but legitimate offsets, so a
// global sign test would misfire; instead each segment is judged against its
// own baseline. Values are rounded to the nearest baselineStepNs, the
// statistical mode of the rounded values is the segment baseline, and raw
// values whose rounded deviation from it falls below -wrapWindowNs get one
// wrap period added, above +wrapWindowNs one removed. A single-sample
// segment is its own mode and is never altered.
//
// bounds must be segment boundaries as produced by SegmentBounds. Returns
// the number of repaired entries.
func UnwrapSegmentRelative(vals []float64, bounds []int) int {
	fixed := 0
	for s := 0; s < len(bounds)-1; s++ {
		beg, end := bounds[s], bounds[s+1]
		if end <= beg {
			continue
		}
		seg := vals[beg:end]
		rounded := make([]float64, len(seg))
		for i, v := range seg {
			rounded[i] = math.Round(v/baselineStepNs) * baselineStepNs
		}
		base, _ := stat.Mode(rounded, nil)
		for i := range seg {
			dev := rounded[i] - base
			switch {
			case dev < -wrapWindowNs:
				seg[i] += MaxWrapNs
				fixed++
			case dev > wrapWindowNs:
				seg[i] -= MaxWrapNs
				fixed++
			}
		}
	}
	return fixed
}

package twr

import "math"

// SpeedOfLight converts ground-truth distance to time of flight, in m/s
// (propagation speed in air, not vacuum).
const SpeedOfLight = 299702547.0

// DefaultOutlierThresholdNs bounds the plausible magnitude of any
// round-trip delta; anything beyond it is noise or a missed wrap.
const DefaultOutlierThresholdNs = 5e7

// Dataset holds the cleaned timestamp deltas extracted from one
// initiator->target exchange log. Ra quantities tick in the initiator's
// clock, Db quantities in the target's; all deltas are nanoseconds. Every
// non-nil sequence has one entry per retained exchange (or per formation
// segment when rows were averaged).
type Dataset struct {
	Initiator ModuleID
	Target    ModuleID

	// DT are inter-exchange deltas of the initiator's first transmit
	// timestamp, first entry fixed at 0.
	DT []float64
	// GroundTruth is the true distance per retained row, meters.
	GroundTruth []float64

	Ra1 []float64 // rx2 - tx1: initiator's first round trip
	Ra2 []float64 // rx3 - rx2: initiator's second round trip
	Db1 []float64 // tx2 - rx1: target's reply delay
	Db2 []float64 // tx3 - tx2: target's second reply delay

	// D1, D2 are single-trip deltas (rx1-tx1, rx2-tx2) kept for wrap
	// diagnostics in unaveraged static mode; nil when rows are
	// segment-averaged.
	D1, D2 []float64
}

// Pair returns the canonical pair key for this dataset.
func (d *Dataset) Pair() Pair { return MakePair(d.Initiator, d.Target) }

// Len returns the number of retained rows.
func (d *Dataset) Len() int { return len(d.Ra1) }

// Aligned reports whether all non-nil sequences have the same length.
func (d *Dataset) Aligned() bool {
	n := len(d.Ra1)
	for _, s := range [][]float64{d.DT, d.GroundTruth, d.Ra2, d.Db1, d.Db2} {
		if len(s) != n {
			return false
		}
	}
	if d.D1 != nil && len(d.D1) != n {
		return false
	}
	if d.D2 != nil && len(d.D2) != n {
		return false
	}
	return true
}

// FilterOutliers drops every row where any of |Ra1|, |Ra2|, |Db1|, |Db2|
// exceeds thresholdNs, removing the same rows from every parallel sequence
// so the dataset stays aligned. Returns the number of rows dropped.
// Dropped rows are gone for good.
func (d *Dataset) FilterOutliers(thresholdNs float64) int {
	n := d.Len()
	keep := make([]bool, n)
	kept := 0
	for i := 0; i < n; i++ {
		if math.Abs(d.Ra1[i]) > thresholdNs || math.Abs(d.Ra2[i]) > thresholdNs ||
			math.Abs(d.Db1[i]) > thresholdNs || math.Abs(d.Db2[i]) > thresholdNs {
			continue
		}
		keep[i] = true
		kept++
	}
	if kept == n {
		return 0
	}
	d.DT = compact(d.DT, keep)
	d.GroundTruth = compact(d.GroundTruth, keep)
	d.Ra1 = compact(d.Ra1, keep)
	d.Ra2 = compact(d.Ra2, keep)
	d.Db1 = compact(d.Db1, keep)
	d.Db2 = compact(d.Db2, keep)
	d.D1 = compact(d.D1, keep)
	d.D2 = compact(d.D2, keep)
	return n - kept
}

// compact keeps s[i] where keep[i], preserving order. A nil slice stays nil.
func compact(s []float64, keep []bool) []float64 {
	if s == nil {
		return nil
	}
	out := s[:0]
	for i, v := range s {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out
}

// SkewGains returns the per-row clock-skew gain K. For TypeDoubleSided this
// is Ra2/Db2, the initiator-to-target clock-rate ratio over the second
// round trip; TypeBasic models no drift and returns all ones. A zero Db2
// yields a non-finite gain, which the calibrator discards at assembly time.
func (d *Dataset) SkewGains(typ Type) []float64 {
	k := make([]float64, d.Len())
	if typ == TypeBasic {
		for i := range k {
			k[i] = 1
		}
		return k
	}
	for i := range k {
		k[i] = d.Ra2[i] / d.Db2[i]
	}
	return k
}

// Ranges converts the current (possibly delay-corrected) deltas to
// distances in meters, one per row, using the standard double-sided TWR
// formula 0.5*c*(Ra1 - K*Db1)/1e9 with K per SkewGains.
func (d *Dataset) Ranges(typ Type) []float64 {
	k := d.SkewGains(typ)
	out := make([]float64, d.Len())
	for i := range out {
		out[i] = 0.5 * SpeedOfLight * (d.Ra1[i] - k[i]*d.Db1[i]) / 1e9
	}
	return out
}

// ApplyDelay bakes a known antenna delay into the stored deltas: when id is
// this dataset's initiator the delay inflates Ra1, when it is the target it
// deflates Db1. Reports whether the dataset was touched.
//
// TODO: decide whether D1/D2 should absorb a delay share as well; that
// needs separate tx and rx delay estimates rather than the lumped
// per-module value solved here.
func (d *Dataset) ApplyDelay(id ModuleID, delayNs float64) bool {
	switch id {
	case d.Initiator:
		for i := range d.Ra1 {
			d.Ra1[i] += delayNs
		}
	case d.Target:
		for i := range d.Db1 {
			d.Db1[i] -= delayNs
		}
	default:
		return false
	}
	return true
}

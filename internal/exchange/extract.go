package exchange

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/stat"

	"uwb-calibration/internal/clock"
	"uwb-calibration/internal/twr"
)

// Options control how raw records become a calibration dataset.
type Options struct {
	// Static marks recordings where the modules held fixed formations
	// separated by repositioning gaps. Ground truth is averaged per
	// formation segment and the D1/D2 diagnostics are kept.
	Static bool

	// Average collapses each formation segment to its mean, yielding one
	// dataset row per segment. Only meaningful with Static.
	Average bool

	// OutlierThresholdNs drops rows whose round-trip deltas exceed it.
	// Zero selects twr.DefaultOutlierThresholdNs.
	OutlierThresholdNs float64
}

// Stats describes what extraction did to one pair's rows.
type Stats struct {
	RowsRead        int // records matching the pair before cleaning
	Segments        int // formation segments found on the reference timeline
	WrapFixes       int // values repaired by the counter wrap rules
	OutliersDropped int // rows removed by the outlier filter
}

// IntegrityError reports an exchange log whose module identifiers do not
// match the pair the caller asked for. The log was recorded by a different
// formation; there is nothing to retry.
type IntegrityError struct {
	WantInitiator twr.ModuleID
	WantTarget    twr.ModuleID
	GotInitiator  twr.ModuleID
	GotTarget     twr.ModuleID
	Reason        string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("exchange log integrity: %s (want %d->%d, log starts %d->%d)",
		e.Reason, e.WantInitiator, e.WantTarget, e.GotInitiator, e.GotTarget)
}

// Extract turns the records of one initiator->target pair into a cleaned
// dataset. It validates the identifiers, segments the reference timeline at
// repositioning gaps, averages or keeps rows per Options, derives the
// round-trip deltas, repairs counter wrap, and drops outliers.
func Extract(l *Log, initiator, target twr.ModuleID, opts Options) (*twr.Dataset, Stats, error) {
	var stats Stats

	if len(l.Records) == 0 {
		return nil, stats, &IntegrityError{
			WantInitiator: initiator, WantTarget: target,
			Reason: "log is empty",
		}
	}
	first := l.Records[0]
	if first.Initiator != initiator {
		return nil, stats, &IntegrityError{
			WantInitiator: initiator, WantTarget: target,
			GotInitiator: first.Initiator, GotTarget: first.Target,
			Reason: "log recorded by a different initiator",
		}
	}
	recs := l.Select(initiator, target)
	if len(recs) == 0 {
		return nil, stats, &IntegrityError{
			WantInitiator: initiator, WantTarget: target,
			GotInitiator: first.Initiator, GotTarget: first.Target,
			Reason: "no records for target",
		}
	}
	stats.RowsRead = len(recs)

	threshold := opts.OutlierThresholdNs
	if threshold == 0 {
		threshold = twr.DefaultOutlierThresholdNs
	}

	// Column views over the selected records.
	n := len(recs)
	refTs := make([]float64, n)
	gt := make([]float64, n)
	tx1 := make([]float64, n)
	rx1 := make([]float64, n)
	tx2 := make([]float64, n)
	rx2 := make([]float64, n)
	tx3 := make([]float64, n)
	rx3 := make([]float64, n)
	for i, r := range recs {
		refTs[i] = r.RefTime
		gt[i] = r.GroundTruth
		tx1[i] = r.Tx1
		rx1[i] = r.Rx1
		tx2[i] = r.Tx2
		rx2[i] = r.Rx2
		tx3[i] = r.Tx3
		rx3[i] = r.Rx3
	}

	bounds := clock.SegmentBounds(refTs)
	stats.Segments = len(bounds) - 1

	ds := &twr.Dataset{Initiator: initiator, Target: target}

	// Per-row round-trip deltas; averaged modes reduce these per segment.
	ra1 := sub(rx2, tx1)
	ra2 := sub(rx3, rx2)
	db1 := sub(tx2, rx1)
	db2 := sub(tx3, tx2)

	// txRef is the transmit timeline the between-rows deltas are derived
	// from below.
	var txRef []float64

	switch {
	case opts.Static && opts.Average:
		nSeg := len(bounds) - 1
		ds.GroundTruth = make([]float64, 0, nSeg)
		ds.Ra1 = make([]float64, 0, nSeg)
		ds.Ra2 = make([]float64, 0, nSeg)
		ds.Db1 = make([]float64, 0, nSeg)
		ds.Db2 = make([]float64, 0, nSeg)
		txRef = make([]float64, 0, nSeg)
		for s := 0; s < nSeg; s++ {
			beg, end := bounds[s], bounds[s+1]
			ds.GroundTruth = append(ds.GroundTruth, stat.Mean(gt[beg:end], nil))
			ds.Ra1 = append(ds.Ra1, stat.Mean(ra1[beg:end], nil))
			ds.Ra2 = append(ds.Ra2, stat.Mean(ra2[beg:end], nil))
			ds.Db1 = append(ds.Db1, stat.Mean(db1[beg:end], nil))
			ds.Db2 = append(ds.Db2, stat.Mean(db2[beg:end], nil))
			txRef = append(txRef, stat.Mean(tx1[beg:end], nil))
		}

	case opts.Static:
		// Every row survives, but ground truth within a formation is the
		// segment mean so survey jitter does not leak into the solve.
		ds.GroundTruth = make([]float64, n)
		for s := 0; s < len(bounds)-1; s++ {
			beg, end := bounds[s], bounds[s+1]
			m := stat.Mean(gt[beg:end], nil)
			for i := beg; i < end; i++ {
				ds.GroundTruth[i] = m
			}
		}
		ds.Ra1, ds.Ra2, ds.Db1, ds.Db2 = ra1, ra2, db1, db2
		ds.D1 = sub(rx1, tx1)
		ds.D2 = sub(rx2, tx2)
		txRef = tx1

	default:
		// Mobile recording: no formations to average over, ground truth
		// is trusted per row and the D1/D2 diagnostics have no stable
		// baseline to wrap-check against.
		ds.GroundTruth = gt
		ds.Ra1, ds.Ra2, ds.Db1, ds.Db2 = ra1, ra2, db1, db2
		txRef = tx1
	}

	// Nanoseconds between consecutive rows on the transmit timeline, first
	// entry zero.
	ds.DT = make([]float64, len(txRef))
	for i := 1; i < len(txRef); i++ {
		ds.DT[i] = txRef[i] - txRef[i-1]
	}
	stats.WrapFixes += clock.UnwrapDeltas(ds.DT)

	stats.WrapFixes += clock.UnwrapDeltas(ds.Ra1)
	stats.WrapFixes += clock.UnwrapDeltas(ds.Ra2)
	stats.WrapFixes += clock.UnwrapDeltas(ds.Db1)
	stats.WrapFixes += clock.UnwrapDeltas(ds.Db2)

	if ds.D1 != nil {
		// Cross-clock diagnostics carry the inter-module offset, so wrap
		// shows up as deviation from the segment's baseline rather than
		// as a negative value.
		stats.WrapFixes += clock.UnwrapSegmentRelative(ds.D1, bounds)
		stats.WrapFixes += clock.UnwrapSegmentRelative(ds.D2, bounds)
	}

	stats.OutliersDropped = ds.FilterOutliers(threshold)
	if stats.OutliersDropped > 0 {
		log.Printf("Pair %d->%d: dropped %d outlier rows (threshold %.0f ns)",
			initiator, target, stats.OutliersDropped, threshold)
	}

	return ds, stats, nil
}

func sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range out {
		out[i] = a[i] - b[i]
	}
	return out
}

package calibrate

import (
	"errors"
	"math"
	"strings"
	"testing"

	"uwb-calibration/internal/exchange"
	"uwb-calibration/internal/twr"
)

// syntheticDataset builds a consistent dataset for one pair with known
// antenna delays baked into the measured round-trips: for skew gain K,
// Ra1 = 2*tof + K*Db1 - d_initiator - K*d_target. Turnarounds vary per row
// so stacked systems stay well conditioned.
func syntheticDataset(init, tgt twr.ModuleID, gtMeters float64, delays map[twr.ModuleID]float64, k float64, rows int) *twr.Dataset {
	tau := gtMeters / twr.SpeedOfLight * 1e9
	ds := &twr.Dataset{Initiator: init, Target: tgt}
	for r := 0; r < rows; r++ {
		db1 := 1e6 + float64(r)*10
		db2 := 1e6
		ds.GroundTruth = append(ds.GroundTruth, gtMeters)
		ds.DT = append(ds.DT, 0)
		ds.Ra1 = append(ds.Ra1, 2*tau+k*db1-delays[init]-k*delays[tgt])
		ds.Ra2 = append(ds.Ra2, k*db2)
		ds.Db1 = append(ds.Db1, db1)
		ds.Db2 = append(ds.Db2, db2)
	}
	return ds
}

func trioSession(t *testing.T, delays map[twr.ModuleID]float64, k float64, rows int) *Session {
	t.Helper()
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, k, rows)); err != nil {
		t.Fatalf("Failed to add dataset 1->2: %v", err)
	}
	if err := s.Add(syntheticDataset(1, 3, 15.0, delays, k, rows)); err != nil {
		t.Fatalf("Failed to add dataset 1->3: %v", err)
	}
	if err := s.Add(syntheticDataset(2, 3, 20.0, delays, k, rows)); err != nil {
		t.Fatalf("Failed to add dataset 2->3: %v", err)
	}
	return s
}

func TestNewCalibratorRequiresConfig(t *testing.T) {
	if _, err := NewCalibrator(nil); err == nil {
		t.Error("Expected error for nil config, got nil")
	}
}

func TestSessionRejectsDuplicatePair(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 0, 2: 0}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 2)); err != nil {
		t.Fatalf("Failed to add first dataset: %v", err)
	}

	// The reverse direction is the same canonical pair
	if err := s.Add(syntheticDataset(2, 1, 10.0, delays, 1, 2)); err == nil {
		t.Error("Expected error for duplicate pair, got nil")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 dataset in session, got %d", s.Len())
	}
}

func TestSessionLookupIsDirectionless(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 0, 2: 0}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 2)); err != nil {
		t.Fatalf("Failed to add dataset: %v", err)
	}

	if _, ok := s.Dataset(1, 2); !ok {
		t.Error("Expected dataset lookup 1,2 to succeed")
	}
	if _, ok := s.Dataset(2, 1); !ok {
		t.Error("Expected dataset lookup 2,1 to succeed")
	}
	if _, ok := s.Dataset(1, 3); ok {
		t.Error("Expected dataset lookup 1,3 to fail")
	}
}

func TestCalibrateRecoversKnownDelays(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	s := trioSession(t, delays, 1, 4)

	trio, err := twr.NewTrio(1, 2, 3)
	if err != nil {
		t.Fatalf("Failed to build trio: %v", err)
	}
	cal, err := NewCalibrator(&Config{Type: twr.TypeBasic})
	if err != nil {
		t.Fatalf("Failed to create calibrator: %v", err)
	}

	result, err := cal.Calibrate(s, trio)
	if err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}

	if result.Rows != 12 {
		t.Errorf("Expected 12 stacked rows, got %d", result.Rows)
	}
	if result.SkippedRows != 0 {
		t.Errorf("Expected 0 skipped rows, got %d", result.SkippedRows)
	}
	for id, want := range delays {
		if math.Abs(result.Delays[id]-want) > 1e-6 {
			t.Errorf("Delay for module %d: expected %f, got %f", id, want, result.Delays[id])
		}
	}

	// The synthetic data is exactly consistent, so the fit is exact
	if result.ResidualNorm > 1e-6 {
		t.Errorf("Expected near-zero residual, got %g", result.ResidualNorm)
	}
	if result.ObservationNorm <= 0 {
		t.Errorf("Expected positive observation norm, got %g", result.ObservationNorm)
	}
}

func TestCalibrateDoubleSidedRecoversDelays(t *testing.T) {
	// A skew gain away from 1 simulates relative clock drift
	delays := map[twr.ModuleID]float64{1: 12.5, 2: 18.0, 3: 27.25}
	s := trioSession(t, delays, 1.00002, 4)

	trio, err := twr.NewTrio(1, 2, 3)
	if err != nil {
		t.Fatalf("Failed to build trio: %v", err)
	}
	cal, err := NewCalibrator(&Config{Type: twr.TypeDoubleSided})
	if err != nil {
		t.Fatalf("Failed to create calibrator: %v", err)
	}

	result, err := cal.Calibrate(s, trio)
	if err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
	for id, want := range delays {
		if math.Abs(result.Delays[id]-want) > 1e-6 {
			t.Errorf("Delay for module %d: expected %f, got %f", id, want, result.Delays[id])
		}
	}
}

func TestCalibrateHandlesReversedRecording(t *testing.T) {
	// Pair {1,3} was recorded with module 3 initiating; columns must follow
	// the dataset's own roles, not the trio exchange order
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 4)); err != nil {
		t.Fatalf("Failed to add dataset 1->2: %v", err)
	}
	if err := s.Add(syntheticDataset(3, 1, 15.0, delays, 1, 4)); err != nil {
		t.Fatalf("Failed to add dataset 3->1: %v", err)
	}
	if err := s.Add(syntheticDataset(2, 3, 20.0, delays, 1, 4)); err != nil {
		t.Fatalf("Failed to add dataset 2->3: %v", err)
	}

	trio, err := twr.NewTrio(1, 2, 3)
	if err != nil {
		t.Fatalf("Failed to build trio: %v", err)
	}
	cal, err := NewCalibrator(&Config{Type: twr.TypeBasic})
	if err != nil {
		t.Fatalf("Failed to create calibrator: %v", err)
	}

	result, err := cal.Calibrate(s, trio)
	if err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
	for id, want := range delays {
		if math.Abs(result.Delays[id]-want) > 1e-6 {
			t.Errorf("Delay for module %d: expected %f, got %f", id, want, result.Delays[id])
		}
	}
}

func TestCalibrateSkipsUnusableObservations(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	s := trioSession(t, delays, 1, 4)

	// Poison one ground-truth entry; the row must be skipped, not solved on
	ds, _ := s.Dataset(1, 2)
	ds.GroundTruth[0] = math.NaN()

	trio, _ := twr.NewTrio(1, 2, 3)
	cal, _ := NewCalibrator(&Config{Type: twr.TypeBasic})

	result, err := cal.Calibrate(s, trio)
	if err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
	if result.SkippedRows != 1 {
		t.Errorf("Expected 1 skipped row, got %d", result.SkippedRows)
	}
	if result.Rows != 11 {
		t.Errorf("Expected 11 stacked rows, got %d", result.Rows)
	}
	for id, want := range delays {
		if math.Abs(result.Delays[id]-want) > 1e-6 {
			t.Errorf("Delay for module %d: expected %f, got %f", id, want, result.Delays[id])
		}
	}
}

func TestCalibrateFailsWithoutAllPairs(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 4)); err != nil {
		t.Fatalf("Failed to add dataset: %v", err)
	}

	trio, _ := twr.NewTrio(1, 2, 3)
	cal, _ := NewCalibrator(&Config{Type: twr.TypeBasic})

	_, err := cal.Calibrate(s, trio)
	if err == nil {
		t.Fatal("Expected error for missing pairs, got nil")
	}
	if !strings.Contains(err.Error(), "no dataset for pair") {
		t.Errorf("Expected missing-pair error, got: %v", err)
	}
}

func TestCalibrateDegenerateWithTooFewRows(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 1)); err != nil {
		t.Fatalf("Failed to add dataset 1->2: %v", err)
	}
	if err := s.Add(syntheticDataset(1, 3, 15.0, delays, 1, 1)); err != nil {
		t.Fatalf("Failed to add dataset 1->3: %v", err)
	}
	if err := s.Add(syntheticDataset(2, 3, 20.0, delays, 1, 0)); err != nil {
		t.Fatalf("Failed to add empty dataset 2->3: %v", err)
	}

	trio, _ := twr.NewTrio(1, 2, 3)
	cal, _ := NewCalibrator(&Config{Type: twr.TypeBasic})

	_, err := cal.Calibrate(s, trio)
	if err == nil {
		t.Fatal("Expected degenerate system error, got nil")
	}
	var degenerate *DegenerateSystemError
	if !errors.As(err, &degenerate) {
		t.Fatalf("Expected DegenerateSystemError, got %T: %v", err, err)
	}
	if degenerate.Rows != 2 {
		t.Errorf("Expected 2 usable rows reported, got %d", degenerate.Rows)
	}
}

func TestSessionRangesSymmetric(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 0, 2: 0}
	s := NewSession()
	if err := s.Add(syntheticDataset(1, 2, 10.0, delays, 1, 3)); err != nil {
		t.Fatalf("Failed to add dataset: %v", err)
	}

	fwd, err := s.Ranges(1, 2, twr.TypeBasic)
	if err != nil {
		t.Fatalf("Failed to get ranges for 1,2: %v", err)
	}
	rev, err := s.Ranges(2, 1, twr.TypeBasic)
	if err != nil {
		t.Fatalf("Failed to get ranges for 2,1: %v", err)
	}
	if len(fwd) != 3 || len(rev) != 3 {
		t.Fatalf("Expected 3 ranges each way, got %d and %d", len(fwd), len(rev))
	}
	for i := range fwd {
		if fwd[i] != rev[i] {
			t.Errorf("Range[%d]: %f forward vs %f reverse", i, fwd[i], rev[i])
		}
	}

	if _, err := s.Ranges(1, 3, twr.TypeBasic); err == nil {
		t.Error("Expected error for unknown pair, got nil")
	}
}

// recordedExchange fabricates the raw board timestamps of one exchange with
// known delays baked in: Ra1 = 2*tof + Db1 - d_initiator - d_target, no
// relative clock drift (Ra2 = Db2).
func recordedExchange(init, tgt twr.ModuleID, ref, gtMeters float64, delays map[twr.ModuleID]float64, seq int) exchange.Record {
	tau := gtMeters / twr.SpeedOfLight * 1e9
	tx1 := 1e7 + float64(seq)*2e6
	db1 := 1e6
	db2 := 1e6
	ra1 := 2*tau + db1 - delays[init] - delays[tgt]
	rx1 := tx1 + tau
	tx2 := rx1 + db1
	rx2 := tx1 + ra1
	return exchange.Record{
		Initiator: init, Target: tgt, RefTime: ref, GroundTruth: gtMeters,
		Tx1: tx1, Rx1: rx1, Tx2: tx2, Rx2: rx2, Tx3: tx2 + db2, Rx3: rx2 + db2,
	}
}

func TestCalibrateEndToEndFromRecordedLogs(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	const gt = 2.0
	const rows = 5

	// Module 1 records its exchanges with 2 and 3; module 2 records 2->3
	log1 := &exchange.Log{}
	log2 := &exchange.Log{}
	for r := 0; r < rows; r++ {
		ref := float64(r) * 1e6
		log1.Records = append(log1.Records, recordedExchange(1, 2, ref, gt, delays, r))
		log1.Records = append(log1.Records, recordedExchange(1, 3, ref, gt, delays, r))
		log2.Records = append(log2.Records, recordedExchange(2, 3, ref, gt, delays, r))
	}

	opts := exchange.Options{Static: true}
	s := NewSession()
	sources := []struct {
		log       *exchange.Log
		init, tgt twr.ModuleID
	}{
		{log1, 1, 2},
		{log1, 1, 3},
		{log2, 2, 3},
	}
	for _, src := range sources {
		ds, stats, err := exchange.Extract(src.log, src.init, src.tgt, opts)
		if err != nil {
			t.Fatalf("Failed to extract pair %d->%d: %v", src.init, src.tgt, err)
		}
		if stats.WrapFixes != 0 || stats.OutliersDropped != 0 {
			t.Fatalf("Expected clean extraction for pair %d->%d, got %+v", src.init, src.tgt, stats)
		}
		if err := s.Add(ds); err != nil {
			t.Fatalf("Failed to add dataset %d->%d: %v", src.init, src.tgt, err)
		}
	}

	trio, err := twr.NewTrio(1, 2, 3)
	if err != nil {
		t.Fatalf("Failed to build trio: %v", err)
	}
	cal, err := NewCalibrator(&Config{Type: twr.TypeDoubleSided})
	if err != nil {
		t.Fatalf("Failed to create calibrator: %v", err)
	}

	result, err := cal.Calibrate(s, trio)
	if err != nil {
		t.Fatalf("Failed to calibrate: %v", err)
	}
	if result.Rows != 15 {
		t.Errorf("Expected 15 stacked rows, got %d", result.Rows)
	}
	for id, want := range delays {
		if math.Abs(result.Delays[id]-want) > 1e-3 {
			t.Errorf("Delay for module %d: expected %f, got %f", id, want, result.Delays[id])
		}
	}
}

func TestApplyFoldsDelaysIntoRanges(t *testing.T) {
	delays := map[twr.ModuleID]float64{1: 10, 2: 20, 3: 30}
	s := trioSession(t, delays, 1, 4)

	// Before correction the computed ranges carry the delay bias
	ds, _ := s.Dataset(1, 2)
	raw := ds.Ranges(twr.TypeBasic)
	if math.Abs(raw[0]-10.0) < 1e-4 {
		t.Fatalf("Expected biased range before correction, got %f", raw[0])
	}

	s.Apply(delays)

	wantByPair := map[twr.Pair]float64{
		twr.MakePair(1, 2): 10.0,
		twr.MakePair(1, 3): 15.0,
		twr.MakePair(2, 3): 20.0,
	}
	for _, pair := range s.Pairs() {
		ds, _ := s.Dataset(pair.Low, pair.High)
		want := wantByPair[pair]
		for i, got := range ds.Ranges(twr.TypeBasic) {
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("Pair %s range[%d]: expected %f, got %f", pair, i, want, got)
			}
		}
	}
}

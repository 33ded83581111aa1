package twr

import (
	"math"
	"testing"
)

// fourRows builds an aligned dataset with distinguishable values per row.
func fourRows() *Dataset {
	return &Dataset{
		Initiator:   1,
		Target:      2,
		DT:          []float64{0, 100, 200, 300},
		GroundTruth: []float64{2.0, 2.0, 2.0, 2.0},
		Ra1:         []float64{1e6, 2e6, 3e6, 4e6},
		Ra2:         []float64{1e6, 1e6, 1e6, 1e6},
		Db1:         []float64{9e5, 1.9e6, 2.9e6, 3.9e6},
		Db2:         []float64{1e6, 1e6, 1e6, 1e6},
		D1:          []float64{10, 20, 30, 40},
		D2:          []float64{11, 21, 31, 41},
	}
}

func TestFilterOutliersDropsUnionMask(t *testing.T) {
	d := fourRows()
	d.Ra2[1] = 6e7  // over threshold
	d.Db1[3] = -6e7 // magnitude over threshold

	dropped := d.FilterOutliers(DefaultOutlierThresholdNs)
	if dropped != 2 {
		t.Fatalf("FilterOutliers dropped %d rows, want 2", dropped)
	}
	if d.Len() != 2 {
		t.Fatalf("dataset has %d rows after filtering, want 2", d.Len())
	}
	if !d.Aligned() {
		t.Fatal("dataset lost alignment after filtering")
	}

	// Survivors keep their relative order and their row mates.
	if d.Ra1[0] != 1e6 || d.Ra1[1] != 3e6 {
		t.Fatalf("Ra1 after filter = %v, want [1e6 3e6]", d.Ra1)
	}
	if d.DT[0] != 0 || d.DT[1] != 200 {
		t.Fatalf("DT after filter = %v, want [0 200]", d.DT)
	}
	if d.D1[0] != 10 || d.D1[1] != 30 {
		t.Fatalf("D1 after filter = %v, want [10 30]", d.D1)
	}

	// All retained magnitudes are within the threshold.
	for i := 0; i < d.Len(); i++ {
		for _, v := range []float64{d.Ra1[i], d.Ra2[i], d.Db1[i], d.Db2[i]} {
			if math.Abs(v) > DefaultOutlierThresholdNs {
				t.Fatalf("row %d kept out-of-threshold value %v", i, v)
			}
		}
	}
}

func TestFilterOutliersKeepsCleanData(t *testing.T) {
	d := fourRows()
	if dropped := d.FilterOutliers(DefaultOutlierThresholdNs); dropped != 0 {
		t.Fatalf("FilterOutliers dropped %d rows from clean data", dropped)
	}
	if d.Len() != 4 {
		t.Fatalf("clean dataset shrank to %d rows", d.Len())
	}
}

func TestFilterOutliersWithoutDiagnostics(t *testing.T) {
	// Averaged datasets carry no D1/D2; filtering must not invent them.
	d := fourRows()
	d.D1, d.D2 = nil, nil
	d.Ra1[0] = 7e7

	if dropped := d.FilterOutliers(DefaultOutlierThresholdNs); dropped != 1 {
		t.Fatalf("dropped %d rows, want 1", dropped)
	}
	if d.D1 != nil || d.D2 != nil {
		t.Fatal("filtering materialized nil diagnostic sequences")
	}
	if !d.Aligned() {
		t.Fatal("dataset lost alignment")
	}
}

func TestSkewGainsBasicIsAllOnes(t *testing.T) {
	d := fourRows()
	d.Ra2 = []float64{5, -3, 0, 1e9} // values must not matter
	d.Db2 = []float64{1, 2, 0, 4}

	k := d.SkewGains(TypeBasic)
	if len(k) != d.Len() {
		t.Fatalf("SkewGains returned %d gains for %d rows", len(k), d.Len())
	}
	for i, v := range k {
		if v != 1 {
			t.Fatalf("k[%d] = %v, want 1", i, v)
		}
	}
}

func TestSkewGainsDoubleSided(t *testing.T) {
	d := fourRows()
	d.Ra2 = []float64{2e6, 3e6, 1e6, 5e6}
	d.Db2 = []float64{1e6, 2e6, 1e6, 0}

	k := d.SkewGains(TypeDoubleSided)
	want := []float64{2, 1.5, 1, math.Inf(1)}
	for i := range want {
		if math.IsInf(want[i], 1) {
			if !math.IsInf(k[i], 1) {
				t.Fatalf("k[%d] = %v, want +Inf for zero Db2", i, k[i])
			}
			continue
		}
		if math.Abs(k[i]-want[i]) > 1e-12 {
			t.Fatalf("k[%d] = %v, want %v", i, k[i], want[i])
		}
	}
}

func TestRangesRecoverGroundTruth(t *testing.T) {
	// With Ra1 = 2*tof + Db1 and no drift, the range formula must return
	// the distance the time of flight encodes.
	const dist = 2.0
	tofNs := dist / SpeedOfLight * 1e9

	d := &Dataset{
		Initiator:   1,
		Target:      2,
		GroundTruth: []float64{dist, dist},
		Ra1:         []float64{2*tofNs + 1e6, 2*tofNs + 2e6},
		Ra2:         []float64{3e6, 3e6},
		Db1:         []float64{1e6, 2e6},
		Db2:         []float64{3e6, 3e6},
		DT:          []float64{0, 100},
	}

	for _, typ := range []Type{TypeBasic, TypeDoubleSided} {
		for i, r := range d.Ranges(typ) {
			if math.Abs(r-dist) > 1e-9 {
				t.Errorf("%v: range[%d] = %v m, want %v m", typ, i, r, dist)
			}
		}
	}
}

func TestApplyDelayMutatesByRole(t *testing.T) {
	d := fourRows()
	ra1 := append([]float64(nil), d.Ra1...)
	db1 := append([]float64(nil), d.Db1...)

	if !d.ApplyDelay(1, 10) { // initiator
		t.Fatal("ApplyDelay(initiator) reported no effect")
	}
	for i := range ra1 {
		if d.Ra1[i] != ra1[i]+10 {
			t.Fatalf("Ra1[%d] = %v, want %v", i, d.Ra1[i], ra1[i]+10)
		}
	}

	if !d.ApplyDelay(2, 20) { // target
		t.Fatal("ApplyDelay(target) reported no effect")
	}
	for i := range db1 {
		if d.Db1[i] != db1[i]-20 {
			t.Fatalf("Db1[%d] = %v, want %v", i, d.Db1[i], db1[i]-20)
		}
	}

	if d.ApplyDelay(99, 5) {
		t.Fatal("ApplyDelay touched a dataset for an unrelated module")
	}

	// Single-trip diagnostics stay as extracted.
	if d.D1[0] != 10 || d.D2[0] != 11 {
		t.Fatal("ApplyDelay altered D1/D2")
	}
}

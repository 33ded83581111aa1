package twr

import "testing"

func TestMakePairCanonical(t *testing.T) {
	a := MakePair(7, 3)
	b := MakePair(3, 7)
	if a != b {
		t.Fatalf("MakePair is order-dependent: %v vs %v", a, b)
	}
	if a.Low != 3 || a.High != 7 {
		t.Fatalf("MakePair(7,3) = %v, want 3<->7", a)
	}
	if !a.Has(3) || !a.Has(7) || a.Has(5) {
		t.Fatalf("Pair.Has misreports membership for %v", a)
	}
}

func TestNewTrioRejectsDuplicates(t *testing.T) {
	for _, ids := range [][3]ModuleID{{1, 1, 3}, {1, 2, 1}, {2, 3, 3}} {
		if _, err := NewTrio(ids[0], ids[1], ids[2]); err == nil {
			t.Errorf("NewTrio(%v) accepted duplicate ids", ids)
		}
	}
	if _, err := NewTrio(1, 2, 3); err != nil {
		t.Fatalf("NewTrio(1,2,3) failed: %v", err)
	}
}

func TestTrioColumns(t *testing.T) {
	trio, err := NewTrio(5, 9, 2)
	if err != nil {
		t.Fatalf("NewTrio failed: %v", err)
	}

	cases := []struct {
		id   ModuleID
		col  int
		want bool
	}{
		{5, 0, true},
		{9, 1, true},
		{2, 2, true},
		{8, 0, false},
	}
	for _, c := range cases {
		col, ok := trio.Column(c.id)
		if ok != c.want || (ok && col != c.col) {
			t.Errorf("Column(%d) = (%d, %v), want (%d, %v)", c.id, col, ok, c.col, c.want)
		}
	}

	mods := trio.Modules()
	if mods != [3]ModuleID{5, 9, 2} {
		t.Fatalf("Modules() = %v, want [5 9 2]", mods)
	}
}

func TestTrioExchangeOrder(t *testing.T) {
	trio, _ := NewTrio(1, 2, 3)
	want := [3][2]ModuleID{{1, 2}, {1, 3}, {2, 3}}
	if got := trio.Exchanges(); got != want {
		t.Fatalf("Exchanges() = %v, want %v", got, want)
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType(0); err != nil || typ != TypeBasic {
		t.Errorf("ParseType(0) = (%v, %v), want TypeBasic", typ, err)
	}
	if typ, err := ParseType(1); err != nil || typ != TypeDoubleSided {
		t.Errorf("ParseType(1) = (%v, %v), want TypeDoubleSided", typ, err)
	}
	if _, err := ParseType(2); err == nil {
		t.Error("ParseType(2) accepted an unknown variant")
	}
}

// Package twr models two-way-ranging exchange data between UWB modules and
// the per-dataset operations the calibration pipeline performs on it.
package twr

import "fmt"

// ModuleID identifies a UWB module (a DW1000 short address fits).
type ModuleID uint16

// Type selects the two-way-ranging protocol variant.
type Type int

const (
	// TypeBasic models no relative clock drift: the skew gain is unity.
	TypeBasic Type = 0
	// TypeDoubleSided rescales the target's reply delay by the Ra2/Db2
	// clock-rate ratio measured over the second round trip.
	TypeDoubleSided Type = 1
)

// ParseType validates an integer protocol selector from configuration.
func ParseType(v int) (Type, error) {
	switch v {
	case 0:
		return TypeBasic, nil
	case 1:
		return TypeDoubleSided, nil
	}
	return 0, fmt.Errorf("unknown twr_type %d (want 0 or 1)", v)
}

func (t Type) String() string {
	switch t {
	case TypeBasic:
		return "basic"
	case TypeDoubleSided:
		return "double-sided"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Pair is an unordered pair of module ids in canonical order, usable as a
// map key regardless of which module initiated the exchange.
type Pair struct {
	Low, High ModuleID
}

// MakePair canonicalizes two module ids into a Pair.
func MakePair(a, b ModuleID) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// Has reports whether id is one of the pair's modules.
func (p Pair) Has(id ModuleID) bool { return p.Low == id || p.High == id }

func (p Pair) String() string { return fmt.Sprintf("%d<->%d", p.Low, p.High) }

// Trio names the three module roles of a calibration session, which fixes
// the column order of the least-squares system. FirstInitiator drives the
// first two exchanges, SecondInitiator the third, Responder never initiates.
type Trio struct {
	FirstInitiator  ModuleID
	SecondInitiator ModuleID
	Responder       ModuleID
}

// NewTrio builds a Trio, rejecting duplicate ids.
func NewTrio(first, second, responder ModuleID) (Trio, error) {
	if first == second || first == responder || second == responder {
		return Trio{}, fmt.Errorf("trio ids must be distinct, got %d, %d, %d", first, second, responder)
	}
	return Trio{FirstInitiator: first, SecondInitiator: second, Responder: responder}, nil
}

// Modules returns the trio's ids in design-matrix column order.
func (t Trio) Modules() [3]ModuleID {
	return [3]ModuleID{t.FirstInitiator, t.SecondInitiator, t.Responder}
}

// Column maps a module id to its design-matrix column.
func (t Trio) Column(id ModuleID) (int, bool) {
	switch id {
	case t.FirstInitiator:
		return 0, true
	case t.SecondInitiator:
		return 1, true
	case t.Responder:
		return 2, true
	}
	return 0, false
}

// Exchanges returns the session's three directed initiator->target pairs in
// assembly order.
func (t Trio) Exchanges() [3][2]ModuleID {
	return [3][2]ModuleID{
		{t.FirstInitiator, t.SecondInitiator},
		{t.FirstInitiator, t.Responder},
		{t.SecondInitiator, t.Responder},
	}
}

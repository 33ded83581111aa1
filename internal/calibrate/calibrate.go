// Package calibrate solves per-module antenna delays from cleaned TWR datasets
package calibrate

import (
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"uwb-calibration/internal/twr"
)

// Config holds the configuration for a calibration solve
type Config struct {
	Type    twr.Type // TWR protocol variant recorded in the logs
	Verbose bool     // enable verbose logging
}

// Session collects the cleaned datasets of one calibration recording, keyed
// by canonical module pair. A pair holds exactly one dataset regardless of
// which module initiated.
type Session struct {
	datasets map[twr.Pair]*twr.Dataset
	order    []twr.Pair
}

// NewSession creates an empty calibration session.
func NewSession() *Session {
	return &Session{datasets: make(map[twr.Pair]*twr.Dataset)}
}

// Add registers a dataset under its canonical pair. Adding a second dataset
// for the same pair is an error: one recording per pair per session.
func (s *Session) Add(ds *twr.Dataset) error {
	if ds == nil {
		return fmt.Errorf("dataset cannot be nil")
	}
	if !ds.Aligned() {
		return fmt.Errorf("dataset for pair %s has misaligned columns", ds.Pair())
	}
	pair := ds.Pair()
	if _, exists := s.datasets[pair]; exists {
		return fmt.Errorf("session already has a dataset for pair %s", pair)
	}
	s.datasets[pair] = ds
	s.order = append(s.order, pair)
	return nil
}

// Dataset returns the dataset recorded between two modules, in either
// direction.
func (s *Session) Dataset(a, b twr.ModuleID) (*twr.Dataset, bool) {
	ds, ok := s.datasets[twr.MakePair(a, b)]
	return ds, ok
}

// Pairs returns the session's pairs in the order they were added.
func (s *Session) Pairs() []twr.Pair {
	out := make([]twr.Pair, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of datasets in the session.
func (s *Session) Len() int { return len(s.datasets) }

// Apply folds solved delays into every dataset of the session, so that
// recomputed ranges reflect the calibration.
func (s *Session) Apply(delays map[twr.ModuleID]float64) {
	for _, ds := range s.datasets {
		for id, d := range delays {
			ds.ApplyDelay(id, d)
		}
	}
}

// Ranges returns the per-row ranges in meters between two modules, in
// whichever direction the pair was recorded. The result reflects any delays
// already folded in via Apply.
func (s *Session) Ranges(a, b twr.ModuleID, typ twr.Type) ([]float64, error) {
	ds, ok := s.Dataset(a, b)
	if !ok {
		return nil, fmt.Errorf("session has no dataset for pair %s", twr.MakePair(a, b))
	}
	return ds.Ranges(typ), nil
}

// Result holds a completed antenna-delay solve
type Result struct {
	Modules         [3]twr.ModuleID          `json:"modules"`
	Delays          map[twr.ModuleID]float64 `json:"delays_ns"`
	Type            twr.Type                 `json:"twr_type"`
	Rows            int                      `json:"rows"`
	SkippedRows     int                      `json:"skipped_rows"`
	ObservationNorm float64                  `json:"observation_norm_ns"`
	ResidualNorm    float64                  `json:"residual_norm_ns"`
	ProcessedAt     time.Time                `json:"processed_at"`
	PairSummaries   []PairSummary            `json:"pairs,omitempty"`
}

// PairSummary reports per-pair extraction and correction statistics
// alongside an exported result.
type PairSummary struct {
	Initiator       twr.ModuleID `json:"initiator"`
	Target          twr.ModuleID `json:"target"`
	Rows            int          `json:"rows"`
	Segments        int          `json:"segments"`
	WrapFixes       int          `json:"wrap_fixes"`
	OutliersDropped int          `json:"outliers_dropped"`
	MeanRangeErrorM float64      `json:"mean_range_error_m"`
}

// DegenerateSystemError reports a calibration system that cannot pin down
// all three delays: too few usable rows, or a design matrix without full
// column rank.
type DegenerateSystemError struct {
	Rows int
	Err  error
}

func (e *DegenerateSystemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("degenerate calibration system (%d rows): %v", e.Rows, e.Err)
	}
	return fmt.Sprintf("degenerate calibration system: %d usable rows, need at least 3", e.Rows)
}

func (e *DegenerateSystemError) Unwrap() error { return e.Err }

// Calibrator solves the joint antenna-delay least squares for a module trio
type Calibrator struct {
	config *Config
}

// NewCalibrator creates a calibrator with the given configuration.
func NewCalibrator(config *Config) (*Calibrator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &Calibrator{config: config}, nil
}

// Calibrate stacks the trio's three pairwise datasets into one overdetermined
// system and solves it by QR least squares. Each dataset row contributes
//
//	0.5*d_initiator + 0.5*K*d_target = gt/c*1e9 - 0.5*Ra1 + 0.5*K*Db1
//
// where K is the clock-skew gain for the configured TWR type. Rows whose
// observation is NaN or infinite are skipped and counted.
func (c *Calibrator) Calibrate(s *Session, trio twr.Trio) (*Result, error) {
	var (
		aData   []float64
		bData   []float64
		skipped int
	)

	for _, ex := range trio.Exchanges() {
		ds, ok := s.Dataset(ex[0], ex[1])
		if !ok {
			return nil, fmt.Errorf("session has no dataset for pair %s", twr.MakePair(ex[0], ex[1]))
		}

		// Column roles come from the dataset's own direction, so a pair
		// recorded from either end lands on the right unknowns.
		colInit, ok := trio.Column(ds.Initiator)
		if !ok {
			return nil, fmt.Errorf("dataset initiator %d is not part of trio %v", ds.Initiator, trio.Modules())
		}
		colTgt, ok := trio.Column(ds.Target)
		if !ok {
			return nil, fmt.Errorf("dataset target %d is not part of trio %v", ds.Target, trio.Modules())
		}

		if c.config.Verbose {
			fmt.Printf("   📐 Pair %s: %d rows stacked into columns %d and %d\n",
				ds.Pair(), ds.Len(), colInit, colTgt)
		}

		gains := ds.SkewGains(c.config.Type)
		for r := 0; r < ds.Len(); r++ {
			k := gains[r]
			obs := ds.GroundTruth[r]/twr.SpeedOfLight*1e9 - 0.5*ds.Ra1[r] + 0.5*k*ds.Db1[r]
			if math.IsNaN(obs) || math.IsInf(obs, 0) || math.IsInf(k, 0) {
				skipped++
				continue
			}
			row := [3]float64{}
			row[colInit] = 0.5
			row[colTgt] = 0.5 * k
			aData = append(aData, row[:]...)
			bData = append(bData, obs)
		}
	}

	if skipped > 0 {
		log.Printf("Skipped %d rows with unusable observations", skipped)
	}

	rows := len(bData)
	if rows < 3 {
		return nil, &DegenerateSystemError{Rows: rows}
	}

	A := mat.NewDense(rows, 3, aData)
	b := mat.NewVecDense(rows, bData)

	var qr mat.QR
	qr.Factorize(A)

	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, &DegenerateSystemError{Rows: rows, Err: err}
	}

	var ax, resid mat.VecDense
	ax.MulVec(A, &x)
	resid.SubVec(b, &ax)

	if c.config.Verbose {
		fmt.Printf("   📐 Solved %d-row system: residual norm %.3f ns (unfitted %.3f ns)\n",
			rows, mat.Norm(&resid, 2), mat.Norm(b, 2))
	}

	delays := make(map[twr.ModuleID]float64, 3)
	modules := trio.Modules()
	for i, id := range modules {
		delays[id] = x.AtVec(i)
	}

	return &Result{
		Modules:         modules,
		Delays:          delays,
		Type:            c.config.Type,
		Rows:            rows,
		SkippedRows:     skipped,
		ObservationNorm: mat.Norm(b, 2),
		ResidualNorm:    mat.Norm(&resid, 2),
		ProcessedAt:     time.Now(),
	}, nil
}

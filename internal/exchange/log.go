// Package exchange models recorded TWR exchange logs and turns them into
// cleaned per-pair calibration datasets.
package exchange

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"uwb-calibration/internal/twr"
)

// Record is one completed TWR exchange as captured in the field. The
// protocol is reverse double-sided: the initiator polls once and the target
// replies twice, so tx1/rx2/rx3 tick in the initiator's clock and
// rx1/tx2/tx3 in the target's. Timestamps are nanoseconds.
type Record struct {
	Initiator   twr.ModuleID
	Target      twr.ModuleID
	RefTime     float64 // external reference timeline (mocap or capture clock)
	GroundTruth float64 // surveyed distance, m
	Tx1         float64 // poll transmit, initiator clock
	Rx1         float64 // poll receive, target clock
	Tx2         float64 // first reply transmit, target clock
	Rx2         float64 // first reply receive, initiator clock
	Tx3         float64 // second reply transmit, target clock
	Rx3         float64 // second reply receive, initiator clock
}

// header is the column layout of an exchange log CSV.
var header = []string{
	"initiator", "target", "ref_time_ns", "ground_truth_m",
	"tx1_ns", "rx1_ns", "tx2_ns", "rx2_ns", "tx3_ns", "rx3_ns",
}

// Log is a parsed exchange log: every exchange one initiator completed,
// possibly interleaving several targets.
type Log struct {
	Records []Record
}

// Pairs returns the distinct initiator->target pairs present in the log, in
// first-seen order.
func (l *Log) Pairs() [][2]twr.ModuleID {
	var pairs [][2]twr.ModuleID
	seen := make(map[[2]twr.ModuleID]bool)
	for _, r := range l.Records {
		key := [2]twr.ModuleID{r.Initiator, r.Target}
		if !seen[key] {
			seen[key] = true
			pairs = append(pairs, key)
		}
	}
	return pairs
}

// Select returns the records for one initiator->target pair, in log order.
func (l *Log) Select(initiator, target twr.ModuleID) []Record {
	var out []Record
	for _, r := range l.Records {
		if r.Initiator == initiator && r.Target == target {
			out = append(out, r)
		}
	}
	return out
}

// ReadFile parses the exchange log at path.
func ReadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange log: %w", err)
	}
	defer f.Close()

	log, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return log, nil
}

// Read parses an exchange log from r. The first row must be the header;
// '#'-prefixed lines are skipped as comments.
func Read(r io.Reader) (*Log, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(header)

	head, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty exchange log")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, name := range header {
		if strings.TrimSpace(head[i]) != name {
			return nil, fmt.Errorf("unexpected header column %d: %q (want %q)", i, head[i], name)
		}
	}

	log := &Log{}
	row := 1 // header consumed
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", row, err)
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		log.Records = append(log.Records, rec)
	}
	return log, nil
}

func parseRecord(fields []string) (Record, error) {
	var rec Record

	init64, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 16)
	if err != nil {
		return rec, fmt.Errorf("bad initiator id %q: %w", fields[0], err)
	}
	tgt64, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 16)
	if err != nil {
		return rec, fmt.Errorf("bad target id %q: %w", fields[1], err)
	}
	rec.Initiator = twr.ModuleID(init64)
	rec.Target = twr.ModuleID(tgt64)

	vals := make([]float64, 8)
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[2+i]), 64)
		if err != nil {
			return rec, fmt.Errorf("bad %s value %q: %w", header[2+i], fields[2+i], err)
		}
		vals[i] = v
	}
	rec.RefTime, rec.GroundTruth = vals[0], vals[1]
	rec.Tx1, rec.Rx1 = vals[2], vals[3]
	rec.Tx2, rec.Rx2 = vals[4], vals[5]
	rec.Tx3, rec.Rx3 = vals[6], vals[7]
	return rec, nil
}

// Writer appends exchange records to a CSV log as they are captured.
type Writer struct {
	f  *os.File
	cw *csv.Writer
	n  int
}

// NewWriter creates (or truncates) the log at path and writes the header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange log: %w", err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &Writer{f: f, cw: cw}, nil
}

// Append writes one record to the log.
func (w *Writer) Append(rec Record) error {
	row := []string{
		strconv.FormatUint(uint64(rec.Initiator), 10),
		strconv.FormatUint(uint64(rec.Target), 10),
		formatTs(rec.RefTime),
		strconv.FormatFloat(rec.GroundTruth, 'f', 4, 64),
		formatTs(rec.Tx1), formatTs(rec.Rx1),
		formatTs(rec.Tx2), formatTs(rec.Rx2),
		formatTs(rec.Tx3), formatTs(rec.Rx3),
	}
	if err := w.cw.Write(row); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int { return w.n }

// Flush pushes buffered records to the file without closing it.
func (w *Writer) Flush() error {
	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		return fmt.Errorf("failed to flush exchange log: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// WriteFile writes a complete log to path in one shot.
func WriteFile(path string, records []Record) error {
	w, err := NewWriter(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Append(rec); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// formatTs keeps sub-nanosecond precision without exponent notation so the
// logs stay greppable.
func formatTs(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

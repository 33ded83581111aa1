package capture

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"uwb-calibration/internal/config"
	"uwb-calibration/internal/exchange"
	"uwb-calibration/internal/groundtruth"
)

func TestParseReportValidLine(t *testing.T) {
	rep, err := ParseReport("TWR,1,2,100,200,300,400,500,600")
	if err != nil {
		t.Fatalf("Failed to parse valid report: %v", err)
	}

	if rep.Initiator != 1 || rep.Target != 2 {
		t.Errorf("Expected pair 1->2, got %d->%d", rep.Initiator, rep.Target)
	}
	if rep.Tx1 != 100 || rep.Rx1 != 200 {
		t.Errorf("Expected tx1=100 rx1=200, got tx1=%d rx1=%d", rep.Tx1, rep.Rx1)
	}
	if rep.Tx3 != 500 || rep.Rx3 != 600 {
		t.Errorf("Expected tx3=500 rx3=600, got tx3=%d rx3=%d", rep.Tx3, rep.Rx3)
	}
}

func TestParseReportTrimsWhitespace(t *testing.T) {
	if _, err := ParseReport("  TWR,1,2,100,200,300,400,500,600\r"); err != nil {
		t.Errorf("Expected whitespace-padded line to parse, got: %v", err)
	}
}

func TestParseReportRejectsMalformedLines(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"wrong prefix", "RNG,1,2,100,200,300,400,500,600"},
		{"too few fields", "TWR,1,2,100,200,300"},
		{"too many fields", "TWR,1,2,100,200,300,400,500,600,700"},
		{"bad initiator", "TWR,x,2,100,200,300,400,500,600"},
		{"bad target", "TWR,1,,100,200,300,400,500,600"},
		{"identical ids", "TWR,3,3,100,200,300,400,500,600"},
		{"bad timestamp", "TWR,1,2,100,200,nan,400,500,600"},
		{"timestamp overflow", "TWR,1,2,100,200,300,400,500,4294967296"},
	}
	for _, c := range cases {
		if _, err := ParseReport(c.line); err == nil {
			t.Errorf("%s: expected parse error for %q, got nil", c.name, c.line)
		}
	}
}

func TestReportRecordConvertsTicksToNanoseconds(t *testing.T) {
	// 63897600 ticks of the 499.2 MHz x 128 counter is exactly 1 ms
	rep := Report{Initiator: 1, Target: 2, Tx1: 63897600}

	rec := rep.Record(42.0, 2.5)

	if rec.RefTime != 42.0 {
		t.Errorf("Expected ref time 42.0, got %f", rec.RefTime)
	}
	if rec.GroundTruth != 2.5 {
		t.Errorf("Expected ground truth 2.5, got %f", rec.GroundTruth)
	}
	if math.Abs(rec.Tx1-1e6) > 1e-9 {
		t.Errorf("Expected tx1 1e6 ns, got %f", rec.Tx1)
	}
	if rec.Rx1 != 0 {
		t.Errorf("Expected rx1 0 ns, got %f", rec.Rx1)
	}
}

func TestHandleLineCountsOutcomes(t *testing.T) {
	// Create a temporary directory for test files
	tempDir, err := os.MkdirTemp("", "capture_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	writer, err := exchange.NewWriter(filepath.Join(tempDir, "exchanges.csv"))
	if err != nil {
		t.Fatalf("Failed to create exchange writer: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.GroundTruth.ManualDistance = 2.5

	rec := NewRecorder(cfg)
	rec.truth = groundtruth.NewManual(2.5)
	rec.writer = writer

	began := time.Now()
	rec.handleLine("TWR,1,2,100,200,300,400,500,600", began)
	rec.handleLine("DWM1000 boot ok", began)
	rec.handleLine("TWR,1,2,garbage", began)
	rec.handleLine("", began)

	stats := rec.Stats()
	if stats.Exchanges != 1 {
		t.Errorf("Expected 1 exchange, got %d", stats.Exchanges)
	}
	if stats.Ignored != 1 {
		t.Errorf("Expected 1 ignored line, got %d", stats.Ignored)
	}
	if stats.Malformed != 1 {
		t.Errorf("Expected 1 malformed line, got %d", stats.Malformed)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	// The written record carries the manual ground truth
	log, err := exchange.ReadFile(filepath.Join(tempDir, "exchanges.csv"))
	if err != nil {
		t.Fatalf("Failed to read back exchange log: %v", err)
	}
	if len(log.Records) != 1 {
		t.Fatalf("Expected 1 record written, got %d", len(log.Records))
	}
	if log.Records[0].GroundTruth != 2.5 {
		t.Errorf("Expected ground truth 2.5, got %f", log.Records[0].GroundTruth)
	}
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	rec := NewRecorder(config.DefaultConfig())

	// Stop before and after must not panic
	rec.Stop()
	rec.Stop()
}

// Package capture records TWR exchange reports from a UWB module's serial
// link into an exchange log, stamping each exchange with a reference time
// and a ground truth distance.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"uwb-calibration/internal/clock"
	"uwb-calibration/internal/config"
	"uwb-calibration/internal/exchange"
	"uwb-calibration/internal/groundtruth"
	"uwb-calibration/internal/twr"
)

// reportPrefix marks exchange report lines; the firmware interleaves them
// with status output that is not parsed.
const reportPrefix = "TWR"

// Report is one TWR exchange as emitted by the board firmware: the pair ids
// and the six raw 32-bit timestamp counters.
type Report struct {
	Initiator twr.ModuleID
	Target    twr.ModuleID
	Tx1, Rx1  uint32
	Tx2, Rx2  uint32
	Tx3, Rx3  uint32
}

// ParseReport parses one firmware report line of the form
//
//	TWR,<initiator>,<target>,<tx1>,<rx1>,<tx2>,<rx2>,<tx3>,<rx3>
//
// where the timestamps are decimal counter values.
func ParseReport(line string) (Report, error) {
	var rep Report

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 9 {
		return rep, fmt.Errorf("expected 9 fields, got %d", len(fields))
	}
	if fields[0] != reportPrefix {
		return rep, fmt.Errorf("not an exchange report: %q", fields[0])
	}

	init64, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return rep, fmt.Errorf("bad initiator id %q: %w", fields[1], err)
	}
	tgt64, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return rep, fmt.Errorf("bad target id %q: %w", fields[2], err)
	}
	rep.Initiator = twr.ModuleID(init64)
	rep.Target = twr.ModuleID(tgt64)
	if rep.Initiator == rep.Target {
		return rep, fmt.Errorf("initiator and target are both %d", rep.Initiator)
	}

	ticks := [6]uint32{}
	for i := range ticks {
		v, err := strconv.ParseUint(fields[3+i], 10, 32)
		if err != nil {
			return rep, fmt.Errorf("bad timestamp field %d: %w", 3+i, err)
		}
		ticks[i] = uint32(v)
	}
	rep.Tx1, rep.Rx1 = ticks[0], ticks[1]
	rep.Tx2, rep.Rx2 = ticks[2], ticks[3]
	rep.Tx3, rep.Rx3 = ticks[4], ticks[5]
	return rep, nil
}

// Record converts the report's counter values to nanoseconds and stamps it
// with a reference time and ground truth distance.
func (r Report) Record(refTimeNs, groundTruthM float64) exchange.Record {
	return exchange.Record{
		Initiator:   r.Initiator,
		Target:      r.Target,
		RefTime:     refTimeNs,
		GroundTruth: groundTruthM,
		Tx1:         clock.TicksToNs(r.Tx1),
		Rx1:         clock.TicksToNs(r.Rx1),
		Tx2:         clock.TicksToNs(r.Tx2),
		Rx2:         clock.TicksToNs(r.Rx2),
		Tx3:         clock.TicksToNs(r.Tx3),
		Rx3:         clock.TicksToNs(r.Rx3),
	}
}

// Stats summarizes one recording session.
type Stats struct {
	Exchanges int           // valid exchange reports written
	Malformed int           // report lines that failed to parse
	Ignored   int           // firmware status lines skipped
	Elapsed   time.Duration // wall time spent recording
	Filename  string        // exchange log path
}

// Recorder drives one recording session: board serial link, ground truth
// source, exchange log writer.
type Recorder struct {
	config   *config.Config
	port     serial.Port
	truth    groundtruth.Source
	writer   *exchange.Writer
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewRecorder creates a recorder for the given configuration.
func NewRecorder(cfg *config.Config) *Recorder {
	return &Recorder{
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Initialize opens the board serial link and the ground truth source and
// prepares the output directory.
func (r *Recorder) Initialize() error {
	mode := &serial.Mode{
		BaudRate: r.config.Board.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(r.config.Board.Port, mode)
	if err != nil {
		return fmt.Errorf("failed to open board port %s: %w", r.config.Board.Port, err)
	}
	r.port = port

	truth, err := groundtruth.Open(groundtruth.Options{
		Mode:      r.config.GroundTruth.Mode,
		DistanceM: r.config.GroundTruth.ManualDistance,
		Port:      r.config.GroundTruth.Port,
		BaudRate:  r.config.GroundTruth.BaudRate,
		Host:      r.config.GroundTruth.GPSDHost,
		GPSDPort:  r.config.GroundTruth.GPSDPort,
		Anchor: groundtruth.Anchor{
			Latitude:  r.config.GroundTruth.AnchorLatitude,
			Longitude: r.config.GroundTruth.AnchorLongitude,
			Altitude:  r.config.GroundTruth.AnchorAltitude,
		},
		Debug: r.config.Logging.Level == "debug",
	})
	if err != nil {
		return fmt.Errorf("failed to open ground truth source: %w", err)
	}
	r.truth = truth

	if err := r.truth.Start(); err != nil {
		return fmt.Errorf("failed to start ground truth source: %w", err)
	}

	if err := os.MkdirAll(r.config.Recording.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	return nil
}

// WaitForTruth blocks until the ground truth source has a usable value.
func (r *Recorder) WaitForTruth() error {
	return r.WaitForTruthWithContext(context.Background())
}

// WaitForTruthWithContext blocks until the ground truth source has a usable
// value or the context is cancelled.
func (r *Recorder) WaitForTruthWithContext(ctx context.Context) error {
	mode := r.config.GroundTruth.Mode
	if mode == "" {
		mode = "manual"
	}

	if mode == "manual" {
		meas, err := r.truth.Current()
		if err != nil {
			return fmt.Errorf("manual ground truth: %w", err)
		}
		fmt.Printf("Ground truth manual - surveyed distance: %.3f m\n", meas.DistanceM)
		return nil
	}

	fmt.Printf("Waiting for ground truth via %s (timeout: %v)...\n", mode, r.config.GroundTruth.Timeout)

	type truthResult struct {
		meas *groundtruth.Measurement
		err  error
	}

	resultChan := make(chan truthResult, 1)
	go func() {
		meas, err := r.truth.WaitForTruth(r.config.GroundTruth.Timeout)
		resultChan <- truthResult{meas, err}
	}()

	select {
	case result := <-resultChan:
		if result.err != nil {
			return fmt.Errorf("ground truth acquisition failed: %w", result.err)
		}
		fmt.Printf("Ground truth acquired: %.3f m (quality: %s, satellites: %d)\n",
			result.meas.DistanceM, r.truth.QualityString(), result.meas.Satellites)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ground truth acquisition cancelled: %w", ctx.Err())
	}
}

// Record runs one recording session to completion.
func (r *Recorder) Record() error {
	return r.RecordWithContext(context.Background())
}

// RecordWithContext runs one recording session until the configured duration
// elapses, Stop is called, the board stops talking, or the context is
// cancelled.
func (r *Recorder) RecordWithContext(ctx context.Context) error {
	// Boards reset when the serial link opens and chatter through boot;
	// give them a moment before timing anything against the wall clock
	if r.config.Recording.SettleDelay > 0 {
		fmt.Printf("Settling for %v before capture...\n", r.config.Recording.SettleDelay)
		select {
		case <-time.After(r.config.Recording.SettleDelay):
		case <-r.stopChan:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("recording cancelled: %w", ctx.Err())
		}
	}

	var startTime time.Time

	if r.config.Recording.StartTime > 0 {
		// Use exact epoch timestamp so multiple hosts start together
		startTime = time.Unix(r.config.Recording.StartTime, 0)
		fmt.Printf("Exact start time specified - waiting until: %s\n", startTime.Format("15:04:05.000"))

		waitDuration := time.Until(startTime)
		if waitDuration > 0 {
			select {
			case <-time.After(waitDuration):
			case <-ctx.Done():
				return fmt.Errorf("exact start time cancelled: %w", ctx.Err())
			}
		} else if waitDuration < -10*time.Second {
			return fmt.Errorf("start time is too far in the past: %s", startTime.Format("15:04:05.000"))
		}
	} else {
		startTime = time.Now()
	}

	var sessionID string
	if r.config.Recording.SessionID != "" {
		sessionID = fmt.Sprintf("%s_%d", r.config.Recording.SessionID, startTime.Unix())
	} else {
		sessionID = fmt.Sprintf("%s-module%d_%d", r.config.Recording.FilePrefix, r.config.Board.ModuleID, startTime.Unix())
	}

	filename := filepath.Join(r.config.Recording.OutputDir, sessionID+".csv")
	writer, err := exchange.NewWriter(filename)
	if err != nil {
		return fmt.Errorf("failed to create exchange log: %w", err)
	}
	r.writer = writer

	fmt.Printf("Starting recording (ID: %s, Duration: %v)\n", sessionID, r.config.Recording.Duration)

	lines := make(chan string, 64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(lines)
		scanner := bufio.NewScanner(r.port)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-r.stopChan:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("recorder: board read error: %v", err)
		}
	}()

	// Duration 0 records until stopped
	var durationChan <-chan time.Time
	if r.config.Recording.Duration > 0 {
		timer := time.NewTimer(r.config.Recording.Duration)
		defer timer.Stop()
		durationChan = timer.C
	}

	began := time.Now()
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Board link closed; keep what was recorded
				break loop
			}
			r.handleLine(line, began)
		case <-durationChan:
			break loop
		case <-r.stopChan:
			break loop
		case <-ctx.Done():
			r.writer.Close()
			return fmt.Errorf("recording cancelled: %w", ctx.Err())
		}
	}
	elapsed := time.Since(began)

	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close exchange log: %w", err)
	}

	r.mu.Lock()
	r.stats.Elapsed = elapsed
	r.stats.Filename = filename
	stats := r.stats
	r.mu.Unlock()

	fmt.Printf("Recording saved to: %s\n", filename)
	fmt.Printf("Exchanges recorded: %d (malformed: %d, ignored: %d)\n",
		stats.Exchanges, stats.Malformed, stats.Ignored)

	return nil
}

// handleLine routes one serial line: exchange reports are stamped and
// written, anything else is counted and skipped.
func (r *Recorder) handleLine(line string, began time.Time) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if !strings.HasPrefix(trimmed, reportPrefix+",") {
		r.mu.Lock()
		r.stats.Ignored++
		r.mu.Unlock()
		return
	}

	rep, err := ParseReport(trimmed)
	if err != nil {
		r.mu.Lock()
		r.stats.Malformed++
		r.mu.Unlock()
		if r.config.Logging.Level == "debug" {
			log.Printf("recorder: bad report line: %v", err)
		}
		return
	}

	// A missing ground truth value is recorded as zero rather than stalling
	// the capture; extraction treats it like any other surveyed distance
	groundTruth := 0.0
	if meas, err := r.truth.Current(); err == nil {
		groundTruth = meas.DistanceM
	}

	refNs := float64(time.Since(began).Nanoseconds())
	if err := r.writer.Append(rep.Record(refNs, groundTruth)); err != nil {
		log.Printf("recorder: failed to append exchange: %v", err)
		return
	}
	if err := r.writer.Flush(); err != nil {
		log.Printf("recorder: failed to flush exchange log: %v", err)
	}

	r.mu.Lock()
	r.stats.Exchanges++
	r.mu.Unlock()
}

// Stats returns a snapshot of the session counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Stop ends the recording loop. Safe to call more than once.
func (r *Recorder) Stop() {
	select {
	case <-r.stopChan:
	default:
		close(r.stopChan)
	}
}

// Close stops the recorder and releases the board port and ground truth
// source.
func (r *Recorder) Close() error {
	r.Stop()

	var errors []error

	if r.port != nil {
		if err := r.port.Close(); err != nil {
			errors = append(errors, fmt.Errorf("board port close error: %w", err))
		}
	}

	if r.truth != nil {
		if err := r.truth.Close(); err != nil {
			errors = append(errors, fmt.Errorf("ground truth close error: %w", err))
		}
	}

	// The reader goroutine exits once the port is closed
	waitDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		fmt.Printf("Warning: board reader did not complete in time\n")
	}

	if len(errors) > 0 {
		return fmt.Errorf("cleanup errors: %v", errors)
	}

	return nil
}

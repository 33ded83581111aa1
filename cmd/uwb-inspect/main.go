// UWB Inspect - utility to display contents of TWR exchange logs
// This program reads and displays the metadata and exchange rows recorded by
// uwb-record, with optional statistics and an ASCII range plot.
package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"uwb-calibration/internal/clock"
	"uwb-calibration/internal/exchange"
	"uwb-calibration/internal/twr"
	"uwb-calibration/internal/version"

	"github.com/spf13/cobra"
)

var (
	showRows         bool
	showStats        bool
	showSegments     bool
	showGraph        bool
	graphWidth       int
	graphHeight      int
	static           bool
	outlierThreshold float64
	showVersion      bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "uwb-inspect [file.csv]",
	Short: "Display contents of TWR exchange logs",
	Long: `UWB Inspect displays the overview and exchange rows of a TWR exchange log
recorded by uwb-record. Useful for checking a recording before calibration.

Display modes:
  --rows       Show every exchange row with its raw round-trip deltas
  --stats      Show per-pair statistics of the raw and cleaned deltas
  --segments   Show the static formation segments on the reference timeline
  --graph      Generate ASCII graph of the uncorrected range over time`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Handle version flag
		if showVersion {
			fmt.Println(version.GetVersionInfo("UWB Inspect"))
			return
		}

		// Require filename if not showing version
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: filename required\n")
			cmd.Usage()
			os.Exit(1)
		}

		if err := displayFile(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().BoolVarP(&showRows, "rows", "r", false, "display all exchange rows")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "show per-pair statistics of raw and cleaned deltas")
	rootCmd.Flags().BoolVar(&showSegments, "segments", false, "show static formation segments")
	rootCmd.Flags().BoolVarP(&showGraph, "graph", "g", false, "generate ASCII graph of uncorrected range over time")
	rootCmd.Flags().IntVar(&graphWidth, "graph-width", 80, "width of the ASCII graph in characters")
	rootCmd.Flags().IntVar(&graphHeight, "graph-height", 20, "height of the ASCII graph in lines")
	rootCmd.Flags().BoolVar(&static, "static", true, "treat the recording as static formations for cleaning (true|false)")
	rootCmd.Flags().Float64Var(&outlierThreshold, "outlier-threshold", twr.DefaultOutlierThresholdNs, "outlier threshold for the cleaning pass (ns)")
}

// displayFile reads and displays the contents of an exchange log
func displayFile(filename string) error {
	// Check if file exists
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	}

	log, err := exchange.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read exchange log: %w", err)
	}

	fmt.Printf("UWB EXCHANGE LOG INSPECTOR %s\n\n", version.GetFullVersion())

	// Display file info
	fileInfo, err := os.Stat(filename)
	if err != nil {
		return err
	}

	fmt.Printf("📁 File Information:\n")
	fmt.Printf("Name: %s\n", filepath.Base(filename))
	fmt.Printf("Size: %.2f KB (%d bytes)\n", float64(fileInfo.Size())/1024, fileInfo.Size())
	fmt.Printf("Modified: %s\n\n", fileInfo.ModTime().Format("2006-01-02 15:04:05"))

	displayOverview(log)

	if len(log.Records) == 0 {
		return nil
	}

	if showSegments {
		displaySegmentTable(log)
	}

	if showRows {
		displayRows(log)
	}

	if showStats {
		displayStatistics(log)
	}

	if showGraph {
		for _, p := range log.Pairs() {
			displayGraph(log, p[0], p[1])
		}
	}

	return nil
}

// refTimes collects the reference timestamps of one pair's records
func refTimes(recs []exchange.Record) []float64 {
	ts := make([]float64, len(recs))
	for i, r := range recs {
		ts[i] = r.RefTime
	}
	return ts
}

// rawRange computes the uncorrected double-sided range of one record in
// meters. A zero second reply delay yields a non-finite value.
func rawRange(r exchange.Record) float64 {
	ra1 := r.Rx2 - r.Tx1
	ra2 := r.Rx3 - r.Rx2
	db1 := r.Tx2 - r.Rx1
	db2 := r.Tx3 - r.Tx2
	k := ra2 / db2
	return 0.5 * twr.SpeedOfLight * (ra1 - k*db1) / 1e9
}

// displayOverview shows the log's span, ground truth range and pairs
func displayOverview(log *exchange.Log) {
	fmt.Printf("📊 Log Overview:\n")
	fmt.Printf("Records: %d\n", len(log.Records))

	if len(log.Records) == 0 {
		fmt.Println()
		return
	}

	first := log.Records[0]
	last := log.Records[len(log.Records)-1]
	fmt.Printf("Reference Span: %.3f s (%.3f .. %.3f s)\n",
		(last.RefTime-first.RefTime)/1e9, first.RefTime/1e9, last.RefTime/1e9)

	minGT, maxGT := math.Inf(1), math.Inf(-1)
	for _, r := range log.Records {
		if r.GroundTruth < minGT {
			minGT = r.GroundTruth
		}
		if r.GroundTruth > maxGT {
			maxGT = r.GroundTruth
		}
	}
	fmt.Printf("Ground Truth: %.3f .. %.3f m\n", minGT, maxGT)

	fmt.Printf("Pairs:\n")
	for _, p := range log.Pairs() {
		recs := log.Select(p[0], p[1])
		segments := len(clock.SegmentBounds(refTimes(recs))) - 1
		fmt.Printf("  %d->%d: %d rows, %d segments\n", p[0], p[1], len(recs), segments)
	}
	fmt.Println()
}

// displaySegmentTable shows each pair's static formation segments
func displaySegmentTable(log *exchange.Log) {
	fmt.Printf("🧭 Formation Segments:\n")
	for _, p := range log.Pairs() {
		recs := log.Select(p[0], p[1])
		bounds := clock.SegmentBounds(refTimes(recs))

		fmt.Printf("Pair %d->%d:\n", p[0], p[1])
		fmt.Printf("%-4s %-12s %-12s %-14s %-12s\n", "#", "Rows", "Start (s)", "Duration (s)", "Mean GT (m)")
		for s := 0; s < len(bounds)-1; s++ {
			beg, end := bounds[s], bounds[s+1]
			gt := make([]float64, 0, end-beg)
			for _, r := range recs[beg:end] {
				gt = append(gt, r.GroundTruth)
			}
			fmt.Printf("%-4d %-12d %-12.3f %-14.3f %-12.3f\n",
				s+1, end-beg, recs[beg].RefTime/1e9,
				(recs[end-1].RefTime-recs[beg].RefTime)/1e9, stat.Mean(gt, nil))
		}
	}
	fmt.Println()
}

// displayRows streams every exchange row with its raw deltas
func displayRows(log *exchange.Log) {
	fmt.Printf("📈 Exchange Rows (all %d rows):\n", len(log.Records))
	fmt.Printf("%-8s %-10s %-12s %-10s %-14s %-14s %-14s\n",
		"#", "Pair", "Ref (s)", "GT (m)", "Ra1 (ns)", "Db1 (ns)", "Range (m)")

	const batchSize = 1000
	var batch strings.Builder
	batch.Grow(batchSize * 96)

	for i, r := range log.Records {
		batch.WriteString(fmt.Sprintf("%-8d %-10s %-12.3f %-10.3f %-14.3f %-14.3f %-14.3f\n",
			i, fmt.Sprintf("%d->%d", r.Initiator, r.Target), r.RefTime/1e9, r.GroundTruth,
			r.Rx2-r.Tx1, r.Tx2-r.Rx1, rawRange(r)))

		if (i+1)%batchSize == 0 {
			fmt.Print(batch.String())
			batch.Reset()
		}
	}
	if batch.Len() > 0 {
		fmt.Print(batch.String())
	}
	fmt.Println()
}

// finite filters non-finite values so wrap artifacts cannot poison the stats
func finite(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// countNegative counts the entries a counter wrap would have driven negative
func countNegative(vals []float64) int {
	n := 0
	for _, v := range vals {
		if v < 0 {
			n++
		}
	}
	return n
}

// displayStatistics shows per-pair statistics of the raw deltas and of the
// cleaned dataset the calibration pipeline would extract
func displayStatistics(log *exchange.Log) {
	fmt.Printf("📊 Statistical Analysis:\n")
	for _, p := range log.Pairs() {
		recs := log.Select(p[0], p[1])

		ra1 := make([]float64, len(recs))
		ra2 := make([]float64, len(recs))
		db1 := make([]float64, len(recs))
		db2 := make([]float64, len(recs))
		ranges := make([]float64, len(recs))
		offsets := make([]float64, 0, len(recs))
		for i, r := range recs {
			ra1[i] = r.Rx2 - r.Tx1
			ra2[i] = r.Rx3 - r.Rx2
			db1[i] = r.Tx2 - r.Rx1
			db2[i] = r.Tx3 - r.Tx2
			ranges[i] = rawRange(r)
			if !math.IsNaN(ranges[i]) && !math.IsInf(ranges[i], 0) {
				offsets = append(offsets, ranges[i]-r.GroundTruth)
			}
		}
		ranges = finite(ranges)

		fmt.Printf("Pair %d->%d (%d rows):\n", p[0], p[1], len(recs))
		fmt.Printf("  Raw Ra1: %14.3f ns mean, %12.3f ns std\n", stat.Mean(ra1, nil), stat.StdDev(ra1, nil))
		fmt.Printf("  Raw Db1: %14.3f ns mean, %12.3f ns std\n", stat.Mean(db1, nil), stat.StdDev(db1, nil))
		fmt.Printf("  Wrap Suspects (negative deltas): Ra1 %d, Ra2 %d, Db1 %d, Db2 %d\n",
			countNegative(ra1), countNegative(ra2), countNegative(db1), countNegative(db2))
		if len(ranges) > 0 {
			fmt.Printf("  Uncorrected Range: %10.3f m mean, %8.3f m std (%.3f .. %.3f m)\n",
				stat.Mean(ranges, nil), stat.StdDev(ranges, nil), floats.Min(ranges), floats.Max(ranges))
		}
		// The mean offset against ground truth is the bias calibration removes
		if len(offsets) > 0 {
			fmt.Printf("  Range - Ground Truth: %8.3f m mean offset, %8.3f m std\n",
				stat.Mean(offsets, nil), stat.StdDev(offsets, nil))
		}

		// Run the same cleaning the calibrator would apply
		ds, st, err := exchange.Extract(log, p[0], p[1], exchange.Options{Static: static, OutlierThresholdNs: outlierThreshold})
		if err != nil {
			fmt.Printf("  Cleaned: extraction failed: %v\n", err)
			continue
		}
		cleaned := finite(ds.Ranges(twr.TypeDoubleSided))
		fmt.Printf("  Cleaned: %d rows retained (%d segments, %d wrap fixes, %d outliers dropped)\n",
			ds.Len(), st.Segments, st.WrapFixes, st.OutliersDropped)
		if len(cleaned) > 0 {
			fmt.Printf("  Cleaned Range: %10.3f m mean, %8.3f m std\n",
				stat.Mean(cleaned, nil), stat.StdDev(cleaned, nil))
		}
	}
	fmt.Println()
}

// displayGraph creates an ASCII graph of one pair's uncorrected range over
// the recording
func displayGraph(log *exchange.Log, initiator, target twr.ModuleID) {
	recs := log.Select(initiator, target)

	ranges := make([]float64, 0, len(recs))
	for _, r := range recs {
		v := rawRange(r)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			ranges = append(ranges, v)
		}
	}

	if len(ranges) < 2 {
		fmt.Printf("📈 Range Graph %d->%d: not enough rows to plot\n\n", initiator, target)
		return
	}

	minR, maxR := floats.Min(ranges), floats.Max(ranges)
	// Handle edge case where all ranges are the same
	if maxR == minR {
		maxR = minR + 1e-6
	}

	totalTime := (recs[len(recs)-1].RefTime - recs[0].RefTime) / 1e9

	fmt.Printf("📈 Uncorrected Range Over Time (%d->%d):\n", initiator, target)
	fmt.Printf("Rows: %d | Duration: %.3f seconds\n", len(ranges), totalTime)
	fmt.Printf("Range Span: %.3f to %.3f m\n", minR, maxR)
	fmt.Println()

	// Create graph grid
	graph := make([][]rune, graphHeight)
	for i := range graph {
		graph[i] = make([]rune, graphWidth)
		for j := range graph[i] {
			graph[i][j] = ' '
		}
	}

	// Plot data points
	for i, v := range ranges {
		x := int(float64(i) * float64(graphWidth-1) / float64(len(ranges)-1))
		if x >= graphWidth {
			x = graphWidth - 1
		}

		normalized := (v - minR) / (maxR - minR)
		y := int(float64(graphHeight-1) * (1.0 - normalized))
		if y >= graphHeight {
			y = graphHeight - 1
		}
		if y < 0 {
			y = 0
		}

		if graph[y][x] == ' ' {
			graph[y][x] = '*'
		} else {
			graph[y][x] = '#' // Multiple points at same location
		}
	}

	// Display the graph with y-axis labels
	fmt.Printf("Range (m)\n")
	for i, row := range graph {
		normalizedY := float64(graphHeight-1-i) / float64(graphHeight-1)
		rangeValue := minR + normalizedY*(maxR-minR)

		fmt.Printf("%8.3f |", rangeValue)
		for _, char := range row {
			fmt.Print(string(char))
		}
		fmt.Println("|")
	}

	// Print x-axis
	fmt.Printf("         +")
	fmt.Print(strings.Repeat("-", graphWidth))
	fmt.Println("+")

	// Print time labels
	fmt.Printf("         0")
	midLabel := fmt.Sprintf("%.1fs", totalTime/2)
	endLabel := fmt.Sprintf("%.1fs", totalTime)
	midPos := graphWidth / 2
	fmt.Print(strings.Repeat(" ", midPos-len(midLabel)/2))
	fmt.Print(midLabel)
	fmt.Print(strings.Repeat(" ", graphWidth-midPos-len(endLabel)))
	fmt.Print(endLabel)
	fmt.Println()

	fmt.Printf("\nLegend: * = data point, # = multiple points, Time →\n\n")
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

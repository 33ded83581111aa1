// UWB Calibrate - antenna delay calibration tool for UWB module trios
// This program processes recorded TWR exchange logs from three modules and
// solves their antenna delays jointly by least squares.
package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"uwb-calibration/internal/calibrate"
	"uwb-calibration/internal/config"
	"uwb-calibration/internal/exchange"
	"uwb-calibration/internal/twr"
	"uwb-calibration/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile          string  // Optional config file with a calibration section
	inputPattern     string  // File pattern for input exchange logs (e.g., "data/uwbcal-*.csv")
	outputFormat     string  // Output format: json, csv
	outputDir        string  // Output directory
	moduleIDs        []int   // Module trio: first initiator, second initiator, responder
	twrType          int     // TWR protocol variant: 0 (unity gain) or 1 (double-sided)
	static           bool    // Recording held fixed formations
	average          bool    // Collapse formation segments to per-segment means
	outlierThreshold float64 // Round-trip outlier rejection threshold (ns)
	verbose          bool    // Enable verbose logging
	showVersion      bool    // Show version information
	dryRun           bool    // Show what would be processed without doing it
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "uwb-calibrate",
	Short: "Antenna delay calibration tool for UWB module trios",
	Long: `UWB Calibrate processes recorded TWR exchange logs from a trio of UWB
modules and solves their antenna delays jointly by QR least squares.

The tool extracts the three pairwise exchange datasets from the logs,
repairs timestamp counter wrap, rejects outlier rounds, and stacks one
observation per retained exchange into an overdetermined system whose
unknowns are the three per-module delays.

Supported output formats:
  - JSON: For downstream tooling and module provisioning
  - CSV: For spreadsheet analysis and custom plotting

Example usage:
  uwb-calibrate --input "data/uwbcal-*.csv"
  uwb-calibrate --input "data/session7/*.csv" --modules 1,2,3 --twr-type 1 --output-format csv
  uwb-calibrate --input "*.csv" --config config.yaml
  uwb-calibrate --input "*.csv" --dry-run --verbose`,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle version flag
		if showVersion {
			fmt.Println(version.GetVersionInfo("UWB Calibrate"))
			return
		}

		if err := runCalibrator(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	// Version flag
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")

	// Input/Output flags
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file whose calibration section seeds the option defaults")
	rootCmd.Flags().StringVarP(&inputPattern, "input", "i", "", "input file pattern (e.g., 'data/uwbcal-*.csv')")
	rootCmd.Flags().StringVarP(&outputFormat, "output-format", "f", "json", "output format (json, csv)")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "./calibration-results", "output directory")

	// Processing flags
	rootCmd.Flags().IntSliceVarP(&moduleIDs, "modules", "m", nil, "module trio as first-initiator,second-initiator,responder (default: inferred from logs)")
	rootCmd.Flags().IntVarP(&twrType, "twr-type", "t", 1, "TWR protocol variant (0 = unity gain, 1 = double-sided)")
	rootCmd.Flags().BoolVar(&static, "static", true, "recording held fixed formations (true|false)")
	rootCmd.Flags().BoolVar(&average, "average", false, "collapse each formation segment to its mean before solving")
	rootCmd.Flags().Float64Var(&outlierThreshold, "outlier-threshold", twr.DefaultOutlierThresholdNs, "round-trip outlier rejection threshold (ns)")

	// Control flags
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be processed without doing it")

	// Mark required flags, but version should be handled first
	rootCmd.MarkFlagRequired("input")

	// Handle version flag early
	rootCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("UWB Calibrate"))
			os.Exit(0)
		}
		return nil
	}
}

// runCalibrator is the main application logic
func runCalibrator(cmd *cobra.Command) error {
	// Display banner
	fmt.Printf("╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║               UWB DELAY CALIBRATOR %s                ║\n", fmt.Sprintf("%-8s", version.GetFullVersion()))
	fmt.Printf("╚══════════════════════════════════════════════════════════════╝\n\n")

	if err := applyConfigFile(cmd); err != nil {
		return err
	}

	typ, err := twr.ParseType(twrType)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Printf("🔧 Configuration:\n")
		fmt.Printf("   Input Pattern: %s\n", inputPattern)
		fmt.Printf("   Output Format: %s\n", outputFormat)
		fmt.Printf("   Output Directory: %s\n", outputDir)
		fmt.Printf("   TWR Type: %s\n", typ)
		fmt.Printf("   Static Formations: %t\n", static)
		fmt.Printf("   Segment Averaging: %t\n", average)
		fmt.Printf("   Outlier Threshold: %.0f ns\n", outlierThreshold)
		fmt.Printf("   Dry Run: %t\n\n", dryRun)
	}

	// Find matching files
	files, err := findMatchingFiles(inputPattern)
	if err != nil {
		return fmt.Errorf("failed to find input files: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found matching pattern '%s'. Make sure:\n  - Pattern includes correct path (e.g., 'data/uwbcal-*.csv')\n  - Files exist and have .csv extension\n  - Pattern is quoted to prevent shell expansion", inputPattern)
	}

	if len(files) < 2 {
		return fmt.Errorf("calibration requires the logs of both initiating modules, found %d:\n%s\nPattern: '%s'\nTip: Use quotes around patterns to prevent shell expansion: --input 'data/uwbcal*.csv'", len(files), formatFileList(files), inputPattern)
	}

	fmt.Printf("📁 Found %d exchange logs:\n", len(files))
	for i, file := range files {
		fmt.Printf("   %d. %s\n", i+1, filepath.Base(file))
	}
	fmt.Println()

	// Load the logs
	logs := make([]*exchange.Log, 0, len(files))
	for _, file := range files {
		log, err := exchange.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", filepath.Base(file), err)
		}
		if verbose {
			fmt.Printf("📄 %s: %d records, pairs %s\n", filepath.Base(file), len(log.Records), formatPairs(log.Pairs()))
		}
		logs = append(logs, log)
	}
	if verbose {
		fmt.Println()
	}

	// Determine the module trio
	trio, err := resolveTrio(logs)
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Printf("🔍 DRY RUN: Would calibrate modules %d, %d, %d from %d logs using %s TWR\n",
			trio.FirstInitiator, trio.SecondInitiator, trio.Responder, len(files), typ)
		fmt.Printf("📤 Would generate output in %s format to: %s\n", outputFormat, outputDir)
		return nil
	}

	// Extract the three pairwise datasets
	opts := exchange.Options{
		Static:             static,
		Average:            average,
		OutlierThresholdNs: outlierThreshold,
	}

	session := calibrate.NewSession()
	extraction := make(map[twr.Pair]exchange.Stats)
	for _, ex := range trio.Exchanges() {
		ds, stats, err := extractPair(logs, ex[0], ex[1], opts)
		if err != nil {
			return err
		}
		if err := session.Add(ds); err != nil {
			return err
		}
		extraction[ds.Pair()] = stats

		if verbose {
			fmt.Printf("🧹 Pair %s: %d records -> %d rows (%d segments, %d wrap fixes, %d outliers dropped)\n",
				ds.Pair(), stats.RowsRead, ds.Len(), stats.Segments, stats.WrapFixes, stats.OutliersDropped)
		}
	}
	if verbose {
		fmt.Println()
	}

	// Solve the joint least squares
	fmt.Printf("⚙️  Solving antenna delays for modules %d, %d, %d (%s TWR)...\n",
		trio.FirstInitiator, trio.SecondInitiator, trio.Responder, typ)

	calibrator, err := calibrate.NewCalibrator(&calibrate.Config{Type: typ, Verbose: verbose})
	if err != nil {
		return fmt.Errorf("failed to initialize calibrator: %w", err)
	}

	result, err := calibrator.Calibrate(session, trio)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	// Fold the solved delays back in and summarize the corrected ranges
	session.Apply(result.Delays)
	for _, ex := range trio.Exchanges() {
		ds, _ := session.Dataset(ex[0], ex[1])
		stats := extraction[ds.Pair()]
		result.PairSummaries = append(result.PairSummaries, calibrate.PairSummary{
			Initiator:       ds.Initiator,
			Target:          ds.Target,
			Rows:            ds.Len(),
			Segments:        stats.Segments,
			WrapFixes:       stats.WrapFixes,
			OutliersDropped: stats.OutliersDropped,
			MeanRangeErrorM: meanAbsError(ds.Ranges(typ), ds.GroundTruth),
		})
	}

	// Ensure output directory exists
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Generate output filename
	outputFile := generateOutputFilename(result, outputFormat, outputDir)

	// Export results
	fmt.Printf("📤 Exporting results to %s...\n", outputFile)

	if err := exportResults(result, outputFormat, outputFile); err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}

	// Display summary
	displaySummary(result, outputFile)

	return nil
}

// applyConfigFile seeds the calibration options from the recorder's config
// file. Options given explicitly on the command line win.
func applyConfigFile(cmd *cobra.Command) error {
	if cfgFile == "" {
		return nil
	}

	cfg := config.DefaultConfig()
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if !cmd.Flags().Changed("twr-type") {
		twrType = cfg.Calibration.TWRType
	}
	if !cmd.Flags().Changed("static") {
		static = cfg.Calibration.Static
	}
	if !cmd.Flags().Changed("average") {
		average = cfg.Calibration.Average
	}
	if !cmd.Flags().Changed("outlier-threshold") {
		outlierThreshold = cfg.Calibration.OutlierThresholdNs
	}
	if !cmd.Flags().Changed("modules") && len(cfg.Calibration.Modules) > 0 {
		moduleIDs = cfg.Calibration.Modules
	}

	if verbose {
		fmt.Printf("Using config file: %s\n\n", viper.ConfigFileUsed())
	}
	return nil
}

// formatFileList formats a list of files for error messages
func formatFileList(files []string) string {
	if len(files) == 0 {
		return "  (none)"
	}

	result := ""
	for i, file := range files {
		result += fmt.Sprintf("  %d. %s\n", i+1, filepath.Base(file))
	}
	return result
}

// formatPairs renders a log's initiator->target pairs for display
func formatPairs(pairs [][2]twr.ModuleID) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%d->%d", p[0], p[1])
	}
	return strings.Join(parts, ", ")
}

// findMatchingFiles finds files matching the input pattern
func findMatchingFiles(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	// Filter for .csv files only
	var csvFiles []string
	for _, match := range matches {
		if strings.HasSuffix(strings.ToLower(match), ".csv") {
			csvFiles = append(csvFiles, match)
		}
	}

	return csvFiles, nil
}

// resolveTrio determines the module trio, either from the --modules flag or
// by collecting the identifiers seen across the loaded logs
func resolveTrio(logs []*exchange.Log) (twr.Trio, error) {
	if len(moduleIDs) > 0 {
		if len(moduleIDs) != 3 {
			return twr.Trio{}, fmt.Errorf("--modules needs exactly 3 ids, got %d", len(moduleIDs))
		}
		ids := [3]twr.ModuleID{}
		for i, v := range moduleIDs {
			if v < 0 || v > 65535 {
				return twr.Trio{}, fmt.Errorf("invalid module id %d (must be 0-65535)", v)
			}
			ids[i] = twr.ModuleID(v)
		}
		return twr.NewTrio(ids[0], ids[1], ids[2])
	}

	// Collect ids in first-seen order: the first log's initiator leads the
	// first two exchanges, so it becomes the first column.
	var seen []twr.ModuleID
	has := func(id twr.ModuleID) bool {
		for _, s := range seen {
			if s == id {
				return true
			}
		}
		return false
	}
	for _, log := range logs {
		for _, p := range log.Pairs() {
			for _, id := range p {
				if !has(id) {
					seen = append(seen, id)
				}
			}
		}
	}
	if len(seen) != 3 {
		return twr.Trio{}, fmt.Errorf("expected exactly 3 modules across the logs, found %d (%v): pass --modules to select a trio", len(seen), seen)
	}
	return twr.NewTrio(seen[0], seen[1], seen[2])
}

// extractPair pulls one pair's dataset out of whichever loaded log recorded
// it, in either direction
func extractPair(logs []*exchange.Log, a, b twr.ModuleID, opts exchange.Options) (*twr.Dataset, exchange.Stats, error) {
	var lastErr error
	for _, log := range logs {
		for _, dir := range [2][2]twr.ModuleID{{a, b}, {b, a}} {
			ds, stats, err := exchange.Extract(log, dir[0], dir[1], opts)
			if err == nil {
				return ds, stats, nil
			}
			var integrity *exchange.IntegrityError
			if !errors.As(err, &integrity) {
				return nil, exchange.Stats{}, err
			}
			lastErr = err
		}
	}
	return nil, exchange.Stats{}, fmt.Errorf("no loaded log covers pair %s: %w", twr.MakePair(a, b), lastErr)
}

// meanAbsError returns the mean absolute difference between corrected ranges
// and ground truth distances
func meanAbsError(ranges, truth []float64) float64 {
	if len(ranges) == 0 {
		return 0
	}
	sum := 0.0
	for i := range ranges {
		sum += math.Abs(ranges[i] - truth[i])
	}
	return sum / float64(len(ranges))
}

// generateOutputFilename creates an output filename based on the solve results
func generateOutputFilename(result *calibrate.Result, format, outputDir string) string {
	// Format: delays_YYYYMMDD_HHMMSS_1-2-3.json
	timestamp := result.ProcessedAt.Format("20060102_150405")
	modules := fmt.Sprintf("%d-%d-%d", result.Modules[0], result.Modules[1], result.Modules[2])

	var suffix string
	switch format {
	case "json":
		suffix = ".json"
	case "csv":
		suffix = ".csv"
	default:
		suffix = ".json"
	}

	filename := fmt.Sprintf("delays_%s_%s%s", timestamp, modules, suffix)
	return filepath.Join(outputDir, filename)
}

// exportResults exports the solve results in the specified format
func exportResults(result *calibrate.Result, format, filename string) error {
	switch format {
	case "json":
		return result.ExportJSON(filename)
	case "csv":
		return result.ExportCSV(filename)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// displaySummary shows a summary of the solve results
func displaySummary(result *calibrate.Result, outputFile string) {
	fmt.Printf("\n✅ Calibration Complete!\n\n")

	fmt.Printf("📊 Results Summary:\n")
	fmt.Printf("┌─────────────────────────┬─────────────────────────────────────────┐\n")
	fmt.Printf("│ Parameter               │ Value                                   │\n")
	fmt.Printf("├─────────────────────────┼─────────────────────────────────────────┤\n")
	for _, id := range result.Modules {
		delay := result.Delays[id]
		fmt.Printf("│ Module %-5d Delay      │ %-12.3f ns (%.3f m equivalent)   │\n", id, delay, delay*twr.SpeedOfLight/1e9)
	}
	fmt.Printf("│ TWR Type                │ %-39s │\n", result.Type)
	fmt.Printf("│ Rows Used               │ %-39d │\n", result.Rows)
	fmt.Printf("│ Rows Skipped            │ %-39d │\n", result.SkippedRows)
	fmt.Printf("│ Residual Norm           │ %-12.3f ns                         │\n", result.ResidualNorm)
	fmt.Printf("│ Processed               │ %-39s │\n", result.ProcessedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("└─────────────────────────┴─────────────────────────────────────────┘\n\n")

	if len(result.PairSummaries) > 0 {
		fmt.Printf("📡 Corrected range check (mean |range - ground truth|):\n")
		for _, ps := range result.PairSummaries {
			fmt.Printf("   %d->%d: %.4f m over %d rows\n", ps.Initiator, ps.Target, ps.MeanRangeErrorM, ps.Rows)
		}
		fmt.Println()
	}

	fmt.Printf("📁 Output File: %s\n", outputFile)
	fmt.Printf("🔩 Program the solved delays into each module's firmware to apply\n")
	fmt.Printf("   the calibration to live ranging.\n\n")
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

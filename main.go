// UWB Record - TWR exchange recording tool for antenna delay calibration
// This program captures two-way ranging timestamp reports from a UWB module
// over a serial link and pairs them with ground truth distances.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"uwb-calibration/internal/capture"
	"uwb-calibration/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command line flag variables
var (
	cfgFile     string  // Configuration file path
	boardPort   string  // UWB module serial port
	baudRate    int     // UWB module baud rate
	moduleID    uint16  // Identifier of the module wired to this host
	duration    string  // Recording duration (e.g., "60s")
	settle      string  // Settle delay before capture (e.g., "2s")
	output      string  // Output directory for exchange logs
	filePrefix  string  // Prefix for output filenames
	sessionID   string  // Session identifier for filename
	startTime   int64   // Epoch start time for synchronized recordings
	gtMode      string  // Ground truth mode: manual, nmea, or gpsd
	gtDistance  float64 // Surveyed distance in meters (for manual mode)
	gtPort      string  // GPS device serial port (for NMEA mode)
	gtBaud      int     // GPS device baud rate (for NMEA mode)
	gpsdHost    string  // GPSD host address (for gpsd mode)
	gpsdPort    string  // GPSD port (for gpsd mode)
	anchorLat   float64 // Surveyed anchor latitude in decimal degrees
	anchorLon   float64 // Surveyed anchor longitude in decimal degrees
	anchorAlt   float64 // Surveyed anchor altitude in meters
	verbose     bool    // Enable verbose logging
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "uwb-record",
	Short: "TWR exchange recording tool for UWB antenna delay calibration",
	Long: `UWB Record captures two-way ranging timestamp reports from a UWB module
over a serial link and pairs each exchange with a ground truth distance
for offline antenna delay calibration.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRecorder(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// init initializes the CLI flags and configuration
func init() {
	// Initialize configuration when cobra starts
	cobra.OnInitialize(initConfig)

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.yaml", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Command-specific flags
	rootCmd.Flags().StringVarP(&boardPort, "port", "p", "/dev/ttyACM0", "UWB module serial port")
	rootCmd.Flags().IntVar(&baudRate, "baud", 115200, "UWB module baud rate")
	rootCmd.Flags().Uint16VarP(&moduleID, "module-id", "m", 1, "identifier of the module wired to this host")
	rootCmd.Flags().StringVarP(&duration, "duration", "d", "60s", "recording duration (0s = run until interrupted)")
	rootCmd.Flags().StringVar(&settle, "settle", "2s", "settle delay after opening the board link before capture")
	rootCmd.Flags().StringVarP(&output, "output", "o", "./data", "output directory")
	rootCmd.Flags().StringVar(&filePrefix, "prefix", "uwbcal", "prefix for output filenames")
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier for output filename")
	rootCmd.Flags().Int64Var(&startTime, "start-time", 0, "epoch start time for synchronized recordings (0 = start immediately)")

	// Ground truth configuration options
	rootCmd.Flags().StringVar(&gtMode, "gt-mode", "manual", "ground truth mode: manual, nmea, or gpsd")
	rootCmd.Flags().Float64Var(&gtDistance, "distance", 0.0, "surveyed distance in meters (for manual mode)")
	rootCmd.Flags().StringVar(&gtPort, "gt-port", "/dev/ttyUSB0", "GPS serial port (for NMEA mode)")
	rootCmd.Flags().IntVar(&gtBaud, "gt-baud", 9600, "GPS baud rate (for NMEA mode)")
	rootCmd.Flags().StringVar(&gpsdHost, "gpsd-host", "localhost", "GPSD host address (for gpsd mode)")
	rootCmd.Flags().StringVar(&gpsdPort, "gpsd-port", "2947", "GPSD port (for gpsd mode)")

	// Surveyed anchor position (for NMEA and gpsd modes)
	rootCmd.Flags().Float64Var(&anchorLat, "anchor-lat", 0.0, "surveyed anchor latitude in decimal degrees")
	rootCmd.Flags().Float64Var(&anchorLon, "anchor-lon", 0.0, "surveyed anchor longitude in decimal degrees")
	rootCmd.Flags().Float64Var(&anchorAlt, "anchor-alt", 0.0, "surveyed anchor altitude in meters")

	// Bind command line flags to viper configuration keys
	viper.BindPFlag("board.port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("board.baud_rate", rootCmd.Flags().Lookup("baud"))
	viper.BindPFlag("board.module_id", rootCmd.Flags().Lookup("module-id"))
	viper.BindPFlag("recording.duration", rootCmd.Flags().Lookup("duration"))
	viper.BindPFlag("recording.settle_delay", rootCmd.Flags().Lookup("settle"))
	viper.BindPFlag("recording.output_dir", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("recording.file_prefix", rootCmd.Flags().Lookup("prefix"))
	viper.BindPFlag("recording.session_id", rootCmd.Flags().Lookup("session-id"))
	viper.BindPFlag("recording.start_time", rootCmd.Flags().Lookup("start-time"))
	viper.BindPFlag("ground_truth.mode", rootCmd.Flags().Lookup("gt-mode"))
	viper.BindPFlag("ground_truth.manual_distance", rootCmd.Flags().Lookup("distance"))
	viper.BindPFlag("ground_truth.port", rootCmd.Flags().Lookup("gt-port"))
	viper.BindPFlag("ground_truth.baud_rate", rootCmd.Flags().Lookup("gt-baud"))
	viper.BindPFlag("ground_truth.gpsd_host", rootCmd.Flags().Lookup("gpsd-host"))
	viper.BindPFlag("ground_truth.gpsd_port", rootCmd.Flags().Lookup("gpsd-port"))
	viper.BindPFlag("ground_truth.anchor_latitude", rootCmd.Flags().Lookup("anchor-lat"))
	viper.BindPFlag("ground_truth.anchor_longitude", rootCmd.Flags().Lookup("anchor-lon"))
	viper.BindPFlag("ground_truth.anchor_altitude", rootCmd.Flags().Lookup("anchor-alt"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config.yaml in current directory
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// Read in environment variables that match
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runRecorder is the main application logic
func runRecorder() error {
	// Load default configuration
	cfg := config.DefaultConfig()

	// Override with values from config file and command line flags
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Parse duration strings into time.Duration
	durationParsed, err := time.ParseDuration(viper.GetString("recording.duration"))
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}
	cfg.Recording.Duration = durationParsed

	settleParsed, err := time.ParseDuration(viper.GetString("recording.settle_delay"))
	if err != nil {
		return fmt.Errorf("invalid settle delay format: %w", err)
	}
	cfg.Recording.SettleDelay = settleParsed

	// Verbose flag raises the log level
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Operational log messages go to the configured file so they don't
	// interleave with the console status output
	if cfg.Logging.File != "" {
		logFile, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Logging.File, err)
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	// Display startup information
	fmt.Printf("UWB Record starting...\n")
	fmt.Printf("Module ID: %d\n", cfg.Board.ModuleID)
	fmt.Printf("Board: %s @ %d baud\n", cfg.Board.Port, cfg.Board.BaudRate)
	if cfg.Recording.Duration > 0 {
		fmt.Printf("Duration: %v\n", cfg.Recording.Duration)
	} else {
		fmt.Printf("Duration: until interrupted\n")
	}
	fmt.Printf("Output: %s\n", cfg.Recording.OutputDir)

	switch cfg.GroundTruth.Mode {
	case "manual":
		fmt.Printf("Ground truth: MANUAL MODE (surveyed distance)\n")
		fmt.Printf("Distance: %.3f m\n", cfg.GroundTruth.ManualDistance)
	case "nmea":
		fmt.Printf("Ground truth: NMEA MODE (serial port %s)\n", cfg.GroundTruth.Port)
		fmt.Printf("Anchor: %.8f°, %.8f° (%.1f m)\n",
			cfg.GroundTruth.AnchorLatitude, cfg.GroundTruth.AnchorLongitude, cfg.GroundTruth.AnchorAltitude)
	case "gpsd":
		fmt.Printf("Ground truth: GPSD MODE (%s:%s)\n", cfg.GroundTruth.GPSDHost, cfg.GroundTruth.GPSDPort)
		fmt.Printf("Anchor: %.8f°, %.8f° (%.1f m)\n",
			cfg.GroundTruth.AnchorLatitude, cfg.GroundTruth.AnchorLongitude, cfg.GroundTruth.AnchorAltitude)
	}

	// Create and initialize recorder
	r := capture.NewRecorder(cfg)

	if err := r.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize recorder: %w", err)
	}
	defer r.Close()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Handle interrupt signals in a separate goroutine
	go func() {
		<-sigChan
		fmt.Printf("\nReceived interrupt signal, shutting down...\n")
		r.Stop()
	}()

	// Wait for a usable ground truth measurement before recording
	if err := r.WaitForTruth(); err != nil {
		return fmt.Errorf("ground truth initialization failed: %w", err)
	}

	// Record TWR exchanges
	if err := r.Record(); err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}

	fmt.Printf("Recording completed successfully.\n")
	return nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package config provides configuration structures and defaults for the UWB
// calibration tools
package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Board       BoardConfig       `yaml:"board" mapstructure:"board"`               // UWB module serial link settings
	GroundTruth GroundTruthConfig `yaml:"ground_truth" mapstructure:"ground_truth"` // Ground truth source settings
	Recording   RecordingConfig   `yaml:"recording" mapstructure:"recording"`       // Exchange recording settings
	Calibration CalibrationConfig `yaml:"calibration" mapstructure:"calibration"`   // Offline calibration settings
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`           // Logging configuration
}

// BoardConfig contains UWB module serial link parameters
type BoardConfig struct {
	Port     string `yaml:"port" mapstructure:"port"`           // Serial port device path
	BaudRate int    `yaml:"baud_rate" mapstructure:"baud_rate"` // Serial communication baud rate
	ModuleID uint16 `yaml:"module_id" mapstructure:"module_id"` // Identifier of the module wired to this host
}

// GroundTruthConfig contains ground truth source parameters
type GroundTruthConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`                         // Ground truth mode: "manual", "nmea" or "gpsd"
	ManualDistance  float64       `yaml:"manual_distance" mapstructure:"manual_distance"`   // Surveyed distance in meters (manual mode)
	Port            string        `yaml:"port" mapstructure:"port"`                         // Serial port device path (NMEA mode)
	BaudRate        int           `yaml:"baud_rate" mapstructure:"baud_rate"`               // Serial communication baud rate (NMEA mode)
	GPSDHost        string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`               // GPSD host address (gpsd mode)
	GPSDPort        string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`               // GPSD port (gpsd mode)
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // Timeout for ground truth acquisition
	AnchorLatitude  float64       `yaml:"anchor_latitude" mapstructure:"anchor_latitude"`   // Surveyed anchor latitude in decimal degrees
	AnchorLongitude float64       `yaml:"anchor_longitude" mapstructure:"anchor_longitude"` // Surveyed anchor longitude in decimal degrees
	AnchorAltitude  float64       `yaml:"anchor_altitude" mapstructure:"anchor_altitude"`   // Surveyed anchor altitude in meters
}

// RecordingConfig contains exchange recording parameters
type RecordingConfig struct {
	Duration    time.Duration `yaml:"duration" mapstructure:"duration"`         // Recording duration (0 = run until interrupted)
	OutputDir   string        `yaml:"output_dir" mapstructure:"output_dir"`     // Output directory for exchange logs
	FilePrefix  string        `yaml:"file_prefix" mapstructure:"file_prefix"`   // Prefix for output filenames
	SessionID   string        `yaml:"session_id" mapstructure:"session_id"`     // Session identifier for filename
	StartTime   int64         `yaml:"start_time" mapstructure:"start_time"`     // Epoch start time (0 = start immediately)
	SettleDelay time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"` // Wait after opening the board link before capture
}

// CalibrationConfig contains offline calibration parameters
type CalibrationConfig struct {
	TWRType            int     `yaml:"twr_type" mapstructure:"twr_type"`                         // TWR protocol variant: 0 (unity gain) or 1 (double-sided)
	Static             bool    `yaml:"static" mapstructure:"static"`                             // Recording held fixed formations
	Average            bool    `yaml:"average" mapstructure:"average"`                           // Collapse formation segments to per-segment means
	OutlierThresholdNs float64 `yaml:"outlier_threshold_ns" mapstructure:"outlier_threshold_ns"` // Round-trip outlier rejection threshold in ns
	Modules            []int   `yaml:"modules" mapstructure:"modules"`                           // Module trio: first initiator, second initiator, responder (empty = infer from logs)
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // Log level (debug, info, warn, error)
	File  string `yaml:"file" mapstructure:"file"`   // Log file path
}

// Validate checks the configuration for values that would make a recording
// session fail or produce an unusable exchange log.
func (c *Config) Validate() error {
	if c.Board.Port == "" {
		return fmt.Errorf("board port not specified")
	}
	if c.Board.BaudRate <= 0 {
		return fmt.Errorf("invalid board baud rate: %d", c.Board.BaudRate)
	}

	switch c.GroundTruth.Mode {
	case "manual":
		if c.GroundTruth.ManualDistance < 0 {
			return fmt.Errorf("invalid distance: %.3f m (must be non-negative)", c.GroundTruth.ManualDistance)
		}
		// A zero distance likely means it was never surveyed
		if c.GroundTruth.ManualDistance == 0.0 {
			return fmt.Errorf("manual distance not specified: set manual_distance in config file or use --distance flag")
		}
	case "nmea":
		if c.GroundTruth.Port == "" {
			return fmt.Errorf("ground truth port not specified for NMEA mode")
		}
	case "gpsd":
		if c.GroundTruth.GPSDHost == "" {
			return fmt.Errorf("GPSD host not specified for gpsd mode")
		}
		if c.GroundTruth.GPSDPort == "" {
			return fmt.Errorf("GPSD port not specified for gpsd mode")
		}
	default:
		return fmt.Errorf("invalid ground truth mode: %s (must be 'manual', 'nmea', or 'gpsd')", c.GroundTruth.Mode)
	}

	// GPS-derived modes measure distance to a surveyed anchor position
	if c.GroundTruth.Mode != "manual" {
		if c.GroundTruth.AnchorLatitude < -90 || c.GroundTruth.AnchorLatitude > 90 {
			return fmt.Errorf("invalid anchor latitude: %.8f (must be between -90 and 90 degrees)", c.GroundTruth.AnchorLatitude)
		}
		if c.GroundTruth.AnchorLongitude < -180 || c.GroundTruth.AnchorLongitude > 180 {
			return fmt.Errorf("invalid anchor longitude: %.8f (must be between -180 and 180 degrees)", c.GroundTruth.AnchorLongitude)
		}
		// Check if coordinates are set to default values (0,0) which likely means they weren't configured
		if c.GroundTruth.AnchorLatitude == 0.0 && c.GroundTruth.AnchorLongitude == 0.0 {
			return fmt.Errorf("anchor coordinates not specified: set anchor_latitude and anchor_longitude in config file or use --anchor-lat and --anchor-lon flags")
		}
	}

	if c.Recording.Duration < 0 {
		return fmt.Errorf("invalid recording duration: %v", c.Recording.Duration)
	}
	if c.Recording.SettleDelay < 0 {
		return fmt.Errorf("invalid settle delay: %v", c.Recording.SettleDelay)
	}

	if c.Calibration.TWRType != 0 && c.Calibration.TWRType != 1 {
		return fmt.Errorf("invalid twr_type: %d (must be 0 or 1)", c.Calibration.TWRType)
	}
	if c.Calibration.OutlierThresholdNs <= 0 {
		return fmt.Errorf("invalid outlier_threshold_ns: %g (must be positive)", c.Calibration.OutlierThresholdNs)
	}
	if n := len(c.Calibration.Modules); n != 0 && n != 3 {
		return fmt.Errorf("calibration modules needs exactly 3 ids, got %d", n)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Board: BoardConfig{
			Port:     "/dev/ttyACM0", // Common USB CDC device path for UWB dev boards
			BaudRate: 115200,         // Standard dev board baud rate
			ModuleID: 1,              // First module
		},
		GroundTruth: GroundTruthConfig{
			Mode:            "manual",         // Tape-measure setups are the common case
			ManualDistance:  0.0,              // Must be surveyed per formation
			Port:            "/dev/ttyUSB0",   // Common USB GPS device path
			BaudRate:        9600,             // Standard NMEA baud rate
			GPSDHost:        "localhost",      // Default gpsd host
			GPSDPort:        "2947",           // Default gpsd port
			Timeout:         30 * time.Second, // 30 second acquisition timeout
			AnchorLatitude:  0.0,              // Default latitude (equator)
			AnchorLongitude: 0.0,              // Default longitude (prime meridian)
			AnchorAltitude:  0.0,              // Default altitude (sea level)
		},
		Recording: RecordingConfig{
			Duration:    60 * time.Second, // 60 second recording
			OutputDir:   "./data",         // Current directory data folder
			FilePrefix:  "uwbcal",         // File prefix for exchange logs
			SessionID:   "",               // No default session ID
			StartTime:   0,                // Start immediately
			SettleDelay: 2 * time.Second,  // Let the board settle after the link opens
		},
		Calibration: CalibrationConfig{
			TWRType:            1,     // General double-sided TWR
			Static:             true,  // Fixed formations by default
			Average:            false, // Keep per-sample rows
			OutlierThresholdNs: 5e7,   // Round-trip rejection threshold
			Modules:            nil,   // Inferred from the loaded logs
		},
		Logging: LoggingConfig{
			Level: "info",       // Info level logging
			File:  "uwbcal.log", // Log to uwbcal.log file
		},
	}
}

package config

import (
	"strings"
	"testing"
)

// validConfig returns a default configuration patched to pass validation.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.GroundTruth.ManualDistance = 4.5
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	// The stock defaults only lack a surveyed distance
	if err := DefaultConfig().Validate(); err == nil {
		t.Fatal("default config validated without a manual distance")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateGroundTruthModes(t *testing.T) {
	cfg := validConfig()
	cfg.GroundTruth.Mode = "rtk-base"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown ground truth mode accepted")
	}

	// GPS-derived modes need a surveyed anchor position
	cfg = validConfig()
	cfg.GroundTruth.Mode = "nmea"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "anchor") {
		t.Errorf("nmea mode without anchor coordinates: got %v, want anchor error", err)
	}
	cfg.GroundTruth.AnchorLatitude = 51.4545
	cfg.GroundTruth.AnchorLongitude = -2.5879
	if err := cfg.Validate(); err != nil {
		t.Errorf("nmea mode with anchor rejected: %v", err)
	}

	cfg.GroundTruth.AnchorLatitude = 95
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range anchor latitude accepted")
	}

	cfg = validConfig()
	cfg.GroundTruth.Mode = "gpsd"
	cfg.GroundTruth.AnchorLatitude = 51.4545
	cfg.GroundTruth.AnchorLongitude = -2.5879
	cfg.GroundTruth.GPSDHost = ""
	if err := cfg.Validate(); err == nil {
		t.Error("gpsd mode without a host accepted")
	}
}

func TestValidateCalibrationOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Calibration.TWRType = 2
	if err := cfg.Validate(); err == nil {
		t.Error("unknown twr_type accepted")
	}

	cfg = validConfig()
	cfg.Calibration.OutlierThresholdNs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero outlier threshold accepted")
	}

	cfg = validConfig()
	cfg.Calibration.Modules = []int{1, 2}
	if err := cfg.Validate(); err == nil {
		t.Error("two-module trio accepted")
	}

	cfg = validConfig()
	cfg.Recording.SettleDelay = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative settle delay accepted")
	}
}

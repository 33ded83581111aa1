// Package calibrate - Export functions for calibration results
package calibrate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
)

// ExportJSON exports the calibration result as indented JSON.
func (r *Result) ExportJSON(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create JSON file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	return nil
}

// ExportCSV exports the calibration result in CSV format for spreadsheet
// analysis.
func (r *Result) ExportCSV(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write metadata header
	writer.Write([]string{"# UWB Antenna Delay Calibration"})
	writer.Write([]string{"# Processed", r.ProcessedAt.Format("2006-01-02 15:04:05")})
	writer.Write([]string{"# TWR Type", r.Type.String()})
	writer.Write([]string{"# Rows", fmt.Sprintf("%d", r.Rows)})
	writer.Write([]string{"# Skipped Rows", fmt.Sprintf("%d", r.SkippedRows)})
	writer.Write([]string{"# Observation Norm ns", fmt.Sprintf("%.3f", r.ObservationNorm)})
	writer.Write([]string{"# Residual Norm ns", fmt.Sprintf("%.3f", r.ResidualNorm)})
	writer.Write([]string{""}) // Empty line

	// Write solved delays
	writer.Write([]string{"# Antenna Delays"})
	writer.Write([]string{"Module_ID", "Delay_ns"})
	for _, id := range r.Modules {
		writer.Write([]string{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%.6f", r.Delays[id]),
		})
	}

	// Write per-pair statistics if available
	if len(r.PairSummaries) > 0 {
		writer.Write([]string{""}) // Empty line
		writer.Write([]string{"# Pair Statistics"})
		writer.Write([]string{"Initiator", "Target", "Rows", "Segments", "Wrap_Fixes", "Outliers_Dropped", "Mean_Range_Error_m"})
		for _, p := range r.PairSummaries {
			writer.Write([]string{
				fmt.Sprintf("%d", p.Initiator),
				fmt.Sprintf("%d", p.Target),
				fmt.Sprintf("%d", p.Rows),
				fmt.Sprintf("%d", p.Segments),
				fmt.Sprintf("%d", p.WrapFixes),
				fmt.Sprintf("%d", p.OutliersDropped),
				fmt.Sprintf("%.4f", p.MeanRangeErrorM),
			})
		}
	}

	return nil
}

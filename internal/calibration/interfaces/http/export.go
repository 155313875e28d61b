package http

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	calibration "metrology-cloud/internal/calibration/domain"
)

const dateLayout = "2006-01-02"

// BuildCertificateXLSX renders an issued certificate as a workbook with
// summary, points, budget and repeatability sheets.
func BuildCertificateXLSX(cert *calibration.Certificate) ([]byte, error) {
	if cert == nil {
		return nil, errors.New("certificate export: nil certificate")
	}
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	pointsSheet := "points"
	budgetSheet := "budget"
	repeatabilitySheet := "repeatability"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	for _, sheet := range []string{pointsSheet, budgetSheet, repeatabilitySheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}

	results := cert.Results
	summary := [][2]any{
		{"Calibration Certificate", cert.Number},
		{"Verification Code", cert.VerificationCode},
		{"Issued", cert.IssuedAt.Format(dateLayout)},
		{"Next Due", cert.NextDueAt.Format(dateLayout)},
		{"Manufacturer", cert.Instrument.Manufacturer},
		{"Model", cert.Instrument.Model},
		{"Serial Number", cert.Instrument.SerialNumber},
		{"Accuracy Class", string(cert.Instrument.AccuracyClass)},
		{"Max Capacity", cert.Instrument.MaxCapacity.String() + " " + cert.Instrument.Unit},
		{"e", cert.Instrument.EffectiveDivision().String()},
		{"Method", cert.MethodCode},
		{"Verification Type", string(cert.VerificationType)},
		{"Decision Rule", string(cert.DecisionRule)},
		{"Coverage Factor (k)", results.Budget.CoverageFactor.String()},
		{"Expanded Uncertainty (U)", calibration.Present(results.Budget.Expanded).String()},
		{"Result", string(results.Label)},
		{"Operator", cert.Operator},
		{"Reviewed By", cert.ReviewedBy},
		{"Signatory", cert.Signatory},
		{"Snapshot Hash", cert.SnapshotHash},
	}
	for i, row := range summary {
		r := i + 1
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", r), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", r), row[1])
	}
	for i, warning := range results.Warnings {
		r := len(summary) + 2 + i
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", r), "Warning")
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", r), warning)
	}

	pointHeaders := []string{"Point", "Direction", "Reference", "Indication", "Error", "MPE", "Acceptance Limit", "U", "Verdict"}
	if err := f.SetSheetRow(pointsSheet, "A1", &pointHeaders); err != nil {
		return nil, err
	}
	for i, p := range results.Conformity.Points {
		row := []any{
			p.PointIndex + 1,
			string(p.Direction),
			p.Reference.String(),
			p.Indication.String(),
			calibration.Present(p.Error).String(),
			p.MPE.String(),
			calibration.Present(p.AcceptanceLimit).String(),
			calibration.Present(p.Uncertainty).String(),
			string(p.Verdict),
		}
		if err := f.SetSheetRow(pointsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	budgetHeaders := []string{"Component", "Kind", "Value", "Distribution", "Divisor", "Standard Uncertainty"}
	if err := f.SetSheetRow(budgetSheet, "A1", &budgetHeaders); err != nil {
		return nil, err
	}
	for i, line := range results.Budget.Lines {
		row := []any{
			line.Name,
			string(line.Kind),
			line.Value.String(),
			string(line.Distribution),
			calibration.Present(line.Divisor).String(),
			calibration.Present(line.Standard).String(),
		}
		if err := f.SetSheetRow(budgetSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}
	last := len(results.Budget.Lines) + 3
	_ = f.SetCellValue(budgetSheet, fmt.Sprintf("A%d", last), "Combined (uc)")
	_ = f.SetCellValue(budgetSheet, fmt.Sprintf("F%d", last), calibration.Present(results.Budget.Combined).String())
	_ = f.SetCellValue(budgetSheet, fmt.Sprintf("A%d", last+1), "Expanded (U)")
	_ = f.SetCellValue(budgetSheet, fmt.Sprintf("F%d", last+1), calibration.Present(results.Budget.Expanded).String())

	statHeaders := []string{"Load", "n", "Mean", "Range", "Std Dev", "Type A"}
	if err := f.SetSheetRow(repeatabilitySheet, "A1", &statHeaders); err != nil {
		return nil, err
	}
	for i, stats := range results.TrialStatistics {
		load := ""
		if i < len(cert.Trials) {
			load = cert.Trials[i].Load.String()
		}
		row := []any{
			load,
			stats.N,
			calibration.Present(stats.Mean).String(),
			calibration.Present(stats.Range).String(),
			calibration.Present(stats.StdDev).String(),
			calibration.Present(stats.TypeA).String(),
		}
		if err := f.SetSheetRow(repeatabilitySheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Package export renders measurement history and audit trails for download
// by the HTTP surface.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/zw834675966/ems/internal/storage"
)

// MeasurementsXLSX renders measurement rows to a workbook.
func MeasurementsXLSX(projectID, pointID string, records []storage.Measurement) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "measurements"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Project")
	_ = f.SetCellValue(sheet, "B1", projectID)
	_ = f.SetCellValue(sheet, "A2", "Point")
	_ = f.SetCellValue(sheet, "B2", pointID)

	_ = f.SetCellValue(sheet, "A4", "Timestamp")
	_ = f.SetCellValue(sheet, "B4", "Value")
	_ = f.SetCellValue(sheet, "C4", "Quality")
	for i, record := range records {
		row := 5 + i
		ts := time.UnixMilli(record.TsMs).UTC().Format(time.RFC3339)
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), ts)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), record.Value)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), record.Quality)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AuditPDF renders an audit trail.
func AuditPDF(projectID string, records []storage.AuditRecord) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Audit Trail")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Project: %s", projectID))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(38, 6, "Time", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Actor", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Action", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Resource", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Result", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, record := range records {
		ts := time.UnixMilli(record.TsMs).UTC().Format("2006-01-02 15:04:05")
		pdf.CellFormat(38, 6, ts, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, record.Actor, "1", 0, "L", false, 0, "")
		pdf.CellFormat(55, 6, record.Action, "1", 0, "L", false, 0, "")
		pdf.CellFormat(45, 6, record.Resource, "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, record.Result, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package export

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/zw834675966/ems/internal/storage"
)

func TestMeasurementsXLSX(t *testing.T) {
	records := []storage.Measurement{
		{TenantID: "tenant-1", ProjectID: "project-1", PointID: "point-1", TsMs: 1_700_000_000_000, Value: "12.3", Quality: "good"},
		{TenantID: "tenant-1", ProjectID: "project-1", PointID: "point-1", TsMs: 1_700_000_060_000, Value: "12.4"},
	}
	data, err := MeasurementsXLSX("project-1", "point-1", records)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	value, err := f.GetCellValue("measurements", "B5")
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	if value != "12.3" {
		t.Fatalf("cell B5: %q", value)
	}
}

func TestAuditPDF(t *testing.T) {
	records := []storage.AuditRecord{
		{TenantID: "tenant-1", ProjectID: "project-1", Actor: "user-1", Action: storage.AuditActionCommandIssue, Resource: "command:cmd-1", Result: "accepted", TsMs: 1_700_000_000_000},
	}
	data, err := AuditPDF("project-1", records)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("not a pdf: %q", data[:8])
	}
}

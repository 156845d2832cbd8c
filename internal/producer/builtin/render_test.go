package builtin

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"artifactd/internal/schedule"
)

func sampleTable() Table {
	return Table{
		Title:   "Sample",
		Columns: []string{"name", "count"},
		Rows:    [][]string{{"alpha", "1"}, {"beta, with comma", "2"}},
	}
}

func TestRenderCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderTable(&buf, schedule.FormatCSV, sampleTable()); err != nil {
		t.Fatalf("RenderTable: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[0] != "name,count" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], `"beta, with comma"`) {
		t.Fatalf("comma not quoted: %q", lines[2])
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderTable(&buf, schedule.FormatJSON, sampleTable()); err != nil {
		t.Fatalf("RenderTable: %v", err)
	}
	var doc struct {
		Title string              `json:"title"`
		Rows  []map[string]string `json:"rows"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if doc.Title != "Sample" || len(doc.Rows) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Rows[0]["name"] != "alpha" {
		t.Fatalf("rows[0] = %+v", doc.Rows[0])
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	tbl := sampleTable()
	tbl.Rows = append(tbl.Rows, []string{"<script>alert(1)</script>", "3"})
	var buf bytes.Buffer
	if err := RenderTable(&buf, schedule.FormatHTML, tbl); err != nil {
		t.Fatalf("RenderTable: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "<script>alert") {
		t.Fatal("row content not escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Fatal("expected escaped script tag")
	}
}

func TestRenderPDFStructure(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderTable(&buf, schedule.FormatPDF, sampleTable()); err != nil {
		t.Fatalf("RenderTable: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "%PDF-1.4") {
		t.Fatalf("missing PDF header: %q", out[:16])
	}
	if !strings.Contains(out, "%%EOF") {
		t.Fatal("missing EOF marker")
	}
}

func TestRenderUnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer
	err := RenderTable(&buf, schedule.Format("docx"), sampleTable())
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if kind := schedule.ClassifyError(err); kind != schedule.ErrKindPermanent {
		t.Fatalf("kind = %s, want permanent", kind)
	}
}

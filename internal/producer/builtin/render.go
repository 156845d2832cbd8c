package builtin

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"artifactd/internal/schedule"
)

// Table is the tabular payload shared by the report and export producers.
type Table struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// RenderTable writes tbl to w in the requested format.
func RenderTable(w io.Writer, format schedule.Format, tbl Table) error {
	switch format {
	case schedule.FormatCSV:
		return renderCSV(w, tbl)
	case schedule.FormatJSON:
		return renderJSON(w, tbl)
	case schedule.FormatHTML:
		return renderHTML(w, tbl)
	case schedule.FormatPDF:
		return renderPDF(w, tbl)
	case schedule.FormatExcel:
		return renderXLSX(w, tbl)
	default:
		return schedule.MarkPermanent(errors.Newf("unsupported format %q", format))
	}
}

func renderCSV(w io.Writer, tbl Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tbl.Columns); err != nil {
		return err
	}
	for _, row := range tbl.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderJSON(w io.Writer, tbl Table) error {
	recs := make([]map[string]string, 0, len(tbl.Rows))
	for _, row := range tbl.Rows {
		rec := make(map[string]string, len(tbl.Columns))
		for i, col := range tbl.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		recs = append(recs, rec)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"title": tbl.Title, "rows": recs})
}

var htmlTmpl = template.Must(template.New("table").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<table border="1" cellspacing="0" cellpadding="4">
<tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body></html>
`))

func renderHTML(w io.Writer, tbl Table) error {
	return htmlTmpl.Execute(w, tbl)
}

// renderPDF emits a single-page PDF with one text line per row. Enough
// for dashboard downloads without dragging in a PDF toolkit.
func renderPDF(w io.Writer, tbl Table) error {
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 50 780 Td 14 TL\n")
	writeLine := func(s string) {
		content.WriteString("(" + escapePDF(s) + ") Tj T*\n")
	}
	writeLine(tbl.Title)
	writeLine(strings.Join(tbl.Columns, " | "))
	for _, row := range tbl.Rows {
		writeLine(strings.Join(row, " | "))
	}
	content.WriteString("ET")

	stream := content.String()
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
	}

	var buf strings.Builder
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, obj := range objs {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for i := 1; i <= len(objs); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	_, err := io.WriteString(w, buf.String())
	return err
}

func escapePDF(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)", "\n", " ")
	return r.Replace(s)
}

// renderXLSX emits a minimal single-sheet workbook with inline strings.
func renderXLSX(w io.Writer, tbl Table) error {
	zw := zip.NewWriter(w)
	files := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>
<Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>
</Types>`,
		"_rels/.rels": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>
</Relationships>`,
		"xl/workbook.xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<sheets><sheet name="Sheet1" sheetId="1" r:id="rId1"/></sheets>
</workbook>`,
		"xl/_rels/workbook.xml.rels": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>
</Relationships>`,
		"xl/worksheets/sheet1.xml": sheetXML(tbl),
	}
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "xl/workbook.xml", "xl/_rels/workbook.xml.rels", "xl/worksheets/sheet1.xml"} {
		f, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(f, files[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func sheetXML(tbl Table) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><sheetData>`)
	writeRow := func(cells []string) {
		b.WriteString("<row>")
		for _, c := range cells {
			b.WriteString(`<c t="inlineStr"><is><t>`)
			_ = xml.EscapeText(&b, []byte(c))
			b.WriteString(`</t></is></c>`)
		}
		b.WriteString("</row>")
	}
	writeRow(tbl.Columns)
	for _, row := range tbl.Rows {
		writeRow(row)
	}
	b.WriteString(`</sheetData></worksheet>`)
	return b.String()
}

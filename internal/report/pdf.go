package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/regintel/blacklist/internal/store"
)

var (
	colorPrimary     = [3]int{30, 58, 95}    // Dark navy
	colorAccent      = [3]int{46, 204, 113}  // Green
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorTableHeader = [3]int{30, 58, 95}    // Navy header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Divider lines
)

// PDFGenerator renders the collection summary report.
type PDFGenerator struct{}

func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate produces the PDF as a byte slice.
func (g *PDFGenerator) Generate(data *Data) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	pdf.AddPage()
	g.addPageHeader(pdf, data, "Collection Summary")
	g.writeTotals(pdf, data)
	g.writeSourceTable(pdf, data)

	pdf.AddPage()
	g.addPageHeader(pdf, data, "Breakdown")
	g.writeBreakdownTable(pdf, "By Category", data.ByCategory)
	pdf.Ln(6)
	g.writeBreakdownTable(pdf, "Top Countries", data.ByCountry)

	if len(data.Recent) > 0 {
		pdf.AddPage()
		g.addPageHeader(pdf, data, "Recent Collections")
		g.writeHistoryTable(pdf, data)
	}

	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) addPageHeader(pdf *fpdf.Fpdf, data *Data, section string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(20, 15, pageWidth-20, 15)

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, "BLACKLIST THREAT INTELLIGENCE REPORT", "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, data.GeneratedAt.Format("2006-01-02 15:04 MST"), "", 1, "R", false, 0, "")

	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, section, "", 1, "L", false, 0, "")

	pdf.Ln(5)
}

func (g *PDFGenerator) writeTotals(pdf *fpdf.Fpdf, data *Data) {
	rows := []struct {
		label string
		value string
	}{
		{"Total IPs", fmt.Sprintf("%d", data.Totals.TotalIPs)},
		{"Active IPs", fmt.Sprintf("%d", data.Totals.ActiveIPs)},
		{"Whitelisted", fmt.Sprintf("%d", data.Totals.Whitelisted)},
		{"Sources", fmt.Sprintf("%d", data.Totals.Sources)},
	}
	if data.Totals.LastSeen != nil {
		rows = append(rows, struct {
			label string
			value string
		}{"Last Update", data.Totals.LastSeen.Format(time.RFC3339)})
	}

	for _, row := range rows {
		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(50, 7, row.label, "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "B", 10)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 7, row.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(5)
}

func (g *PDFGenerator) writeSourceTable(pdf *fpdf.Fpdf, data *Data) {
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Per Source", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	widths := []float64{50, 35, 35, 50}
	headers := []string{"Source", "Total", "Active", "Last Seen"}
	g.tableHeader(pdf, widths, headers)

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, src := range data.BySource {
		lastSeen := "-"
		if src.LastSeen != nil {
			lastSeen = src.LastSeen.Format("2006-01-02 15:04")
		}
		g.setRowFill(pdf, fill)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(widths[0], 7, src.Source, "1", 0, "L", true, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", src.TotalIPs), "1", 0, "R", true, 0, "")
		pdf.CellFormat(widths[2], 7, fmt.Sprintf("%d", src.ActiveIPs), "1", 0, "R", true, 0, "")
		pdf.CellFormat(widths[3], 7, lastSeen, "1", 1, "C", true, 0, "")
		fill = !fill
	}
}

func (g *PDFGenerator) writeBreakdownTable(pdf *fpdf.Fpdf, title string, rows []store.Breakdown) {
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(rows) == 0 {
		pdf.SetFont("Arial", "I", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 7, "No data.", "", 1, "L", false, 0, "")
		return
	}

	widths := []float64{100, 40}
	g.tableHeader(pdf, widths, []string{"Key", "Count"})

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, row := range rows {
		g.setRowFill(pdf, fill)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(widths[0], 7, row.Key, "1", 0, "L", true, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", row.Count), "1", 1, "R", true, 0, "")
		fill = !fill
	}
}

func (g *PDFGenerator) writeHistoryTable(pdf *fpdf.Fpdf, data *Data) {
	widths := []float64{32, 25, 18, 22, 22, 20, 31}
	headers := []string{"Started", "Service", "Trigger", "Collected", "Duration", "Result", "Error"}
	g.tableHeader(pdf, widths, headers)

	pdf.SetFont("Arial", "", 7)
	fill := false
	for _, h := range data.Recent {
		if pdf.GetY() > 260 {
			pdf.AddPage()
			g.addPageHeader(pdf, data, "Recent Collections (continued)")
			g.tableHeader(pdf, widths, headers)
			pdf.SetFont("Arial", "", 7)
			fill = false
		}

		result := "ok"
		resultColor := colorAccent
		if !h.Success {
			result = "failed"
			resultColor = colorDanger
		}
		errText := h.Error
		if len(errText) > 28 {
			errText = errText[:28]
		}

		g.setRowFill(pdf, fill)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(widths[0], 7, h.StartedAt.Format("01-02 15:04:05"), "1", 0, "C", true, 0, "")
		pdf.CellFormat(widths[1], 7, h.Service, "1", 0, "L", true, 0, "")
		pdf.CellFormat(widths[2], 7, string(h.Trigger), "1", 0, "C", true, 0, "")
		pdf.CellFormat(widths[3], 7, fmt.Sprintf("%d", h.ItemsCollected), "1", 0, "R", true, 0, "")
		pdf.CellFormat(widths[4], 7, fmt.Sprintf("%.1fs", float64(h.DurationMS)/1000), "1", 0, "R", true, 0, "")
		pdf.SetTextColor(resultColor[0], resultColor[1], resultColor[2])
		pdf.CellFormat(widths[5], 7, result, "1", 0, "C", true, 0, "")
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(widths[6], 7, errText, "1", 1, "L", true, 0, "")
		fill = !fill
	}
}

func (g *PDFGenerator) tableHeader(pdf *fpdf.Fpdf, widths []float64, headers []string) {
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 8)
	for i, h := range headers {
		breakLine := 0
		if i == len(headers)-1 {
			breakLine = 1
		}
		pdf.CellFormat(widths[i], 7, h, "1", breakLine, "C", true, 0, "")
	}
}

func (g *PDFGenerator) setRowFill(pdf *fpdf.Fpdf, fill bool) {
	if fill {
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
	} else {
		pdf.SetFillColor(255, 255, 255)
	}
}

// addPageNumbers stamps footers after layout so the total is known.
func (g *PDFGenerator) addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)

	totalPages := pdf.PageCount()
	for i := 1; i <= totalPages; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, totalPages), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}

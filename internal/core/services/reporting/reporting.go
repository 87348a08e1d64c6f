// Package reporting generates the PDF executive audit report, a
// supplemented feature grounded directly in the teacher's
// internal/adapters/reporting PDFExporter (same gofpdf layout
// conventions: a colored header, a summary band, then a findings table).
package reporting

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// Generator renders a window of decision-audit rows as a PDF suitable for
// handing to an auditor, answering the same "what did the core decide and
// why" question as get_decisions_audit but in a shareable document (§6).
type Generator struct{}

// New builds a Generator.
func New() *Generator { return &Generator{} }

// RenderPDF builds the executive audit report covering the given audit
// rows, most recent first.
func (g *Generator) RenderPDF(audits []domain.DecisionAudit) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	g.addHeader(pdf, len(audits))
	g.addSummary(pdf, audits)
	g.addTable(pdf, audits)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("reporting: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) addHeader(pdf *gofpdf.Fpdf, count int) {
	pdf.SetFont("Arial", "B", 22)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 14, "Zero Trust Policy Core - Decision Audit", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(110, 110, 110)
	pdf.CellFormat(0, 6, fmt.Sprintf("%d decisions in range", count), "", 1, "L", false, 0, "")
	pdf.Ln(6)
}

func (g *Generator) addSummary(pdf *gofpdf.Fpdf, audits []domain.DecisionAudit) {
	counts := map[domain.Decision]int{}
	for _, a := range audits {
		counts[a.Decision]++
	}
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 8, "Decision mix", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	for _, decision := range []domain.Decision{domain.DecisionAllow, domain.DecisionRedirect, domain.DecisionDeny, domain.DecisionQuarantine} {
		pdf.CellFormat(0, 6, fmt.Sprintf("%-12s %d", decision, counts[decision]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func (g *Generator) addTable(pdf *gofpdf.Fpdf, audits []domain.DecisionAudit) {
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	headers := []string{"Timestamp", "Device", "Trust", "Threat", "Decision", "Reason"}
	widths := []float64{32, 32, 14, 20, 26, 56}
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, a := range audits {
		pdf.CellFormat(widths[0], 6, a.Timestamp.Format("2006-01-02 15:04:05"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, a.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, fmt.Sprintf("%d", a.Trust), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[3], 6, string(a.ThreatLevel), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[4], 6, string(a.Decision), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[5], 6, a.Reason, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}
}

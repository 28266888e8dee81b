package certificates

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

const pdfFont = "Helvetica"

// RenderPDF produces a printable certificate. The document carries the
// serial and verification link; the signature stays server side.
func RenderPDF(c *Certificate, verifyURL string) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(false, 20)
	pdf.AddPage()

	pageWidth, pageHeight := pdf.GetPageSize()
	pdf.SetDrawColor(46, 125, 50)
	pdf.SetLineWidth(1.5)
	pdf.Rect(10, 10, pageWidth-20, pageHeight-20, "D")

	pdf.Ln(15)
	pdf.SetFont(pdfFont, "B", 28)
	pdf.SetTextColor(46, 125, 50)
	pdf.CellFormat(0, 14, "Certificate of Volunteer Service", "", 1, "C", false, 0, "")

	pdf.Ln(8)
	pdf.SetFont(pdfFont, "", 14)
	pdf.SetTextColor(80, 80, 80)
	pdf.CellFormat(0, 8, "This certifies that", "", 1, "C", false, 0, "")

	name := c.VolunteerName
	if name == "" {
		name = c.VolunteerID
	}
	pdf.SetFont(pdfFont, "B", 22)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 12, tr(pdf, name), "", 1, "C", false, 0, "")

	pdf.SetFont(pdfFont, "", 14)
	pdf.SetTextColor(80, 80, 80)
	pdf.CellFormat(0, 8, fmt.Sprintf("completed %s volunteer hours at", formatHours(c.Hours)), "", 1, "C", false, 0, "")

	pdf.SetFont(pdfFont, "B", 18)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 10, tr(pdf, c.EventTitle), "", 1, "C", false, 0, "")

	pdf.Ln(12)
	rows := [][2]string{
		{"Serial", c.Serial},
		{"Issue date", c.IssueDate},
		{"Status", string(c.Status)},
		{"Security score", fmt.Sprintf("%d (%s)", c.SecurityScore, c.SecurityLevel)},
	}
	if c.AnchorTx != "" {
		rows = append(rows, [2]string{"Anchor", c.AnchorTx})
	}
	left := (pageWidth - 160) / 2
	for _, row := range rows {
		pdf.SetX(left)
		pdf.SetFont(pdfFont, "B", 11)
		pdf.CellFormat(45, 7, row[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont(pdfFont, "", 11)
		pdf.CellFormat(115, 7, row[1], "", 1, "L", false, 0, "")
	}

	pdf.SetY(pageHeight - 35)
	pdf.SetFont(pdfFont, "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, 6, "Verify this certificate at", "", 1, "C", false, 0, "")
	pdf.SetTextColor(46, 125, 50)
	pdf.CellFormat(0, 6, verifyURL, "", 1, "C", false, 0, verifyURL)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("certificates: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// tr converts UTF-8 text to the core font encoding.
func tr(pdf *gofpdf.Fpdf, s string) string {
	return pdf.UnicodeTranslatorFromDescriptor("")(s)
}

func formatHours(h float64) string {
	if h == float64(int64(h)) {
		return fmt.Sprintf("%d", int64(h))
	}
	return fmt.Sprintf("%.1f", h)
}

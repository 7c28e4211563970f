package payment

import (
	"bytes"
	"fmt"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/phpdave11/gofpdf"
)

// ReceiptData is what a receipt prints.
type ReceiptData struct {
	Payment      *domain.Payment
	Request      *domain.ServiceRequest
	CustomerName string
	RepairerName string
	IssuedAt     time.Time
}

func safe(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// BuildReceiptPDF renders a one-page receipt.
func BuildReceiptPDF(d ReceiptData) ([]byte, error) {
	p := d.Payment
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Receipt", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "PAYMENT RECEIPT")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	pdf.Cell(0, 7, "Receipt no : "+p.ID)
	pdf.Ln(7)
	pdf.Cell(0, 7, "Date       : "+d.IssuedAt.Format("2006-01-02 15:04"))
	pdf.Ln(7)
	pdf.Cell(0, 7, "Gateway ref: "+safe(p.GatewayPaymentID, "-"))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Job")
	pdf.Ln(7)
	pdf.SetFont("Helvetica", "", 12)
	if d.Request != nil {
		pdf.Cell(0, 7, fmt.Sprintf("%s / %s", d.Request.ServiceType, d.Request.Category))
		pdf.Ln(7)
		pdf.MultiCell(0, 6, d.Request.Issue, "", "", false)
		pdf.Cell(0, 7, d.Request.Location.Address+" "+d.Request.Location.PostalCode)
		pdf.Ln(7)
	}
	pdf.Cell(0, 7, "Customer : "+safe(d.CustomerName, "-"))
	pdf.Ln(7)
	pdf.Cell(0, 7, "Repairer : "+safe(d.RepairerName, "-"))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Amount")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 11)
	kind := "Repair job"
	if p.Kind == domain.PaymentForRejectionFee {
		kind = "Quote rejection fee"
	}
	pdf.CellFormat(120, 7, kind, "1", 0, "", false, 0, "")
	pdf.CellFormat(50, 7, fmt.Sprintf("%s %.2f", p.Currency, p.Amount), "1", 1, "R", false, 0, "")
	pdf.CellFormat(120, 7, "Platform fee (incl.)", "1", 0, "", false, 0, "")
	pdf.CellFormat(50, 7, fmt.Sprintf("%s %.2f", p.Currency, p.PlatformFee), "1", 1, "R", false, 0, "")
	pdf.CellFormat(120, 7, "Paid to repairer", "1", 0, "", false, 0, "")
	pdf.CellFormat(50, 7, fmt.Sprintf("%s %.2f", p.Currency, p.RepairerPayout), "1", 1, "R", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "I", 10)
	pdf.MultiCell(0, 6, "Status: "+string(p.Status), "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return buf.Bytes(), nil
}

package helpers

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"strings"
	"text/template"
	"time"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/models"
	"github.com/SebastiaanKlippert/go-wkhtmltopdf"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/text/language"
)

const TemplateReceipt = "templates/pdf/receipt.html"

type RequestPdf struct {
	bodies []string
}

func (r *RequestPdf) ParseTemplate(templateFileName string, data interface{}) error {
	t, err := template.ParseFS(templatesFS, templateFileName)
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	if err = t.Execute(buf, data); err != nil {
		return err
	}
	r.bodies = append(r.bodies, buf.String())
	return nil
}

const (
	ConstHTMLNewPage = `
	<div class="new-page"></div>
	`
)

func (r *RequestPdf) HTML() string {
	return strings.Join(r.bodies, ConstHTMLNewPage)
}

func (r *RequestPdf) GeneratePDF() (*bytes.Buffer, error) {
	pdfg, err := wkhtmltopdf.NewPDFGenerator()
	if err != nil {
		return nil, errors.Wrap(err, "wkhtmltopdf is not available")
	}

	pdfg.AddPage(wkhtmltopdf.NewPageReader(strings.NewReader(r.HTML())))

	if err := pdfg.Create(); err != nil {
		return nil, err
	}

	return pdfg.Buffer(), nil
}

type ReceiptHTML struct {
	Number        string
	Date          string
	PaymentID     string
	Status        string
	PayerName     string
	PayeeName     string
	Amount        string
	ProcessingFee string
	PlatformFee   string
	NetAmount     string
	Image         string
}

// NewReceiptRequest renders the receipt page of a payment. payer and payee
// may be nil when their profiles are unknown.
func NewReceiptRequest(payment *models.Payment, payer, payee *models.Profile, rates fees.Rates) (*RequestPdf, error) {
	breakdown, err := rates.Calculate(payment.Amount)
	if err != nil {
		return nil, err
	}

	img, err := qrcode.New(payment.ID, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeImage(img.Image(256))
	if err != nil {
		return nil, err
	}

	date := payment.UpdatedAt
	if payment.ReleasedAt != nil {
		date = *payment.ReleasedAt
	}
	money := func(cents int64) string {
		return FormatMoney(cents, payment.Currency, language.English)
	}

	r := &RequestPdf{}
	if err := r.ParseTemplate(TemplateReceipt, ReceiptHTML{
		Number:        ReceiptNumber(),
		Date:          date.Format("02-01-2006"),
		PaymentID:     payment.ID,
		Status:        string(payment.Status),
		PayerName:     displayName(payer, payment.PayerID),
		PayeeName:     displayName(payee, payment.PayeeID),
		Amount:        money(breakdown.Total),
		ProcessingFee: money(breakdown.ProcessingFee),
		PlatformFee:   money(breakdown.PlatformFee),
		NetAmount:     money(breakdown.NetAmount),
		Image:         encoded,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func GenerateReceiptPDF(payment *models.Payment, payer, payee *models.Profile, rates fees.Rates) (*bytes.Buffer, error) {
	r, err := NewReceiptRequest(payment, payer, payee, rates)
	if err != nil {
		return nil, err
	}
	return r.GeneratePDF()
}

// ReceiptKey is the object key of a payment receipt.
func ReceiptKey(prefix string, payment *models.Payment) string {
	return strings.Trim(prefix, "/") + "/" + payment.ID + "-" + payment.UpdatedAt.UTC().Format(time.RFC3339) + ".pdf"
}

func displayName(profile *models.Profile, fallback string) string {
	if profile == nil {
		return fallback
	}
	if profile.FullName != "" {
		return RemoveAccents(profile.FullName)
	}
	if profile.Email != "" {
		return profile.Email
	}
	return fallback
}

func EncodeImage(m image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Receipts builds payment receipts and stores them in S3.
type Receipts struct {
	Profiles db.ProfileStorage
	Rates    fees.Rates
	S3       S3Target
	Prefix   string
}

// Receipts are only issued once the money reached escrow.
var ErrNoReceipt = errors.New("payment has no receipt before it is held")

func (r *Receipts) Build(ctx context.Context, payment *models.Payment) (*bytes.Buffer, error) {
	if payment.Status != models.PaymentStatusHeld && payment.Status != models.PaymentStatusReleased {
		return nil, ErrNoReceipt
	}

	payer, err := r.Profiles.GetProfileByID(ctx, payment.PayerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load payer")
	}
	payee, err := r.Profiles.GetProfileByID(ctx, payment.PayeeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load payee")
	}
	return GenerateReceiptPDF(payment, payer, payee, r.Rates)
}

// Bytes is the shape Mailer.Receipt expects.
func (r *Receipts) Bytes(ctx context.Context, payment *models.Payment) ([]byte, error) {
	buf, err := r.Build(ctx, payment)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Upload stores the receipt and returns its public URL.
func (r *Receipts) Upload(ctx context.Context, payment *models.Payment) (string, error) {
	buf, err := r.Build(ctx, payment)
	if err != nil {
		return "", err
	}
	return AddFileToS3(r.S3, buf, ReceiptKey(r.Prefix, payment))
}

package helpers

import (
	"bytes"
	"context"
	"html/template"
	"io"
	"time"

	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"gopkg.in/gomail.v2"
)

const (
	TemplatePaymentHeld     = "templates/mail/payment_held.html"
	TemplatePaymentReleased = "templates/mail/payment_released.html"
)

type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailData struct {
	EmailTo      string
	NameTo       string
	EmailFrom    string
	NameFrom     string
	Subject      string
	TemplatePath string
	FileName     string
	FileContent  []byte
	SMTP         Sender
}

func (ed *EmailData) Render(data interface{}) (string, error) {
	t, err := template.ParseFS(templatesFS, ed.TemplatePath)
	if err != nil {
		return "", err
	}
	var tpl bytes.Buffer
	if err := t.Execute(&tpl, data); err != nil {
		return "", err
	}
	return tpl.String(), nil
}

func (ed *EmailData) SendEmail(data interface{}) error {
	result, err := ed.Render(data)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	if ed.FileContent != nil {
		m.Attach(ed.FileName, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(ed.FileContent)
			return err
		}))
	}

	m.SetHeader("From", m.FormatAddress(ed.EmailFrom, ed.NameFrom))
	m.SetHeader("To", m.FormatAddress(ed.EmailTo, ed.NameTo))
	m.SetHeader("Subject", ed.Subject)
	m.SetBody("text/html", result)
	return ed.SMTP.DialAndSend(m)
}

type PaymentMailHTML struct {
	Name       string
	PayerLabel string
	PaymentID  string
	Amount     string
	NetAmount  string
	Date       string
}

// Mailer emails payees about their escrowed money.
type Mailer struct {
	SMTP      Sender
	EmailFrom string
	NameFrom  string
	Rates     fees.Rates
	// Receipt, when set, builds the PDF attached to release emails.
	Receipt func(ctx context.Context, payment *models.Payment) ([]byte, error)
}

func (m *Mailer) PaymentHeld(_ context.Context, payment *models.Payment, payee *models.Profile) error {
	data, err := m.mailData(payment, payee)
	if err != nil {
		return err
	}

	ed := m.email(payee, "Your payment is held in escrow", TemplatePaymentHeld)
	return errors.Wrap(ed.SendEmail(data), "failed to send payment held email")
}

func (m *Mailer) PaymentReleased(ctx context.Context, payment *models.Payment, payee *models.Profile) error {
	data, err := m.mailData(payment, payee)
	if err != nil {
		return err
	}

	ed := m.email(payee, "Your payment has been released", TemplatePaymentReleased)
	if m.Receipt != nil {
		receipt, err := m.Receipt(ctx, payment)
		if err != nil {
			return errors.Wrap(err, "failed to build receipt")
		}
		ed.FileName = payment.ID + ".pdf"
		ed.FileContent = receipt
	}
	return errors.Wrap(ed.SendEmail(data), "failed to send payment released email")
}

func (m *Mailer) email(payee *models.Profile, subject, templatePath string) *EmailData {
	return &EmailData{
		EmailTo:      payee.Email,
		NameTo:       payee.FullName,
		EmailFrom:    m.EmailFrom,
		NameFrom:     m.NameFrom,
		Subject:      subject,
		TemplatePath: templatePath,
		SMTP:         m.SMTP,
	}
}

func (m *Mailer) mailData(payment *models.Payment, payee *models.Profile) (*PaymentMailHTML, error) {
	if payee.Email == "" {
		return nil, errors.Errorf("payee %s has no email", payee.ID)
	}

	breakdown, err := m.Rates.Calculate(payment.Amount)
	if err != nil {
		return nil, err
	}

	date := payment.UpdatedAt
	if payment.ReleasedAt != nil {
		date = *payment.ReleasedAt
	}
	name := payee.FullName
	if name == "" {
		name = payee.Email
	}

	return &PaymentMailHTML{
		Name:       name,
		PayerLabel: "Your customer",
		PaymentID:  payment.ID,
		Amount:     FormatMoney(payment.Amount, payment.Currency, language.English),
		NetAmount:  FormatMoney(breakdown.NetAmount, payment.Currency, language.English),
		Date:       date.Format(time.RFC1123),
	}, nil
}

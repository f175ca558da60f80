package helpers

import (
	"strings"
	"unicode"

	"bitbucket.org/skillbridge/backend/fees"
	"github.com/lithammer/shortuuid/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func Contains(a []string, x string) bool {
	for _, n := range a {
		if x == n {
			return true
		}
	}
	return false
}

// RemoveAccents strips combining marks, wkhtmltopdf fonts do not always
// carry them.
func RemoveAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// FormatMoney renders cents as "USD 1,234.50" for the given language tag.
func FormatMoney(cents int64, currencyCode string, lang language.Tag) string {
	p := message.NewPrinter(lang)
	return p.Sprintf("%s %.2f", strings.ToUpper(currencyCode), fees.ToMajor(cents))
}

// ReceiptNumber is a short human friendly reference printed on receipts.
func ReceiptNumber() string {
	return strings.ToUpper(shortuuid.New()[:10])
}

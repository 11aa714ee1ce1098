package billing

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Describe renders a display label for a payment method: "Visa •••• 4242" for
// cards, the capitalized type ("Link", "Sepa_debit") for anything else, and ""
// when nothing is known.
func Describe(pm *PaymentMethod) string {
	if pm == nil {
		return ""
	}

	if pm.HasCard {
		brand := pm.CardBrand
		if brand == "" {
			brand = "card"
		}
		return capitalize(brand) + " •••• " + pm.CardLast4
	}

	if pm.Type != "" {
		return capitalize(pm.Type)
	}

	return ""
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/catalog-import/internal/model"
)

const (
	maxTitleRunes       = 255
	maxDescriptionRunes = 20000
	maxBrandRunes       = 255
	maxSKURunes         = 128
)

// sanitize validates and canonicalizes a candidate value for field. Values of
// the wrong type or that fail validation are rejected.
func sanitize(field string, v any) (any, bool) {
	switch field {
	case model.FieldTitle:
		return nonEmpty(cleanText(asString(v), maxTitleRunes))
	case model.FieldDescription:
		return nonEmpty(cleanText(asString(v), maxDescriptionRunes))
	case model.FieldBrand:
		return nonEmpty(cleanText(asString(v), maxBrandRunes))
	case model.FieldSKU:
		return nonEmpty(cleanText(asString(v), maxSKURunes))
	case model.FieldPrice:
		pv, ok := parsePrice(v)
		return pv, ok
	case model.FieldCurrency:
		return nonEmpty(parseCurrency(asString(v)))
	case model.FieldImage:
		return nonEmpty(cleanImageURL(asString(v)))
	case model.FieldImages:
		return nonEmptyList(cleanURLs(asStrings(v), cleanImageURL))
	case model.FieldVideos:
		return nonEmptyList(cleanURLs(asStrings(v), cleanURL))
	case model.FieldReviews:
		return cleanReviews(v)
	case model.FieldOptions:
		opts, ok := v.([]model.Option)
		if !ok {
			return nil, false
		}
		out := canonicalOptions(opts)
		return out, len(out) > 0
	case model.FieldVariants:
		raw, ok := v.([]model.RawVariant)
		if !ok {
			return nil, false
		}
		out := cleanRawVariants(raw)
		return out, len(out) > 0
	}
	return nil, false
}

func nonEmpty(s string) (any, bool) {
	return s, s != ""
}

func nonEmptyList(l []string) (any, bool) {
	return l, len(l) > 0
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// cleanText NFC-normalizes s, collapses whitespace and caps it at limit runes.
func cleanText(s string, limit int) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit]))
}

// --- Price and currency ---

type priceValue struct {
	amount   decimal.Decimal
	currency string
}

var currencySymbols = []struct{ symbol, code string }{
	{"US$", "USD"},
	{"C$", "CAD"},
	{"CA$", "CAD"},
	{"A$", "AUD"},
	{"AU$", "AUD"},
	{"NZ$", "NZD"},
	{"R$", "BRL"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"₩", "KRW"},
	{"zł", "PLN"},
	{"$", "USD"},
}

var (
	isoCodeRe = regexp.MustCompile(`\b[A-Z]{3}\b`)
	amountRe  = regexp.MustCompile(`\d(?:[\d.,'\s\x{00a0}\x{202f}]*\d)?`)
)

// parsePrice reads an amount and, when marked, its currency. Negative and
// non-numeric prices are rejected.
func parsePrice(v any) (priceValue, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return priceValue{amount: t}, !t.IsNegative()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return priceValue{}, false
		}
		return priceValue{amount: decimal.NewFromFloat(t)}, true
	}
	s := strings.TrimSpace(asString(v))
	loc := amountRe.FindStringIndex(s)
	if loc == nil || strings.Contains(s[:loc[0]], "-") {
		return priceValue{}, false
	}
	amount, ok := parseAmount(s[loc[0]:loc[1]])
	if !ok {
		return priceValue{}, false
	}
	return priceValue{amount: amount, currency: currencyIn(s)}, true
}

// parseAmount handles both 1,234.56 and 1.234,56 conventions. A lone comma
// followed by one or two digits is a decimal separator.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.NewReplacer(" ", "", "'", "", "\u00a0", "", "\u202f", "").Replace(s)
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// currencyIn infers the currency from a symbol or ISO code in s.
func currencyIn(s string) string {
	for _, code := range isoCodeRe.FindAllString(s, -1) {
		if c := parseCurrency(code); c != "" {
			return c
		}
	}
	for _, cs := range currencySymbols {
		if strings.Contains(s, cs.symbol) {
			return cs.code
		}
	}
	return ""
}

// parseCurrency returns the ISO 4217 code for a code or symbol, or "".
func parseCurrency(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := currency.ParseISO(strings.ToUpper(s)); err == nil {
		return u.String()
	}
	for _, cs := range currencySymbols {
		if s == cs.symbol {
			return cs.code
		}
	}
	return ""
}

// --- Reviews ---

func cleanReviews(v any) (any, bool) {
	var r model.ReviewSummary
	switch t := v.(type) {
	case model.ReviewSummary:
		r = t
	case *model.ReviewSummary:
		if t == nil {
			return nil, false
		}
		r = *t
	default:
		return nil, false
	}
	if math.IsNaN(r.Rating) || r.Rating < 0 || r.Rating > 5 || r.Count < 0 {
		return nil, false
	}
	r.Rating = math.Round(r.Rating*100) / 100
	return r, true
}

package analyzer

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// amountPattern matches an optionally currency-marked number. Thousands
	// groups may use . , or ' and the decimal part may use . or ,.
	amountPattern = regexp.MustCompile(`(?i)(€|\$|£|\beur\b|\busd\b|\bgbp\b)?\s*(-?\b\d{1,3}(?:[.,']\d{3})+(?:[.,]\d{1,2})?|-?\b\d+(?:[.,]\d{1,2})?)(?:(\s*%)|[ \t]?(€|\beur\b|\busd\b|\bgbp\b))?`)

	// strongTotalPattern labels the amount actually payable.
	strongTotalPattern = regexp.MustCompile(`(?i)\b(?:amount\s+due|total\s+due|grand\s+total|balance\s+due|total\s+amount|total\s+payable|amount\s+payable|total\s+incl|totaal\s+incl|totaal\s+te\s+betalen|te\s+betalen|gesamtbetrag|rechnungsbetrag)`)

	// totalPattern is a plain total label.
	totalPattern = regexp.MustCompile(`(?i)\b(?:total|totaal|gesamt|summe)\b`)

	// excludedTotalPattern marks partial totals that are never the invoice amount.
	excludedTotalPattern = regexp.MustCompile(`(?i)sub\s*-?\s*tota|excl`)

	// countTotalPattern marks totals that count things rather than money.
	countTotalPattern = regexp.MustCompile(`(?i)\btotal\s+(?:number\s+of\s+)?(?:items?|qty|quantity|pages?|units?|pieces?|pcs|lines?|hours?)\b|\b(?:items?|qty|quantity|units?|pieces?|pcs)\s+total\b|\b(?:aantal|anzahl)\b`)
)

// moneyToken is one number found on a line.
type moneyToken struct {
	value      decimal.Decimal
	currency   bool
	hasDecimal bool
}

// findAmounts returns the numbers on s, ignoring dates and percentages.
func findAmounts(s string) []moneyToken {
	s = stripDates(s)
	var tokens []moneyToken
	for _, m := range amountPattern.FindAllStringSubmatch(s, -1) {
		if m[3] != "" {
			continue
		}
		value, ok := parseAmount(m[2])
		if !ok {
			continue
		}
		tokens = append(tokens, moneyToken{
			value:      value,
			currency:   m[1] != "" || m[4] != "",
			hasDecimal: hasDecimalPart(m[2]),
		})
	}
	return tokens
}

// parseAmount reads a number written with either , or . as decimal separator.
func parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(raw, "'", "")
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	}

	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}

// normalizeSingleSeparator decides whether sep groups thousands or marks
// decimals: repeated or followed by exactly three digits means thousands.
func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 || len(s)-strings.LastIndex(s, sep)-1 == 3 {
		return strings.ReplaceAll(s, sep, "")
	}
	return strings.Replace(s, sep, ".", 1)
}

func hasDecimalPart(raw string) bool {
	i := strings.LastIndexAny(raw, ".,")
	return i >= 0 && len(raw)-i-1 <= 2
}

// monetary reports whether t looks like money rather than a count.
func (t moneyToken) monetary() bool {
	return t.currency || t.hasDecimal
}

// pickLabeled chooses the amount a total label refers to: the last
// currency-marked number, else the last number with decimals, else the last
// number.
func pickLabeled(tokens []moneyToken) (moneyToken, bool) {
	for _, pick := range []func(moneyToken) bool{
		func(t moneyToken) bool { return t.currency },
		func(t moneyToken) bool { return t.hasDecimal },
		func(t moneyToken) bool { return true },
	} {
		for i := len(tokens) - 1; i >= 0; i-- {
			if pick(tokens[i]) {
				return tokens[i], true
			}
		}
	}
	return moneyToken{}, false
}

// labeledValues returns the values of a tier. Bare integers are dropped when
// the tier also holds amounts that look like money.
func labeledValues(tokens []moneyToken) []decimal.Decimal {
	anyMonetary := false
	for _, t := range tokens {
		if t.monetary() {
			anyMonetary = true
			break
		}
	}

	var values []decimal.Decimal
	for _, t := range tokens {
		if anyMonetary && !t.monetary() {
			continue
		}
		values = append(values, t.value)
	}
	return values
}

// amount prefers amounts labeled as the payable total, then plain totals,
// then any currency-marked amount in the document.
func amount(lines []line) Field[decimal.Decimal] {
	var strong, plain []moneyToken
	var unlabeled []decimal.Decimal

	for i, l := range lines {
		if l.text == "" || excludedTotalPattern.MatchString(l.text) || countTotalPattern.MatchString(l.text) {
			continue
		}

		var tier *[]moneyToken
		var label []int
		if loc := strongTotalPattern.FindStringIndex(l.text); loc != nil {
			tier, label = &strong, loc
		} else if loc := totalPattern.FindStringIndex(l.text); loc != nil {
			tier, label = &plain, loc
		}

		if tier == nil {
			for _, t := range findAmounts(l.text) {
				if t.currency {
					unlabeled = append(unlabeled, t.value)
				}
			}
			continue
		}

		tokens := findAmounts(l.text[label[1]:])
		if len(tokens) == 0 {
			// Label in one column, value on the next line
			if next, ok := nextLine(lines, i); ok && isAmountOnly(next.text) {
				tokens = findAmounts(next.text)
			}
		}
		if t, ok := pickLabeled(tokens); ok {
			*tier = append(*tier, t)
		}
	}

	key := func(d decimal.Decimal) string { return d.String() }
	switch {
	case len(strong) > 0:
		return resolve(labeledValues(strong), key)
	case len(plain) > 0:
		return resolve(labeledValues(plain), key)
	default:
		return resolve(unlabeled, key)
	}
}

// isAmountOnly reports whether s is nothing but a single amount.
func isAmountOnly(s string) bool {
	loc := amountPattern.FindStringIndex(s)
	return loc != nil && strings.TrimSpace(s[:loc[0]]) == "" && strings.TrimSpace(s[loc[1]:]) == ""
}

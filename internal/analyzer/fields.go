package analyzer

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// invoiceNumberPattern captures the token following an invoice-number keyword.
	invoiceNumberPattern = regexp.MustCompile(`(?i)\b(?:invoice|factuur|rechnungs?|inv)\s*(?:number|nummer|num|no|nr|#)?\.?\s*[:#]?\s*([a-z0-9][a-z0-9\-/_.]*)`)

	// invoiceNumberLabelPattern matches a line that ends with the keyword, as
	// in a column layout with the value on the line below.
	invoiceNumberLabelPattern = regexp.MustCompile(`(?i)\b(?:invoice|factuur|rechnungs?|inv)\s*(?:number|nummer|num|no|nr|#)\.?\s*[:#]?$`)

	// leadingTokenPattern captures the first token of a line.
	leadingTokenPattern = regexp.MustCompile(`(?i)^([a-z0-9][a-z0-9\-/_.]*)`)

	// supplierLabelPattern matches an explicit supplier line.
	supplierLabelPattern = regexp.MustCompile(`(?i)^(?:from|supplier|vendor|seller|issued\s+by|leverancier|verkoper|lieferant)\s*[:\-]\s*(.+)$`)

	// headerNoisePattern matches header lines that are not a company name.
	headerNoisePattern = regexp.MustCompile(`(?i)\b(?:invoice|factuur|rechnung|receipt|bill|tax|date|datum|page|pagina|seite|tel|phone|fax|e-?mail|www|http|vat|btw|iban|bic|kvk|to|customer|klant)\b`)
)

// maxHeaderLines bounds how far down page one the header block may extend.
const maxHeaderLines = 8

func invoiceNumber(lines []line) Field[string] {
	var candidates []string
	for i, l := range lines {
		found := false
		for _, m := range invoiceNumberPattern.FindAllStringSubmatch(l.text, -1) {
			if token, ok := invoiceNumberToken(m[1]); ok {
				candidates = append(candidates, token)
				found = true
			}
		}
		if found || !invoiceNumberLabelPattern.MatchString(l.text) {
			continue
		}
		if next, ok := nextLine(lines, i); ok {
			if m := leadingTokenPattern.FindStringSubmatch(next.text); m != nil {
				if token, ok := invoiceNumberToken(m[1]); ok {
					candidates = append(candidates, token)
				}
			}
		}
	}
	return resolve(candidates, strings.ToUpper)
}

// invoiceNumberToken accepts tokens with at least one digit that are not dates.
func invoiceNumberToken(raw string) (string, bool) {
	token := strings.TrimRight(raw, ".-/_")
	if token == "" || !strings.ContainsFunc(token, unicode.IsDigit) {
		return "", false
	}
	if len(findDates(token)) > 0 {
		return "", false
	}
	return token, true
}

// supplierName prefers an explicitly labeled supplier. Otherwise it takes the
// company name from the header: the first block of text on the first page
// with text, read until the address starts.
func supplierName(pages []string) Field[string] {
	var labeled []string
	for _, page := range pages {
		for _, raw := range strings.Split(page, "\n") {
			if m := supplierLabelPattern.FindStringSubmatch(strings.TrimSpace(raw)); m != nil {
				if name := strings.TrimSpace(m[1]); name != "" {
					labeled = append(labeled, name)
				}
			}
		}
	}
	if len(labeled) > 0 {
		return resolve(labeled, strings.ToUpper)
	}

	return resolve(headerCandidates(pages), strings.ToUpper)
}

func headerCandidates(pages []string) []string {
	for _, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}

		var candidates []string
		seenText := false
		for i, raw := range strings.Split(page, "\n") {
			text := strings.TrimSpace(raw)
			if i >= maxHeaderLines {
				break
			}
			if text == "" {
				if seenText {
					break
				}
				continue
			}
			seenText = true
			if strings.ContainsFunc(text, unicode.IsDigit) {
				// the address begins
				break
			}
			if isCompanyName(text) {
				candidates = append(candidates, text)
			}
		}
		return candidates
	}
	return nil
}

func isCompanyName(text string) bool {
	if len([]rune(text)) < 2 || strings.ContainsRune(text, '@') {
		return false
	}
	if !strings.ContainsFunc(text, unicode.IsLetter) {
		return false
	}
	return !headerNoisePattern.MatchString(text)
}

package analyzer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/civil"
)

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January, "januari": time.January, "januar": time.January,
	"february": time.February, "feb": time.February, "februari": time.February, "februar": time.February,
	"march": time.March, "mar": time.March, "maart": time.March, "märz": time.March, "mrt": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May, "mei": time.May, "mai": time.May,
	"june": time.June, "jun": time.June, "juni": time.June,
	"july": time.July, "jul": time.July, "juli": time.July,
	"august": time.August, "aug": time.August, "augustus": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October, "oktober": time.October, "okt": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December, "dezember": time.December,
}

var (
	isoDatePattern     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})\b`)
	dayMonthPattern    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\.?\s+(` + monthAlternation() + `)\.?,?\s+(\d{4})\b`)
	monthDayPattern    = regexp.MustCompile(`(?i)\b(` + monthAlternation() + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

// monthAlternation lists month names longest first so that "maart" is not
// cut short by "mar".
func monthAlternation() string {
	names := make([]string, 0, len(monthNames))
	for name := range monthNames {
		names = append(names, regexp.QuoteMeta(name))
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}

// dateMatch is a date found in text. Ambiguous is set for numeric dates
// where day and month could be swapped; Date then holds the day-first reading.
type dateMatch struct {
	Date      civil.Date
	Ambiguous bool
	start     int
	end       int
}

// findDates returns every valid date in s in order of position.
func findDates(s string) []dateMatch {
	var matches []dateMatch

	for _, m := range isoDatePattern.FindAllStringSubmatchIndex(s, -1) {
		y, mo, d := atoi(s[m[2]:m[3]]), atoi(s[m[4]:m[5]]), atoi(s[m[6]:m[7]])
		if date, ok := makeDate(y, mo, d); ok {
			matches = append(matches, dateMatch{Date: date, start: m[0], end: m[1]})
		}
	}

	for _, m := range numericDatePattern.FindAllStringSubmatchIndex(s, -1) {
		a, b := atoi(s[m[2]:m[3]]), atoi(s[m[4]:m[5]])
		y := atoi(s[m[6]:m[7]])
		if m[7]-m[6] == 2 {
			y += 2000
		}

		dayFirst, dayFirstOK := makeDate(y, b, a)
		monthFirst, monthFirstOK := makeDate(y, a, b)
		switch {
		case dayFirstOK && monthFirstOK && a != b:
			matches = append(matches, dateMatch{Date: dayFirst, Ambiguous: true, start: m[0], end: m[1]})
		case dayFirstOK:
			matches = append(matches, dateMatch{Date: dayFirst, start: m[0], end: m[1]})
		case monthFirstOK:
			matches = append(matches, dateMatch{Date: monthFirst, start: m[0], end: m[1]})
		}
	}

	for _, m := range dayMonthPattern.FindAllStringSubmatchIndex(s, -1) {
		d, month, y := atoi(s[m[2]:m[3]]), monthNames[strings.ToLower(s[m[4]:m[5]])], atoi(s[m[6]:m[7]])
		if date, ok := makeDate(y, int(month), d); ok {
			matches = append(matches, dateMatch{Date: date, start: m[0], end: m[1]})
		}
	}

	for _, m := range monthDayPattern.FindAllStringSubmatchIndex(s, -1) {
		month, d, y := monthNames[strings.ToLower(s[m[2]:m[3]])], atoi(s[m[4]:m[5]]), atoi(s[m[6]:m[7]])
		if date, ok := makeDate(y, int(month), d); ok {
			matches = append(matches, dateMatch{Date: date, start: m[0], end: m[1]})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	// Drop matches overlapping an earlier one
	var out []dateMatch
	end := -1
	for _, m := range matches {
		if m.start < end {
			continue
		}
		out = append(out, m)
		end = m.end
	}
	return out
}

// stripDates blanks out every date in s.
func stripDates(s string) string {
	matches := findDates(s)
	if len(matches) == 0 {
		return s
	}
	b := []byte(s)
	for _, m := range matches {
		for i := m.start; i < m.end; i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

func makeDate(y, m, d int) (civil.Date, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 || y < 1900 || y > 2200 {
		return civil.Date{}, false
	}
	date := civil.New(y, time.Month(m), d)
	if date.Day() != d || int(date.Month()) != m {
		// e.g. 31 February
		return civil.Date{}, false
	}
	return date, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var dueKeywordPattern = regexp.MustCompile(`(?i)\b(?:due\s+date|date\s+due|payment\s+due|due\s+on|due|pay\s+by|payable\s+by|payment\s+date|payment\s+deadline|vervaldatum|vervaldag|uiterste\s+betaaldatum|betalen\s+voor|te\s+betalen\s+voor|fällig(?:keitsdatum)?|zahlbar\s+bis)\b`)

// dueDate looks for dates on lines carrying a due/payment keyword. A label
// line with nothing after the keyword also checks the next line, for
// column layouts.
func dueDate(lines []line) Field[civil.Date] {
	var clear, ambiguous []civil.Date

	collect := func(s string) int {
		found := findDates(s)
		for _, m := range found {
			if m.Ambiguous {
				ambiguous = append(ambiguous, m.Date)
			} else {
				clear = append(clear, m.Date)
			}
		}
		return len(found)
	}

	for i, l := range lines {
		loc := dueKeywordPattern.FindStringIndex(l.text)
		if loc == nil {
			continue
		}
		if collect(l.text[loc[0]:]) > 0 {
			continue
		}
		rest := l.text[loc[1]:]
		if strings.IndexFunc(rest, isDigit) >= 0 {
			continue
		}
		if next, ok := nextLine(lines, i); ok {
			collect(next.text)
		}
	}

	key := func(d civil.Date) string { return d.String() }
	if len(clear) > 0 {
		return resolve(clear, key)
	}

	field := resolve(ambiguous, key)
	if field.Confidence == Extracted {
		field.Confidence = LowConfidence
	}
	return field
}

// nextLine returns the next non-empty line on the same page.
func nextLine(lines []line, i int) (line, bool) {
	for j := i + 1; j < len(lines) && lines[j].page == lines[i].page; j++ {
		if lines[j].text != "" {
			return lines[j], true
		}
	}
	return line{}, false
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

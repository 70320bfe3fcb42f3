package extract

import (
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var smallNumbers = map[string]int{
	"zero": 0, "no": 0, "none": 0,
	"a": 1, "an": 1, "one": 1, "once": 1, "single": 1,
	"two": 2, "twice": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensNumbers = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// numberPattern matches a digit group or a run of English number words and
// captures it as one group. Articles and "no" only start a number, they never
// continue one.
var numberPattern = buildNumberPattern()

func buildNumberPattern() string {
	var lead, cont []string
	for w := range smallNumbers {
		lead = append(lead, w)
		switch w {
		case "a", "an", "no", "none", "once", "twice", "single":
		default:
			cont = append(cont, w)
		}
	}
	for w := range tensNumbers {
		lead = append(lead, w)
		cont = append(cont, w)
	}
	cont = append(cont, "hundred", "thousand")

	// Go's regexp prefers earlier alternatives, so longer words go first
	// ("seventeen" before "seven").
	byLength := func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	}
	slices.SortFunc(lead, byLength)
	slices.SortFunc(cont, byLength)

	return `(\d[\d,]*(?:\s*k\b|\s+thousand\b)?|(?:` + strings.Join(lead, "|") + `)\b(?:[\s-]+(?:` + strings.Join(cont, "|") + `)\b)*)`
}

// parseNumber converts "12,000", "twenty five", "three hundred" or
// "15 thousand" to an int.
func parseNumber(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, ",", "")))
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if k, ok := strings.CutSuffix(s, "k"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return 0, false
		}
		return n * 1000, true
	}

	total, current := 0, 0
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' }) {
		if v, ok := smallNumbers[w]; ok {
			current += v
			continue
		}
		if v, ok := tensNumbers[w]; ok {
			current += v
			continue
		}
		switch w {
		case "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
		case "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
		default:
			n, err := strconv.Atoi(w)
			if err != nil {
				return 0, false
			}
			current += n
		}
	}
	return total + current, true
}

func parseNumberIn(s string, lo, hi int) (int, bool) {
	n, ok := parseNumber(s)
	if !ok || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May, "june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// parseDate accepts the three capture layouts produced by datePatterns:
// (month, day, year), (monthName, day, year) and (year, month, day). The
// result is an ISO YYYY-MM-DD date, or false if the date does not exist.
func parseDate(a, b, c string) (string, bool) {
	var year, day int
	var month time.Month
	var err error

	switch {
	case len(a) == 4:
		if year, err = strconv.Atoi(a); err != nil {
			return "", false
		}
		m, err := strconv.Atoi(b)
		if err != nil {
			return "", false
		}
		month = time.Month(m)
		if day, err = strconv.Atoi(c); err != nil {
			return "", false
		}
	default:
		if m, ok := monthNames[strings.ToLower(strings.TrimSuffix(a, "."))]; ok {
			month = m
		} else {
			m, err := strconv.Atoi(a)
			if err != nil {
				return "", false
			}
			month = time.Month(m)
		}
		if day, err = strconv.Atoi(b); err != nil {
			return "", false
		}
		if year, err = strconv.Atoi(c); err != nil {
			return "", false
		}
	}

	if month < time.January || month > time.December || year < 1900 || year > 2200 {
		return "", false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return "", false
	}
	return t.Format(time.DateOnly), true
}

// properName capitalizes a lower-case spoken name token: "mary-kate" ->
// "Mary-Kate". Tokens that already carry capitals are kept as spoken.
func properName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsFunc(s, unicode.IsUpper) {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	for i := 1; i < len(r); i++ {
		if r[i-1] == '-' {
			r[i] = unicode.ToUpper(r[i])
		}
	}
	return string(r)
}

// modelName canonicalizes a spoken model token. Short or alphanumeric models
// are upper-cased ("rav4" -> "RAV4", "f-150" -> "F-150"); words are
// capitalized ("civic" -> "Civic").
func modelName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 3 || strings.ContainsFunc(s, unicode.IsDigit) {
		return strings.ToUpper(s)
	}
	return properName(s)
}

// lookup maps a lower-cased capture through table.
func lookup(table map[string]string, s string) (string, bool) {
	v, ok := table[strings.ToLower(strings.Join(strings.Fields(s), " "))]
	return v, ok
}

// firstMatchingPrefix returns the value of the first key in table that s
// starts with. It is used for stems like "commut" or "farm".
func firstMatchingPrefix(table [][2]string, s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, kv := range table {
		if strings.HasPrefix(s, kv[0]) {
			return kv[1], true
		}
	}
	return "", false
}

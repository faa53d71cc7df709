// Package ticketnumber parses ticket numbers of the form region + year + sequence
// (for example DE25000042) and orders them. The format is a regular expression
// with named groups so deployments with a different scheme only change config.
package ticketnumber

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultPattern matches a two-letter region, two-digit year and a sequence
const DefaultPattern = `^(?P<region>[A-Z]{2})(?P<year>\d{2})(?P<seq>\d+)$`

// Number is a parsed ticket number
type Number struct {
	Raw      string
	Region   string
	Year     int
	Sequence int64
	Valid    bool
}

// Format parses and compares ticket numbers
type Format struct {
	re       *regexp.Regexp
	yearIdx  int
	seqIdx   int
	regIdx   int
	searchRe *regexp.Regexp
}

// NewFormat compiles pattern. The pattern must contain a "seq" group; "year" and
// "region" are optional.
func NewFormat(pattern string) (*Format, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket number pattern: %w", err)
	}
	f := &Format{re: re, yearIdx: re.SubexpIndex("year"), seqIdx: re.SubexpIndex("seq"), regIdx: re.SubexpIndex("region")}
	if f.seqIdx < 0 {
		return nil, fmt.Errorf("ticket number pattern must contain a (?P<seq>...) group")
	}

	// the same pattern without anchors, bounded by word boundaries, finds numbers in free text
	inner := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")
	f.searchRe, err = regexp.Compile(`\b` + inner + `\b`)
	if err != nil {
		return nil, fmt.Errorf("invalid ticket number search pattern: %w", err)
	}
	return f, nil
}

// MustFormat is NewFormat that panics on error
func MustFormat(pattern string) *Format {
	f, err := NewFormat(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Parse parses raw. Unparseable input yields a Number with Valid=false.
func (f *Format) Parse(raw string) Number {
	raw = strings.TrimSpace(raw)
	n := Number{Raw: raw}
	m := f.re.FindStringSubmatch(strings.ToUpper(raw))
	if m == nil {
		return n
	}
	seq, err := strconv.ParseInt(m[f.seqIdx], 10, 64)
	if err != nil {
		return n
	}
	n.Sequence = seq
	if f.yearIdx >= 0 {
		year, err := strconv.Atoi(m[f.yearIdx])
		if err != nil {
			return n
		}
		n.Year = year
	}
	if f.regIdx >= 0 {
		n.Region = m[f.regIdx]
	}
	n.Valid = true
	return n
}

// Find returns the first ticket number found in text, or "".
func (f *Format) Find(text string) string {
	return f.searchRe.FindString(strings.ToUpper(text))
}

// Less reports whether a sorts before b. Valid numbers sort after invalid ones,
// then by year and sequence, then lexically.
func (f *Format) Less(a, b string) bool {
	na, nb := f.Parse(a), f.Parse(b)
	if na.Valid != nb.Valid {
		return !na.Valid
	}
	if na.Valid {
		if na.Year != nb.Year {
			return na.Year < nb.Year
		}
		if na.Sequence != nb.Sequence {
			return na.Sequence < nb.Sequence
		}
	}
	return a < b
}

// Latest returns the highest ticket number and the remaining numbers in
// descending order. numbers must not be empty.
func (f *Format) Latest(numbers []string) (string, []string) {
	sorted := append([]string(nil), numbers...)
	sort.SliceStable(sorted, func(i, j int) bool { return f.Less(sorted[j], sorted[i]) })
	return sorted[0], sorted[1:]
}

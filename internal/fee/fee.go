// Package fee computes proposal visit/fee tables from declarative rows.
//
// Totals are always derived from the rows. Amounts are held in integer cents
// so that row fees and totals agree exactly.
package fee

import (
	"fmt"
	"math"
	"strings"
)

// Money is an amount in cents.
type Money int64

// Dollars converts a dollar amount to Money, rounding to the nearest cent.
func Dollars(v float64) Money {
	return Money(math.Round(v * 100))
}

// Float returns the amount in dollars.
func (m Money) Float() float64 { return float64(m) / 100 }

func (m Money) String() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	whole := int64(m) / 100
	cents := int64(m) % 100
	s := groupThousands(whole)
	if cents == 0 {
		return sign + "$" + s
	}
	return fmt.Sprintf("%s$%s.%02d", sign, s, cents)
}

func groupThousands(v int64) string {
	raw := fmt.Sprintf("%d", v)
	if len(raw) <= 3 {
		return raw
	}
	var b strings.Builder
	lead := len(raw) % 3
	if lead > 0 {
		b.WriteString(raw[:lead])
	}
	for i := lead; i < len(raw); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(raw[i : i+3])
	}
	return b.String()
}

// Row is one line of a fee specification.
type Row struct {
	Keyword string `json:"keyword" yaml:"keyword"`
	Visits  int    `json:"visits" yaml:"visits"`
}

// Line is a computed row.
type Line struct {
	Keyword string `json:"keyword"`
	Visits  int    `json:"visits"`
	Fee     Money  `json:"fee"`
}

// Table is the computed fee breakdown.
type Table struct {
	PricePerVisit Money  `json:"price_per_visit"`
	Lines         []Line `json:"lines"`
	TotalVisits   int    `json:"total_visits"`
	TotalFee      Money  `json:"total_fee"`
}

// ValidationError reports malformed fee input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "fee validation: " + e.Reason
	}
	return fmt.Sprintf("fee validation: %s: %s", e.Field, e.Reason)
}

// Compute validates rows and derives per-row fees and totals.
func Compute(pricePerVisit Money, rows []Row) (Table, error) {
	if pricePerVisit <= 0 {
		return Table{}, ValidationError{Field: "price_per_visit", Reason: "must be positive"}
	}
	if len(rows) == 0 {
		return Table{}, ValidationError{Field: "rows", Reason: "at least one row is required"}
	}
	seen := make(map[string]int, len(rows))
	t := Table{PricePerVisit: pricePerVisit, Lines: make([]Line, 0, len(rows))}
	for i, r := range rows {
		key := normalize(r.Keyword)
		if key == "" {
			return Table{}, ValidationError{Field: fmt.Sprintf("rows[%d].keyword", i), Reason: "keyword is required"}
		}
		if r.Visits < 0 {
			return Table{}, ValidationError{Field: fmt.Sprintf("rows[%d].visits", i), Reason: fmt.Sprintf("negative visit count %d", r.Visits)}
		}
		if prev, ok := seen[key]; ok {
			return Table{}, ValidationError{Field: fmt.Sprintf("rows[%d].keyword", i), Reason: fmt.Sprintf("duplicate keyword %q (also rows[%d])", r.Keyword, prev)}
		}
		seen[key] = i
		t.Lines = append(t.Lines, Line{
			Keyword: strings.TrimSpace(r.Keyword),
			Visits:  r.Visits,
			Fee:     Money(r.Visits) * pricePerVisit,
		})
		t.TotalVisits += r.Visits
	}
	t.TotalFee = Money(t.TotalVisits) * pricePerVisit
	return t, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

package fee

import (
	"fmt"
	"strings"
)

// UnmatchedRowError reports a keyword that did not resolve to exactly one
// template label.
type UnmatchedRowError struct {
	Keyword string
	// Matches holds the labels the keyword matched; empty when none did.
	Matches []string
	// ClaimedBy is set when the label was already taken by another keyword.
	ClaimedBy string
}

func (e UnmatchedRowError) Error() string {
	switch {
	case e.ClaimedBy != "":
		return fmt.Sprintf("fee keyword %q matches label %q already claimed by %q", e.Keyword, e.Matches[0], e.ClaimedBy)
	case len(e.Matches) == 0:
		return fmt.Sprintf("fee keyword %q matches no template label", e.Keyword)
	default:
		return fmt.Sprintf("fee keyword %q is ambiguous: matches %s", e.Keyword, strings.Join(quoteAll(e.Matches), ", "))
	}
}

// Assignment binds a row keyword to a template label position.
type Assignment struct {
	Keyword string
	Label   string
	Index   int
}

// Match resolves every row keyword to the single label containing it
// (case-insensitive). Zero or several candidate labels is an error, and so is
// a label claimed by two keywords.
func Match(labels []string, rows []Row) ([]Assignment, error) {
	claimed := make(map[int]string, len(rows))
	out := make([]Assignment, 0, len(rows))
	for _, r := range rows {
		key := normalize(r.Keyword)
		var hits []int
		for i, label := range labels {
			if key != "" && strings.Contains(strings.ToLower(label), key) {
				hits = append(hits, i)
			}
		}
		if len(hits) != 1 {
			matched := make([]string, 0, len(hits))
			for _, i := range hits {
				matched = append(matched, labels[i])
			}
			return nil, UnmatchedRowError{Keyword: r.Keyword, Matches: matched}
		}
		idx := hits[0]
		if other, ok := claimed[idx]; ok {
			return nil, UnmatchedRowError{Keyword: r.Keyword, Matches: []string{labels[idx]}, ClaimedBy: other}
		}
		claimed[idx] = r.Keyword
		out = append(out, Assignment{Keyword: r.Keyword, Label: labels[idx], Index: idx})
	}
	return out, nil
}

// Item is one template line item after filling.
type Item struct {
	Label  string `json:"label"`
	Visits int    `json:"visits"`
	Fee    Money  `json:"fee"`
}

// Filled is a template's line items populated from a computed table.
type Filled struct {
	Items       []Item `json:"items"`
	TotalVisits int    `json:"total_visits"`
	TotalFee    Money  `json:"total_fee"`
}

// Fill places the table's lines onto the template labels in label order.
// Labels without a row carry zero visits. Totals come from the table.
func Fill(labels []string, t Table) (Filled, error) {
	rows := make([]Row, 0, len(t.Lines))
	for _, l := range t.Lines {
		rows = append(rows, Row{Keyword: l.Keyword, Visits: l.Visits})
	}
	assignments, err := Match(labels, rows)
	if err != nil {
		return Filled{}, err
	}
	items := make([]Item, len(labels))
	for i, label := range labels {
		items[i] = Item{Label: label}
	}
	for i, a := range assignments {
		items[a.Index].Visits = t.Lines[i].Visits
		items[a.Index].Fee = t.Lines[i].Fee
	}
	return Filled{Items: items, TotalVisits: t.TotalVisits, TotalFee: t.TotalFee}, nil
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

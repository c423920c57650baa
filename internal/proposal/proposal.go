// Package proposal turns a typed proposal definition into the field map the
// renderer consumes, with the fee table always computed from rows.
package proposal

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"leadline/internal/fee"
	"leadline/internal/validation"
)

// DefaultLineItems are the fee table labels of the standard proposal
// template.
var DefaultLineItems = []string{
	"Underground / Below Slab Inspection",
	"Rough-In Inspection",
	"Above Ceiling Inspection",
	"Final Inspection",
}

// Definition is one proposal.
type Definition struct {
	ClientShort    string    `yaml:"client_short" json:"client_short" validate:"required"`
	ClientFull     string    `yaml:"client_full,omitempty" json:"client_full,omitempty"`
	Attention      string    `yaml:"attention,omitempty" json:"attention,omitempty"`
	ClientEmail    string    `yaml:"client_email,omitempty" json:"client_email,omitempty" validate:"omitempty,email"`
	ProjectName    string    `yaml:"project_name" json:"project_name" validate:"required"`
	ProjectAddress string    `yaml:"project_address,omitempty" json:"project_address,omitempty"`
	ProjectSize    string    `yaml:"project_size_sqft,omitempty" json:"project_size_sqft,omitempty"`
	PricePerVisit  float64   `yaml:"price_per_visit" json:"price_per_visit" validate:"gt=0"`
	Tier           string    `yaml:"tier,omitempty" json:"tier,omitempty" validate:"omitempty,oneof=key_large regular small_repeat one_time"`
	Scope          string    `yaml:"exhibit_a_scope_only,omitempty" json:"exhibit_a_scope_only,omitempty"`
	Rows           []fee.Row `yaml:"exhibit_c_rows" json:"exhibit_c_rows" validate:"required,min=1"`
	LineItems      []string  `yaml:"line_items,omitempty" json:"line_items,omitempty" validate:"omitempty,dive,required"`
}

// Proposal is a definition with its computed fee table.
type Proposal struct {
	Definition Definition
	Table      fee.Table
	Filled     fee.Filled
	Advice     string
	Date       time.Time
}

// Load reads a YAML or JSON definition.
func Load(fs afero.Fs, path string) (Definition, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// Validate checks the definition's fields. Failures are fee.ValidationError.
func (d Definition) Validate() error {
	err := validation.Struct(d)
	if err == nil {
		return nil
	}
	var verr validation.Error
	if errors.As(err, &verr) && len(verr.Fields) > 0 {
		f := verr.Fields[0]
		return fee.ValidationError{Field: f.Field, Reason: strings.TrimPrefix(verr.Error(), "validation failed: ")}
	}
	return err
}

// Build validates d, computes the fee table and places it on the template
// line items.
func Build(d Definition, tiers []fee.Tier, now time.Time) (Proposal, error) {
	if err := d.Validate(); err != nil {
		return Proposal{}, err
	}
	price := fee.Dollars(d.PricePerVisit)
	table, err := fee.Compute(price, d.Rows)
	if err != nil {
		return Proposal{}, err
	}
	labels := d.LineItems
	if len(labels) == 0 {
		labels = DefaultLineItems
	}
	filled, err := fee.Fill(labels, table)
	if err != nil {
		return Proposal{}, err
	}
	p := Proposal{Definition: d, Table: table, Filled: filled, Date: now}
	if d.Tier != "" {
		if t, ok := fee.FindTier(tiers, d.Tier); ok {
			p.Advice = fee.Advise(price, t)
		}
	}
	return p, nil
}

// ScopeText is the full Exhibit A paragraph.
func (p Proposal) ScopeText(firm string) string {
	d := p.Definition
	var parts []string
	if s := strings.TrimSpace(d.Scope); s != "" {
		parts = append(parts, s)
	}
	if d.ProjectAddress != "" {
		parts = append(parts, fmt.Sprintf("The project address is %s.", d.ProjectAddress))
	}
	parts = append(parts, fmt.Sprintf("%s's role on the project will be to serve as the combo inspection inspector, assisting %s with all required inspections.", firm, d.ClientShort))
	return strings.Join(parts, " ")
}

// Fields returns the renderer field map.
func (p Proposal) Fields(firm string) map[string]any {
	d := p.Definition
	full := d.ClientFull
	if full == "" {
		full = d.ClientShort
	}
	return map[string]any{
		"Client":        d.ClientShort,
		"ClientFull":    full,
		"Project":       d.ProjectName,
		"Address":       d.ProjectAddress,
		"Attention":     d.Attention,
		"ClientEmail":   d.ClientEmail,
		"ProjectSize":   d.ProjectSize,
		"PricePerVisit": p.Table.PricePerVisit.String(),
		"FeeItems":      p.Filled.Items,
		"TotalVisits":   p.Table.TotalVisits,
		"EstVisits":     p.Table.TotalVisits,
		"TotalFee":      p.Table.TotalFee.String(),
		"Scope":         p.ScopeText(firm),
		"Date":          p.Date.Format("01-02-2006"),
		"DateLong":      p.Date.Format("January 2, 2006"),
		"Firm":          firm,
	}
}

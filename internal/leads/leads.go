// Package leads reads candidate projects handed over by the discovery
// scrapers.
package leads

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"leadline/internal/domain"
	"leadline/internal/fee"
	"leadline/internal/validation"
)

// Candidate is one discovered project.
type Candidate struct {
	Client        string            `yaml:"client" json:"client" validate:"required"`
	ClientFull    string            `yaml:"client_full,omitempty" json:"client_full,omitempty"`
	Project       string            `yaml:"project" json:"project" validate:"required"`
	Address       string            `yaml:"address,omitempty" json:"address,omitempty"`
	Contact       domain.Contact    `yaml:"contact" json:"contact"`
	CompanyRole   string            `yaml:"company_role,omitempty" json:"company_role,omitempty"`
	Tier          string            `yaml:"tier,omitempty" json:"tier,omitempty" validate:"omitempty,oneof=key_large regular small_repeat one_time"`
	PricePerVisit float64           `yaml:"price_per_visit,omitempty" json:"price_per_visit,omitempty" validate:"gte=0"`
	Scope         string            `yaml:"scope,omitempty" json:"scope,omitempty"`
	FeeRows       []fee.Row         `yaml:"fee_rows,omitempty" json:"fee_rows,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Identity is the ledger key of the candidate.
func (c Candidate) Identity() string {
	return domain.Identity(c.Project, c.Client)
}

// Label is the human-readable part of draft file names.
func (c Candidate) Label() string {
	if c.Contact.Name == "" {
		return c.Project
	}
	return c.Project + " - " + c.Contact.Name
}

// Validate checks the candidate's fields and that it yields an identity.
func (c Candidate) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	if c.Identity() == "" {
		return fmt.Errorf("candidate %q has no usable identity", c.Project)
	}
	return nil
}

// Rejected is a candidate that failed validation.
type Rejected struct {
	Index     int
	Candidate Candidate
	Err       error
}

// Batch is the result of reading one candidates file.
type Batch struct {
	Candidates []Candidate
	Rejected   []Rejected
}

type file struct {
	Candidates []Candidate `yaml:"candidates"`
}

// Load reads a YAML or JSON file holding a "candidates" list. Invalid and
// duplicate entries are returned in Rejected and never dropped silently.
func Load(fs afero.Fs, path string) (Batch, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Batch{}, err
	}
	return Decode(data, filepath.Base(path))
}

// Decode parses candidates from raw YAML or JSON bytes.
func Decode(data []byte, name string) (Batch, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Batch{}, fmt.Errorf("parse %s: %w", name, err)
	}
	var b Batch
	seen := make(map[string]int)
	for i, c := range f.Candidates {
		c.Client = strings.TrimSpace(c.Client)
		c.Project = strings.TrimSpace(c.Project)
		if err := c.Validate(); err != nil {
			b.Rejected = append(b.Rejected, Rejected{Index: i, Candidate: c, Err: err})
			continue
		}
		if first, ok := seen[c.Identity()]; ok {
			b.Rejected = append(b.Rejected, Rejected{Index: i, Candidate: c, Err: fmt.Errorf("duplicate of entry %d (%s)", first, c.Identity())})
			continue
		}
		seen[c.Identity()] = i
		b.Candidates = append(b.Candidates, c)
	}
	return b, nil
}

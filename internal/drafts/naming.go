package drafts

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"
)

const (
	// ApprovedSuffix is appended to the file stem to approve a draft.
	ApprovedSuffix = "-OK"
	// ApprovalMarker on a line of its own in the body also approves a draft.
	ApprovalMarker = "APPROVED"
	Ext            = ".md"

	sep        = "__"
	timeLayout = "20060102T150405Z"
	maxLabel   = 80
)

// Name holds the fields encoded in a draft file name.
type Name struct {
	Label    string
	DraftID  string
	Created  time.Time
	Approved bool
}

// FileName returns "<label>__<draft-id>__<timestamp>.md" with the approval
// suffix when approved.
func (n Name) FileName() string {
	stem := strings.Join([]string{SafeLabel(n.Label), n.DraftID, n.Created.UTC().Format(timeLayout)}, sep)
	if n.Approved {
		stem += ApprovedSuffix
	}
	return stem + Ext
}

// ParseName decodes a draft file name. Names that do not follow the
// convention are rejected.
func ParseName(fileName string) (Name, error) {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if !strings.EqualFold(path.Ext(base), Ext) {
		return Name{}, fmt.Errorf("%s: not a %s file", base, Ext)
	}
	stem := base[:len(base)-len(Ext)]
	var n Name
	if strings.HasSuffix(strings.ToUpper(stem), ApprovedSuffix) {
		n.Approved = true
		stem = stem[:len(stem)-len(ApprovedSuffix)]
	}
	parts := strings.Split(stem, sep)
	if len(parts) != 3 {
		return Name{}, fmt.Errorf("%s: expected <label>%s<draft-id>%s<timestamp>", base, sep, sep)
	}
	n.Label = parts[0]
	n.DraftID = strings.TrimSpace(parts[1])
	if n.DraftID == "" {
		return Name{}, fmt.Errorf("%s: empty draft id", base)
	}
	created, err := time.Parse(timeLayout, strings.TrimSpace(parts[2]))
	if err != nil {
		return Name{}, fmt.Errorf("%s: bad timestamp: %w", base, err)
	}
	n.Created = created
	return n, nil
}

// SafeLabel makes a human label usable inside a file name on every platform
// and sync client.
func SafeLabel(label string) string {
	var b strings.Builder
	space := false
	for _, r := range label {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r), unicode.IsSpace(r):
			if b.Len() > 0 && !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	out := strings.TrimSpace(b.String())
	for strings.Contains(out, sep) {
		out = strings.ReplaceAll(out, sep, "_")
	}
	out = strings.Trim(out, "_. ")
	if r := []rune(out); len(r) > maxLabel {
		out = strings.TrimSpace(string(r[:maxLabel]))
	}
	if out == "" {
		return "Draft"
	}
	return out
}

package leads

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchYAML = `candidates:
  - client: HITT
    project: St. Joseph's Capitol Hill
    address: 313 2nd St NE
    contact:
      name: Sam Lee
      email: sam@hitt.test
    company_role: General Contractor
    fee_rows:
      - {keyword: underground, visits: 2}
      - {keyword: final, visits: 1}
  - client: Acme
    project: ""
  - client: Clark
    project: Tower A
    contact:
      email: not-an-email
  - client: hitt
    project: "St Joseph's  Capitol Hill"
`

func TestLoadSplitsValidAndRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/leads.yml", []byte(batchYAML), 0o644))

	b, err := Load(fs, "/in/leads.yml")
	require.NoError(t, err)
	require.Len(t, b.Candidates, 1)
	c := b.Candidates[0]
	assert.Equal(t, "st-joseph-s-capitol-hill--hitt", c.Identity())
	assert.Equal(t, "St. Joseph's Capitol Hill - Sam Lee", c.Label())
	assert.Len(t, c.FeeRows, 2)

	require.Len(t, b.Rejected, 3)
	assert.Equal(t, 1, b.Rejected[0].Index)
	assert.Contains(t, b.Rejected[0].Err.Error(), "project")
	assert.Contains(t, b.Rejected[1].Err.Error(), "contact.email")
	assert.Contains(t, b.Rejected[2].Err.Error(), "duplicate")
}

func TestDecodeJSON(t *testing.T) {
	b, err := Decode([]byte(`{"candidates":[{"client":"Clark","project":"Tower A","tier":"regular"}]}`), "leads.json")
	require.NoError(t, err)
	require.Len(t, b.Candidates, 1)
	assert.Equal(t, "tower-a--clark", b.Candidates[0].Identity())
	assert.Equal(t, "Tower A", b.Candidates[0].Label())
}

func TestDecodeRejectsUnknownTier(t *testing.T) {
	b, err := Decode([]byte(`{"candidates":[{"client":"Clark","project":"Tower A","tier":"vip"}]}`), "leads.json")
	require.NoError(t, err)
	assert.Empty(t, b.Candidates)
	require.Len(t, b.Rejected, 1)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("candidates: [oops"), "bad.yml")
	require.Error(t, err)
}

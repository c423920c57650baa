package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/fee"
)

func TestParseRows(t *testing.T) {
	rows, err := parseRows([]string{"rough-in=3", " final = 1"})
	require.NoError(t, err)
	assert.Equal(t, []fee.Row{{Keyword: "rough-in", Visits: 3}, {Keyword: "final", Visits: 1}}, rows)

	for _, bad := range []string{"final", "=2", "final=two"} {
		_, err := parseRows([]string{bad})
		assert.Error(t, err, bad)
	}
}

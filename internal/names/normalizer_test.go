package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"John", "john"},
		{"  O'Brien ", "obrien"},
		{"Anne-Marie", "annemarie"},
		{"Héloïse", "heloise"},
		{"Núñez", "nunez"},
		{"J. R.", "jr"},
		{"3M", "3m"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "Normalize(%q)", tc.in)
	}
}

func TestCompareComplexity(t *testing.T) {
	// Mixed case beats mono case regardless of length.
	assert.Positive(t, CompareComplexity("Bob", "ROBERT SMITH"))
	assert.Negative(t, CompareComplexity("robert", "Rob"))

	// Same case variety: longer normalized form wins.
	assert.Positive(t, CompareComplexity("Jonathan Doe", "Jon Doe"))
	assert.Negative(t, CompareComplexity("Jon Doe", "Jonathan Doe"))

	// Punctuation does not add complexity.
	assert.Zero(t, CompareComplexity("Anne-Marie", "Annemarie "))
}

func TestClusterTableBidirectional(t *testing.T) {
	nicks := CommonNicknames()

	assert.Contains(t, nicks.Clusters("robert"), "bob")
	assert.Contains(t, nicks.Clusters("bob"), "robert")
	assert.NotContains(t, nicks.Clusters("bob"), "bob")
	assert.Empty(t, nicks.Clusters("zebulon"))

	var zero *ClusterTable
	assert.Empty(t, zero.Clusters("bob"))
}

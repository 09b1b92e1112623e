package aggregation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactmesh/contactmesh/internal/model"
)

func TestQueryAggregationSuggestions(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	// Aggregate 1: "John Smith", nicknamed Ace.
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Smith")
	addData(t, st, c1, model.MimeNickname, "", "Ace")

	// Aggregate 2: "Ace Brown" - related to both others, strongly to neither.
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Ace", "Brown")

	// Aggregate 3: "Ace Browne" - near-identical name, caught only by the
	// approximate prefix scan.
	c3 := addContact(t, st, model.RawContact{AccountName: "c"})
	addData(t, st, c3, model.MimeStructuredName, "Ace", "Browne")

	runPass(t, agg, st, c1, c2, c3)

	agg1 := aggregateOf(t, st, c1)
	agg2 := aggregateOf(t, st, c2)
	agg3 := aggregateOf(t, st, c3)
	require.NotEqual(t, agg1, agg2, "suggestion-grade similarity must not aggregate")
	require.NotEqual(t, agg2, agg3)

	suggestions, err := agg.QueryAggregationSuggestions(ctx, agg2, 4)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, agg3, suggestions[0].ID, "the closer name sorts first")
	assert.Equal(t, agg1, suggestions[1].ID)
	for _, s := range suggestions {
		assert.NotEqual(t, agg2, s.ID, "an aggregate never suggests itself")
	}

	// The limit caps the result without changing the order.
	suggestions, err = agg.QueryAggregationSuggestions(ctx, agg2, 1)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, agg3, suggestions[0].ID)
}

func TestQueryAggregationSuggestionsNoMatches(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "Lonely", "Islander")
	runPass(t, agg, st, c1)

	suggestions, err := agg.QueryAggregationSuggestions(ctx, aggregateOf(t, st, c1), 4)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

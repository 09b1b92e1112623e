package aggregation

import (
	"context"

	"github.com/contactmesh/contactmesh/internal/matcher"
	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

// QueryAggregationSuggestions finds aggregates that resemble the given one
// and returns up to maxSuggestions of them in descending match quality.
// Runs in a transaction so a concurrent aggregation pass is paused, not
// killed, while the query executes.
func (a *Aggregator) QueryAggregationSuggestions(ctx context.Context, aggregateID int64, maxSuggestions int) ([]*model.Aggregate, error) {
	var out []*model.Aggregate
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		matches, err := a.findMatchingAggregates(ctx, tx, aggregateID, maxSuggestions)
		if err != nil {
			return err
		}
		out, err = loadInMatchOrder(ctx, tx, matches)
		return err
	})
	return out, err
}

// findMatchingAggregates scores every member of the aggregate against the
// rest of the database, including the approximate prefix scan, and returns
// the best matches in descending score order.
func (a *Aggregator) findMatchingAggregates(ctx context.Context, r store.Repos, aggregateID int64, maxSuggestions int) ([]matcher.MatchScore, error) {
	cand := names.NewCandidateList()
	m := matcher.New()

	// An aggregate never suggests itself.
	m.KeepOut(aggregateID)

	memberIDs, err := r.RawContacts().MemberIDs(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	for _, rawContactID := range memberIDs {
		if err := a.updateMatchScoresBasedOnDataMatches(ctx, r, rawContactID, names.ModeSuggestions, cand, m); err != nil {
			return nil, err
		}
	}

	return m.PickBestMatches(maxSuggestions, matcher.ScoreThresholdSuggest), nil
}

// loadInMatchOrder loads the matched aggregates and returns them in match
// order, dropping any that vanished since scoring.
func loadInMatchOrder(ctx context.Context, r store.Repos, matches []matcher.MatchScore) ([]*model.Aggregate, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(matches))
	for i, ms := range matches {
		ids[i] = ms.AggregateID
	}

	loaded, err := r.Aggregates().GetMany(ctx, sortedIDs(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Aggregate, len(loaded))
	for _, agg := range loaded {
		byID[agg.ID] = agg
	}

	out := make([]*model.Aggregate, 0, len(matches))
	for _, ms := range matches {
		if agg, ok := byID[ms.AggregateID]; ok {
			out = append(out, agg)
		}
	}
	return out, nil
}

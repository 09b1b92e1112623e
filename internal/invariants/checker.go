//
// 🔒 CRITICAL SYSTEM FILE - Invariant Contract Testing
// ⚠️  These tests ensure system invariants are never violated
// 📋  Never mutate invariants to get incremental changes working
//

package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/store"
)

// InvariantChecker verifies structural invariants of the aggregation state
// through the store interface. Tests run it after every pass.
type InvariantChecker struct {
	store store.Store
}

// NewInvariantChecker creates a new invariant checker
func NewInvariantChecker(s store.Store) *InvariantChecker {
	return &InvariantChecker{store: s}
}

// CheckAll runs every invariant over the given raw contacts.
func (ic *InvariantChecker) CheckAll(t *testing.T, ctx context.Context, rawContactIDs []int64) {
	t.Helper()
	ic.CheckMembership(t, ctx, rawContactIDs)
	ic.CheckExceptions(t, ctx, rawContactIDs)
	ic.CheckVisibility(t, ctx, rawContactIDs)
}

// 🔒 INVARIANT: every aggregated contact references an existing aggregate,
// and the aggregate lists the contact among its members.
func (ic *InvariantChecker) CheckMembership(t *testing.T, ctx context.Context, rawContactIDs []int64) {
	t.Helper()
	for _, id := range rawContactIDs {
		rc, err := ic.store.RawContacts().Get(ctx, id)
		require.NoError(t, err)

		if rc.AggregationMode == model.AggregationModeDisabled {
			assert.Zero(t, rc.AggregateID, "disabled contact %d must stay unaggregated", id)
			continue
		}
		if rc.AggregateID == 0 {
			continue
		}

		agg, err := ic.store.Aggregates().Get(ctx, rc.AggregateID)
		require.NoError(t, err, "contact %d references missing aggregate %d", id, rc.AggregateID)
		require.NotEmpty(t, agg.LookupKey)

		members, err := ic.store.RawContacts().MemberIDs(ctx, rc.AggregateID)
		require.NoError(t, err)
		assert.Contains(t, members, id, "aggregate %d must list contact %d", rc.AggregateID, id)
	}
}

// 🔒 INVARIANT: KEEP_OUT peers never share an aggregate; KEEP_IN peers,
// once both are aggregated, always do.
func (ic *InvariantChecker) CheckExceptions(t *testing.T, ctx context.Context, rawContactIDs []int64) {
	t.Helper()
	for _, id := range rawContactIDs {
		rc, err := ic.store.RawContacts().Get(ctx, id)
		require.NoError(t, err)
		if rc.AggregateID == 0 {
			continue
		}

		peers, err := ic.store.Exceptions().ForContact(ctx, id)
		require.NoError(t, err)
		for _, p := range peers {
			if p.PeerAggregateID == 0 {
				continue
			}
			switch p.Type {
			case model.ExceptionKeepOut:
				assert.NotEqual(t, rc.AggregateID, p.PeerAggregateID,
					"KEEP_OUT peers %d and %d share aggregate %d", id, p.PeerRawContactID, rc.AggregateID)
			case model.ExceptionKeepIn:
				assert.Equal(t, rc.AggregateID, p.PeerAggregateID,
					"KEEP_IN peers %d and %d split across aggregates", id, p.PeerRawContactID)
			}
		}
	}
}

// 🔒 INVARIANT: an aggregate is visible iff at least one member is
// unrestricted.
func (ic *InvariantChecker) CheckVisibility(t *testing.T, ctx context.Context, rawContactIDs []int64) {
	t.Helper()
	seen := make(map[int64]bool)
	for _, id := range rawContactIDs {
		rc, err := ic.store.RawContacts().Get(ctx, id)
		require.NoError(t, err)
		if rc.AggregateID == 0 || seen[rc.AggregateID] {
			continue
		}
		seen[rc.AggregateID] = true

		agg, err := ic.store.Aggregates().Get(ctx, rc.AggregateID)
		require.NoError(t, err)

		members, err := ic.store.RawContacts().MemberIDs(ctx, rc.AggregateID)
		require.NoError(t, err)

		anyUnrestricted := false
		for _, mid := range members {
			m, err := ic.store.RawContacts().Get(ctx, mid)
			require.NoError(t, err)
			if !m.IsRestricted {
				anyUnrestricted = true
			}
		}
		assert.Equal(t, anyUnrestricted, agg.IsVisible,
			"aggregate %d visibility disagrees with its members", rc.AggregateID)
	}
}

package aggregation

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactmesh/contactmesh/internal/invariants"
	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
	"github.com/contactmesh/contactmesh/internal/store/sqlite"
)

func newEngine(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, names.CommonNicknames(), zerolog.Nop()), st
}

func addContact(t *testing.T, st store.Store, rc model.RawContact) int64 {
	t.Helper()
	created, err := st.RawContacts().Create(context.Background(), &rc)
	require.NoError(t, err)
	return created.ID
}

func addData(t *testing.T, st store.Store, rawContactID int64, mime, data1, data2 string) int64 {
	t.Helper()
	row, err := st.Data().Insert(context.Background(), &model.DataRow{
		RawContactID: rawContactID, MimeType: mime, Data1: data1, Data2: data2,
	})
	require.NoError(t, err)
	return row.ID
}

func addPrimaryData(t *testing.T, st store.Store, rawContactID int64, mime, data2 string) int64 {
	t.Helper()
	row, err := st.Data().Insert(context.Background(), &model.DataRow{
		RawContactID: rawContactID, MimeType: mime, Data2: data2, IsPrimary: true,
	})
	require.NoError(t, err)
	return row.ID
}

func aggregateOf(t *testing.T, st store.Store, rawContactID int64) int64 {
	t.Helper()
	id, err := st.RawContacts().AggregateID(context.Background(), rawContactID)
	require.NoError(t, err)
	return id
}

func runPass(t *testing.T, agg *Aggregator, st store.Store, contactIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, agg.Run(ctx))
	invariants.NewInvariantChecker(st).CheckAll(t, ctx, contactIDs)
}

func TestIdenticalNamesAggregate(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")

	runPass(t, agg, st, c1, c2)

	require.NotZero(t, aggregateOf(t, st, c1))
	assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
}

func TestSimilarNameWithSharedPhoneAggregates(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	addData(t, st, c1, model.MimePhone, "", "555-466-4411")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Jon", "Doe")
	addData(t, st, c2, model.MimePhone, "", "(555) 466-4411")

	runPass(t, agg, st, c1, c2)

	assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2),
		"same number and similar names must aggregate")
}

func TestDifferentNameWithSharedPhoneStaysApart(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	addData(t, st, c1, model.MimePhone, "", "555-466-4411")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Deborah", "Doe")
	addData(t, st, c2, model.MimePhone, "", "555-466-4411")

	runPass(t, agg, st, c1, c2)

	assert.NotEqual(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2),
		"same number but different names must stay apart")
}

func TestNicknameClusterAggregates(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "William", "Smith")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Bill", "Smith")

	runPass(t, agg, st, c1, c2)

	assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
}

func TestEmailLocalPartMatchesFullName(t *testing.T) {
	t.Run("email first", func(t *testing.T) {
		agg, st := newEngine(t)
		c1 := addContact(t, st, model.RawContact{AccountName: "a"})
		addData(t, st, c1, model.MimeEmail, "", "johndoe@example.com")
		c2 := addContact(t, st, model.RawContact{AccountName: "b"})
		addData(t, st, c2, model.MimeStructuredName, "John", "Doe")

		runPass(t, agg, st, c1, c2)
		assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
	})

	t.Run("name first", func(t *testing.T) {
		agg, st := newEngine(t)
		c1 := addContact(t, st, model.RawContact{AccountName: "a"})
		addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
		c2 := addContact(t, st, model.RawContact{AccountName: "b"})
		addData(t, st, c2, model.MimeEmail, "", "johndoe@example.com")

		runPass(t, agg, st, c1, c2)
		assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
	})
}

func TestKeepOutExceptionPreventsAggregation(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	_, err := st.Exceptions().Create(ctx, &model.AggregationException{
		Type: model.ExceptionKeepOut, RawContactID1: c1, RawContactID2: c2,
	})
	require.NoError(t, err)

	runPass(t, agg, st, c1, c2)

	assert.NotEqual(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
}

func TestKeepInExceptionForcesAggregation(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "Alice", "Jones")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Zachary", "Quinn")
	_, err := st.Exceptions().Create(ctx, &model.AggregationException{
		Type: model.ExceptionKeepIn, RawContactID1: c1, RawContactID2: c2,
	})
	require.NoError(t, err)

	runPass(t, agg, st, c1, c2)

	assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2),
		"KEEP_IN overrides the name mismatch")
}

func TestMarkContactForAggregation(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	runPass(t, agg, st, c1, c2)
	sharedAgg := aggregateOf(t, st, c1)

	mode, err := agg.MarkContactForAggregation(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, model.AggregationModeDefault, mode)
	assert.Zero(t, aggregateOf(t, st, c2))

	// The shared aggregate still has a member and survives.
	_, err = st.Aggregates().Get(ctx, sharedAgg)
	require.NoError(t, err)

	// The next pass re-joins the contact.
	runPass(t, agg, st, c1, c2)
	assert.Equal(t, sharedAgg, aggregateOf(t, st, c2))
}

func TestMarkContactRemovesOrphanAggregate(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "Solo", "Contact")
	runPass(t, agg, st, c1)
	soloAgg := aggregateOf(t, st, c1)

	mode, err := agg.MarkContactForAggregation(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, model.AggregationModeDefault, mode)

	_, err = st.Aggregates().Get(ctx, soloAgg)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMarkContactHonoursAggregationMode(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	aggID, err := st.Aggregates().Insert(ctx)
	require.NoError(t, err)
	frozen := addContact(t, st, model.RawContact{
		AccountName: "a", AggregateID: aggID, AggregationMode: model.AggregationModeImmediate,
	})

	mode, err := agg.MarkContactForAggregation(ctx, frozen)
	require.NoError(t, err)
	assert.Equal(t, model.AggregationModeImmediate, mode)
	assert.Equal(t, aggID, aggregateOf(t, st, frozen), "non-default mode keeps its membership")

	// An unaggregated contact reports the disabled mode.
	loose := addContact(t, st, model.RawContact{AccountName: "b"})
	mode, err = agg.MarkContactForAggregation(ctx, loose)
	require.NoError(t, err)
	assert.Equal(t, model.AggregationModeDisabled, mode)
}

func TestDisabledContactsAreSkipped(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a", AggregationMode: model.AggregationModeDisabled})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")

	runPass(t, agg, st, c1)

	assert.Zero(t, aggregateOf(t, st, c1))
}

func TestImmediateAggregation(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")

	require.NoError(t, agg.AggregateContact(ctx, c1))
	first := aggregateOf(t, st, c1)
	require.NotZero(t, first)

	c2 := addContact(t, st, model.RawContact{AccountName: "b", AggregationMode: model.AggregationModeImmediate})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	require.NoError(t, agg.AggregateContact(ctx, c2))
	assert.Equal(t, first, aggregateOf(t, st, c2))
}

func TestDisplayNamePrefersExpressiveMember(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "Jon", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Jonathan", "Doe")

	runPass(t, agg, st, c1, c2)

	aggregate, err := st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.Equal(t, "Jonathan Doe", aggregate.DisplayName)
}

func TestOptionsRollUp(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	vmTrue := true
	ringtone := "beep"

	c1 := addContact(t, st, model.RawContact{
		AccountName: "a", SendToVoicemail: &vmTrue, LastContacted: 100, TimesContacted: 5,
	})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{
		AccountName: "b", CustomRingtone: &ringtone, LastContacted: 200, TimesContacted: 3, Starred: true,
	})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")

	runPass(t, agg, st, c1, c2)

	aggregate, err := st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.True(t, aggregate.SendToVoicemail, "unset member values do not vote")
	require.NotNil(t, aggregate.CustomRingtone)
	assert.Equal(t, "beep", *aggregate.CustomRingtone)
	assert.Equal(t, int64(200), aggregate.LastContacted)
	assert.Equal(t, int64(5), aggregate.TimesContacted)
	assert.True(t, aggregate.Starred)
}

func TestVoicemailRequiresUnanimousSetMembers(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	vmTrue, vmFalse := true, false

	c1 := addContact(t, st, model.RawContact{AccountName: "a", SendToVoicemail: &vmTrue})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b", SendToVoicemail: &vmFalse})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")

	runPass(t, agg, st, c1, c2)

	aggregate, err := st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.False(t, aggregate.SendToVoicemail)
}

func TestPhotoFollowsFirstAccountName(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()
	c1 := addContact(t, st, model.RawContact{AccountName: "zeta"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	addData(t, st, c1, model.MimePhoto, "", "photo-z")
	c2 := addContact(t, st, model.RawContact{AccountName: "Alpha"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	alphaPhoto := addData(t, st, c2, model.MimePhoto, "", "photo-a")

	runPass(t, agg, st, c1, c2)

	aggregate, err := st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.Equal(t, alphaPhoto, aggregate.PhotoID)
}

func TestPrimariesPromotion(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	phoneID := addPrimaryData(t, st, c1, model.MimePhone, "555-466-4411")

	c2 := addContact(t, st, model.RawContact{AccountName: "b", IsRestricted: true})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	emailID := addPrimaryData(t, st, c2, model.MimeEmail, "johndoe@example.com")

	runPass(t, agg, st, c1, c2)

	p, err := st.Aggregates().Primaries(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.Equal(t, phoneID, p.OptimalPhoneID)
	assert.False(t, p.OptimalPhoneRestricted)
	assert.Equal(t, phoneID, p.FallbackPhoneID)

	assert.Equal(t, emailID, p.OptimalEmailID)
	assert.True(t, p.OptimalEmailRestricted)
	assert.Zero(t, p.FallbackEmailID, "restricted rows never become the fallback")

	assert.False(t, p.SingleIsRestricted, "joining an existing aggregate resets the flag")
}

func TestRestrictedVisibility(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	c1 := addContact(t, st, model.RawContact{AccountName: "a", IsRestricted: true})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	addPrimaryData(t, st, c1, model.MimePhone, "555-466-4411")
	runPass(t, agg, st, c1)

	aggregate, err := st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.False(t, aggregate.IsVisible)
	assert.True(t, aggregate.Primaries.SingleIsRestricted,
		"a lone restricted member restricts the whole aggregate")

	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	runPass(t, agg, st, c1, c2)

	aggregate, err = st.Aggregates().Get(ctx, aggregateOf(t, st, c1))
	require.NoError(t, err)
	assert.True(t, aggregate.IsVisible)
	assert.False(t, aggregate.Primaries.SingleIsRestricted)
}

func TestInterruptedPassCommitsPartialProgress(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Jane", "Roe")

	// Interrupt before the pass starts: Run resets the flag, so this only
	// checks that a fresh pass is unaffected by a stale cancel request.
	agg.Interrupt()
	runPass(t, agg, st, c1, c2)
	assert.NotZero(t, aggregateOf(t, st, c1))
	assert.NotZero(t, aggregateOf(t, st, c2))
}

// yieldHookStore wraps a store and invokes a callback at the nth yield
// boundary of a transaction, pinning where in a pass an event lands.
type yieldHookStore struct {
	store.Store
	onYield func()
	after   int
	yields  int
}

func (s *yieldHookStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &yieldHookTx{Tx: tx, owner: s})
	})
}

type yieldHookTx struct {
	store.Tx
	owner *yieldHookStore
}

func (t *yieldHookTx) YieldIfContended(ctx context.Context) (bool, error) {
	t.owner.yields++
	if t.owner.yields == t.owner.after {
		t.owner.onYield()
	}
	return t.Tx.YieldIfContended(ctx)
}

func newHookedEngine(t *testing.T, after int) (*Aggregator, *yieldHookStore) {
	t.Helper()
	base, err := sqlite.New(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	hook := &yieldHookStore{Store: base, after: after}
	return New(hook, names.CommonNicknames(), zerolog.Nop()), hook
}

func TestInterruptMidPassCommitsProcessedPrefix(t *testing.T) {
	agg, st := newHookedEngine(t, 2)
	st.onYield = agg.Interrupt
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		c := addContact(t, st, model.RawContact{AccountName: fmt.Sprintf("acct-%d", i)})
		addData(t, st, c, model.MimeStructuredName, fmt.Sprintf("Given%d", i), "Pending")
		ids = append(ids, c)
	}

	require.NoError(t, agg.Run(ctx))

	pending, err := st.RawContacts().PendingAggregation(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3, "the pass stops at the interrupt, leaving the rest pending")
	assert.NotZero(t, aggregateOf(t, st, ids[0]))
	assert.NotZero(t, aggregateOf(t, st, ids[1]))
	invariants.NewInvariantChecker(st).CheckAll(t, ctx, ids[:2])

	// The next pass completes the remainder.
	require.NoError(t, agg.Run(ctx))
	pending, err = st.RawContacts().PendingAggregation(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	invariants.NewInvariantChecker(st).CheckAll(t, ctx, ids)
}

func TestSynchronousCallDuringPass(t *testing.T) {
	agg, st := newEngine(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 100; i++ {
		c := addContact(t, st, model.RawContact{AccountName: fmt.Sprintf("acct-%03d", i)})
		addData(t, st, c, model.MimeStructuredName, fmt.Sprintf("Given%03d", i), "Batch")
		ids = append(ids, c)
	}

	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	// Synchronous aggregations issued while the pass runs are admitted at
	// yield boundaries instead of blocking either side.
	for i := 0; i < 5; i++ {
		c := addContact(t, st, model.RawContact{AccountName: fmt.Sprintf("sync-%d", i)})
		addData(t, st, c, model.MimeStructuredName, fmt.Sprintf("Sync%d", i), "Caller")
		require.NoError(t, agg.AggregateContact(ctx, c))
		ids = append(ids, c)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("background pass did not finish alongside synchronous aggregations")
	}

	for _, id := range ids {
		assert.NotZero(t, aggregateOf(t, st, id))
	}
}

func TestSecondaryMatchRequiresIdentifierHit(t *testing.T) {
	agg, st := newEngine(t)

	// Reachable only through a suggestion-grade email-name pairing.
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeEmail, "", "ace@example.com")

	// Shares the new contact's phone but not its name.
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Deborah", "Doe")
	addData(t, st, c2, model.MimePhone, "", "555-466-4411")

	runPass(t, agg, st, c1, c2)

	c3 := addContact(t, st, model.RawContact{AccountName: "c"})
	addData(t, st, c3, model.MimeStructuredName, "Ace", "Brown")
	addData(t, st, c3, model.MimePhone, "", "555-466-4411")

	runPass(t, agg, st, c1, c2, c3)

	assert.NotEqual(t, aggregateOf(t, st, c1), aggregateOf(t, st, c3),
		"a name-grade score without a phone or email hit must not clear the secondary threshold")
	assert.NotEqual(t, aggregateOf(t, st, c2), aggregateOf(t, st, c3))
}

package aggregation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactmesh/contactmesh/internal/model"
)

func TestSchedulerCoalescesRequests(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "Jane", "Roe")

	sched := NewScheduler(agg, 20*time.Millisecond, zerolog.Nop())
	defer sched.Stop()

	sched.Schedule()
	sched.Schedule()
	sched.Schedule()

	require.Eventually(t, func() bool {
		pending, err := st.RawContacts().PendingAggregation(context.Background())
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotZero(t, aggregateOf(t, st, c1))
	assert.NotZero(t, aggregateOf(t, st, c2))
}

func TestSchedulerPicksUpNewWork(t *testing.T) {
	agg, st := newEngine(t)
	sched := NewScheduler(agg, 10*time.Millisecond, zerolog.Nop())
	defer sched.Stop()

	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")
	sched.Schedule()
	require.Eventually(t, func() bool { return aggregateOf(t, st, c1) != 0 },
		2*time.Second, 5*time.Millisecond)

	c2 := addContact(t, st, model.RawContact{AccountName: "b"})
	addData(t, st, c2, model.MimeStructuredName, "John", "Doe")
	sched.Schedule()
	require.Eventually(t, func() bool { return aggregateOf(t, st, c2) != 0 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, aggregateOf(t, st, c1), aggregateOf(t, st, c2))
}

func TestScheduleDuringPassRerunsForRemainder(t *testing.T) {
	agg, st := newHookedEngine(t, 1)
	sched := NewScheduler(agg, 5*time.Millisecond, zerolog.Nop())
	defer sched.Stop()

	// A schedule request landing mid-pass interrupts it; the rerun picks up
	// the contacts the interrupted pass left pending.
	st.onYield = sched.Schedule

	var ids []int64
	for i := 0; i < 3; i++ {
		c := addContact(t, st, model.RawContact{AccountName: fmt.Sprintf("acct-%d", i)})
		addData(t, st, c, model.MimeStructuredName, fmt.Sprintf("Given%d", i), "Pending")
		ids = append(ids, c)
	}

	sched.Schedule()

	require.Eventually(t, func() bool {
		pending, err := st.RawContacts().PendingAggregation(context.Background())
		return err == nil && len(pending) == 0
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range ids {
		assert.NotZero(t, aggregateOf(t, st, id))
	}
}

func TestSchedulerStopCancelsPendingPass(t *testing.T) {
	agg, st := newEngine(t)
	c1 := addContact(t, st, model.RawContact{AccountName: "a"})
	addData(t, st, c1, model.MimeStructuredName, "John", "Doe")

	sched := NewScheduler(agg, time.Hour, zerolog.Nop())
	sched.Schedule()
	sched.Stop()

	assert.Zero(t, aggregateOf(t, st, c1), "stopped before the delay elapsed")

	// Schedule after Stop is a no-op.
	sched.Schedule()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, aggregateOf(t, st, c1))
}

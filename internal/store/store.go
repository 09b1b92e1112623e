// Package store defines the persistence interface the aggregation core
// consumes. Implementations live under internal/store/<driver>/.
package store

import (
	"context"

	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
)

// Store exposes the repositories in autocommit mode plus transactional
// scope. RunInTx serialises with other write transactions on the same
// store; the transaction commits when fn returns nil and rolls back
// otherwise.
type Store interface {
	Repos
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx is an open write transaction. Repositories obtained from it read
// uncommitted writes of the same transaction.
type Tx interface {
	Repos

	// YieldIfContended temporarily commits and releases the write lock when
	// another writer is waiting, then re-acquires it and reopens the
	// transaction. Reports whether it yielded. Work already done is durable
	// after a yield regardless of the transaction's final outcome.
	YieldIfContended(ctx context.Context) (bool, error)
}

// Repos groups the per-table repositories.
type Repos interface {
	RawContacts() RawContacts
	Data() DataRows
	Aggregates() Aggregates
	NameLookup() NameLookup
	Exceptions() Exceptions
}

type RawContacts interface {
	Create(ctx context.Context, rc *model.RawContact) (*model.RawContact, error)
	Get(ctx context.Context, id int64) (*model.RawContact, error)

	// PendingAggregation returns, in id order, the ids of contacts with no
	// aggregate and default aggregation mode.
	PendingAggregation(ctx context.Context) ([]int64, error)

	AggregateID(ctx context.Context, id int64) (int64, error)
	AggregationMode(ctx context.Context, id int64) (model.AggregationMode, error)
	SetAggregateID(ctx context.Context, id, aggregateID int64) error

	// ClearAggregateID nulls the aggregate reference, but only when the
	// contact's aggregation mode is default; reports whether a row changed.
	ClearAggregateID(ctx context.Context, id int64) (bool, error)

	MemberIDs(ctx context.Context, aggregateID int64) ([]int64, error)
	MemberDisplayNames(ctx context.Context, aggregateID int64) ([]string, error)
	MemberOptions(ctx context.Context, aggregateID int64) ([]model.ContactOptions, error)
	SetOptions(ctx context.Context, id int64, opts model.ContactOptions) error
}

type DataRows interface {
	// Insert stores a typed row. Phone rows additionally maintain the phone
	// lookup key; structured-name rows refresh the owning contact's
	// display-name cache. Both are ingest-path behaviours the engine
	// depends on.
	Insert(ctx context.Context, d *model.DataRow) (*model.DataRow, error)

	// MatchableForContact returns the contact's structured-name, email,
	// phone and nickname rows.
	MatchableForContact(ctx context.Context, rawContactID int64) ([]model.DataRow, error)

	StructuredNamesForAggregates(ctx context.Context, aggregateIDs []int64) ([]model.StructuredNameRow, error)

	// AggregateIDsByPhone resolves a phone number through the canonical
	// lookup key to the aggregates of matching, aggregated contacts.
	AggregateIDsByPhone(ctx context.Context, number string) ([]int64, error)

	// AggregateIDsByEmail matches addresses case-insensitively.
	AggregateIDsByEmail(ctx context.Context, address string) ([]int64, error)

	PrimaryRows(ctx context.Context, rawContactID int64) (model.PrimaryRows, error)
	PhotoCandidates(ctx context.Context, aggregateID int64) ([]model.PhotoCandidate, error)
}

type Aggregates interface {
	// Insert creates an empty aggregate (blank display name, fresh lookup
	// key) and returns its id.
	Insert(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (*model.Aggregate, error)

	// GetMany loads the given aggregates in ascending id order, skipping
	// ids that no longer exist.
	GetMany(ctx context.Context, ids []int64) ([]*model.Aggregate, error)

	// DeleteIfEmpty removes the aggregate when no raw contact references
	// it; reports whether it was deleted.
	DeleteIfEmpty(ctx context.Context, id int64) (bool, error)

	UpdateDisplayName(ctx context.Context, id int64, displayName string) error
	UpdatePhotoID(ctx context.Context, id, photoID int64) error
	UpdateOptions(ctx context.Context, id int64, opts model.AggregateOptions) error

	Primaries(ctx context.Context, id int64) (model.AggregatePrimaries, error)
	SetPrimaries(ctx context.Context, id int64, p model.AggregatePrimaries) error

	// RefreshVisibility recomputes the aggregate's visibility from its
	// members (visible iff at least one member is unrestricted).
	RefreshVisibility(ctx context.Context, id int64) error
}

type NameLookup interface {
	Insert(ctx context.Context, rawContactID int64, nameType names.LookupType, normalizedName string) error
	DeleteForContact(ctx context.Context, rawContactID int64) error

	// MatchesIn returns index rows whose key is one of normalizedNames and
	// whose owning contact is aggregated.
	MatchesIn(ctx context.Context, normalizedNames []string) ([]model.NameLookupMatch, error)

	// MatchesByPrefix returns index rows of aggregated contacts whose key
	// starts with prefix; used by the suggestion query's approximate scan.
	MatchesByPrefix(ctx context.Context, prefix string) ([]model.NameLookupMatch, error)

	// AggregateIDsByNickname finds aggregated contacts indexed under the
	// given key with the free-form nickname tag.
	AggregateIDsByNickname(ctx context.Context, normalizedName string) ([]int64, error)
}

type Exceptions interface {
	Create(ctx context.Context, e *model.AggregationException) (*model.AggregationException, error)

	// ForContact returns every exception naming the contact, each joined
	// with the peer's current aggregate id (0 while unaggregated).
	ForContact(ctx context.Context, rawContactID int64) ([]model.ExceptionPeer, error)
}

// Package sqlite is the reference store driver. The original system ran on
// an embedded SQLite database, and this driver preserves its concurrency
// shape: write transactions are serialised behind an in-process lock whose
// waiter count backs YieldIfContended.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB

	writeMu      sync.Mutex
	writeWaiters atomic.Int32
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by the factory and tests).
func NewWithDB(db *sql.DB) (*Store, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RawContacts() store.RawContacts { return &rawContacts{q: s.db} }
func (s *Store) Data() store.DataRows           { return &dataRows{q: s.db} }
func (s *Store) Aggregates() store.Aggregates   { return &aggregates{q: s.db} }
func (s *Store) NameLookup() store.NameLookup   { return &nameLookup{q: s.db} }
func (s *Store) Exceptions() store.Exceptions   { return &exceptions{q: s.db} }

// RunInTx serialises with other write transactions on this store. The
// waiter count lets an in-flight transaction observe contention and yield.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.writeWaiters.Add(1)
	s.writeMu.Lock()
	s.writeWaiters.Add(-1)
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &tx{s: s, tx: sqlTx}
	if err := fn(ctx, t); err != nil {
		_ = t.tx.Rollback()
		return err
	}
	return t.tx.Commit()
}

// tx implements store.Tx. It also implements dbtx by delegating to the
// current inner transaction, so repositories bound to it stay valid across
// a yield that swaps the inner transaction out.
type tx struct {
	s  *Store
	tx *sql.Tx
}

func (t *tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *tx) RawContacts() store.RawContacts { return &rawContacts{q: t} }
func (t *tx) Data() store.DataRows           { return &dataRows{q: t} }
func (t *tx) Aggregates() store.Aggregates   { return &aggregates{q: t} }
func (t *tx) NameLookup() store.NameLookup   { return &nameLookup{q: t} }
func (t *tx) Exceptions() store.Exceptions   { return &exceptions{q: t} }

func (t *tx) YieldIfContended(ctx context.Context) (bool, error) {
	if t.s.writeWaiters.Load() == 0 {
		return false, nil
	}
	if err := t.tx.Commit(); err != nil {
		return false, err
	}
	t.s.writeMu.Unlock()
	runtime.Gosched()
	t.s.writeMu.Lock()
	inner, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	t.tx = inner
	return true, nil
}

// phoneMinMatch reduces a phone number to its canonical lookup key: digits
// only, trailing seven. Numbers that agree on the key are treated as the
// same line; country and area prefixes are deliberately ignored.
func phoneMinMatch(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 7 {
		digits = digits[len(digits)-7:]
	}
	return digits
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// --- raw contacts ---

type rawContacts struct{ q dbtx }

func (r *rawContacts) Create(ctx context.Context, rc *model.RawContact) (*model.RawContact, error) {
	res, err := r.q.ExecContext(ctx, `
        INSERT INTO raw_contacts
            (account_name, aggregate_id, aggregation_mode, display_name, custom_ringtone,
             send_to_voicemail, last_time_contacted, times_contacted, starred, is_restricted)
        VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rc.AccountName, nullID(rc.AggregateID), int(rc.AggregationMode), rc.DisplayName,
		rc.CustomRingtone, nullBool(rc.SendToVoicemail), rc.LastContacted, rc.TimesContacted,
		rc.Starred, rc.IsRestricted)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	out := *rc
	out.ID = id
	return &out, nil
}

func (r *rawContacts) Get(ctx context.Context, id int64) (*model.RawContact, error) {
	row := r.q.QueryRowContext(ctx, `
        SELECT _id, account_name, aggregate_id, aggregation_mode, display_name, custom_ringtone,
               send_to_voicemail, last_time_contacted, times_contacted, starred, is_restricted
        FROM raw_contacts WHERE _id=?`, id)
	var rc model.RawContact
	var aggID sql.NullInt64
	var mode int
	var ringtone sql.NullString
	var voicemail sql.NullBool
	err := row.Scan(&rc.ID, &rc.AccountName, &aggID, &mode, &rc.DisplayName, &ringtone,
		&voicemail, &rc.LastContacted, &rc.TimesContacted, &rc.Starred, &rc.IsRestricted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rc.AggregateID = aggID.Int64
	rc.AggregationMode = model.AggregationMode(mode)
	if ringtone.Valid {
		v := ringtone.String
		rc.CustomRingtone = &v
	}
	if voicemail.Valid {
		v := voicemail.Bool
		rc.SendToVoicemail = &v
	}
	return &rc, nil
}

func (r *rawContacts) PendingAggregation(ctx context.Context) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, `
        SELECT _id FROM raw_contacts
        WHERE aggregate_id IS NULL AND aggregation_mode=?
        ORDER BY _id`, int(model.AggregationModeDefault))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *rawContacts) AggregateID(ctx context.Context, id int64) (int64, error) {
	var aggID sql.NullInt64
	err := r.q.QueryRowContext(ctx, `SELECT aggregate_id FROM raw_contacts WHERE _id=?`, id).Scan(&aggID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return aggID.Int64, nil
}

func (r *rawContacts) AggregationMode(ctx context.Context, id int64) (model.AggregationMode, error) {
	var mode int
	err := r.q.QueryRowContext(ctx, `SELECT aggregation_mode FROM raw_contacts WHERE _id=?`, id).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return model.AggregationMode(mode), nil
}

func (r *rawContacts) SetAggregateID(ctx context.Context, id, aggregateID int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE raw_contacts SET aggregate_id=? WHERE _id=?`, aggregateID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *rawContacts) ClearAggregateID(ctx context.Context, id int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
        UPDATE raw_contacts SET aggregate_id=NULL
        WHERE _id=? AND aggregation_mode=?`, id, int(model.AggregationModeDefault))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *rawContacts) MemberIDs(ctx context.Context, aggregateID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT _id FROM raw_contacts WHERE aggregate_id=? ORDER BY _id`, aggregateID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *rawContacts) MemberDisplayNames(ctx context.Context, aggregateID int64) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT display_name FROM raw_contacts WHERE aggregate_id=? ORDER BY _id`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *rawContacts) MemberOptions(ctx context.Context, aggregateID int64) ([]model.ContactOptions, error) {
	rows, err := r.q.QueryContext(ctx, `
        SELECT custom_ringtone, send_to_voicemail, last_time_contacted, times_contacted, starred
        FROM raw_contacts WHERE aggregate_id=? ORDER BY _id`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.ContactOptions
	for rows.Next() {
		var o model.ContactOptions
		var ringtone sql.NullString
		var voicemail sql.NullBool
		if err := rows.Scan(&ringtone, &voicemail, &o.LastContacted, &o.TimesContacted, &o.Starred); err != nil {
			return nil, err
		}
		if ringtone.Valid {
			v := ringtone.String
			o.CustomRingtone = &v
		}
		if voicemail.Valid {
			v := voicemail.Bool
			o.SendToVoicemail = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *rawContacts) SetOptions(ctx context.Context, id int64, opts model.ContactOptions) error {
	res, err := r.q.ExecContext(ctx, `
        UPDATE raw_contacts
        SET custom_ringtone=?, send_to_voicemail=?, last_time_contacted=?, times_contacted=?, starred=?
        WHERE _id=?`,
		opts.CustomRingtone, nullBool(opts.SendToVoicemail), opts.LastContacted,
		opts.TimesContacted, opts.Starred, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- data rows ---

type dataRows struct{ q dbtx }

func (d *dataRows) Insert(ctx context.Context, row *model.DataRow) (*model.DataRow, error) {
	res, err := d.q.ExecContext(ctx, `
        INSERT INTO data (raw_contact_id, mimetype, data1, data2, is_primary)
        VALUES (?,?,?,?,?)`,
		row.RawContactID, row.MimeType, row.Data1, row.Data2, row.IsPrimary)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	switch row.MimeType {
	case model.MimePhone:
		if key := phoneMinMatch(row.Data2); key != "" {
			if _, err := d.q.ExecContext(ctx,
				`INSERT INTO phone_lookup (data_id, raw_contact_id, min_match) VALUES (?,?,?)`,
				id, row.RawContactID, key); err != nil {
				return nil, err
			}
		}
	case model.MimeStructuredName:
		// Refresh the display-name cache the way the ingest path would.
		display := strings.TrimSpace(row.Data1 + " " + row.Data2)
		if display != "" {
			if _, err := d.q.ExecContext(ctx,
				`UPDATE raw_contacts SET display_name=? WHERE _id=?`, display, row.RawContactID); err != nil {
				return nil, err
			}
		}
	}

	out := *row
	out.ID = id
	return &out, nil
}

func (d *dataRows) MatchableForContact(ctx context.Context, rawContactID int64) ([]model.DataRow, error) {
	rows, err := d.q.QueryContext(ctx, `
        SELECT _id, raw_contact_id, mimetype, data1, data2, is_primary
        FROM data
        WHERE raw_contact_id=? AND mimetype IN (?,?,?,?)
        ORDER BY _id`,
		rawContactID, model.MimeStructuredName, model.MimeEmail, model.MimePhone, model.MimeNickname)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.DataRow
	for rows.Next() {
		var row model.DataRow
		if err := rows.Scan(&row.ID, &row.RawContactID, &row.MimeType, &row.Data1, &row.Data2, &row.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *dataRows) StructuredNamesForAggregates(ctx context.Context, aggregateIDs []int64) ([]model.StructuredNameRow, error) {
	if len(aggregateIDs) == 0 {
		return nil, nil
	}
	args := append(int64Args(aggregateIDs), model.MimeStructuredName)
	rows, err := d.q.QueryContext(ctx, `
        SELECT rc.aggregate_id, d.data1, d.data2
        FROM data d
        JOIN raw_contacts rc ON rc._id = d.raw_contact_id
        WHERE rc.aggregate_id IN (`+placeholders(len(aggregateIDs))+`) AND d.mimetype=?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.StructuredNameRow
	for rows.Next() {
		var row model.StructuredNameRow
		if err := rows.Scan(&row.AggregateID, &row.GivenName, &row.FamilyName); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *dataRows) AggregateIDsByPhone(ctx context.Context, number string) ([]int64, error) {
	key := phoneMinMatch(number)
	if key == "" {
		return nil, nil
	}
	rows, err := d.q.QueryContext(ctx, `
        SELECT DISTINCT rc.aggregate_id
        FROM phone_lookup pl
        JOIN raw_contacts rc ON rc._id = pl.raw_contact_id
        WHERE pl.min_match=? AND rc.aggregate_id IS NOT NULL`, key)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (d *dataRows) AggregateIDsByEmail(ctx context.Context, address string) ([]int64, error) {
	rows, err := d.q.QueryContext(ctx, `
        SELECT DISTINCT rc.aggregate_id
        FROM data d
        JOIN raw_contacts rc ON rc._id = d.raw_contact_id
        WHERE d.mimetype=? AND lower(d.data2)=lower(?) AND rc.aggregate_id IS NOT NULL`,
		model.MimeEmail, address)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (d *dataRows) PrimaryRows(ctx context.Context, rawContactID int64) (model.PrimaryRows, error) {
	var out model.PrimaryRows
	rows, err := d.q.QueryContext(ctx, `
        SELECT d._id, d.mimetype, rc.is_restricted
        FROM data d
        JOIN raw_contacts rc ON rc._id = d.raw_contact_id
        WHERE d.raw_contact_id=? AND d.is_primary=1 AND d.mimetype IN (?,?)
        ORDER BY d._id`,
		rawContactID, model.MimePhone, model.MimeEmail)
	if err != nil {
		return out, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var dataID int64
		var mime string
		var restricted bool
		if err := rows.Scan(&dataID, &mime, &restricted); err != nil {
			return out, err
		}
		out.IsRestricted = restricted
		switch mime {
		case model.MimePhone:
			if out.PhoneDataID == 0 {
				out.PhoneDataID = dataID
			}
		case model.MimeEmail:
			if out.EmailDataID == 0 {
				out.EmailDataID = dataID
			}
		}
	}
	return out, rows.Err()
}

func (d *dataRows) PhotoCandidates(ctx context.Context, aggregateID int64) ([]model.PhotoCandidate, error) {
	rows, err := d.q.QueryContext(ctx, `
        SELECT d._id, rc.account_name
        FROM data d
        JOIN raw_contacts rc ON rc._id = d.raw_contact_id
        WHERE rc.aggregate_id=? AND d.mimetype=?
        ORDER BY d._id`, aggregateID, model.MimePhoto)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PhotoCandidate
	for rows.Next() {
		var c model.PhotoCandidate
		if err := rows.Scan(&c.DataID, &c.AccountName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- aggregates ---

type aggregates struct{ q dbtx }

func (a *aggregates) Insert(ctx context.Context) (int64, error) {
	res, err := a.q.ExecContext(ctx,
		`INSERT INTO aggregates (lookup_key, display_name) VALUES (?, '')`, uuid.New().String())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const aggregateColumns = `
    _id, lookup_key, display_name, photo_id, send_to_voicemail, custom_ringtone,
    last_time_contacted, times_contacted, starred,
    optimal_primary_phone_id, optimal_primary_phone_is_restricted, fallback_primary_phone_id,
    optimal_primary_email_id, optimal_primary_email_is_restricted, fallback_primary_email_id,
    single_is_restricted, is_visible`

func scanAggregate(row interface{ Scan(...any) error }) (*model.Aggregate, error) {
	var agg model.Aggregate
	var ringtone sql.NullString
	err := row.Scan(&agg.ID, &agg.LookupKey, &agg.DisplayName, &agg.PhotoID,
		&agg.SendToVoicemail, &ringtone, &agg.LastContacted, &agg.TimesContacted, &agg.Starred,
		&agg.Primaries.OptimalPhoneID, &agg.Primaries.OptimalPhoneRestricted, &agg.Primaries.FallbackPhoneID,
		&agg.Primaries.OptimalEmailID, &agg.Primaries.OptimalEmailRestricted, &agg.Primaries.FallbackEmailID,
		&agg.Primaries.SingleIsRestricted, &agg.IsVisible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ringtone.Valid {
		v := ringtone.String
		agg.CustomRingtone = &v
	}
	return &agg, nil
}

func (a *aggregates) Get(ctx context.Context, id int64) (*model.Aggregate, error) {
	row := a.q.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM aggregates WHERE _id=?`, id)
	return scanAggregate(row)
}

func (a *aggregates) GetMany(ctx context.Context, ids []int64) ([]*model.Aggregate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := a.q.QueryContext(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE _id IN (`+placeholders(len(ids))+`) ORDER BY _id`,
		int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (a *aggregates) DeleteIfEmpty(ctx context.Context, id int64) (bool, error) {
	res, err := a.q.ExecContext(ctx, `
        DELETE FROM aggregates
        WHERE _id=? AND _id NOT IN
            (SELECT aggregate_id FROM raw_contacts WHERE aggregate_id IS NOT NULL)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *aggregates) UpdateDisplayName(ctx context.Context, id int64, displayName string) error {
	_, err := a.q.ExecContext(ctx, `UPDATE aggregates SET display_name=? WHERE _id=?`, displayName, id)
	return err
}

func (a *aggregates) UpdatePhotoID(ctx context.Context, id, photoID int64) error {
	_, err := a.q.ExecContext(ctx, `UPDATE aggregates SET photo_id=? WHERE _id=?`, photoID, id)
	return err
}

func (a *aggregates) UpdateOptions(ctx context.Context, id int64, opts model.AggregateOptions) error {
	_, err := a.q.ExecContext(ctx, `
        UPDATE aggregates
        SET send_to_voicemail=?, custom_ringtone=?, last_time_contacted=?, times_contacted=?, starred=?
        WHERE _id=?`,
		opts.SendToVoicemail, opts.CustomRingtone, opts.LastContacted, opts.TimesContacted, opts.Starred, id)
	return err
}

func (a *aggregates) Primaries(ctx context.Context, id int64) (model.AggregatePrimaries, error) {
	var p model.AggregatePrimaries
	err := a.q.QueryRowContext(ctx, `
        SELECT optimal_primary_phone_id, optimal_primary_phone_is_restricted, fallback_primary_phone_id,
               optimal_primary_email_id, optimal_primary_email_is_restricted, fallback_primary_email_id,
               single_is_restricted
        FROM aggregates WHERE _id=?`, id).
		Scan(&p.OptimalPhoneID, &p.OptimalPhoneRestricted, &p.FallbackPhoneID,
			&p.OptimalEmailID, &p.OptimalEmailRestricted, &p.FallbackEmailID, &p.SingleIsRestricted)
	if errors.Is(err, sql.ErrNoRows) {
		return p, model.ErrNotFound
	}
	return p, err
}

func (a *aggregates) SetPrimaries(ctx context.Context, id int64, p model.AggregatePrimaries) error {
	_, err := a.q.ExecContext(ctx, `
        UPDATE aggregates
        SET optimal_primary_phone_id=?, optimal_primary_phone_is_restricted=?, fallback_primary_phone_id=?,
            optimal_primary_email_id=?, optimal_primary_email_is_restricted=?, fallback_primary_email_id=?,
            single_is_restricted=?
        WHERE _id=?`,
		p.OptimalPhoneID, p.OptimalPhoneRestricted, p.FallbackPhoneID,
		p.OptimalEmailID, p.OptimalEmailRestricted, p.FallbackEmailID, p.SingleIsRestricted, id)
	return err
}

func (a *aggregates) RefreshVisibility(ctx context.Context, id int64) error {
	_, err := a.q.ExecContext(ctx, `
        UPDATE aggregates
        SET is_visible = EXISTS
            (SELECT 1 FROM raw_contacts WHERE aggregate_id=aggregates._id AND is_restricted=0)
        WHERE _id=?`, id)
	return err
}

// --- name lookup ---

type nameLookup struct{ q dbtx }

func (n *nameLookup) Insert(ctx context.Context, rawContactID int64, nameType names.LookupType, normalizedName string) error {
	_, err := n.q.ExecContext(ctx,
		`INSERT INTO name_lookup (raw_contact_id, normalized_name, name_type) VALUES (?,?,?)`,
		rawContactID, normalizedName, int(nameType))
	return err
}

func (n *nameLookup) DeleteForContact(ctx context.Context, rawContactID int64) error {
	_, err := n.q.ExecContext(ctx, `DELETE FROM name_lookup WHERE raw_contact_id=?`, rawContactID)
	return err
}

const nameLookupJoin = `
    SELECT rc.aggregate_id, nl.normalized_name, nl.name_type
    FROM name_lookup nl
    JOIN raw_contacts rc ON rc._id = nl.raw_contact_id
    WHERE rc.aggregate_id IS NOT NULL`

func (n *nameLookup) MatchesIn(ctx context.Context, normalizedNames []string) ([]model.NameLookupMatch, error) {
	if len(normalizedNames) == 0 {
		return nil, nil
	}
	args := make([]any, len(normalizedNames))
	for i, name := range normalizedNames {
		args[i] = name
	}
	rows, err := n.q.QueryContext(ctx,
		nameLookupJoin+` AND nl.normalized_name IN (`+placeholders(len(normalizedNames))+`)`, args...)
	if err != nil {
		return nil, err
	}
	return scanLookupMatches(rows)
}

func (n *nameLookup) MatchesByPrefix(ctx context.Context, prefix string) ([]model.NameLookupMatch, error) {
	// Keys are normalized to lowercase alphanumerics, so LIKE needs no
	// escaping here.
	rows, err := n.q.QueryContext(ctx, nameLookupJoin+` AND nl.normalized_name LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	return scanLookupMatches(rows)
}

func (n *nameLookup) AggregateIDsByNickname(ctx context.Context, normalizedName string) ([]int64, error) {
	rows, err := n.q.QueryContext(ctx, `
        SELECT DISTINCT rc.aggregate_id
        FROM name_lookup nl
        JOIN raw_contacts rc ON rc._id = nl.raw_contact_id
        WHERE nl.name_type=? AND nl.normalized_name=? AND rc.aggregate_id IS NOT NULL`,
		int(names.LookupNickname), normalizedName)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// --- exceptions ---

type exceptions struct{ q dbtx }

func (e *exceptions) Create(ctx context.Context, exc *model.AggregationException) (*model.AggregationException, error) {
	if exc.Type != model.ExceptionKeepIn && exc.Type != model.ExceptionKeepOut {
		return nil, model.ErrValidation
	}
	res, err := e.q.ExecContext(ctx,
		`INSERT INTO agg_exceptions (type, raw_contact_id1, raw_contact_id2) VALUES (?,?,?)`,
		int(exc.Type), exc.RawContactID1, exc.RawContactID2)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	out := *exc
	out.ID = id
	return &out, nil
}

func (e *exceptions) ForContact(ctx context.Context, rawContactID int64) ([]model.ExceptionPeer, error) {
	rows, err := e.q.QueryContext(ctx, `
        SELECT x.type, x.raw_contact_id1, x.raw_contact_id2, rc1.aggregate_id, rc2.aggregate_id
        FROM agg_exceptions x
        JOIN raw_contacts rc1 ON rc1._id = x.raw_contact_id1
        JOIN raw_contacts rc2 ON rc2._id = x.raw_contact_id2
        WHERE x.raw_contact_id1=? OR x.raw_contact_id2=?`, rawContactID, rawContactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.ExceptionPeer
	for rows.Next() {
		var typ int
		var id1, id2 int64
		var agg1, agg2 sql.NullInt64
		if err := rows.Scan(&typ, &id1, &id2, &agg1, &agg2); err != nil {
			return nil, err
		}
		peer := model.ExceptionPeer{Type: model.ExceptionType(typ)}
		if id1 == rawContactID {
			peer.PeerRawContactID = id2
			peer.PeerAggregateID = agg2.Int64
		} else {
			peer.PeerRawContactID = id1
			peer.PeerAggregateID = agg1.Int64
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}

// --- helpers ---

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanLookupMatches(rows *sql.Rows) ([]model.NameLookupMatch, error) {
	defer func() { _ = rows.Close() }()
	var out []model.NameLookupMatch
	for rows.Next() {
		var m model.NameLookupMatch
		if err := rows.Scan(&m.AggregateID, &m.NormalizedName, &m.NameType); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// Package postgres is the PostgreSQL store driver, using the pgx stdlib
// adapter. Unlike the SQLite driver it never yields mid-transaction:
// concurrent writers are MVCC-isolated, so YieldIfContended is a no-op.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/contactmesh/contactmesh/internal/model"
	"github.com/contactmesh/contactmesh/internal/names"
	"github.com/contactmesh/contactmesh/internal/store"
)

// Open opens a PostgreSQL connection using the pgx stdlib driver and
// verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New opens the database at dsn and ensures the schema.
func New(dsn string) (store.Store, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &pgStore{db: db}, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

// EnsureSchema creates the engine's tables if they do not exist.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aggregates (
            _id BIGSERIAL PRIMARY KEY,
            lookup_key TEXT NOT NULL,
            display_name TEXT NOT NULL DEFAULT '',
            photo_id BIGINT NOT NULL DEFAULT 0,
            send_to_voicemail BOOLEAN NOT NULL DEFAULT FALSE,
            custom_ringtone TEXT,
            last_time_contacted BIGINT NOT NULL DEFAULT 0,
            times_contacted BIGINT NOT NULL DEFAULT 0,
            starred BOOLEAN NOT NULL DEFAULT FALSE,
            optimal_primary_phone_id BIGINT NOT NULL DEFAULT 0,
            optimal_primary_phone_is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
            fallback_primary_phone_id BIGINT NOT NULL DEFAULT 0,
            optimal_primary_email_id BIGINT NOT NULL DEFAULT 0,
            optimal_primary_email_is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
            fallback_primary_email_id BIGINT NOT NULL DEFAULT 0,
            single_is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
            is_visible BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE TABLE IF NOT EXISTS raw_contacts (
            _id BIGSERIAL PRIMARY KEY,
            account_name TEXT NOT NULL DEFAULT '',
            aggregate_id BIGINT REFERENCES aggregates(_id),
            aggregation_mode INT NOT NULL DEFAULT 0,
            display_name TEXT NOT NULL DEFAULT '',
            custom_ringtone TEXT,
            send_to_voicemail BOOLEAN,
            last_time_contacted BIGINT NOT NULL DEFAULT 0,
            times_contacted BIGINT NOT NULL DEFAULT 0,
            starred BOOLEAN NOT NULL DEFAULT FALSE,
            is_restricted BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS raw_contacts_aggregate_idx ON raw_contacts(aggregate_id)`,
		`CREATE TABLE IF NOT EXISTS data (
            _id BIGSERIAL PRIMARY KEY,
            raw_contact_id BIGINT NOT NULL REFERENCES raw_contacts(_id),
            mimetype TEXT NOT NULL,
            data1 TEXT NOT NULL DEFAULT '',
            data2 TEXT NOT NULL DEFAULT '',
            is_primary BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS data_raw_contact_idx ON data(raw_contact_id, mimetype)`,
		`CREATE TABLE IF NOT EXISTS phone_lookup (
            data_id BIGINT NOT NULL REFERENCES data(_id),
            raw_contact_id BIGINT NOT NULL REFERENCES raw_contacts(_id),
            min_match TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS phone_lookup_min_match_idx ON phone_lookup(min_match)`,
		`CREATE TABLE IF NOT EXISTS name_lookup (
            raw_contact_id BIGINT NOT NULL REFERENCES raw_contacts(_id),
            normalized_name TEXT NOT NULL,
            name_type INT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS name_lookup_name_idx ON name_lookup(normalized_name)`,
		`CREATE INDEX IF NOT EXISTS name_lookup_contact_idx ON name_lookup(raw_contact_id)`,
		`CREATE TABLE IF NOT EXISTS agg_exceptions (
            _id BIGSERIAL PRIMARY KEY,
            type INT NOT NULL,
            raw_contact_id1 BIGINT NOT NULL REFERENCES raw_contacts(_id),
            raw_contact_id2 BIGINT NOT NULL REFERENCES raw_contacts(_id)
        )`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Bootstrap performs a connectivity check plus schema setup; used by the
// CLI's startup path when the postgres driver is selected.
func Bootstrap(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return EnsureSchema(db)
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgStore struct{ db *sql.DB }

func (s *pgStore) Close() error { return s.db.Close() }

func (s *pgStore) RawContacts() store.RawContacts { return &rawContacts{q: s.db} }
func (s *pgStore) Data() store.DataRows           { return &dataRows{q: s.db} }
func (s *pgStore) Aggregates() store.Aggregates   { return &aggregates{q: s.db} }
func (s *pgStore) NameLookup() store.NameLookup   { return &nameLookup{q: s.db} }
func (s *pgStore) Exceptions() store.Exceptions   { return &exceptions{q: s.db} }

func (s *pgStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &pgTx{tx: sqlTx}
	if err := fn(ctx, t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) RawContacts() store.RawContacts { return &rawContacts{q: t.tx} }
func (t *pgTx) Data() store.DataRows           { return &dataRows{q: t.tx} }
func (t *pgTx) Aggregates() store.Aggregates   { return &aggregates{q: t.tx} }
func (t *pgTx) NameLookup() store.NameLookup   { return &nameLookup{q: t.tx} }
func (t *pgTx) Exceptions() store.Exceptions   { return &exceptions{q: t.tx} }

func (t *pgTx) YieldIfContended(ctx context.Context) (bool, error) { return false, nil }

// phoneMinMatch mirrors the SQLite driver: digits only, trailing seven.
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

func inPlaceholders(n, start int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
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
	var id int64
	err := r.q.QueryRowContext(ctx, `
        INSERT INTO raw_contacts
            (account_name, aggregate_id, aggregation_mode, display_name, custom_ringtone,
             send_to_voicemail, last_time_contacted, times_contacted, starred, is_restricted)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING _id`,
		rc.AccountName, nullID(rc.AggregateID), int(rc.AggregationMode), rc.DisplayName,
		rc.CustomRingtone, rc.SendToVoicemail, rc.LastContacted, rc.TimesContacted,
		rc.Starred, rc.IsRestricted).Scan(&id)
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
        FROM raw_contacts WHERE _id=$1`, id)
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
        WHERE aggregate_id IS NULL AND aggregation_mode=$1
        ORDER BY _id`, int(model.AggregationModeDefault))
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *rawContacts) AggregateID(ctx context.Context, id int64) (int64, error) {
	var aggID sql.NullInt64
	err := r.q.QueryRowContext(ctx, `SELECT aggregate_id FROM raw_contacts WHERE _id=$1`, id).Scan(&aggID)
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
	err := r.q.QueryRowContext(ctx, `SELECT aggregation_mode FROM raw_contacts WHERE _id=$1`, id).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return model.AggregationMode(mode), nil
}

func (r *rawContacts) SetAggregateID(ctx context.Context, id, aggregateID int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE raw_contacts SET aggregate_id=$1 WHERE _id=$2`, aggregateID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *rawContacts) ClearAggregateID(ctx context.Context, id int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
        UPDATE raw_contacts SET aggregate_id=NULL
        WHERE _id=$1 AND aggregation_mode=$2`, id, int(model.AggregationModeDefault))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *rawContacts) MemberIDs(ctx context.Context, aggregateID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT _id FROM raw_contacts WHERE aggregate_id=$1 ORDER BY _id`, aggregateID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *rawContacts) MemberDisplayNames(ctx context.Context, aggregateID int64) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT display_name FROM raw_contacts WHERE aggregate_id=$1 ORDER BY _id`, aggregateID)
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
        FROM raw_contacts WHERE aggregate_id=$1 ORDER BY _id`, aggregateID)
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
        SET custom_ringtone=$1, send_to_voicemail=$2, last_time_contacted=$3, times_contacted=$4, starred=$5
        WHERE _id=$6`,
		opts.CustomRingtone, opts.SendToVoicemail, opts.LastContacted, opts.TimesContacted, opts.Starred, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- data rows ---

type dataRows struct{ q dbtx }

func (d *dataRows) Insert(ctx context.Context, row *model.DataRow) (*model.DataRow, error) {
	var id int64
	err := d.q.QueryRowContext(ctx, `
        INSERT INTO data (raw_contact_id, mimetype, data1, data2, is_primary)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING _id`,
		row.RawContactID, row.MimeType, row.Data1, row.Data2, row.IsPrimary).Scan(&id)
	if err != nil {
		return nil, err
	}

	switch row.MimeType {
	case model.MimePhone:
		if key := phoneMinMatch(row.Data2); key != "" {
			if _, err := d.q.ExecContext(ctx,
				`INSERT INTO phone_lookup (data_id, raw_contact_id, min_match) VALUES ($1,$2,$3)`,
				id, row.RawContactID, key); err != nil {
				return nil, err
			}
		}
	case model.MimeStructuredName:
		display := strings.TrimSpace(row.Data1 + " " + row.Data2)
		if display != "" {
			if _, err := d.q.ExecContext(ctx,
				`UPDATE raw_contacts SET display_name=$1 WHERE _id=$2`, display, row.RawContactID); err != nil {
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
        WHERE raw_contact_id=$1 AND mimetype IN ($2,$3,$4,$5)
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
        WHERE rc.aggregate_id IN (`+inPlaceholders(len(aggregateIDs), 1)+`)
          AND d.mimetype=$`+fmt.Sprint(len(aggregateIDs)+1), args...)
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
        WHERE pl.min_match=$1 AND rc.aggregate_id IS NOT NULL`, key)
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
        WHERE d.mimetype=$1 AND lower(d.data2)=lower($2) AND rc.aggregate_id IS NOT NULL`,
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
        WHERE d.raw_contact_id=$1 AND d.is_primary AND d.mimetype IN ($2,$3)
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
        WHERE rc.aggregate_id=$1 AND d.mimetype=$2
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
	var id int64
	err := a.q.QueryRowContext(ctx,
		`INSERT INTO aggregates (lookup_key, display_name) VALUES ($1, '') RETURNING _id`,
		uuid.New().String()).Scan(&id)
	return id, err
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
	row := a.q.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM aggregates WHERE _id=$1`, id)
	return scanAggregate(row)
}

func (a *aggregates) GetMany(ctx context.Context, ids []int64) ([]*model.Aggregate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := a.q.QueryContext(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE _id IN (`+inPlaceholders(len(ids), 1)+`) ORDER BY _id`,
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
        WHERE _id=$1 AND NOT EXISTS
            (SELECT 1 FROM raw_contacts WHERE aggregate_id=$1)`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *aggregates) UpdateDisplayName(ctx context.Context, id int64, displayName string) error {
	_, err := a.q.ExecContext(ctx, `UPDATE aggregates SET display_name=$1 WHERE _id=$2`, displayName, id)
	return err
}

func (a *aggregates) UpdatePhotoID(ctx context.Context, id, photoID int64) error {
	_, err := a.q.ExecContext(ctx, `UPDATE aggregates SET photo_id=$1 WHERE _id=$2`, photoID, id)
	return err
}

func (a *aggregates) UpdateOptions(ctx context.Context, id int64, opts model.AggregateOptions) error {
	_, err := a.q.ExecContext(ctx, `
        UPDATE aggregates
        SET send_to_voicemail=$1, custom_ringtone=$2, last_time_contacted=$3, times_contacted=$4, starred=$5
        WHERE _id=$6`,
		opts.SendToVoicemail, opts.CustomRingtone, opts.LastContacted, opts.TimesContacted, opts.Starred, id)
	return err
}

func (a *aggregates) Primaries(ctx context.Context, id int64) (model.AggregatePrimaries, error) {
	var p model.AggregatePrimaries
	err := a.q.QueryRowContext(ctx, `
        SELECT optimal_primary_phone_id, optimal_primary_phone_is_restricted, fallback_primary_phone_id,
               optimal_primary_email_id, optimal_primary_email_is_restricted, fallback_primary_email_id,
               single_is_restricted
        FROM aggregates WHERE _id=$1`, id).
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
        SET optimal_primary_phone_id=$1, optimal_primary_phone_is_restricted=$2, fallback_primary_phone_id=$3,
            optimal_primary_email_id=$4, optimal_primary_email_is_restricted=$5, fallback_primary_email_id=$6,
            single_is_restricted=$7
        WHERE _id=$8`,
		p.OptimalPhoneID, p.OptimalPhoneRestricted, p.FallbackPhoneID,
		p.OptimalEmailID, p.OptimalEmailRestricted, p.FallbackEmailID, p.SingleIsRestricted, id)
	return err
}

func (a *aggregates) RefreshVisibility(ctx context.Context, id int64) error {
	_, err := a.q.ExecContext(ctx, `
        UPDATE aggregates
        SET is_visible = EXISTS
            (SELECT 1 FROM raw_contacts WHERE aggregate_id=aggregates._id AND NOT is_restricted)
        WHERE _id=$1`, id)
	return err
}

// --- name lookup ---

type nameLookup struct{ q dbtx }

func (n *nameLookup) Insert(ctx context.Context, rawContactID int64, nameType names.LookupType, normalizedName string) error {
	_, err := n.q.ExecContext(ctx,
		`INSERT INTO name_lookup (raw_contact_id, normalized_name, name_type) VALUES ($1,$2,$3)`,
		rawContactID, normalizedName, int(nameType))
	return err
}

func (n *nameLookup) DeleteForContact(ctx context.Context, rawContactID int64) error {
	_, err := n.q.ExecContext(ctx, `DELETE FROM name_lookup WHERE raw_contact_id=$1`, rawContactID)
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
		nameLookupJoin+` AND nl.normalized_name IN (`+inPlaceholders(len(normalizedNames), 1)+`)`, args...)
	if err != nil {
		return nil, err
	}
	return scanLookupMatches(rows)
}

func (n *nameLookup) MatchesByPrefix(ctx context.Context, prefix string) ([]model.NameLookupMatch, error) {
	rows, err := n.q.QueryContext(ctx, nameLookupJoin+` AND nl.normalized_name LIKE $1`, prefix+"%")
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
        WHERE nl.name_type=$1 AND nl.normalized_name=$2 AND rc.aggregate_id IS NOT NULL`,
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
	var id int64
	err := e.q.QueryRowContext(ctx,
		`INSERT INTO agg_exceptions (type, raw_contact_id1, raw_contact_id2) VALUES ($1,$2,$3) RETURNING _id`,
		int(exc.Type), exc.RawContactID1, exc.RawContactID2).Scan(&id)
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
        WHERE x.raw_contact_id1=$1 OR x.raw_contact_id2=$1`, rawContactID)
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

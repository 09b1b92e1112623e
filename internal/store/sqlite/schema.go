package sqlite

import "database/sql"

// EnsureSchema creates the engine's tables if they do not exist.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aggregates (
            _id INTEGER PRIMARY KEY AUTOINCREMENT,
            lookup_key TEXT NOT NULL,
            display_name TEXT NOT NULL DEFAULT '',
            photo_id INTEGER NOT NULL DEFAULT 0,
            send_to_voicemail INTEGER NOT NULL DEFAULT 0,
            custom_ringtone TEXT,
            last_time_contacted INTEGER NOT NULL DEFAULT 0,
            times_contacted INTEGER NOT NULL DEFAULT 0,
            starred INTEGER NOT NULL DEFAULT 0,
            optimal_primary_phone_id INTEGER NOT NULL DEFAULT 0,
            optimal_primary_phone_is_restricted INTEGER NOT NULL DEFAULT 0,
            fallback_primary_phone_id INTEGER NOT NULL DEFAULT 0,
            optimal_primary_email_id INTEGER NOT NULL DEFAULT 0,
            optimal_primary_email_is_restricted INTEGER NOT NULL DEFAULT 0,
            fallback_primary_email_id INTEGER NOT NULL DEFAULT 0,
            single_is_restricted INTEGER NOT NULL DEFAULT 0,
            is_visible INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS raw_contacts (
            _id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_name TEXT NOT NULL DEFAULT '',
            aggregate_id INTEGER REFERENCES aggregates(_id),
            aggregation_mode INTEGER NOT NULL DEFAULT 0,
            display_name TEXT NOT NULL DEFAULT '',
            custom_ringtone TEXT,
            send_to_voicemail INTEGER,
            last_time_contacted INTEGER NOT NULL DEFAULT 0,
            times_contacted INTEGER NOT NULL DEFAULT 0,
            starred INTEGER NOT NULL DEFAULT 0,
            is_restricted INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS raw_contacts_aggregate_idx ON raw_contacts(aggregate_id);`,
		`CREATE TABLE IF NOT EXISTS data (
            _id INTEGER PRIMARY KEY AUTOINCREMENT,
            raw_contact_id INTEGER NOT NULL REFERENCES raw_contacts(_id),
            mimetype TEXT NOT NULL,
            data1 TEXT NOT NULL DEFAULT '',
            data2 TEXT NOT NULL DEFAULT '',
            is_primary INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS data_raw_contact_idx ON data(raw_contact_id, mimetype);`,
		`CREATE TABLE IF NOT EXISTS phone_lookup (
            data_id INTEGER NOT NULL REFERENCES data(_id),
            raw_contact_id INTEGER NOT NULL REFERENCES raw_contacts(_id),
            min_match TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS phone_lookup_min_match_idx ON phone_lookup(min_match);`,
		`CREATE TABLE IF NOT EXISTS name_lookup (
            raw_contact_id INTEGER NOT NULL REFERENCES raw_contacts(_id),
            normalized_name TEXT NOT NULL,
            name_type INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS name_lookup_name_idx ON name_lookup(normalized_name);`,
		`CREATE INDEX IF NOT EXISTS name_lookup_contact_idx ON name_lookup(raw_contact_id);`,
		`CREATE TABLE IF NOT EXISTS agg_exceptions (
            _id INTEGER PRIMARY KEY AUTOINCREMENT,
            type INTEGER NOT NULL,
            raw_contact_id1 INTEGER NOT NULL REFERENCES raw_contacts(_id),
            raw_contact_id2 INTEGER NOT NULL REFERENCES raw_contacts(_id)
        );`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Package sqlstore is the database/sql storage backend. It runs on SQLite
// (mattn/go-sqlite3), including an in-memory database for development, and
// on PostgreSQL (pgx).
//
// The schema is embedded and applied by UpdateSchema. RevokeGrant and
// AdvanceRefreshCounter are each a single conditional statement, which the
// database executes atomically.
//
//	store, err := sqlstore.OpenSQLite3("issuer.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if _, _, err := store.UpdateSchema(ctx); err != nil {
//	    return err
//	}
package sqlstore

package sqlstore

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-issuer/storage"
)

// SchemaVersion identifies the applied database schema.
type SchemaVersion string

const (
	SchemaNone SchemaVersion = ""
	Schema1    SchemaVersion = "1"
)

//go:embed schema1.sql
var schema1Script []byte

// Store is the database/sql storage backend.
type Store struct {
	name   string
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ storage.RevocationStore     = (*Store)(nil)
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.ResourceOwnerStore  = (*Store)(nil)
	_ storage.ClientWriter        = (*Store)(nil)
	_ storage.ResourceOwnerWriter = (*Store)(nil)
)

func open(name, driverName, dsn string, single bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database (cause: %w)", name, err)
	}
	if single {
		// SQLite serializes writers; an in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}
	return &Store{name: name, db: db, logger: logger, now: time.Now}, nil
}

// Name returns the database flavor.
func (s *Store) Name() string {
	return s.name
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateSchema applies the embedded schema if required and returns the
// versions before and after.
func (s *Store) UpdateSchema(ctx context.Context) (SchemaVersion, SchemaVersion, error) {
	// Detect the version in its own transaction; some drivers abort the
	// transaction on the missing-table error of an empty database.
	fromVersion, err := s.querySchemaVersion(ctx)
	if err != nil {
		return SchemaNone, SchemaNone, err
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return SchemaNone, SchemaNone, err
	}
	switch fromVersion {
	case SchemaNone:
		s.logger.Debug("running schema1 update script")
		err = s.runScriptTx(ctx, tx, schema1Script)
	case Schema1:
		s.logger.Debug("schema already up-to-date; no update required")
	default:
		err = fmt.Errorf("unrecognized database schema version: %s", fromVersion)
	}
	if err != nil {
		return SchemaNone, SchemaNone, s.rollbackTx(tx, err)
	}
	return fromVersion, Schema1, s.commitTx(tx)
}

func (s *Store) querySchemaVersion(ctx context.Context) (SchemaVersion, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return SchemaNone, err
	}
	var schema SchemaVersion
	if err := s.queryRowTx(ctx, tx, "SELECT schema FROM version").Scan(&schema); err != nil {
		return SchemaNone, s.rollbackTx(tx, nil)
	}
	return schema, s.commitTx(tx)
}

// RevokeGrant implements storage.RevocationStore. An expired marker is
// replaced, so the call counts as the transition.
func (s *Store) RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	now := s.now().UnixMilli()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + ttl.Milliseconds()
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return false, err
	}
	rows, err := s.execTx(ctx, tx,
		"INSERT INTO grant_revocation (marker,expires_at) VALUES($1,$2) ON CONFLICT(marker) DO UPDATE SET expires_at=excluded.expires_at WHERE grant_revocation.expires_at<>0 AND grant_revocation.expires_at<=$3",
		storage.GrantRevokedKey(jti), expiresAt, now)
	if err != nil {
		return false, s.rollbackTx(tx, err)
	}
	return rows == 1, s.commitTx(tx)
}

// IsGrantRevoked implements storage.RevocationStore.
func (s *Store) IsGrantRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, "SELECT expires_at FROM grant_revocation WHERE marker=$1", storage.GrantRevokedKey(jti)).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("sql query failure (cause: %w)", err)
	}
	return expiresAt == 0 || expiresAt > s.now().UnixMilli(), nil
}

// PurgeExpiredGrants deletes expired grant markers and returns how many were removed.
func (s *Store) PurgeExpiredGrants(ctx context.Context) (int64, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := s.execTx(ctx, tx, "DELETE FROM grant_revocation WHERE expires_at<>0 AND expires_at<=$1", s.now().UnixMilli())
	if err != nil {
		return 0, s.rollbackTx(tx, err)
	}
	return rows, s.commitTx(tx)
}

// InitRefreshCounter implements storage.RevocationStore.
func (s *Store) InitRefreshCounter(ctx context.Context, base string) error {
	if base == "" {
		return storage.ErrEmptyKey
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	if _, err := s.execTx(ctx, tx, "INSERT INTO refresh_counter (lineage,counter) VALUES($1,$2) ON CONFLICT(lineage) DO NOTHING", base, storage.InitialRefreshCounter); err != nil {
		return s.rollbackTx(tx, err)
	}
	return s.commitTx(tx)
}

// RefreshCounter implements storage.RevocationStore.
func (s *Store) RefreshCounter(ctx context.Context, base string) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}
	var counter int64
	err := s.db.QueryRowContext(ctx, "SELECT counter FROM refresh_counter WHERE lineage=$1", base).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.InitialRefreshCounter, nil
	} else if err != nil {
		return 0, fmt.Errorf("sql query failure (cause: %w)", err)
	}
	return counter, nil
}

// AdvanceRefreshCounter implements storage.RevocationStore. The conditional
// UPDATE is the compare-and-increment; a lineage without a row is created
// at expected+1 only when expected is the implicit initial counter.
func (s *Store) AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}
	next := expected + 1

	tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := s.execTx(ctx, tx, "UPDATE refresh_counter SET counter=counter+1 WHERE lineage=$1 AND counter=$2", base, expected)
	if err != nil {
		return 0, s.rollbackTx(tx, err)
	}
	if rows == 0 && expected == storage.InitialRefreshCounter {
		rows, err = s.execTx(ctx, tx, "INSERT INTO refresh_counter (lineage,counter) VALUES($1,$2) ON CONFLICT(lineage) DO NOTHING", base, next)
		if err != nil {
			return 0, s.rollbackTx(tx, err)
		}
	}
	if rows == 1 {
		return next, s.commitTx(tx)
	}

	current := storage.InitialRefreshCounter
	err = s.queryRowTx(ctx, tx, "SELECT counter FROM refresh_counter WHERE lineage=$1", base).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, s.rollbackTx(tx, fmt.Errorf("sql query failure (cause: %w)", err))
	}
	return 0, s.rollbackTx(tx, fmt.Errorf("%w: lineage at %d, presented %d", storage.ErrCounterMismatch, current, expected))
}

// RetireRefreshLineage implements storage.RevocationStore.
func (s *Store) RetireRefreshLineage(ctx context.Context, base string) error {
	if base == "" {
		return storage.ErrEmptyKey
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	_, err = s.execTx(ctx, tx, "INSERT INTO refresh_counter (lineage,counter) VALUES($1,$2) ON CONFLICT(lineage) DO UPDATE SET counter=excluded.counter", base, storage.RetiredRefreshCounter)
	if err != nil {
		return s.rollbackTx(tx, err)
	}
	return s.commitTx(tx)
}

// SaveClient inserts or replaces a client including its redirect URIs and scopes.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return storage.ErrEmptyKey
	}
	c := *client
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Type == "" {
		c.Type = storage.ClientTypePublic
	}

	s.logger.Debug("saving client", slog.String("client_id", c.ClientID))
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	_, err = s.execTx(ctx, tx,
		"INSERT INTO client (id,client_id,secret_hash,type,name,created_at) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT(client_id) DO UPDATE SET secret_hash=excluded.secret_hash,type=excluded.type,name=excluded.name",
		c.ID, c.ClientID, c.SecretHash, c.Type, c.Name, c.CreatedAt.UnixMilli())
	if err != nil {
		return s.rollbackTx(tx, err)
	}
	for _, query := range []string{
		"DELETE FROM client_redirect_uri WHERE client_id=$1",
		"DELETE FROM client_scope WHERE client_id=$1",
	} {
		if _, err := s.execTx(ctx, tx, query, c.ClientID); err != nil {
			return s.rollbackTx(tx, err)
		}
	}
	for _, uri := range c.RedirectURIs {
		if _, err := s.execTx(ctx, tx, "INSERT INTO client_redirect_uri (client_id,uri) VALUES($1,$2) ON CONFLICT DO NOTHING", c.ClientID, uri); err != nil {
			return s.rollbackTx(tx, err)
		}
	}
	for _, scope := range c.Scopes {
		if _, err := s.execTx(ctx, tx, "INSERT INTO client_scope (client_id,scope) VALUES($1,$2) ON CONFLICT DO NOTHING", c.ClientID, scope); err != nil {
			return s.rollbackTx(tx, err)
		}
	}
	return s.commitTx(tx)
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	var c storage.Client
	var createdAt int64
	err = s.queryRowTx(ctx, tx, "SELECT id,client_id,secret_hash,type,name,created_at FROM client WHERE client_id=$1", clientID).
		Scan(&c.ID, &c.ClientID, &c.SecretHash, &c.Type, &c.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.rollbackTx(tx, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID))
	} else if err != nil {
		return nil, s.rollbackTx(tx, fmt.Errorf("sql query failure (cause: %w)", err))
	}
	c.CreatedAt = time.UnixMilli(createdAt)

	if c.RedirectURIs, err = s.queryStringsTx(ctx, tx, "SELECT uri FROM client_redirect_uri WHERE client_id=$1 ORDER BY uri", clientID); err != nil {
		return nil, s.rollbackTx(tx, err)
	}
	if c.Scopes, err = s.queryStringsTx(ctx, tx, "SELECT scope FROM client_scope WHERE client_id=$1 ORDER BY scope", clientID); err != nil {
		return nil, s.rollbackTx(tx, err)
	}
	return &c, s.commitTx(tx)
}

// SaveResourceOwner inserts or replaces a resource owner.
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) error {
	if owner == nil || owner.ID == "" {
		return storage.ErrEmptyKey
	}
	o := *owner
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	_, err = s.execTx(ctx, tx,
		"INSERT INTO resource_owner (id,email,name,email_verified,created_at) VALUES($1,$2,$3,$4,$5) ON CONFLICT(id) DO UPDATE SET email=excluded.email,name=excluded.name,email_verified=excluded.email_verified",
		o.ID, o.Email, o.Name, o.EmailVerified, o.CreatedAt.UnixMilli())
	if err != nil {
		return s.rollbackTx(tx, err)
	}
	return s.commitTx(tx)
}

// GetResourceOwner implements storage.ResourceOwnerStore.
func (s *Store) GetResourceOwner(ctx context.Context, id string) (*storage.ResourceOwner, error) {
	var o storage.ResourceOwner
	var createdAt int64
	err := s.db.QueryRowContext(ctx, "SELECT id,email,name,email_verified,created_at FROM resource_owner WHERE id=$1", id).
		Scan(&o.ID, &o.Email, &o.Name, &o.EmailVerified, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrResourceOwnerNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("sql query failure (cause: %w)", err)
	}
	o.CreatedAt = time.UnixMilli(createdAt)
	return &o, nil
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction failure (cause: %w)", err)
	}
	return tx, nil
}

func (s *Store) rollbackTx(tx *sql.Tx, err error) error {
	rollbackErr := tx.Rollback()
	if rollbackErr != nil {
		s.logger.Warn("rollback failure", slog.Any("err", rollbackErr))
	}
	return errors.Join(err, rollbackErr)
}

func (s *Store) commitTx(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure (cause: %w)", err)
	}
	return nil
}

func (s *Store) execTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	s.logger.Debug("sql exec", slog.String("query", query))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sql exec failure (cause: %w)", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sql rows affected failure (cause: %w)", err)
	}
	s.logger.Debug("sql exec complete", slog.Int64("rows", rows))
	return rows, nil
}

func (s *Store) queryRowTx(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	s.logger.Debug("sql query", slog.String("query", query))
	return tx.QueryRowContext(ctx, query, args...)
}

func (s *Store) queryStringsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	s.logger.Debug("sql query", slog.String("query", query))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sql query failure (cause: %w)", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sql scan failure (cause: %w)", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) runScriptTx(ctx context.Context, tx *sql.Tx, script []byte) error {
	reader := newScriptReader(script)
	for {
		statement, err := reader.readStatement()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		s.logger.Debug("script exec", slog.String("statement", statement))
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("script exec failure at %d (cause: %w)", reader.lineNo, err)
		}
	}
}

// scriptReader splits a SQL script into ';'-terminated statements,
// skipping blank lines and '--' comments.
type scriptReader struct {
	scanner *bufio.Scanner
	lineNo  int
}

func newScriptReader(script []byte) *scriptReader {
	return &scriptReader{scanner: bufio.NewScanner(bytes.NewReader(script))}
}

func (r *scriptReader) readStatement() (string, error) {
	var statement strings.Builder
	for r.scanner.Scan() {
		r.lineNo++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if statement.Len() > 0 {
			statement.WriteByte(' ')
		}
		statement.WriteString(line)
		if strings.HasSuffix(line, ";") {
			return statement.String(), nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read script (cause: %w)", err)
	}
	if statement.Len() > 0 {
		return "", fmt.Errorf("unclosed statement at %d", r.lineNo)
	}
	return "", io.EOF
}

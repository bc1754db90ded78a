package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"metering-gateway/internal/common/errors"
)

// Dialect captures what differs between the SQL databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2...) instead of '?'.
	NumberedPlaceholders bool
}

// SQLStore implements Storage on database/sql. Adapters open the database,
// run their migrations and embed it.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites '?' placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) UpsertAccount(ctx context.Context, account *Account) error {
	now := s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO accounts (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		account.ID, account.Status, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.scanAccount(s.queryRow(ctx,
		`SELECT id, status, created_at, updated_at FROM accounts WHERE id = ?`, id), id)
}

func (s *SQLStore) GetAccountByInstance(ctx context.Context, instanceID string) (*Account, error) {
	return s.scanAccount(s.queryRow(ctx, `
		SELECT a.id, a.status, a.created_at, a.updated_at
		FROM accounts a
		INNER JOIN instances i ON i.account_id = a.id
		WHERE i.id = ?`, instanceID), instanceID)
}

func (s *SQLStore) scanAccount(row *sql.Row, key string) (*Account, error) {
	var account Account
	err := row.Scan(&account.ID, &account.Status, &account.CreatedAt, &account.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundError("account").WithContext("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &account, nil
}

func (s *SQLStore) ListSyncableAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.query(ctx, `
		SELECT a.id, a.status, a.created_at, a.updated_at
		FROM accounts a
		WHERE a.status = ?
		  AND EXISTS (SELECT 1 FROM usage_points u WHERE u.account_id = a.id)
		ORDER BY a.id`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.ID, &account.Status, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}
	return accounts, rows.Err()
}

func (s *SQLStore) CreateInstance(ctx context.Context, instance *Instance) error {
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO instances (id, account_id, created_at) VALUES (?, ?, ?)`,
		instance.ID, instance.AccountID, instance.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// SaveUsagePoints links new usage points; points already linked are kept as is.
func (s *SQLStore) SaveUsagePoints(ctx context.Context, accountID string, usagePointIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO usage_points (account_id, usage_point_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id, usage_point_id) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("failed to prepare usage point insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, id := range usagePointIDs {
		if _, err := stmt.ExecContext(ctx, accountID, id, now); err != nil {
			return fmt.Errorf("failed to save usage point %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListUsagePoints(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT usage_point_id FROM usage_points WHERE account_id = ? ORDER BY created_at, usage_point_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage points: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan usage point: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) DeleteUsagePoints(ctx context.Context, accountID string) error {
	if _, err := s.exec(ctx, `DELETE FROM usage_points WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to delete usage points: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveReading(ctx context.Context, reading *MeterReading) error {
	if reading.FetchedAt.IsZero() {
		reading.FetchedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO meter_readings (account_id, usage_point_id, endpoint, period_start, period_end, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, usage_point_id, endpoint, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at`,
		reading.AccountID, reading.UsagePointID, reading.Endpoint,
		reading.Start, reading.End, string(reading.Payload), reading.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

func (s *SQLStore) ListReadings(ctx context.Context, accountID, usagePointID string) ([]*MeterReading, error) {
	rows, err := s.query(ctx, `
		SELECT account_id, usage_point_id, endpoint, period_start, period_end, payload, fetched_at
		FROM meter_readings
		WHERE account_id = ? AND usage_point_id = ?
		ORDER BY period_start, endpoint`, accountID, usagePointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var readings []*MeterReading
	for rows.Next() {
		var r MeterReading
		var payload string
		if err := rows.Scan(&r.AccountID, &r.UsagePointID, &r.Endpoint, &r.Start, &r.End, &payload, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Payload = []byte(payload)
		readings = append(readings, &r)
	}
	return readings, rows.Err()
}

// Migrate runs statements in order inside one transaction.
func (s *SQLStore) Migrate(ctx context.Context, statements []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed on %q: %w", firstLine(stmt), err)
		}
	}
	return tx.Commit()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ Storage = (*SQLStore)(nil)

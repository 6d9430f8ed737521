package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a row addressed by key does not exist.
var ErrNotFound = errors.New("db: not found")

// CacheRow is a stored generation result.
type CacheRow struct {
	Fingerprint string
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
}

// CacheMeta is the part of a cache row needed for eviction.
type CacheMeta struct {
	Fingerprint string
	CreatedAt   time.Time
}

// ProfileRow is a user's persisted quota record.
type ProfileRow struct {
	UserID        string
	Plan          string
	Remaining     int
	Lifetime      int
	ResetAt       time.Time
	PaymentActive bool
	PaidAt        time.Time // zero when never paid
	UpdatedAt     time.Time
}

// Run statuses.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCached    = "cached"
)

// RunRecord is one row of generation_runs: the audit trail of every
// dispatched batch, including cache hits and failures.
type RunRecord struct {
	ID            string // ULID, assigned on insert when empty
	CorrelationID string
	UserID        string
	Kind          string
	Fingerprint   string
	Variations    int
	Units         int
	Status        string
	FromCache     bool
	ErrorMessage  string
	DurationMS    int64
	CreatedAt     time.Time
}

// Repository provides typed access to the service tables. Run inserts go
// through the optional AsyncWriter; everything else is synchronous.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewRepository creates a Repository. asyncWriter may be nil.
func NewRepository(db *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: db, asyncWriter: asyncWriter}
}

// SetAsyncWriter attaches the writer built from CreateAsyncWriteHandler.
func (r *Repository) SetAsyncWriter(w *AsyncWriter) {
	r.asyncWriter = w
}

// --- cache_entries ---

// GetCacheEntry returns the row for fingerprint or ErrNotFound.
func (r *Repository) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheRow, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	row := CacheRow{Fingerprint: fingerprint}
	var created int64
	err = conn.QueryRowContext(ctx,
		`SELECT kind, payload, created_at FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&row.Kind, &row.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	row.CreatedAt = time.Unix(0, created)
	return &row, nil
}

// PutCacheEntry inserts or replaces the row for its fingerprint.
func (r *Repository) PutCacheEntry(ctx context.Context, row CacheRow) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		row.Fingerprint, row.Kind, row.Payload, row.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// ListCacheMeta returns every fingerprint with its creation time, oldest first.
func (r *Repository) ListCacheMeta(ctx context.Context) ([]CacheMeta, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT fingerprint, created_at FROM cache_entries ORDER BY created_at ASC, fingerprint ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var metas []CacheMeta
	for rows.Next() {
		var m CacheMeta
		var created int64
		if err := rows.Scan(&m.Fingerprint, &created); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// DeleteCacheEntries removes the given fingerprints and returns the count deleted.
func (r *Repository) DeleteCacheEntries(ctx context.Context, fingerprints ...string) (int64, error) {
	if len(fingerprints) == 0 {
		return 0, nil
	}
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fingerprints)), ",")
	args := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		args[i] = fp
	}

	res, err := conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return res.RowsAffected()
}

// CountCacheEntries returns the number of stored cache rows.
func (r *Repository) CountCacheEntries(ctx context.Context) (int64, error) {
	return r.count(ctx, "cache_entries")
}

// --- profiles ---

// GetProfile returns the profile for userID or ErrNotFound.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*ProfileRow, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	p := ProfileRow{UserID: userID}
	var resetAt, updatedAt int64
	var paidAt sql.NullInt64
	var paymentActive int
	err = conn.QueryRowContext(ctx, `
		SELECT plan, remaining, lifetime, reset_at, payment_active, paid_at, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.Plan, &p.Remaining, &p.Lifetime, &resetAt, &paymentActive, &paidAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.ResetAt = time.UnixMilli(resetAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	p.PaymentActive = paymentActive != 0
	if paidAt.Valid {
		p.PaidAt = time.UnixMilli(paidAt.Int64)
	}
	return &p, nil
}

// CreateProfileIfAbsent inserts p unless a profile already exists, then
// returns whichever row is stored.
func (r *Repository) CreateProfileIfAbsent(ctx context.Context, p ProfileRow) (*ProfileRow, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO profiles
			(user_id, plan, remaining, lifetime, reset_at, payment_active, paid_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Plan, p.Remaining, p.Lifetime, p.ResetAt.UnixMilli(),
		boolInt(p.PaymentActive), nullTime(p.PaidAt), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return r.GetProfile(ctx, p.UserID)
}

// ConsumeUnits decrements remaining and increments lifetime by n in a single
// statement. The decrement is not clamped at zero.
func (r *Repository) ConsumeUnits(ctx context.Context, userID string, n int) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE profiles
		SET remaining = remaining - ?, lifetime = lifetime + ?, updated_at = ?
		WHERE user_id = ?`,
		n, n, time.Now().UnixMilli(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to consume units: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAllotment writes a scheduled refill: remaining and the next deadline.
func (r *Repository) SaveAllotment(ctx context.Context, userID string, remaining int, resetAt time.Time) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE profiles SET remaining = ?, reset_at = ?, updated_at = ? WHERE user_id = ?`,
		remaining, resetAt.UnixMilli(), time.Now().UnixMilli(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to save allotment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePurchase activates a plan: plan, remaining, deadline, payment flag
// and paid_at. Lifetime is left alone so consumes applied before it still
// count.
func (r *Repository) SavePurchase(ctx context.Context, userID, plan string, remaining int, resetAt, paidAt time.Time) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE profiles
		SET plan = ?, remaining = ?, reset_at = ?, payment_active = 1, paid_at = ?, updated_at = ?
		WHERE user_id = ?`,
		plan, remaining, resetAt.UnixMilli(), nullTime(paidAt), time.Now().UnixMilli(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to save purchase: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- generation_runs ---

const insertRunQuery = `
	INSERT INTO generation_runs (
		id, correlation_id, user_id, kind, fingerprint, variations, units,
		status, from_cache, error_message, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertRun records a generation run. With a running async writer the row is
// queued and the returned id is still valid; a full buffer falls back to a
// synchronous insert.
func (r *Repository) InsertRun(ctx context.Context, rec RunRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if r.asyncWriter != nil && r.asyncWriter.Write(rec) {
		return rec.ID, nil
	}
	if err := r.insertRun(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (r *Repository) insertRun(ctx context.Context, rec RunRecord) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, insertRunQuery,
		rec.ID, rec.CorrelationID, rec.UserID, rec.Kind, rec.Fingerprint,
		rec.Variations, rec.Units, rec.Status, boolInt(rec.FromCache),
		nullString(rec.ErrorMessage), rec.DurationMS, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation run: %w", err)
	}
	return nil
}

// QueryRecentRuns returns up to limit runs, newest first. An empty userID
// returns runs for every user.
func (r *Repository) QueryRecentRuns(ctx context.Context, userID string, limit int) ([]RunRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, correlation_id, user_id, kind, fingerprint, variations, units,
		       status, from_cache, error_message, duration_ms, created_at
		FROM generation_runs`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	// ULIDs sort by creation time within the same millisecond.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			rec       RunRecord
			fromCache int
			errMsg    sql.NullString
			created   int64
		)
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.UserID, &rec.Kind,
			&rec.Fingerprint, &rec.Variations, &rec.Units, &rec.Status, &fromCache,
			&errMsg, &rec.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan generation run: %w", err)
		}
		rec.FromCache = fromCache != 0
		rec.ErrorMessage = errMsg.String
		rec.CreatedAt = time.UnixMilli(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountRuns returns the total number of generation runs.
func (r *Repository) CountRuns(ctx context.Context) (int64, error) {
	return r.count(ctx, "generation_runs")
}

// CreateAsyncWriteHandler returns the WriteHandler that applies queued
// RunRecords.
func (r *Repository) CreateAsyncWriteHandler() WriteHandler {
	return func(ctx context.Context, op WriteOperation) error {
		rec, ok := op.Data.(RunRecord)
		if !ok {
			return fmt.Errorf("invalid operation type %T: expected RunRecord", op.Data)
		}
		return r.insertRun(ctx, rec)
	}
}

func (r *Repository) count(ctx context.Context, table string) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return sql.NullString{}
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

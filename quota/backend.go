package quota

import (
	"context"
	"errors"
	"time"

	"thumbgen/db"
)

// ErrNoProfile is returned by a Backend when the user has no profile yet.
var ErrNoProfile = errors.New("quota: profile not found")

// Record is a user's quota state.
type Record struct {
	UserID        string    `json:"user_id"`
	Plan          string    `json:"plan"`
	Remaining     int       `json:"remaining"`
	Lifetime      int       `json:"lifetime"`
	ResetAt       time.Time `json:"reset_at"`
	PaymentActive bool      `json:"payment_active"`
	PaidAt        time.Time `json:"paid_at,omitempty"`
}

// Backend persists quota records.
type Backend interface {
	// GetProfile returns the stored record or ErrNoProfile.
	GetProfile(ctx context.Context, userID string) (Record, error)
	// CreateProfile stores rec unless a record exists, and returns the
	// stored one either way.
	CreateProfile(ctx context.Context, rec Record) (Record, error)
	// Consume atomically subtracts units from remaining and adds them to
	// lifetime.
	Consume(ctx context.Context, userID string, units int) error
	// SaveAllotment writes a scheduled refill.
	SaveAllotment(ctx context.Context, userID string, remaining int, resetAt time.Time) error
	// SavePurchase activates a plan. It leaves lifetime untouched.
	SavePurchase(ctx context.Context, p Purchase) error
}

// Purchase is the plan activation written by SavePurchase.
type Purchase struct {
	UserID    string
	Plan      string
	Remaining int
	ResetAt   time.Time
	PaidAt    time.Time
}

// SQLBackend stores records in the profiles table.
type SQLBackend struct {
	repo *db.Repository
}

// NewSQLBackend creates a Backend over repo.
func NewSQLBackend(repo *db.Repository) *SQLBackend {
	return &SQLBackend{repo: repo}
}

func (b *SQLBackend) GetProfile(ctx context.Context, userID string) (Record, error) {
	row, err := b.repo.GetProfile(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return Record{}, ErrNoProfile
	}
	if err != nil {
		return Record{}, err
	}
	return fromRow(row), nil
}

func (b *SQLBackend) CreateProfile(ctx context.Context, rec Record) (Record, error) {
	row, err := b.repo.CreateProfileIfAbsent(ctx, toRow(rec))
	if err != nil {
		return Record{}, err
	}
	return fromRow(row), nil
}

func (b *SQLBackend) Consume(ctx context.Context, userID string, units int) error {
	err := b.repo.ConsumeUnits(ctx, userID, units)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoProfile
	}
	return err
}

func (b *SQLBackend) SaveAllotment(ctx context.Context, userID string, remaining int, resetAt time.Time) error {
	err := b.repo.SaveAllotment(ctx, userID, remaining, resetAt)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoProfile
	}
	return err
}

func (b *SQLBackend) SavePurchase(ctx context.Context, p Purchase) error {
	err := b.repo.SavePurchase(ctx, p.UserID, p.Plan, p.Remaining, p.ResetAt, p.PaidAt)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoProfile
	}
	return err
}

func fromRow(row *db.ProfileRow) Record {
	return Record{
		UserID:        row.UserID,
		Plan:          row.Plan,
		Remaining:     row.Remaining,
		Lifetime:      row.Lifetime,
		ResetAt:       row.ResetAt,
		PaymentActive: row.PaymentActive,
		PaidAt:        row.PaidAt,
	}
}

func toRow(rec Record) db.ProfileRow {
	return db.ProfileRow{
		UserID:        rec.UserID,
		Plan:          rec.Plan,
		Remaining:     rec.Remaining,
		Lifetime:      rec.Lifetime,
		ResetAt:       rec.ResetAt,
		PaymentActive: rec.PaymentActive,
		PaidAt:        rec.PaidAt,
	}
}

var _ Backend = (*SQLBackend)(nil)

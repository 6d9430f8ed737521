package cache

import (
	"context"
	"errors"

	"thumbgen/db"
)

// SQLiteStore persists entries in the cache_entries table.
type SQLiteStore struct {
	repo *db.Repository
}

func NewSQLiteStore(repo *db.Repository) *SQLiteStore {
	return &SQLiteStore{repo: repo}
}

func (s *SQLiteStore) Load(ctx context.Context, fingerprint string) (Entry, error) {
	row, err := s.repo.GetCacheEntry(ctx, fingerprint)
	if errors.Is(err, db.ErrNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Fingerprint: row.Fingerprint,
		Kind:        row.Kind,
		Body:        row.Payload,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	return s.repo.PutCacheEntry(ctx, db.CacheRow{
		Fingerprint: e.Fingerprint,
		Kind:        e.Kind,
		Payload:     e.Body,
		CreatedAt:   e.CreatedAt,
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.repo.ListCacheMeta(ctx)
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, len(rows))
	for i, r := range rows {
		metas[i] = Meta{Fingerprint: r.Fingerprint, CreatedAt: r.CreatedAt}
	}
	return metas, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, fingerprints ...string) error {
	_, err := s.repo.DeleteCacheEntries(ctx, fingerprints...)
	return err
}

var _ Store = (*SQLiteStore)(nil)

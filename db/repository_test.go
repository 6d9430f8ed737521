package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestRepository_CacheEntries tests put, replace, list ordering and delete.
func TestRepository_CacheEntries(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDatabase(t), nil)

	if _, err := repo.GetCacheEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCacheEntry(missing) error = %v, want ErrNotFound", err)
	}

	base := time.Now()
	for i, fp := range []string{"b", "a", "c"} {
		row := CacheRow{
			Fingerprint: fp,
			Kind:        "generate",
			Payload:     []byte(`{"n":` + string(rune('0'+i)) + `}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := repo.PutCacheEntry(ctx, row); err != nil {
			t.Fatalf("PutCacheEntry(%s) error = %v", fp, err)
		}
	}

	// Replacing keeps one row per fingerprint.
	if err := repo.PutCacheEntry(ctx, CacheRow{
		Fingerprint: "b", Kind: "filter", Payload: []byte(`{}`), CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("PutCacheEntry(replace) error = %v", err)
	}

	got, err := repo.GetCacheEntry(ctx, "b")
	if err != nil {
		t.Fatalf("GetCacheEntry(b) error = %v", err)
	}
	if got.Kind != "filter" || string(got.Payload) != `{}` {
		t.Errorf("GetCacheEntry(b) = %+v, want replaced row", got)
	}

	metas, err := repo.ListCacheMeta(ctx)
	if err != nil {
		t.Fatalf("ListCacheMeta() error = %v", err)
	}
	order := []string{}
	for _, m := range metas {
		order = append(order, m.Fingerprint)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "c" || order[2] != "b" {
		t.Errorf("ListCacheMeta() order = %v, want [a c b]", order)
	}

	deleted, err := repo.DeleteCacheEntries(ctx, "a", "c", "zzz")
	if err != nil {
		t.Fatalf("DeleteCacheEntries() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("DeleteCacheEntries() = %d, want 2", deleted)
	}
	if n, _ := repo.CountCacheEntries(ctx); n != 1 {
		t.Errorf("CountCacheEntries() = %d, want 1", n)
	}
}

// TestRepository_Profiles tests profile creation, consume-by-N and refill.
func TestRepository_Profiles(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDatabase(t), nil)

	resetAt := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	created, err := repo.CreateProfileIfAbsent(ctx, ProfileRow{
		UserID: "u-1", Plan: "Pro", Remaining: 10, ResetAt: resetAt, PaymentActive: true,
	})
	if err != nil {
		t.Fatalf("CreateProfileIfAbsent() error = %v", err)
	}
	if created.Remaining != 10 || !created.PaymentActive || !created.ResetAt.Equal(resetAt) {
		t.Errorf("created = %+v", created)
	}
	if !created.PaidAt.IsZero() {
		t.Errorf("PaidAt = %v, want zero", created.PaidAt)
	}

	// A second create keeps the stored row.
	again, err := repo.CreateProfileIfAbsent(ctx, ProfileRow{UserID: "u-1", Plan: "Starter", ResetAt: resetAt})
	if err != nil {
		t.Fatalf("CreateProfileIfAbsent(again) error = %v", err)
	}
	if again.Plan != "Pro" {
		t.Errorf("Plan = %q, want Pro", again.Plan)
	}

	if err := repo.ConsumeUnits(ctx, "u-1", 3); err != nil {
		t.Fatalf("ConsumeUnits() error = %v", err)
	}
	p, _ := repo.GetProfile(ctx, "u-1")
	if p.Remaining != 7 || p.Lifetime != 3 {
		t.Errorf("after consume remaining=%d lifetime=%d, want 7/3", p.Remaining, p.Lifetime)
	}

	// Not clamped at zero.
	if err := repo.ConsumeUnits(ctx, "u-1", 9); err != nil {
		t.Fatalf("ConsumeUnits() error = %v", err)
	}
	p, _ = repo.GetProfile(ctx, "u-1")
	if p.Remaining != -2 {
		t.Errorf("Remaining = %d, want -2", p.Remaining)
	}

	if err := repo.ConsumeUnits(ctx, "nobody", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("ConsumeUnits(nobody) error = %v, want ErrNotFound", err)
	}

	next := resetAt.Add(24 * time.Hour)
	if err := repo.SaveAllotment(ctx, "u-1", 100, next); err != nil {
		t.Fatalf("SaveAllotment() error = %v", err)
	}
	p, _ = repo.GetProfile(ctx, "u-1")
	if p.Remaining != 100 || !p.ResetAt.Equal(next) || p.Lifetime != 12 {
		t.Errorf("after refill = %+v", p)
	}

	paidAt := time.Now().Truncate(time.Millisecond)
	if err := repo.SavePurchase(ctx, "u-1", "Agency", 800, next, paidAt); err != nil {
		t.Fatalf("SavePurchase() error = %v", err)
	}
	p, _ = repo.GetProfile(ctx, "u-1")
	if !p.PaidAt.Equal(paidAt) || p.Plan != "Agency" || p.Remaining != 800 || !p.PaymentActive {
		t.Errorf("after purchase = %+v", p)
	}
	if p.Lifetime != 12 {
		t.Errorf("Lifetime after purchase = %d, want 12 (untouched)", p.Lifetime)
	}
	if err := repo.SavePurchase(ctx, "nobody", "Pro", 100, next, paidAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("SavePurchase(nobody) error = %v, want ErrNotFound", err)
	}
}

// TestRepository_Runs tests synchronous and async run inserts and queries.
func TestRepository_Runs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDatabase(t), nil)

	writer := NewAsyncWriter(repo.CreateAsyncWriteHandler(), DefaultAsyncWriterConfig())
	writer.Start()
	repo.SetAsyncWriter(writer)

	base := time.Now().Add(-time.Minute)
	for i, status := range []string{RunStatusSucceeded, RunStatusFailed, RunStatusCached} {
		id, err := repo.InsertRun(ctx, RunRecord{
			CorrelationID: "corr",
			UserID:        "u-1",
			Kind:          "generate",
			Fingerprint:   "fp",
			Variations:    2,
			Units:         2,
			Status:        status,
			FromCache:     status == RunStatusCached,
			ErrorMessage:  map[bool]string{true: "blocked"}[status == RunStatusFailed],
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil || id == "" {
			t.Fatalf("InsertRun() = %q, %v", id, err)
		}
	}
	if _, err := repo.InsertRun(ctx, RunRecord{UserID: "u-2", Kind: "pro", Status: RunStatusSucceeded}); err != nil {
		t.Fatalf("InsertRun(u-2) error = %v", err)
	}

	if !writer.Stop() {
		t.Fatal("writer did not drain")
	}
	if writer.Failed() != 0 {
		t.Fatalf("Failed() = %d, want 0", writer.Failed())
	}

	runs, err := repo.QueryRecentRuns(ctx, "u-1", 10)
	if err != nil {
		t.Fatalf("QueryRecentRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("QueryRecentRuns() returned %d runs, want 3", len(runs))
	}
	if runs[0].Status != RunStatusCached || !runs[0].FromCache {
		t.Errorf("newest run = %+v, want cached", runs[0])
	}
	if runs[1].ErrorMessage != "blocked" {
		t.Errorf("failed run ErrorMessage = %q", runs[1].ErrorMessage)
	}

	all, _ := repo.QueryRecentRuns(ctx, "", 10)
	if len(all) != 4 {
		t.Errorf("QueryRecentRuns(all) returned %d, want 4", len(all))
	}
	if n, _ := repo.CountRuns(ctx); n != 4 {
		t.Errorf("CountRuns() = %d, want 4", n)
	}
}

// TestPruneRuns tests that only rows older than the retention window go.
func TestPruneRuns(t *testing.T) {
	ctx := context.Background()
	database := openTestDatabase(t)
	repo := NewRepository(database, nil)

	repo.InsertRun(ctx, RunRecord{UserID: "u", Kind: "generate", Status: RunStatusSucceeded, CreatedAt: time.Now().AddDate(0, 0, -40)})
	repo.InsertRun(ctx, RunRecord{UserID: "u", Kind: "generate", Status: RunStatusSucceeded, CreatedAt: time.Now()})

	result, err := database.PruneRuns(ctx, 30)
	if err != nil {
		t.Fatalf("PruneRuns() error = %v", err)
	}
	if result.RunsDeleted != 1 {
		t.Errorf("RunsDeleted = %d, want 1", result.RunsDeleted)
	}
	if _, err := database.PruneRuns(ctx, -1); err == nil {
		t.Error("PruneRuns(-1) expected error")
	}
}

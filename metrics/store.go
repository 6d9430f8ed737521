package metrics

import (
	"context"
	"sync"
	"time"

	"thumbgen/db"
	"thumbgen/dispatch"
)

// Store is an in-memory Collector holding a circular buffer of recent runs
// plus running aggregates.
//
// Usage:
//
//	store := NewStore(DefaultStoreConfig(), time.Now())
//	dispatcher, _ := dispatch.New(gen, cache, ledger, logger,
//		dispatch.WithSinks(store.Sink()))
//	stats := store.Stats()
type Store struct {
	mu sync.RWMutex

	history []RunRecord
	cap     int
	head    int
	size    int

	totalRuns    int64
	succeeded    int64
	failed       int64
	cacheHits    int64
	evictions    int64
	unitsCharged int64
	byKind       map[string]*kindStats

	startTime time.Time
	version   string
}

type kindStats struct {
	count         int64
	successCount  int64
	generated     int64
	totalDuration time.Duration
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// HistoryCapacity is the max number of runs to retain.
	HistoryCapacity int
	Version         string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		HistoryCapacity: 100,
		Version:         "0.0.0",
	}
}

// NewStore creates a Store. startTime is used for uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.HistoryCapacity
	if capacity < 1 {
		capacity = 100
	}
	return &Store{
		history:   make([]RunRecord, capacity),
		cap:       capacity,
		byKind:    make(map[string]*kindStats),
		startTime: startTime,
		version:   config.Version,
	}
}

// RecordRun adds run to the buffer and the aggregates.
func (s *Store) RecordRun(run RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = run
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.totalRuns++
	stats, ok := s.byKind[run.Kind]
	if !ok {
		stats = &kindStats{}
		s.byKind[run.Kind] = stats
	}
	stats.count++

	switch run.Status {
	case db.RunStatusSucceeded:
		s.succeeded++
		s.unitsCharged += int64(run.Units)
		stats.successCount++
		stats.generated++
		stats.totalDuration += run.Duration
	case db.RunStatusCached:
		s.cacheHits++
		stats.successCount++
	case db.RunStatusFailed:
		s.failed++
		stats.generated++
		stats.totalDuration += run.Duration
	}
	if run.Evicted {
		s.evictions++
	}
}

// Stats returns the aggregates since start.
func (s *Store) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := RunStats{
		TotalRuns:      s.totalRuns,
		TotalSucceeded: s.succeeded,
		TotalFailed:    s.failed,
		CacheHits:      s.cacheHits,
		Evictions:      s.evictions,
		UnitsCharged:   s.unitsCharged,
		ByKind:         make(map[string]*KindStats, len(s.byKind)),
	}
	for kind, stats := range s.byKind {
		ks := &KindStats{Count: stats.count}
		if stats.count > 0 {
			ks.SuccessRate = float64(stats.successCount) / float64(stats.count) * 100
		}
		if stats.generated > 0 {
			ks.AvgDuration = stats.totalDuration / time.Duration(stats.generated)
		}
		out.ByKind[kind] = ks
	}
	return out
}

// RecentRuns returns up to limit most recent runs, oldest first.
func (s *Store) RecentRuns(limit int) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []RunRecord{}
	}
	if limit > s.size {
		limit = s.size
	}
	result := make([]RunRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.head - limit + i + s.cap) % s.cap
		result[i] = s.history[idx]
	}
	return result
}

// SystemStatus reports process health. inFlight is the number of batches
// still running; draining is true once shutdown has begun.
func (s *Store) SystemStatus(inFlight int, draining bool) SystemStatus {
	health := SystemHealthRunning
	if draining {
		health = SystemHealthDraining
	}
	return SystemStatus{
		Health:    health,
		Version:   s.version,
		Uptime:    time.Since(s.startTime),
		InFlight:  inFlight,
		LastCheck: time.Now(),
	}
}

// Sink returns a dispatch.CommitSink recording every settled batch.
func (s *Store) Sink() dispatch.CommitSink {
	return dispatch.CommitSinkFunc(func(_ context.Context, rec dispatch.CommitRecord) {
		s.RecordRun(FromCommit(rec))
	})
}

// FromCommit converts a dispatch commit record.
func FromCommit(rec dispatch.CommitRecord) RunRecord {
	return RunRecord{
		ID:         rec.BatchID,
		UserID:     rec.UserID,
		Kind:       string(rec.Kind),
		Status:     rec.Status,
		Variations: rec.Variations,
		Units:      rec.Units,
		FromCache:  rec.FromCache,
		Evicted:    rec.Evicted,
		Duration:   rec.Duration,
		ErrorMsg:   rec.Error,
		CreatedAt:  rec.CreatedAt,
	}
}

var _ Collector = (*Store)(nil)

package metrics

import "time"

// RunRecord is one settled batch as the stats API reports it.
type RunRecord struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	Variations int           `json:"variations"`
	Units      int           `json:"units"`
	FromCache  bool          `json:"from_cache"`
	Evicted    bool          `json:"evicted,omitempty"`
	Duration   time.Duration `json:"duration"`
	ErrorMsg   string        `json:"error_msg,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RunStats aggregates every run recorded since start.
type RunStats struct {
	TotalRuns      int64                 `json:"total_runs"`
	TotalSucceeded int64                 `json:"total_succeeded"`
	TotalFailed    int64                 `json:"total_failed"`
	CacheHits      int64                 `json:"cache_hits"`
	Evictions      int64                 `json:"evictions"`
	UnitsCharged   int64                 `json:"units_charged"`
	ByKind         map[string]*KindStats `json:"by_kind"`
}

// KindStats holds the statistics of one operation kind.
type KindStats struct {
	Count int64 `json:"count"`
	// SuccessRate counts cache hits as successes (0-100).
	SuccessRate float64 `json:"success_rate"`
	// AvgDuration covers generated runs only.
	AvgDuration time.Duration `json:"avg_duration"`
}

// SystemStatus is the process health reported by /health.
type SystemStatus struct {
	Health    string        `json:"health"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	InFlight  int           `json:"in_flight"`
	LastCheck time.Time     `json:"last_check"`
}

// Health constants for SystemStatus
const (
	SystemHealthRunning  = "running"
	SystemHealthDraining = "draining"
)

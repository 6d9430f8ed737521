// Package metrics keeps in-memory run statistics for the stats API and
// exports prometheus collectors for /metrics. Both are fed as commit sinks
// of the dispatcher.
package metrics

// Collector is the read side of run statistics.
//
// Implementations must be safe for concurrent use.
type Collector interface {
	// RecordRun adds a settled run.
	RecordRun(run RunRecord)

	// Stats returns the aggregates since start.
	Stats() RunStats

	// RecentRuns returns up to limit runs, oldest first.
	RecentRuns(limit int) []RunRecord
}

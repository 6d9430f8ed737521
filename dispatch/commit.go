package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/db"
	"thumbgen/logging"
)

// CommitRecord describes a settled batch for audit, metrics and events.
type CommitRecord struct {
	BatchID     string        `json:"batch_id"`
	UserID      string        `json:"user_id"`
	Kind        Kind          `json:"kind"`
	Fingerprint string        `json:"fingerprint"`
	Variations  int           `json:"variations"`
	Units       int           `json:"units"`
	Status      string        `json:"status"`
	FromCache   bool          `json:"from_cache"`
	Evicted     bool          `json:"evicted"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Succeeded reports whether the batch was generated and committed.
func (r CommitRecord) Succeeded() bool {
	return r.Status == db.RunStatusSucceeded
}

// CommitSink receives every settled batch. Sinks must not block for long;
// they run on the batch goroutine before the batch reports Done.
type CommitSink interface {
	OnCommit(ctx context.Context, rec CommitRecord)
}

// CommitSinkFunc adapts a function to CommitSink.
type CommitSinkFunc func(ctx context.Context, rec CommitRecord)

func (f CommitSinkFunc) OnCommit(ctx context.Context, rec CommitRecord) {
	f(ctx, rec)
}

// RunRecorder writes a generation_runs row per batch through the
// repository, which queues it on the async writer when one is attached.
func RunRecorder(repo *db.Repository, logger *logging.Logger) CommitSink {
	return CommitSinkFunc(func(ctx context.Context, rec CommitRecord) {
		_, err := repo.InsertRun(ctx, db.RunRecord{
			CorrelationID: rec.BatchID,
			UserID:        rec.UserID,
			Kind:          string(rec.Kind),
			Fingerprint:   rec.Fingerprint,
			Variations:    rec.Variations,
			Units:         rec.Units,
			Status:        rec.Status,
			FromCache:     rec.FromCache,
			ErrorMessage:  rec.Error,
			DurationMS:    rec.Duration.Milliseconds(),
			CreatedAt:     rec.CreatedAt,
		})
		if err != nil {
			logger.Warn("failed to record generation run",
				zap.String("batch_id", rec.BatchID),
				zap.Error(err))
		}
	})
}

// errorText is the text stored for a failed batch: the user message when
// there is one, the raw error otherwise.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	if msg := core.UserMessage(err, ""); msg != "" {
		return msg
	}
	return err.Error()
}

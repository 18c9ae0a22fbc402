package enrich

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/model"
)

const defaultBatchSize = 10

// BatchResult is the outcome for one record of a batch run.
type BatchResult struct {
	RecordID int64   `json:"record_id"`
	Results  Results `json:"results"`
	Err      error   `json:"-"`
}

// EnrichBatch enriches recs in sequential batches of batchSize, running the
// records of each batch concurrently. A record's failure never aborts the
// batch; its error is reported in the matching BatchResult. Results are in
// input order. The returned error is non-nil for an unknown task type or
// when ctx ends between batches.
func (o *Orchestrator) EnrichBatch(ctx context.Context, recs []*model.Record, batchSize int, tasks []model.TaskType) ([]BatchResult, error) {
	if _, err := o.resolveTasks(tasks); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	start := time.Now()
	out := make([]BatchResult, len(recs))
	var succeeded, failed atomic.Int64

	for lo := 0; lo < len(recs); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return out[:lo], eris.Wrap(err, "enrich: batch interrupted")
		}
		hi := min(lo+batchSize, len(recs))

		var g errgroup.Group
		g.SetLimit(batchSize)
		for i := lo; i < hi; i++ {
			rec := recs[i]
			g.Go(func() error {
				res, err := o.EnrichWithRetry(ctx, rec, tasks, o.maxRetries)
				out[i] = BatchResult{RecordID: rec.ID, Results: res, Err: err}
				if err != nil || len(res.Failed()) > 0 {
					failed.Add(1)
				} else {
					succeeded.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		zap.L().Info("enrich: batch complete",
			zap.Int("from", lo),
			zap.Int("to", hi),
			zap.Int("total", len(recs)),
		)
	}

	zap.L().Info("enrich: batch run complete",
		zap.Int("records", len(recs)),
		zap.Int64("fully_enriched", succeeded.Load()),
		zap.Int64("partial_or_failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

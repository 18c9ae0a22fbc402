package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
)

var (
	batchLimit   int
	batchAfterID int64
	batchTasks   []string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich stored records in batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		return runBatch(ctx, env.Store, env.Orchestrator, batchOptions{
			Limit:     batchLimit,
			AfterID:   batchAfterID,
			BatchSize: cfg.Batch.Size,
			Tasks:     batchTasks,
		}, cmd.OutOrStdout())
	},
}

// recordLister pages through stored records.
type recordLister interface {
	ListRecords(ctx context.Context, filter model.RecordFilter) ([]model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record) error
}

// batchEnricher is the slice of the orchestrator the batch command uses.
type batchEnricher interface {
	EnrichBatch(ctx context.Context, recs []*model.Record, batchSize int, tasks []model.TaskType) ([]enrich.BatchResult, error)
}

type batchOptions struct {
	Limit     int
	AfterID   int64
	BatchSize int
	Tasks     []string
}

type batchSummary struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Saved     int           `json:"saved"`
	Failed    int           `json:"failed"`
	LastID    int64         `json:"last_id"`
	Duration  time.Duration `json:"duration"`
}

// runBatch pages through non-duplicate records after opts.AfterID, enriches
// up to opts.Limit of them, and saves every record that gained data.
func runBatch(ctx context.Context, st recordLister, e batchEnricher, opts batchOptions, w io.Writer) error {
	tasks, err := model.ParseTaskTypes(opts.Tasks)
	if err != nil {
		return err
	}
	pageSize := max(opts.BatchSize, 1) * 10

	start := time.Now()
	summary := batchSummary{RunID: uuid.NewString(), LastID: opts.AfterID}
	log := zap.L().With(zap.String("run_id", summary.RunID))
	log.Info("batch starting", zap.Int("limit", opts.Limit), zap.Int64("after_id", opts.AfterID))
	for opts.Limit <= 0 || summary.Processed < opts.Limit {
		n := pageSize
		if opts.Limit > 0 {
			n = min(n, opts.Limit-summary.Processed)
		}
		page, err := st.ListRecords(ctx, model.RecordFilter{AfterID: summary.LastID, Limit: n})
		if err != nil {
			return eris.Wrap(err, "list records")
		}
		if len(page) == 0 {
			break
		}

		recs := make([]*model.Record, len(page))
		for i := range page {
			recs[i] = &page[i]
		}
		results, err := e.EnrichBatch(ctx, recs, opts.BatchSize, tasks)
		for i, br := range results {
			summary.Processed++
			summary.LastID = recs[i].ID
			if br.Err != nil || len(br.Results.Failed()) > 0 {
				summary.Failed++
			}
			if br.Err != nil || len(br.Results.Succeeded()) == 0 {
				continue
			}
			if uerr := st.UpdateRecord(ctx, recs[i]); uerr != nil {
				return eris.Wrapf(uerr, "save record %d", recs[i].ID)
			}
			summary.Saved++
		}
		if err != nil {
			return err
		}
		if len(page) < n {
			break
		}
	}
	summary.Duration = time.Since(start)

	log.Info("batch complete",
		zap.Int("processed", summary.Processed),
		zap.Int("saved", summary.Saved),
		zap.Int("failed", summary.Failed),
		zap.Int64("last_id", summary.LastID),
		zap.Duration("duration", summary.Duration),
	)
	return printJSON(w, summary)
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of records to process (0 for all)")
	batchCmd.Flags().Int64Var(&batchAfterID, "after", 0, "resume after this record id")
	batchCmd.Flags().StringSliceVar(&batchTasks, "tasks", nil, "task types to run (default: all enabled)")
	rootCmd.AddCommand(batchCmd)
}

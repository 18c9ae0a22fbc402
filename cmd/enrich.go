package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
)

var enrichTasks []string

var enrichCmd = &cobra.Command{
	Use:   "enrich <record-id>",
	Short: "Enrich a single record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		return runEnrich(ctx, env.Store, env.Orchestrator, id, enrichTasks, cfg.Batch.MaxRetries, cmd.OutOrStdout())
	},
}

// recordEnricher is the slice of the orchestrator the enrich command uses.
type recordEnricher interface {
	EnrichWithRetry(ctx context.Context, rec *model.Record, tasks []model.TaskType, maxRetries int) (enrich.Results, error)
}

// recordReadWriter is the slice of the store the enrich command uses.
type recordReadWriter interface {
	GetRecord(ctx context.Context, id int64) (*model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record) error
}

type enrichSummary struct {
	RecordID  int64            `json:"record_id"`
	Succeeded []model.TaskType `json:"succeeded"`
	Failed    []model.TaskType `json:"failed"`
	Results   enrich.Results   `json:"results"`
}

func runEnrich(ctx context.Context, st recordReadWriter, e recordEnricher, id int64, taskNames []string, maxRetries int, w io.Writer) error {
	tasks, err := model.ParseTaskTypes(taskNames)
	if err != nil {
		return err
	}

	rec, err := st.GetRecord(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "load record %d", id)
	}
	if rec == nil {
		return eris.Errorf("record %d not found", id)
	}

	results, err := e.EnrichWithRetry(ctx, rec, tasks, maxRetries)
	if err != nil {
		return eris.Wrapf(err, "enrich record %d", id)
	}
	if len(results.Succeeded()) > 0 {
		if err := st.UpdateRecord(ctx, rec); err != nil {
			return eris.Wrapf(err, "save record %d", id)
		}
	}

	zap.L().Info("record enriched",
		zap.Int64("record_id", id),
		zap.Int("succeeded", len(results.Succeeded())),
		zap.Int("failed", len(results.Failed())),
	)
	return printJSON(w, enrichSummary{
		RecordID:  id,
		Succeeded: results.Succeeded(),
		Failed:    results.Failed(),
		Results:   results,
	})
}

func init() {
	enrichCmd.Flags().StringSliceVar(&enrichTasks, "tasks", nil, "task types to run (default: all enabled)")
	rootCmd.AddCommand(enrichCmd)
}

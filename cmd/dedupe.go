package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrich/internal/dedup"
	"github.com/sells-group/lead-enrich/internal/model"
)

var dedupeAutoMerge bool

var dedupeCmd = &cobra.Command{
	Use:   "dedupe <record-id>",
	Short: "List likely duplicates of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "dedupe")
		if err != nil {
			return err
		}
		defer env.Close()

		minConfidence := 0
		if dedupeAutoMerge {
			minConfidence = cfg.Dedup.AutoMergeThreshold
		}
		return runDedupe(ctx, env.Store, env.Detector, env.Merger, id, minConfidence, cmd.OutOrStdout())
	},
}

type recordGetter interface {
	GetRecord(ctx context.Context, id int64) (*model.Record, error)
}

type duplicateFinder interface {
	FindDuplicates(ctx context.Context, rec *model.Record) ([]dedup.Candidate, error)
}

type autoMerger interface {
	AutoMerge(ctx context.Context, anchor *model.Record, candidates []dedup.Candidate, minConfidence int) ([]int64, error)
}

type dedupeReport struct {
	RecordID   int64             `json:"record_id"`
	Candidates []dedup.Candidate `json:"candidates"`
	Merged     []int64           `json:"merged,omitempty"`
}

// runDedupe reports the duplicate candidates of id. A positive
// autoMergeAt merges every candidate scoring at least that much.
func runDedupe(ctx context.Context, st recordGetter, d duplicateFinder, m autoMerger, id int64, autoMergeAt int, w io.Writer) error {
	rec, err := st.GetRecord(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "load record %d", id)
	}
	if rec == nil {
		return eris.Errorf("record %d not found", id)
	}

	cands, err := d.FindDuplicates(ctx, rec)
	if err != nil {
		return err
	}
	report := dedupeReport{RecordID: id, Candidates: cands}
	if report.Candidates == nil {
		report.Candidates = []dedup.Candidate{}
	}

	if autoMergeAt > 0 {
		merged, err := m.AutoMerge(ctx, rec, cands, autoMergeAt)
		report.Merged = merged
		if err != nil {
			_ = printJSON(w, report)
			return err
		}
	}
	return printJSON(w, report)
}

func init() {
	dedupeCmd.Flags().BoolVar(&dedupeAutoMerge, "auto-merge", false, "merge candidates at or above dedup.auto_merge_threshold")
	rootCmd.AddCommand(dedupeCmd)
}

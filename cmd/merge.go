package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <primary-id> <duplicate-id>",
	Short: "Merge a duplicate record into a primary record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		primaryID, duplicateID, err := parsePair(args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "merge")
		if err != nil {
			return err
		}
		defer env.Close()

		return runMerge(ctx, env.Merger, primaryID, duplicateID, cmd.OutOrStdout())
	},
}

var notDuplicateCmd = &cobra.Command{
	Use:   "not-duplicate <id> <id>",
	Short: "Record that two records are distinct contacts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, b, err := parsePair(args)
		if err != nil {
			return err
		}
		if a == b {
			return eris.New("ids must differ")
		}

		env, err := initEnv(cmd.Context(), "merge")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Merger.MarkNotDuplicate(cmd.Context(), a, b); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int64{"a_id": a, "b_id": b})
	},
}

type recordMerger interface {
	Merge(ctx context.Context, primaryID, duplicateID int64) (bool, error)
}

func runMerge(ctx context.Context, m recordMerger, primaryID, duplicateID int64, w io.Writer) error {
	merged, err := m.Merge(ctx, primaryID, duplicateID)
	if err != nil {
		return err
	}
	return printJSON(w, map[string]any{
		"merged":       merged,
		"primary_id":   primaryID,
		"duplicate_id": duplicateID,
	})
}

func parsePair(args []string) (int64, int64, error) {
	a, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(notDuplicateCmd)
}

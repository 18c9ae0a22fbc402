package main

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enrich/internal/resilience"
)

var (
	breakersReset string
	breakersOpen  string
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show or override circuit breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "breakers")
		if err != nil {
			return err
		}
		defer env.Close()

		return runBreakers(cmd.Context(), env.Breaker, breakersReset, breakersOpen, cmd.OutOrStdout())
	},
}

type breakerAdmin interface {
	States(ctx context.Context) (map[string]resilience.ProviderState, error)
	Reset(ctx context.Context, provider string) (bool, error)
	ForceOpen(ctx context.Context, provider string) (bool, error)
}

// runBreakers applies the optional reset and force-open overrides, then
// prints every provider's state.
func runBreakers(ctx context.Context, b breakerAdmin, reset, open string, w io.Writer) error {
	if reset != "" {
		ok, err := b.Reset(ctx, reset)
		if err != nil {
			return eris.Wrapf(err, "reset breaker %s", reset)
		}
		if !ok {
			return eris.Errorf("unknown provider %s", reset)
		}
	}
	if open != "" {
		ok, err := b.ForceOpen(ctx, open)
		if err != nil {
			return eris.Wrapf(err, "open breaker %s", open)
		}
		if !ok {
			return eris.Errorf("unknown provider %s", open)
		}
	}

	states, err := b.States(ctx)
	if err != nil {
		return eris.Wrap(err, "load breaker states")
	}
	return printJSON(w, states)
}

func init() {
	breakersCmd.Flags().StringVar(&breakersReset, "reset", "", "close the named provider's circuit")
	breakersCmd.Flags().StringVar(&breakersOpen, "open", "", "force the named provider's circuit open")
	rootCmd.AddCommand(breakersCmd)
}

package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isle-portal/isle-sync/internal/jobs"
)

// errPassFailed reports that at least one pass ran and failed. Details are
// already in the log.
var errPassFailed = errors.New("pass failed")

const kindAll = "all"

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <events|contexts|attendance|policy|all>...",
		Short: "Run reconciliation passes once",
		Long: `Run one or more reconciliation passes and exit.

"all" runs contexts, events, attendance and policy in that order. A pass of
the same kind already running in another process is reported as busy.
The exit status is non-zero when any pass fails.`,
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"events", "contexts", "attendance", "policy", kindAll},
		RunE:      runSync,
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(args)
	if err != nil {
		return err
	}

	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed []string

	for _, kind := range kinds {
		if ctx.Err() != nil {
			break
		}

		ok, err := a.run(ctx, kind)
		if errors.Is(err, jobs.ErrBusy) {
			cc.Statusf("%-10s busy (running elsewhere)\n", kind)

			continue
		}

		if err != nil {
			return err
		}

		if !ok {
			failed = append(failed, string(kind))
		}

		cc.Statusf("%-10s %s\n", kind, formatOutcome(&ok))
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", errPassFailed, strings.Join(failed, ", "))
	}

	return ctx.Err()
}

// parseKinds maps arguments to pass kinds in argument order, expanding
// "all" and dropping repeats.
func parseKinds(args []string) ([]jobs.Kind, error) {
	var kinds []jobs.Kind

	add := func(k jobs.Kind) {
		if !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}

	for _, arg := range args {
		arg = strings.ToLower(arg)

		if arg == kindAll {
			for _, k := range jobs.Kinds {
				add(k)
			}

			continue
		}

		k := jobs.Kind(arg)
		if !slices.Contains(jobs.Kinds, k) {
			return nil, fmt.Errorf("unknown pass %q (want events, contexts, attendance, policy or all)", arg)
		}

		add(k)
	}

	return kinds, nil
}

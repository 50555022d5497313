package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/isle-portal/isle-sync/internal/jobs"
	"github.com/isle-portal/isle-sync/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest pass of each kind and the stored totals",
		Long: `Display the most recent journaled pass of each kind, whether a pass is
running right now, and row counts of the local store.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusPass is the status of one pass kind.
type statusPass struct {
	Kind       string     `json:"kind"`
	Outcome    string     `json:"outcome"`
	Started    *time.Time `json:"started,omitempty"`
	Finished   *time.Time `json:"finished,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	RunningPID int        `json:"running_pid,omitempty"`
}

// statusReport is the full status output.
type statusReport struct {
	Database string       `json:"database"`
	Passes   []statusPass `json:"passes"`
	Counts   store.Counts `json:"counts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	st, err := store.Open(ctx, cc.Cfg.Database.Path, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runs, err := st.LatestRuns(ctx)
	if err != nil {
		return err
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		return err
	}

	guard := jobs.NewGuard(cc.Cfg.LockDir(), nil, cc.Logger)
	report := buildStatusReport(cc.Cfg.Database.Path, runs, counts, guard.Running)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, report)
	}

	printStatusText(os.Stdout, report, time.Now())

	return nil
}

// buildStatusReport lists every pass kind, including kinds that never ran.
func buildStatusReport(
	db string, runs []store.Run, counts store.Counts, running func(jobs.Kind) (int, bool),
) statusReport {
	byKind := make(map[string]store.Run, len(runs))
	for _, r := range runs {
		byKind[r.Kind] = r
	}

	report := statusReport{Database: db, Counts: counts}

	for _, kind := range jobs.Kinds {
		p := statusPass{Kind: string(kind), Outcome: "never run"}

		if r, ok := byKind[string(kind)]; ok {
			p.Outcome = formatOutcome(r.OK)
			p.Started = timePtr(r.Started)
			p.Finished = timePtr(r.Finished)
			p.Detail = r.Detail

			// A journaled run without an outcome and without a lock holder
			// was interrupted.
			if r.OK == nil {
				p.Outcome = "interrupted"
			}
		}

		if pid, held := running(kind); held {
			p.Outcome = "running"
			p.RunningPID = pid
		}

		report.Passes = append(report.Passes, p)
	}

	return report
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func printStatusText(w io.Writer, r statusReport, now time.Time) {
	fmt.Fprintf(w, "Database: %s\n\n", r.Database)

	rows := make([][]string, 0, len(r.Passes))

	for _, p := range r.Passes {
		var started, finished time.Time
		if p.Started != nil {
			started = *p.Started
		}

		if p.Finished != nil {
			finished = *p.Finished
		}

		outcome := p.Outcome
		if p.RunningPID != 0 {
			outcome += " (PID " + strconv.Itoa(p.RunningPID) + ")"
		}

		rows = append(rows, []string{p.Kind, outcome, formatTime(started, now), formatTime(finished, now)})
	}

	printTable(w, []string{"PASS", "OUTCOME", "STARTED", "FINISHED"}, rows)

	c := r.Counts
	fmt.Fprintf(w, "\nActivities: %d  Events: %d (%d active)  Blocks: %d  Results: %d\n",
		c.Activities, c.Events, c.ActiveEvents, c.Blocks, c.Results)
	fmt.Fprintf(w, "Contexts: %d  Users: %d  Entries: %d  Metamodels: %d\n",
		c.Contexts, c.Users, c.Entries, c.MetaModels)
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/mutation"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Status string
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List the owner's queued mutation records",
		Long: `List the signed-in owner's mutation records in queue order.

Example:
  tally queue --owner user-1
  tally queue --status error --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := mutation.Status(opts.Status)
			if status != "" && !status.Valid() {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid status %q: must be 'pending', 'synced', or 'error'", opts.Status))
			}

			s, _, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			out := opts.formatter(cmd)
			records, err := s.Records(commandContext(cmd), status)
			if err != nil {
				return out.Fail("queue listing failed", err)
			}
			return out.Success(records, func(w io.Writer) { writeRecords(w, records) })
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only show records with this status")

	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts per status for the owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			out := rootOpts.formatter(cmd)
			stats, err := s.Stats(commandContext(cmd))
			if err != nil {
				return out.Fail("stats failed", err)
			}
			return out.Success(stats, func(w io.Writer) { writeStats(w, stats) })
		},
	}
}

// SyncSummary is the JSON form of one sync cycle.
type SyncSummary struct {
	Skipped   bool           `json:"skipped"`
	Reason    string         `json:"reason,omitempty"`
	Attempted int            `json:"attempted"`
	Synced    int            `json:"synced"`
	Failed    int            `json:"failed"`
	Frozen    int            `json:"frozen"`
	Stats     mutation.Stats `json:"stats"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the remote store",
		Long: `Drain the owner's pending records once. Failed records keep their
retry count; a record that exhausts its budget is frozen in error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := rootOpts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			out := rootOpts.formatter(cmd)
			res, err := s.SyncNow(commandContext(cmd))
			if err != nil {
				return out.Fail("sync failed", err)
			}
			summary := SyncSummary{
				Skipped:   res.Skipped,
				Reason:    res.Reason,
				Attempted: res.Attempted,
				Synced:    res.Synced,
				Failed:    res.Failed,
				Frozen:    res.Frozen,
				Stats:     res.Stats,
			}
			return out.Success(summary, func(w io.Writer) {
				if summary.Skipped {
					fmt.Fprintf(w, "Sync skipped: %s\n", summary.Reason)
					return
				}
				fmt.Fprintf(w, "Synced %d of %d (%d failed, %d frozen)\n",
					summary.Synced, summary.Attempted, summary.Failed, summary.Frozen)
				writeStats(w, summary.Stats)
			})
		},
	}
}

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete synced records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OlderThan < 0 {
				return NewExitError(ExitCommandError, "--older-than must not be negative")
			}
			s, _, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			out := opts.formatter(cmd)
			n, err := s.Prune(commandContext(cmd), opts.OlderThan)
			if err != nil {
				return out.Fail("prune failed", err)
			}
			return out.Success(map[string]int64{"pruned": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Pruned %d synced record(s)\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "age cutoff (default: configured retention)")

	return cmd
}

func writeRecords(w io.Writer, records []mutation.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(queue empty)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tROW\tOP\tSTATUS\tRETRIES\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.EntityType, r.RowID, r.Operation, r.Status, r.RetryCount, r.LastError)
	}
	tw.Flush()
}

func writeStats(w io.Writer, s mutation.Stats) {
	fmt.Fprintf(w, "pending: %d\nsynced:  %d\nerror:   %d\n", s.Pending, s.Synced, s.Error)
}

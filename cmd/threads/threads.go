package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/everydev1618/threads/harness"
)

var listStatus []string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect the thread registry",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, optionally filtered by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			if err := e.openStorage(); err != nil {
				return err
			}
			statuses := make([]harness.Status, len(listStatus))
			for i, s := range listStatus {
				statuses[i] = harness.Status(s)
			}
			recs, err := e.registry.ListByStatus(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tDIRECTIVE\tSTATUS\tPARENT\tTURNS\tSPEND\tCREATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ThreadID, r.Directive, r.Status, orDash(r.ParentID), r.Turns,
					r.Spend.StringFixed(4), r.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread, its continuation chain and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			if err := e.openStorage(); err != nil {
				return err
			}
			ctx := cmd.Context()
			r, err := e.registry.Get(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "thread:    %s\n", r.ThreadID)
			fmt.Fprintf(out, "directive: %s\n", r.Directive)
			fmt.Fprintf(out, "status:    %s\n", r.Status)
			fmt.Fprintf(out, "parent:    %s\n", orDash(r.ParentID))
			fmt.Fprintf(out, "usage:     %d turns, %d in / %d out tokens, $%s, %d spawns\n",
				r.Turns, r.InputTokens, r.OutputTokens, r.Spend.StringFixed(4), r.SpawnCount)
			if r.Error != "" {
				fmt.Fprintf(out, "error:     %s\n", r.Error)
			}

			chain, err := e.registry.Chain(ctx, r.ThreadID)
			if err != nil {
				return err
			}
			if len(chain) > 1 {
				ids := make([]string, len(chain))
				for i, c := range chain {
					ids[i] = c.ThreadID
				}
				fmt.Fprintf(out, "chain:     %s\n", strings.Join(ids, " -> "))
			}

			events, err := e.registry.Events(ctx, r.ThreadID)
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Fprintln(out, "\nevents:")
				for _, ev := range events {
					fmt.Fprintf(out, "  %s  %-14s %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.Data)
				}
			}
			if r.Result != "" {
				fmt.Fprintf(out, "\n%s\n", r.Result)
			}
			return nil
		})
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect the budget ledger",
}

var budgetTreeCmd = &cobra.Command{
	Use:   "tree <thread-id>",
	Short: "Show the budget of a thread and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(e *env) error {
			if err := e.openStorage(); err != nil {
				return err
			}
			ctx := cmd.Context()
			entries, err := e.ledger.Tree(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tPARENT\tSTATUS\tRESERVED\tACTUAL\tCHILDREN")
			for _, en := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					en.ThreadID, orDash(en.ParentID), en.Status,
					en.Reserved.StringFixed(4), en.Actual.StringFixed(4), en.ChildSpend.StringFixed(4))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			sum, err := e.ledger.TreeSpend(ctx, args[0])
			if err != nil {
				return err
			}
			remaining, err := e.ledger.Remaining(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d threads (%d active), spent $%s, remaining $%s\n",
				sum.Threads, sum.Active, sum.Actual.StringFixed(4), remaining.StringFixed(4))
			return nil
		})
	},
}

func init() {
	threadsListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "only these statuses (comma separated)")
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd)
	budgetCmd.AddCommand(budgetTreeCmd)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

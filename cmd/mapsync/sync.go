package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/mapsync/internal/offline"
)

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the drain scheduler, job pollers and connectivity probes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.openEngine(ctx, true)
			if err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				return errors.Join(err, e.Close())
			}
			<-ctx.Done()
			return e.Close()
		},
	}
}

func (a *app) drainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the offline queue once against the remote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			result, drainErr := e.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d succeeded=%d failed=%d skipped=%d remaining=%d\n",
				result.Processed, result.Succeeded, result.Failed, result.Skipped, result.Remaining)
			return errors.Join(drainErr, e.Close())
		},
	}
}

func (a *app) queueCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List the writes waiting in the offline queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			tasks := e.Queue.Snapshot()
			if err := e.Close(); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			renderTasks(cmd, tasks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tasks as JSON")
	return cmd
}

func renderTasks(cmd *cobra.Command, tasks []offline.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "offline queue is empty")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "ID", "Kind", "Enqueued", "Attempts", "Last Error"})
	for i, task := range tasks {
		t.AppendRow(table.Row{
			i + 1,
			task.ID,
			task.Kind,
			task.EnqueuedAt.Format(time.RFC3339),
			task.Attempts,
			task.LastError,
		})
	}
	t.Render()
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/mapsync/internal/jobs"
)

func (a *app) jobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue, list and cancel analysis and export jobs",
	}
	cmd.AddCommand(a.jobsEnqueueCommand(), a.jobsListCommand(), a.jobsCancelCommand(), a.jobsLogsCommand())
	return cmd
}

func (a *app) jobsEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <analysis|export> <input-json>",
		Short: "Enqueue a job; it is queued offline when the remote store is unreachable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := jobs.Kind(args[0])
			input, err := jobs.Job{Kind: kind, Input: json.RawMessage(args[1])}.DecodeInput()
			if err != nil {
				return err
			}
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			ticket, enqueueErr := e.Jobs.Enqueue(cmd.Context(), kind, input)
			if enqueueErr == nil {
				state := "remote"
				if ticket.Offline {
					state = "offline"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ticket.ID, state)
			}
			return errors.Join(enqueueErr, e.Close())
		},
	}
}

func (a *app) jobsListCommand() *cobra.Command {
	var (
		kind   string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			list, listErr := e.Jobs.List(cmd.Context(), jobs.Kind(kind), jobs.Status(status), limit)
			if listErr == nil {
				renderJobs(cmd, list)
			}
			return errors.Join(listErr, e.Close())
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (analysis, export)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func (a *app) jobsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			cancelErr := e.Jobs.Cancel(cmd.Context(), args[0])
			if cancelErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			}
			return errors.Join(cancelErr, e.Close())
		},
	}
}

func (a *app) jobsLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print the lifecycle log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			entries, logsErr := e.Jobs.Logs(cmd.Context(), args[0])
			for _, entry := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-10s %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Event, entry.Message)
			}
			return errors.Join(logsErr, e.Close())
		},
	}
}

func renderJobs(cmd *cobra.Command, list []jobs.Job) {
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Kind", "Status", "Retries", "Created", "Error"})
	for _, job := range list {
		t.AppendRow(table.Row{
			job.ID,
			job.Kind,
			job.Status,
			fmt.Sprintf("%d/%d", job.Retries, job.MaxRetries),
			job.CreatedAt.Format(time.RFC3339),
			job.Error,
		})
	}
	t.Render()
}

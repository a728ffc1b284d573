package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"modelmux/internal/scheduler"
	"modelmux/internal/types"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the subscription work queue",
		RunE: func(*cobra.Command, []string) error {
			printQueue()
			return nil
		},
	}
	cmd.AddCommand(newQueueAddCmd(), newQueueCancelCmd(), newQueuePauseCmd(), newQueueResumeCmd())
	return cmd
}

func newQueueAddCmd() *cobra.Command {
	var flags taskFlags
	var backendName string

	cmd := &cobra.Command{
		Use:   "add [description...]",
		Short: "Enqueue a task for a subscription backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			task, err := flags.task(args)
			if err != nil {
				return err
			}
			b := types.Backend(backendName)
			if !b.IsSubscription() {
				return fmt.Errorf("queue only accepts subscription backends (%s, %s)",
					types.BackendClaudeCode, types.BackendCodex)
			}
			item := app.Scheduler.Enqueue(task, b)
			color.Green("Queued %s on %s (priority %d)", item.ID, item.Backend, item.Priority)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&backendName, "backend", string(types.BackendClaudeCode), "subscription backend to queue on")
	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or active item",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !app.Scheduler.Cancel(args[0]) {
				return fmt.Errorf("no queued or active item %q", args[0])
			}
			color.Yellow("Cancelled %s", args[0])
			return nil
		},
	}
}

func newQueuePauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause dispatch without draining the queue",
		RunE: func(*cobra.Command, []string) error {
			app.Scheduler.Pause()
			color.Yellow("Dispatch paused.")
			return nil
		},
	}
}

func newQueueResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatch",
		RunE: func(*cobra.Command, []string) error {
			app.Scheduler.Resume()
			color.Green("Dispatch resumed.")
			return nil
		},
	}
}

func printQueue() {
	queued := app.Scheduler.Queue()
	active := app.Scheduler.Active()
	completed := app.Scheduler.Completed()

	if app.Scheduler.Paused() {
		color.Yellow("Dispatch is paused.")
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Queue (%d waiting, %d active)", len(queued), len(active)))
	t.AppendHeader(table.Row{"ID", "Backend", "Status", "Priority", "Retries", "Age", "Task"})
	for _, it := range active {
		t.AppendRow(queueRow(it))
	}
	for _, it := range queued {
		t.AppendRow(queueRow(it))
	}
	t.Render()

	if len(completed) == 0 {
		return
	}
	n := len(completed)
	if n > 10 {
		completed = completed[n-10:]
	}
	t = table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Recently completed")
	t.AppendHeader(table.Row{"ID", "Backend", "Status", "Finished", "Error"})
	for _, it := range completed {
		errStr := it.FinalError
		if len(errStr) > 60 {
			errStr = errStr[:57] + "..."
		}
		t.AppendRow(table.Row{it.ID, it.Backend, colorItemStatus(it.Status),
			humanize.Time(it.CompletedAt), errStr})
	}
	t.Render()
}

func queueRow(it scheduler.Item) table.Row {
	desc := it.Task.Description
	if len(desc) > 50 {
		desc = desc[:47] + "..."
	}
	age := time.Since(it.EnqueuedAt).Round(time.Second)
	return table.Row{it.ID, it.Backend, colorItemStatus(it.Status),
		it.Priority, it.Retries, age, strings.TrimSpace(desc)}
}

func colorItemStatus(s scheduler.ItemStatus) string {
	switch s {
	case scheduler.StatusActive:
		return color.CyanString(string(s))
	case scheduler.StatusDone:
		return color.GreenString(string(s))
	case scheduler.StatusFailed, scheduler.StatusCancelled:
		return color.RedString(string(s))
	case scheduler.StatusWaiting:
		return color.YellowString(string(s))
	}
	return string(s)
}

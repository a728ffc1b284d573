package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"modelmux/internal/shadow"
	"modelmux/internal/types"
)

func newHistoryCmd() *cobra.Command {
	var taskType, model, band string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List shadow benchmark results and trust scores",
		RunE: func(*cobra.Command, []string) error {
			rows, err := app.ShadowDB.Results(shadow.ResultFilter{
				TaskType: types.TaskType(taskType),
				Model:    model,
				Band:     band,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			printShadowResults(rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "task-type", "", "filter by task type")
	cmd.Flags().StringVar(&model, "model", "", "filter by shadow model")
	cmd.Flags().StringVar(&band, "band", "", "filter by difficulty band (easy, medium, hard)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")

	cmd.AddCommand(newHistoryTrustCmd(), newHistoryScoreCmd())
	return cmd
}

func newHistoryTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Show learned trust scores per model and task type",
		RunE: func(*cobra.Command, []string) error {
			rows, err := app.ShadowDB.TrustTable()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No trust data recorded yet.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.SetTitle("Trust scores")
			t.AppendHeader(table.Row{"Model", "Task type", "Band", "Score", "Samples", "Trend", "Backends"})
			for _, row := range rows {
				t.AppendRow(table.Row{
					row.Model, row.TaskType, row.DifficultyBand,
					colorTrust(row.Score), row.Samples, trendArrow(row.Trend), row.Backends,
				})
			}
			t.Render()
			return nil
		},
	}
}

func newHistoryScoreCmd() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "score <shadow-id> <score>",
		Short: "Record a human score (0-1) for a shadow result",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid shadow id %q", args[0])
			}
			score, err := strconv.ParseFloat(args[1], 64)
			if err != nil || score < 0 || score > 1 {
				return fmt.Errorf("score must be a number in [0,1]")
			}
			if err := app.Shadow.RecordUserFeedback(id, score, comment); err != nil {
				return err
			}
			color.Green("Recorded score %.2f for shadow %d", score, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional note stored with the score")
	return cmd
}

func printShadowResults(rows []shadow.ResultRow) {
	if len(rows) == 0 {
		fmt.Println("No shadow results recorded yet.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Shadow results")
	t.AppendHeader(table.Row{"ID", "When", "Type", "Band", "Primary", "Shadow model", "Auto", "User", "Task"})
	for _, r := range rows {
		user := "-"
		if r.UserScore.Valid {
			user = fmt.Sprintf("%.2f", r.UserScore.Float64)
		}
		desc := strings.TrimSpace(r.Description)
		if len(desc) > 40 {
			desc = desc[:37] + "..."
		}
		t.AppendRow(table.Row{
			r.ID, humanize.Time(r.Timestamp), r.TaskType, r.DifficultyBand,
			r.PrimaryBackend, r.ShadowModel,
			colorTrust(r.Scores.Composite), user, desc,
		})
	}
	t.Render()
}

func colorTrust(score float64) string {
	s := fmt.Sprintf("%.2f", score)
	switch {
	case score >= 0.8:
		return color.GreenString(s)
	case score >= 0.5:
		return color.YellowString(s)
	}
	return color.RedString(s)
}

func trendArrow(trend string) string {
	switch trend {
	case "up":
		return color.GreenString("up")
	case "down":
		return color.RedString("down")
	}
	return trend
}

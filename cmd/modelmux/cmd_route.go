package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"modelmux/internal/router"
	"modelmux/internal/types"
)

// taskFlags collects the per-task flags shared by route/plan/estimate.
type taskFlags struct {
	taskType   string
	urgency    string
	complexity int
	files      []string
	tools      []string
	output     string
	force      string
	user       string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.taskType, "type", "", "task type (code, analysis, research, ...)")
	cmd.Flags().StringVar(&f.urgency, "urgency", "normal", "urgent, normal or background")
	cmd.Flags().IntVar(&f.complexity, "complexity", 0, "complexity 1-10 (inferred when 0)")
	cmd.Flags().StringSliceVar(&f.files, "files", nil, "files the task touches")
	cmd.Flags().StringSliceVar(&f.tools, "tools", nil, "external tools the task needs")
	cmd.Flags().StringVar(&f.output, "output", "", "write the final response to this path")
	cmd.Flags().StringVar(&f.force, "force", "", "pin execution to one backend")
	cmd.Flags().StringVar(&f.user, "user", "", "principal for cost attribution")
}

func (f *taskFlags) task(args []string) (types.Task, error) {
	task := types.Task{
		Description: strings.Join(args, " "),
		Type:        types.TaskType(f.taskType),
		Urgency:     types.Urgency(f.urgency),
		Complexity:  f.complexity,
		Files:       f.files,
		ToolsNeeded: f.tools,
		OutputPath:  f.output,
		UserID:      f.user,
		CreatedAt:   time.Now(),
	}
	if f.force != "" {
		b := types.Backend(f.force)
		if !b.Valid() {
			return task, fmt.Errorf("unknown backend %q (expected one of %v)", f.force, types.AllBackends)
		}
		task.ForceBackend = b
	}
	return task, nil
}

func newRouteCmd() *cobra.Command {
	var flags taskFlags
	var planOnly, yes bool
	var approveID string

	cmd := &cobra.Command{
		Use:   "route [description...]",
		Short: "Route a task to the best backend and execute it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if approveID != "" {
				res, err := app.Router.Approve(cmd.Context(), approveID)
				if err != nil {
					return err
				}
				return printRouteResult(res)
			}
			if len(args) == 0 {
				return fmt.Errorf("a task description is required")
			}
			task, err := flags.task(args)
			if err != nil {
				return err
			}
			res, err := app.Router.Route(cmd.Context(), task, router.Options{
				PlanOnly:    planOnly,
				PreApproved: yes,
				Force:       flags.force != "",
			})
			if err != nil {
				return err
			}
			return printRouteResult(res)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "print the plan without executing")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the cost approval gate")
	cmd.Flags().StringVar(&approveID, "approve", "", "execute a previously gated plan by id")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "plan [description...]",
		Short: "Show the decomposition for a task without executing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task(args)
			if err != nil {
				return err
			}
			res, err := app.Router.Route(cmd.Context(), task, router.Options{PlanOnly: true, Force: true})
			if err != nil {
				return err
			}
			fmt.Print(app.Planner.FormatForUser(res.Plan))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newEstimateCmd() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "estimate [description...]",
		Short: "Estimate tokens, cost and duration for a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			task, err := flags.task(args)
			if err != nil {
				return err
			}
			plan := app.Planner.Decompose(task)
			bd := app.Planner.EstimateCost(plan)

			fmt.Printf("Steps:         %d\n", len(plan.Steps))
			fmt.Printf("Tokens:        %s\n", humanize.Comma(int64(bd.TotalTokens)))
			fmt.Printf("API cost:      $%.2f\n", bd.TotalAPICost)
			fmt.Printf("Est. duration: %.0f min\n", bd.TotalMinutes)
			if bd.SubscriptionOnly {
				color.Green("Runs entirely on subscription/local backends.")
			}
			for b, n := range bd.PerBackend {
				fmt.Printf("  %-12s %d step(s)\n", b, n)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// printRouteResult renders a route outcome for the terminal.
func printRouteResult(res *types.RouteResult) error {
	switch {
	case res.SelfHandle:
		color.Cyan("Handle this yourself: %s", res.Reason)
		return nil
	case res.Deduplicated:
		color.Yellow("Skipped as duplicate of %s: %s", res.ExistingID, res.Reason)
		return nil
	case res.NeedsApproval:
		fmt.Print(app.Planner.FormatForUser(res.Plan))
		color.Yellow("Plan %s held for approval. Run: modelmux route --approve %s", res.PlanID, res.PlanID)
		return nil
	case res.Plan != nil && res.Result == nil && len(res.Steps) == 0:
		fmt.Print(app.Planner.FormatForUser(res.Plan))
		return nil
	}

	for _, o := range res.Steps {
		switch {
		case o.Skipped:
			color.Yellow("step %s skipped", o.StepID)
		case o.Error != "":
			color.Red("step %s failed: %s", o.StepID, o.Error)
		case o.Result != nil:
			fmt.Printf("step %s on %s: %s tokens in %s\n",
				o.StepID, o.Result.Backend,
				humanize.Comma(int64(o.Result.Tokens)),
				o.Result.Duration.Round(time.Millisecond))
		}
	}
	if res.Result == nil {
		return fmt.Errorf("no step produced a result")
	}
	if res.Result.OutputPath != "" {
		color.Green("Output written to %s", res.Result.OutputPath)
		return nil
	}
	fmt.Fprintln(os.Stdout, res.Result.Response)
	return nil
}

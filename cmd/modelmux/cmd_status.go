package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"modelmux/internal/breaker"
	"modelmux/internal/health"
	"modelmux/internal/types"
)

func newStatusCmd() *cobra.Command {
	var savings, users bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show budgets, rate windows, breakers and backend health",
		RunE: func(*cobra.Command, []string) error {
			if savings {
				printSavingsTable()
				return nil
			}
			if users {
				printUserTable()
				return nil
			}
			printLedgerTable()
			printBackendTable()
			printGovernorTable()
			return nil
		},
	}
	cmd.Flags().BoolVar(&savings, "savings", false, "show the 90-day savings tally")
	cmd.Flags().BoolVar(&users, "users", false, "show per-user API cost attribution")
	return cmd
}

func printSavingsTable() {
	entries, total := app.Ledger.Savings()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Savings (last 90 days)")
	t.AppendHeader(table.Row{"When", "Saved"})
	for _, e := range entries {
		t.AppendRow(table.Row{humanize.Time(e.Timestamp), fmt.Sprintf("$%.2f", e.Amount)})
	}
	t.AppendFooter(table.Row{"total", fmt.Sprintf("$%.2f", total)})
	t.Render()
}

func printUserTable() {
	costs := app.Ledger.UserCosts()
	if len(costs) == 0 {
		fmt.Println("No per-user usage recorded yet.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("API cost by user")
	t.AppendHeader(table.Row{"User", "Spend", "Tokens", "Tasks"})
	for user, u := range costs {
		t.AppendRow(table.Row{user, fmt.Sprintf("$%.2f", u.USD),
			humanize.Comma(u.Tokens), u.TasksCompleted})
	}
	t.Render()
}

func printLedgerTable() {
	st := app.Ledger.Report()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Budgets")
	t.AppendHeader(table.Row{"Backend", "Usage", "Tokens", "Tasks"})
	t.AppendRow(table.Row{"claude-code",
		fmt.Sprintf("session %.0f%% / weekly %.0f%%", st.ClaudeCode.SessionPercent, st.ClaudeCode.WeeklyPercent),
		humanize.Comma(st.ClaudeCode.TokensTotal), st.ClaudeCode.TasksCompleted})
	t.AppendRow(table.Row{"codex",
		fmt.Sprintf("session %.0f%% / weekly %.0f%%", st.Codex.SessionPercent, st.Codex.WeeklyPercent),
		humanize.Comma(st.Codex.TokensTotal), st.Codex.TasksCompleted})
	t.AppendRow(table.Row{"api",
		fmt.Sprintf("$%.2f today / $%.2f month", st.API.DailyUSD, st.API.MonthlyUSD),
		humanize.Comma(st.API.TokensTotal), st.API.TasksCompleted})
	t.AppendRow(table.Row{"local", "free",
		humanize.Comma(st.Local.TokensTotal), st.Local.TasksCompleted})
	t.AppendFooter(table.Row{"", "", "total saved", fmt.Sprintf("$%.2f", st.TotalSaved)})
	t.Render()
}

func printBackendTable() {
	snap := app.Health.Snapshot()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Backends")
	t.AppendHeader(table.Row{"Backend", "Health", "Breaker", "Last success"})
	for _, b := range types.AllBackends {
		status := app.Health.StatusOf(b)
		brkState := app.Breaker.StateOf(b)
		last := "never"
		if h, ok := snap[b]; ok && !h.LastSuccess.IsZero() {
			last = humanize.Time(h.LastSuccess)
		}
		t.AppendRow(table.Row{b, colorHealth(status), colorBreaker(brkState), last})
	}
	t.Render()

	if open := openBreakers(); len(open) > 0 {
		color.Red("Backends in cooldown: %v", open)
	}
}

func printGovernorTable() {
	insights := app.Governor.Insights()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Rate governor")
	t.AppendHeader(table.Row{"Backend", "Window", "Limit", "Throttles", "Effectiveness"})
	for _, ins := range insights {
		limit := app.Governor.CurrentLimit(ins.Backend)
		limitStr := "unlimited"
		if limit > 0 {
			limitStr = fmt.Sprintf("%d", limit)
		}
		t.AppendRow(table.Row{
			ins.Backend,
			fmt.Sprintf("%d req", app.Governor.WindowCount(ins.Backend)),
			limitStr,
			ins.ThrottleCount,
			fmt.Sprintf("%.0f", ins.Effectiveness),
		})
	}
	t.Render()
}

func colorHealth(s health.Status) string {
	switch s {
	case health.StatusWarm:
		return color.GreenString(string(s))
	case health.StatusHealthy:
		return color.CyanString(string(s))
	case health.StatusCold:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}

func colorBreaker(s breaker.CircuitState) string {
	switch s {
	case breaker.StateClosed:
		return color.GreenString(string(s))
	case breaker.StateHalfOpen:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}

func openBreakers() []types.Backend {
	var open []types.Backend
	for _, b := range types.AllBackends {
		if app.Breaker.StateOf(b) == breaker.StateOpen {
			open = append(open, b)
		}
	}
	return open
}

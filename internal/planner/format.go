package planner

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"modelmux/internal/types"
)

// FormatForUser renders a plan as a readable table with a cost footer.
func (p *Planner) FormatForUser(plan *types.Plan) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Step", "Backend", "Tokens", "Cost", "Est"})

	for _, s := range plan.Steps {
		cost := "-"
		if s.EstimatedCost > 0 {
			cost = fmt.Sprintf("$%.2f", s.EstimatedCost)
		}
		t.AppendRow(table.Row{
			s.Index + 1,
			s.Description,
			s.Backend,
			s.EstimatedTokens,
			cost,
			fmt.Sprintf("%.0fm", s.EstimatedMinutes),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s for task %s\n", plan.ID, plan.TaskID)
	b.WriteString(t.Render())
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total: $%.2f API cost, ~%.0f min critical path\n", plan.TotalCost, plan.TotalMinutes)
	if plan.AllSubscription {
		b.WriteString("All steps run on subscription or local backends (no API spend).\n")
	}
	if plan.NeedsApproval {
		fmt.Fprintf(&b, "Approval required: estimated API cost exceeds $%.2f.\n", p.cfg.ApprovalThresholdUSD)
	}
	return b.String()
}

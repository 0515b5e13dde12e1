package commandline

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"

	"github.com/314dev/fulgur/train"
	"github.com/314dev/fulgur/train/hooks"
)

var (
	cellStyle         = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	tableBorderColor  = lipgloss.Color("#705090")
)

// AttachReporter prints evaluation metrics as a table on stdout of global
// rank 0, once per validation or test pass.
func AttachReporter(trainer *train.Trainer) {
	rep := &reporter{trainer: trainer}
	reg := trainer.Registry()
	reg.Add(hooks.EventValidationEnd, "reporter", rep.onEvalEnd("validation"))
	reg.Add(hooks.EventTestEnd, "reporter", rep.onEvalEnd("test"))
}

type reporter struct {
	trainer *train.Trainer
}

func (rep *reporter) onEvalEnd(phase string) hooks.Handler {
	return func(ctx *hooks.Context) error {
		if !rep.trainer.IsGlobalZero() || len(ctx.Metrics) == 0 {
			return nil
		}
		names := make([]string, 0, len(ctx.Metrics))
		for name := range ctx.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)

		table := lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(tableBorderColor)).
			Headers(phase+" metric", "value").
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 1 {
					return rightAlignedStyle
				}
				return cellStyle
			})
		for _, name := range names {
			table.Row(name, fmt.Sprintf("%.5f", ctx.Metrics[name]))
		}
		fmt.Printf("%s (epoch %d, step %d)\n%s\n",
			phase, ctx.Epoch, ctx.GlobalStep, table.Render())
		return nil
	}
}

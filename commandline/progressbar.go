// Package commandline attaches terminal reporting to a trainer: a live
// progress bar over training batches and a styled table of evaluation
// results. Both are plain callbacks; programs that want silence simply do
// not attach them.
package commandline

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/314dev/fulgur/train"
	"github.com/314dev/fulgur/train/hooks"
)

// ProgressbarStyle to use. Defaults to the ASCII version; consider
// progressbar.ThemeUnicode where the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

type progressBar struct {
	trainer *train.Trainer
	bar     *progressbar.ProgressBar
	epoch   int
}

// AttachProgressBar renders training progress on stdout of global rank 0.
// Must be called before training starts.
func AttachProgressBar(trainer *train.Trainer) {
	pBar := &progressBar{trainer: trainer}
	reg := trainer.Registry()
	reg.Add(hooks.EventTrainEpochStart, "progressbar", pBar.onEpochStart)
	reg.Add(hooks.EventTrainBatchEnd, "progressbar", pBar.onBatchEnd)
	reg.Add(hooks.EventTrainEpochEnd, "progressbar", pBar.onEpochEnd)
}

func (pBar *progressBar) onEpochStart(ctx *hooks.Context) error {
	if !pBar.trainer.IsGlobalZero() {
		return nil
	}
	pBar.epoch = ctx.Epoch
	pBar.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]epoch %d[reset]", ctx.Epoch)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
	)
	return nil
}

func (pBar *progressBar) onBatchEnd(ctx *hooks.Context) error {
	if pBar.bar == nil {
		return nil
	}
	if err := pBar.bar.Add(1); err != nil {
		return err
	}
	metrics := pBar.trainer.LoggedMetrics()
	if len(metrics) > 0 {
		var parts []string
		if loss, ok := metrics["loss"]; ok {
			parts = append(parts, fmt.Sprintf("loss=%.4f", loss))
		}
		parts = append(parts, fmt.Sprintf("step=%s", humanize.Comma(int64(ctx.GlobalStep))))
		pBar.bar.Describe(fmt.Sprintf("      [bold]epoch %d[reset] (%s)", pBar.epoch, strings.Join(parts, ", ")))
	}
	return nil
}

func (pBar *progressBar) onEpochEnd(*hooks.Context) error {
	if pBar.bar == nil {
		return nil
	}
	err := pBar.bar.Finish()
	pBar.bar = nil
	fmt.Println()
	return err
}

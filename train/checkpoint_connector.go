package train

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies"
	"github.com/314dev/fulgur/train/hooks"
)

// checkpointConnector restores trainer state from checkpoints and dumps it
// back. Restoration is split into stages that each no-op when nothing was
// loaded, so the trainer can interleave them with its own setup.
type checkpointConnector struct {
	trainer    *Trainer
	resumePath string
	loaded     *checkpoints.Checkpoint
}

// resolveResumePath picks the checkpoint to resume from, in priority
// order: a pre-emption snapshot in the weights directory, the
// fault-tolerance auto-save, then the explicitly requested path.
func (c *checkpointConnector) resolveResumePath(explicit string) (string, error) {
	t := c.trainer
	hpcPath, found, err := checkpoints.HPCResumePath(t.cfg.weightsDir())
	if err != nil {
		return "", err
	}
	if found {
		klog.Infof("Restoring from the pre-emption snapshot %v; the requested checkpoint path is ignored", hpcPath)
		return hpcPath, nil
	}
	if t.cfg.FaultTolerant {
		autoSave := filepath.Join(t.cfg.rootDir(), checkpoints.AutoSaveName)
		if _, err := os.Stat(autoSave); err == nil {
			klog.Infof("Restoring from the fault-tolerance auto-save %v", autoSave)
			return autoSave, nil
		}
	}
	return explicit, nil
}

// resumeStart loads the checkpoint the run resumes from, if any. The
// loaded state stays cached until resumeEnd so the restore stages can
// draw from it.
func (c *checkpointConnector) resumeStart(explicit string) error {
	path, err := c.resolveResumePath(explicit)
	if err != nil {
		return err
	}
	c.resumePath = path
	if path == "" {
		return nil
	}
	klog.Infof("Restoring states from the checkpoint path at %v", path)
	ck, err := c.trainer.strategy.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	c.loaded = ck
	return nil
}

// resumeEnd drops the cached checkpoint and synchronizes ranks so no rank
// races ahead while others are still restoring.
func (c *checkpointConnector) resumeEnd() error {
	if c.resumePath != "" {
		klog.Infof("Restored all states from the checkpoint file at %v", c.resumePath)
	}
	c.resumePath = ""
	c.loaded = nil
	return c.trainer.strategy.Barrier("resume_end")
}

func (c *checkpointConnector) restoreDatamodule() error {
	if c.loaded == nil || c.loaded.DataModule == nil {
		return nil
	}
	stateful, ok := c.trainer.data.(core.StatefulDataModule)
	if !ok {
		return nil
	}
	return errors.WithMessage(stateful.LoadStateDict(c.loaded.DataModule), "failed to restore the datamodule")
}

func (c *checkpointConnector) restoreModel() error {
	if c.loaded == nil {
		return nil
	}
	t := c.trainer
	if hooker, ok := t.module.(core.CheckpointLoadHooker); ok {
		if err := hooker.OnLoadCheckpoint(c.loaded); err != nil {
			return err
		}
	}
	return t.strategy.LoadModuleStateDict(c.loaded.StateDict)
}

func (c *checkpointConnector) restoreCallbacks() error {
	if c.loaded == nil {
		return nil
	}
	t := c.trainer
	for _, cb := range t.callbacks {
		stateful, ok := cb.(hooks.Stateful)
		if !ok {
			continue
		}
		payload, found := c.loaded.Callbacks[stateful.StateKey()]
		if !found {
			continue
		}
		if err := stateful.LoadStateDict(payload); err != nil {
			return errors.WithMessagef(err, "failed to restore callback %q", stateful.StateKey())
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventLoadCheckpoint, Checkpoint: c.loaded})
}

// restoreTrainingState brings back the loop progress and, when fitting,
// the optimizer and scheduler state.
func (c *checkpointConnector) restoreTrainingState() error {
	if c.loaded == nil {
		return nil
	}
	if err := c.restoreLoops(); err != nil {
		return err
	}
	if c.trainer.mode == strategies.ModeFit {
		return c.restoreOptimizersAndSchedulers()
	}
	return nil
}

// restoreLoops first applies the top-level epoch and global step (the only
// position data old-schema files carry), then overlays the nested loop
// states which supersede them.
func (c *checkpointConnector) restoreLoops() error {
	t := c.trainer
	ck := c.loaded
	t.fit.epochLoop.globalStep = ck.GlobalStep
	t.fit.epochProgress.Current.Completed = ck.Epoch

	if ck.Loops != nil {
		switch t.mode {
		case strategies.ModeFit:
			if ck.Loops.FitLoop != nil {
				t.fit.loadState(*ck.Loops.FitLoop)
			}
		case strategies.ModeValidate:
			if ck.Loops.ValidateLoop != nil {
				t.validateLoop.loadState(*ck.Loops.ValidateLoop)
			}
		case strategies.ModeTest:
			if ck.Loops.TestLoop != nil {
				t.testLoop.loadState(*ck.Loops.TestLoop)
			}
		case strategies.ModePredict:
			if ck.Loops.PredictLoop != nil {
				t.predictLoop.loadState(*ck.Loops.PredictLoop)
			}
		}
	}

	if maxEpochs := t.cfg.maxEpochs(); maxEpochs != -1 && ck.Epoch > maxEpochs {
		return fault.Configf(
			"you restored a checkpoint with current_epoch=%d, but you have set max_epochs=%d",
			ck.Epoch, maxEpochs)
	}
	return nil
}

func (c *checkpointConnector) restoreOptimizersAndSchedulers() error {
	ck := c.loaded
	t := c.trainer
	if ck.OptimizerStates == nil {
		return fault.Configf(
			"trying to restore training state but checkpoint contains only the model: " +
				"this is probably due to saving it with save_weights_only=true; " +
				"save a full checkpoint to resume training")
	}
	if ck.LRSchedulers == nil && len(t.schedulers) > 0 {
		return fault.Configf(
			"trying to restore scheduler state but checkpoint has none: " +
				"this is probably due to saving it with save_weights_only=true")
	}
	if len(ck.OptimizerStates) != len(t.optimizers) {
		return fault.Configf(
			"checkpoint carries %d optimizer states but the module configured %d optimizers",
			len(ck.OptimizerStates), len(t.optimizers))
	}
	for i, state := range ck.OptimizerStates {
		if err := t.optimizers[i].LoadStateDict(state); err != nil {
			return errors.WithMessagef(err, "failed to restore optimizer %d", i)
		}
	}
	for i, state := range ck.LRSchedulers {
		if i >= len(t.schedulers) {
			break
		}
		if err := t.schedulers[i].LoadStateDict(state); err != nil {
			return errors.WithMessagef(err, "failed to restore scheduler %d", i)
		}
	}
	return nil
}

// dump materializes the full trainer state. The stored global step and
// epoch point at where a resumed run continues: one past the current step,
// and one past the current epoch unless the step cap already ended the
// run (the nested loop states always carry the raw counters).
func (c *checkpointConnector) dump(weightsOnly bool) (*checkpoints.Checkpoint, error) {
	t := c.trainer
	state, err := t.strategy.ModuleStateDict()
	if err != nil {
		return nil, err
	}
	ck := &checkpoints.Checkpoint{
		GlobalStep: t.GlobalStep() + 1,
		Epoch:      t.CurrentEpoch(),
		Version:    checkpoints.Version,
		StateDict:  state,
		Seed:       t.cfg.Seed,
	}
	if !isMaxLimitReached(t.GlobalStep(), t.cfg.maxSteps()) {
		ck.Epoch = t.CurrentEpoch() + 1
	}

	if !weightsOnly {
		ck.OptimizerStates = make([]map[string]any, 0, len(t.optimizers))
		for i := range t.optimizers {
			state, err := t.strategy.OptimizerState(i)
			if err != nil {
				return nil, err
			}
			ck.OptimizerStates = append(ck.OptimizerStates, state)
		}
		ck.LRSchedulers = make([]map[string]any, 0, len(t.schedulers))
		for _, sched := range t.schedulers {
			ck.LRSchedulers = append(ck.LRSchedulers, sched.StateDict())
		}
		fitState := t.fit.stateDict()
		validateState := t.validateLoop.stateDict()
		testState := t.testLoop.stateDict()
		predictState := t.predictLoop.stateDict()
		ck.Loops = &checkpoints.LoopsState{
			FitLoop:      &fitState,
			ValidateLoop: &validateState,
			TestLoop:     &testState,
			PredictLoop:  &predictState,
		}
		ck.Callbacks = make(map[string]json.RawMessage)
		for _, cb := range t.callbacks {
			stateful, ok := cb.(hooks.Stateful)
			if !ok {
				continue
			}
			payload, err := stateful.StateDict()
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to serialize callback %q", stateful.StateKey())
			}
			ck.Callbacks[stateful.StateKey()] = payload
		}
		if len(ck.Callbacks) == 0 {
			ck.Callbacks = nil
		}
	}
	if provider, ok := t.module.(core.HyperparametersProvider); ok {
		ck.HParams = provider.Hyperparameters()
	}
	if stateful, ok := t.data.(core.StatefulDataModule); ok && t.data != nil {
		ck.DataModule = stateful.StateDict()
	}
	if hooker, ok := t.module.(core.CheckpointSaveHooker); ok {
		if err := hooker.OnSaveCheckpoint(ck); err != nil {
			return nil, err
		}
	}
	if err := t.fire(&hooks.Context{Event: hooks.EventSaveCheckpoint, Checkpoint: ck}); err != nil {
		return nil, err
	}
	return ck, nil
}

// save dumps the trainer state and hands it to the strategy, which gates
// filesystem writes by rank.
func (c *checkpointConnector) save(path string, weightsOnly bool) error {
	ck, err := c.dump(weightsOnly)
	if err != nil {
		return err
	}
	if err := c.trainer.strategy.SaveCheckpoint(ck, path); err != nil {
		return err
	}
	if n := c.trainer.cfg.KeepCheckpoints; n > 0 && c.trainer.strategy.IsGlobalZero() {
		dir, base := filepath.Split(path)
		if dir == "" {
			dir = "."
		}
		prefix := base
		if i := len(base) - len(filepath.Ext(base)); i > 0 {
			prefix = base[:i]
		}
		// Rotate files sharing the saved checkpoint's stem.
		if err := checkpoints.KeepLastN(checkpoints.JSONIO{}, dir, trimDigits(prefix), n); err != nil {
			return err
		}
	}
	return nil
}

// hpcSave writes the next pre-emption snapshot in the weights directory
// and returns its path.
func (c *checkpointConnector) hpcSave() (string, error) {
	path, err := checkpoints.HPCSavePath(c.trainer.cfg.weightsDir())
	if err != nil {
		return "", err
	}
	return path, c.save(path, false)
}

// autoSave writes the fault-tolerance checkpoint in the root directory.
func (c *checkpointConnector) autoSave() error {
	return c.save(filepath.Join(c.trainer.cfg.rootDir(), checkpoints.AutoSaveName), false)
}

// trimDigits strips a trailing run of digits so rotating "model-12" and
// "model-13" groups them under one stem.
func trimDigits(s string) string {
	end := len(s)
	for end > 0 && s[end-1] >= '0' && s[end-1] <= '9' {
		end--
	}
	return s[:end]
}

// fulgur-upgrade-checkpoint rewrites checkpoint files written by schemas
// from before the loops rewrite into the current schema, so they can be
// resumed again.
//
// The legacy schemas stored the best-model and early-stopping bookkeeping
// as top-level keys; the current schema keeps per-callback state under the
// "callbacks" map. The original file is kept next to the upgraded one with
// a ".bak" suffix unless -no_backup is given.
//
// Usage:
//
//	fulgur-upgrade-checkpoint [flags] <checkpoint.ckpt> [...]
package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/checkpoints"
)

var (
	flagNoBackup = flag.Bool("no_backup", false,
		"Upgrade in place without writing a .bak copy of the original file.")
	flagDryRun = flag.Bool("dry_run", false,
		"Report which files would be upgraded without rewriting anything.")
)

// legacyMigrations maps each deprecated top-level key to the callback state
// key and field it migrates into. "checkpoint_callback_best" is the oldest
// alias of the score and comes last so an explicit score wins.
var legacyMigrations = []struct{ legacyKey, stateKey, field string }{
	{"checkpoint_callback_best_model_path", "model_checkpoint", "best_model_path"},
	{"checkpoint_callback_best_model_score", "model_checkpoint", "best_model_score"},
	{"checkpoint_callback_best", "model_checkpoint", "best_model_score"},
	{"early_stop_callback_wait", "early_stopping", "wait_count"},
	{"early_stop_callback_patience", "early_stopping", "patience"},
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing checkpoint files to upgrade. See 'fulgur-upgrade-checkpoint -help'.")
		os.Exit(1)
	}
	failed := false
	for _, path := range paths {
		upgraded, err := upgrade(path)
		if err != nil {
			klog.Errorf("%s: %v", path, err)
			failed = true
		} else if upgraded {
			klog.Infof("%s: upgraded", path)
		} else {
			klog.Infof("%s: already current, skipped", path)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// upgrade rewrites one file, reporting whether it needed upgrading.
func upgrade(path string) (bool, error) {
	raw, err := readRaw(path)
	if err != nil {
		return false, err
	}
	if !migrate(raw) {
		return false, nil
	}
	if *flagDryRun {
		return true, nil
	}
	if !*flagNoBackup {
		original := must.M1(os.ReadFile(path))
		if err := os.WriteFile(path+".bak", original, 0o666); err != nil {
			return false, err
		}
	}
	return true, writeRaw(path, raw)
}

func readRaw(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// migrate moves the legacy top-level keys into the callbacks map and stamps
// the current schema version. It reports whether anything changed.
func migrate(raw map[string]json.RawMessage) bool {
	states := map[string]map[string]json.RawMessage{}
	changed := false
	for _, m := range legacyMigrations {
		payload, found := raw[m.legacyKey]
		if !found {
			continue
		}
		if states[m.stateKey] == nil {
			states[m.stateKey] = map[string]json.RawMessage{}
		}
		if _, taken := states[m.stateKey][m.field]; !taken {
			states[m.stateKey][m.field] = payload
		}
		delete(raw, m.legacyKey)
		changed = true
	}
	if !changed {
		return false
	}

	callbacks := map[string]json.RawMessage{}
	if existing, found := raw["callbacks"]; found {
		must.M(json.Unmarshal(existing, &callbacks))
	}
	for stateKey, state := range states {
		callbacks[stateKey] = must.M1(json.Marshal(state))
	}
	raw["callbacks"] = must.M1(json.Marshal(callbacks))
	raw["version"] = must.M1(json.Marshal(checkpoints.Version))
	return true
}

// writeRaw serializes raw atomically, the same way the trainer writes
// checkpoints.
func writeRaw(path string, raw map[string]json.RawMessage) error {
	data := must.M1(json.MarshalIndent(raw, "", "\t"))
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

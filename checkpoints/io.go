package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// IO reads and writes checkpoints. Strategies delegate to an IO so that
// accelerator-specific serialization can be plugged in.
type IO interface {
	Save(ck *Checkpoint, path string) error
	Load(path string) (*Checkpoint, error)
	Remove(path string) error
}

// deprecatedKeys belong to schemas from before the loops rewrite; files
// carrying them must be migrated offline before they can be resumed.
var deprecatedKeys = []string{
	"checkpoint_callback_best",
	"checkpoint_callback_best_model_path",
	"checkpoint_callback_best_model_score",
	"early_stop_callback_wait",
	"early_stop_callback_patience",
}

// JSONIO stores checkpoints as JSON files, written atomically via a temp
// file and rename in the target directory.
type JSONIO struct{}

// Save serializes ck to path.
func (JSONIO) Save(ck *Checkpoint, path string) error {
	data, err := json.MarshalIndent(ck, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checkpoint for %q", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary checkpoint file in %q", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to write checkpoint to %q", tmpName)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to close checkpoint file %q", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to move checkpoint into place at %q", path)
	}
	return nil
}

// Load deserializes the checkpoint at path. Files written by schemas that
// predate the current one are rejected with a migration hint.
func (JSONIO) Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q is not valid JSON", path)
	}
	for _, key := range deprecatedKeys {
		if _, found := raw[key]; found {
			return nil, errors.Errorf(
				"checkpoint %q uses an outdated schema (found key %q): run fulgur-upgrade-checkpoint on it before resuming",
				path, key)
		}
	}
	ck := &Checkpoint{}
	if err := json.Unmarshal(data, ck); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %q", path)
	}
	return ck, nil
}

// Remove deletes the checkpoint at path; a missing file is not an error.
func (JSONIO) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove checkpoint %q", path)
	}
	return nil
}

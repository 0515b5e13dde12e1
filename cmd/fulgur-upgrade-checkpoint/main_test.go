package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/checkpoints"
)

func TestMigrateMovesLegacyKeysIntoCallbacks(t *testing.T) {
	raw := map[string]json.RawMessage{
		"epoch":                                json.RawMessage(`3`),
		"global_step":                          json.RawMessage(`12`),
		"state_dict":                           json.RawMessage(`{"weights":[1]}`),
		"checkpoint_callback_best":             json.RawMessage(`0.9`),
		"checkpoint_callback_best_model_score": json.RawMessage(`0.5`),
		"checkpoint_callback_best_model_path":  json.RawMessage(`"best.ckpt"`),
		"early_stop_callback_wait":             json.RawMessage(`2`),
		"early_stop_callback_patience":         json.RawMessage(`5`),
	}
	require.True(t, migrate(raw))

	for key := range raw {
		assert.NotContains(t, key, "checkpoint_callback")
		assert.NotContains(t, key, "early_stop_callback")
	}
	var callbacks map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["callbacks"], &callbacks))
	assert.Equal(t, json.RawMessage(`0.5`), callbacks["model_checkpoint"]["best_model_score"],
		"the explicit score wins over the legacy alias")
	assert.Equal(t, json.RawMessage(`"best.ckpt"`), callbacks["model_checkpoint"]["best_model_path"])
	assert.Equal(t, json.RawMessage(`2`), callbacks["early_stopping"]["wait_count"])
	assert.Equal(t, json.RawMessage(`5`), callbacks["early_stopping"]["patience"])
	assert.Equal(t, json.RawMessage(`"`+checkpoints.Version+`"`), raw["version"])
}

func TestMigrateLeavesCurrentFilesAlone(t *testing.T) {
	raw := map[string]json.RawMessage{
		"epoch":      json.RawMessage(`1`),
		"state_dict": json.RawMessage(`{}`),
	}
	assert.False(t, migrate(raw))
	assert.NotContains(t, raw, "callbacks")
}

func TestUpgradedFileLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.ckpt")
	legacy := `{
		"epoch": 2,
		"global_step": 7,
		"state_dict": {"weights": [3]},
		"optimizer_states": [{"steps": 7}],
		"checkpoint_callback_best_model_path": "best.ckpt"
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o666))

	_, err := checkpoints.JSONIO{}.Load(path)
	require.Error(t, err, "legacy files are rejected until upgraded")

	upgraded, err := upgrade(path)
	require.NoError(t, err)
	require.True(t, upgraded)
	assert.FileExists(t, path+".bak")

	ck, err := checkpoints.JSONIO{}.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, ck.Epoch)
	assert.Equal(t, 7, ck.GlobalStep)
	assert.Contains(t, ck.Callbacks, "model_checkpoint")

	upgraded, err = upgrade(path)
	require.NoError(t, err)
	assert.False(t, upgraded, "a second pass is a no-op")
}

package checkpoints

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// KeepLastN removes all but the n most recently modified files in dir that
// match prefix (by name) and suffix ".ckpt". n <= 0 keeps everything. The
// auto-save file is never pruned.
func KeepLastN(io IO, dir, prefix string, n int) error {
	if n <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	type candidate struct {
		path    string
		modTime int64
	}
	var candidates []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == AutoSaveName ||
			!strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".ckpt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime().UnixNano(),
		})
	}
	if len(candidates) <= n {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime > candidates[j].modTime
	})
	for _, stale := range candidates[n:] {
		if err := io.Remove(stale.path); err != nil {
			return err
		}
	}
	return nil
}

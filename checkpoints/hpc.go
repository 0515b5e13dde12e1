package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HPCPrefix names pre-emption snapshots written before a cluster job is
// requeued. They take priority over every other resume source.
const HPCPrefix = "hpc_ckpt_"

// AutoSaveName is the fixed filename of the fault-tolerance auto-save
// checkpoint, written into the trainer's default root directory.
const AutoSaveName = ".pl_auto_save.ckpt"

var nonDigits = regexp.MustCompile(`[^0-9]`)

// MaxHPCVersion scans dir for files named <HPCPrefix><n>… and returns the
// largest n found. Suffix characters that are not digits are stripped
// before parsing, so "hpc_ckpt_7.ckpt" counts as version 7. Returns found
// == false when dir is missing or holds no matching file.
func MaxHPCVersion(dir string) (version int, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to scan %q for snapshots", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if len(name) <= len(HPCPrefix) || name[:len(HPCPrefix)] != HPCPrefix {
			continue
		}
		digits := nonDigits.ReplaceAllString(name[len(HPCPrefix):], "")
		if digits == "" {
			continue
		}
		v, convErr := strconv.Atoi(digits)
		if convErr != nil {
			klog.V(1).Infof("Ignoring snapshot %q: unparseable version", name)
			continue
		}
		if !found || v > version {
			version = v
			found = true
		}
	}
	return version, found, nil
}

// HPCResumePath returns the highest-versioned snapshot in dir, if any.
func HPCResumePath(dir string) (path string, found bool, err error) {
	version, found, err := MaxHPCVersion(dir)
	if err != nil || !found {
		return "", false, err
	}
	return filepath.Join(dir, fmt.Sprintf("%s%d.ckpt", HPCPrefix, version)), true, nil
}

// HPCSavePath returns the path the next snapshot in dir should be written
// to, one version past the current maximum.
func HPCSavePath(dir string) (string, error) {
	version, found, err := MaxHPCVersion(dir)
	if err != nil {
		return "", err
	}
	next := 1
	if found {
		next = version + 1
	}
	return filepath.Join(dir, fmt.Sprintf("%s%d.ckpt", HPCPrefix, next)), nil
}

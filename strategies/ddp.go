package strategies

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/pkg/errors"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/cluster"
	"github.com/314dev/fulgur/comm"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies/launchers"
)

// deadlockEnvOverride forces deadlock detection on regardless of whether
// this rank spawned children.
const deadlockEnvOverride = "FULGUR_RECONCILE_PROCESS"

// DDP runs one OS process per rank. When the cluster environment does not
// create processes externally, local rank 0 re-executes the command for
// the missing local ranks through the subprocess launcher. Gradients are
// averaged across ranks after backward while fitting, for modules that
// expose them.
type DDP struct {
	base

	Env          cluster.Environment
	Backend      launchers.BackendFactory
	NumProcesses int
	NumNodes     int

	// StaggerDelay caps the child spawn stagger; zero means the launcher
	// default.
	StaggerDelay time.Duration

	// DeadlockWindow is how long ReconciliateProcesses waits for sibling
	// ranks to report their own failure before declaring a deadlock.
	// Defaults to 3s.
	DeadlockWindow time.Duration

	// SyncDirRoot overrides where the reconciliation sync directory is
	// created; empty means the system temp directory.
	SyncDirRoot string

	launcher        *launchers.Subprocess
	syncDir         string
	pids            []int
	deadlockArmed   bool
	distributedFit  bool
}

// NewDDP creates the strategy for numProcesses local ranks per node.
func NewDDP(io checkpoints.IO, env cluster.Environment, numProcesses int) *DDP {
	if env == nil {
		env = cluster.NewLocal()
	}
	if numProcesses < 1 {
		numProcesses = 1
	}
	return &DDP{base: newBase(io), Env: env, NumProcesses: numProcesses, NumNodes: 1}
}

func (s *DDP) Launcher() launchers.Launcher {
	if s.launcher == nil {
		s.launcher = &launchers.Subprocess{
			Env:          s.Env,
			NumProcesses: s.NumProcesses,
			NumNodes:     s.NumNodes,
			Backend:      s.Backend,
			StaggerDelay: s.StaggerDelay,
		}
	}
	return s.launcher
}

// Setup finishes per-rank initialization. The distributed gradient sync is
// active only while fitting; evaluation entry points run the bare module.
func (s *DDP) Setup(mode Mode) error {
	if err := s.base.Setup(mode); err != nil {
		return err
	}
	s.distributedFit = mode == ModeFit && s.WorldSize() > 1
	if s.WorldSize() > 1 {
		if err := s.setupDeadlockDetection(); err != nil {
			return err
		}
	}
	return nil
}

// Backward runs the module's backward pass and, while fitting
// distributed, averages gradients across ranks for modules that expose
// them.
func (s *DDP) Backward(loss float64) error {
	if err := s.module.Backward(loss); err != nil {
		return err
	}
	if !s.distributedFit {
		return nil
	}
	exposer, ok := s.module.(core.GradientExposer)
	if !ok {
		return nil
	}
	averaged, err := s.backend.AllReduce(exposer.Gradients(), comm.ReduceMean)
	if err != nil {
		return errors.WithMessagef(err, "rank %d failed to synchronize gradients", s.GlobalRank())
	}
	exposer.SetGradients(averaged)
	return nil
}

// setupDeadlockDetection exchanges PIDs and shares a sync directory so a
// failing rank can later tell crashed siblings from hung ones. It arms
// only on ranks that spawned children, or everywhere under the env
// override.
func (s *DDP) setupDeadlockDetection() error {
	pids, err := s.backend.AllGatherInt(os.Getpid())
	if err != nil {
		return errors.WithMessage(err, "failed to exchange worker PIDs")
	}
	s.pids = pids

	var dir []byte
	if s.LocalRank() == 0 && s.NodeRank() == 0 {
		root := s.SyncDirRoot
		if root == "" {
			root = os.TempDir()
		}
		created, err := os.MkdirTemp(root, "fulgur_sync_")
		if err != nil {
			return errors.Wrap(err, "failed to create the reconciliation sync directory")
		}
		dir = []byte(created)
	}
	dir, err = s.backend.Broadcast(dir, 0)
	if err != nil {
		return errors.WithMessage(err, "failed to share the reconciliation sync directory")
	}
	s.syncDir = string(dir)

	spawned := s.launcher != nil && s.launcher.SpawnedChildren()
	s.deadlockArmed = spawned || os.Getenv(deadlockEnvOverride) == "1"
	return nil
}

// NodeRank returns this process's node index.
func (s *DDP) NodeRank() int { return s.ctx.NodeRank }

// ReconciliateProcesses is called when this rank fails. It marks the
// failure in the shared sync directory and waits for every sibling to do
// the same; if some never do, they are assumed hung on a collective, get
// killed, and a DeadlockError is returned.
func (s *DDP) ReconciliateProcesses(trace string) error {
	if s.WorldSize() < 2 || !s.deadlockArmed || s.syncDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.syncDir, 0o777); err != nil && !os.IsExist(err) {
		return errors.Wrap(err, "failed to recreate the reconciliation sync directory")
	}
	marker := filepath.Join(s.syncDir, fmt.Sprintf("%d.pl", s.GlobalRank()))
	if err := os.WriteFile(marker, nil, 0o666); err != nil {
		return errors.Wrapf(err, "failed to write failure marker %q", marker)
	}

	window := s.DeadlockWindow
	if window <= 0 {
		window = 3 * time.Second
	}
	expected := s.WorldSize() / s.numNodes()
	deadline := time.Now().Add(window)
	for {
		if s.countMarkers() >= expected {
			// Every rank failed on its own; let the original error
			// propagate normally.
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, pid := range s.pids {
		if pid == os.Getpid() {
			continue
		}
		klog.Warningf("Terminating hung worker pid=%d", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	_ = os.RemoveAll(s.syncDir)
	return &fault.DeadlockError{Rank: s.GlobalRank(), Trace: trace}
}

func (s *DDP) countMarkers() int {
	entries, err := os.ReadDir(s.syncDir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".pl") {
			count++
		}
	}
	return count
}

func (s *DDP) numNodes() int {
	if s.NumNodes < 1 {
		return 1
	}
	return s.NumNodes
}

func (s *DDP) Teardown() error {
	if s.syncDir != "" && s.LocalRank() == 0 && s.NodeRank() == 0 {
		_ = os.RemoveAll(s.syncDir)
	}
	return s.base.Teardown()
}

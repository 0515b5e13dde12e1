package launchers

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/cluster"
)

// Subprocess re-executes the current command once per missing local rank,
// then runs the work function as local rank 0. Children inherit the
// topology through environment variables (MASTER_ADDR, MASTER_PORT,
// NODE_RANK, LOCAL_RANK, WORLD_SIZE) and, when they start, find a non-zero
// LOCAL_RANK and skip spawning.
type Subprocess struct {
	Env          cluster.Environment
	NumProcesses int
	NumNodes     int
	Backend      BackendFactory

	// StaggerDelay caps the random per-child delay inserted between
	// spawns to avoid stampeding the rendezvous. Defaults to 5s.
	StaggerDelay time.Duration

	children []*os.Process
}

// SpawnedChildren reports whether this launcher created worker processes,
// which is what arms deadlock reconciliation on rank 0.
func (l *Subprocess) SpawnedChildren() bool { return len(l.children) > 0 }

// ChildPIDs returns the PIDs of the spawned local workers.
func (l *Subprocess) ChildPIDs() []int {
	pids := make([]int, 0, len(l.children))
	for _, p := range l.children {
		pids = append(pids, p.Pid)
	}
	return pids
}

func (l *Subprocess) numNodes() int {
	if l.NumNodes < 1 {
		return 1
	}
	return l.NumNodes
}

func (l *Subprocess) worldSize() int { return l.NumProcesses * l.numNodes() }

// Launch creates the missing local ranks (unless the environment already
// did) and runs fn as this process's rank.
func (l *Subprocess) Launch(fn WorkFunc) (any, error) {
	if !l.Env.CreatesProcessesExternally() {
		if err := l.spawnMissingRanks(); err != nil {
			return nil, err
		}
	}
	l.Env.SetWorldSize(l.worldSize())
	l.Env.SetGlobalRank(l.Env.NodeRank()*l.NumProcesses + l.Env.LocalRank())
	ctx := cluster.Snapshot(l.Env)

	factory := l.Backend
	if factory == nil {
		factory = SingleBackend
	}
	backend, err := factory(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d failed to join the collective fabric", ctx.GlobalRank)
	}
	defer backend.Close()
	return fn(Proc{Ctx: ctx, Backend: backend})
}

func (l *Subprocess) spawnMissingRanks() error {
	if l.Env.LocalRank() != 0 {
		// A re-executed child: its ranks are already set, nothing to spawn.
		if l.Env.LocalRank() < l.NumProcesses {
			return nil
		}
		return errors.Errorf(
			"cannot spawn worker processes from local rank %d: launching is reserved to local rank 0",
			l.Env.LocalRank())
	}
	if os.Getenv("LOCAL_RANK") != "" && os.Getenv("LOCAL_RANK") != "0" {
		return errors.Errorf("cannot spawn worker processes: this process already runs as local rank %s", os.Getenv("LOCAL_RANK"))
	}

	maxDelay := l.StaggerDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	for localRank := 1; localRank < l.NumProcesses; localRank++ {
		cmd := exec.Command(os.Args[0], os.Args[1:]...)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("MASTER_ADDR=%s", l.Env.MainAddress()),
			fmt.Sprintf("MASTER_PORT=%d", l.Env.MainPort()),
			fmt.Sprintf("NODE_RANK=%d", l.Env.NodeRank()),
			fmt.Sprintf("LOCAL_RANK=%d", localRank),
			fmt.Sprintf("WORLD_SIZE=%d", l.worldSize()),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return errors.Wrapf(err, "failed to start worker process for local rank %d", localRank)
		}
		l.children = append(l.children, cmd.Process)
		klog.V(1).Infof("Started worker process pid=%d for local rank %d", cmd.Process.Pid, localRank)

		// Stagger startups so children don't stampede the rendezvous.
		delay := maxDelay
		if secs := int(maxDelay / time.Second); secs >= 1 {
			delay = time.Duration(1+rand.Intn(secs)) * time.Second
		}
		time.Sleep(delay)
	}
	return nil
}

// Package launchers creates (or joins) the worker processes a distributed
// strategy runs in. Three variants exist: External joins processes an
// outside cluster manager already created, Subprocess re-executes the
// current command for the missing local ranks, and Spawn runs ranks as
// goroutines of this process wired through an in-memory collective hub.
package launchers

import (
	"github.com/314dev/fulgur/cluster"
	"github.com/314dev/fulgur/comm"
)

// Proc describes the rank a work function executes as.
type Proc struct {
	Ctx     cluster.RunContext
	Backend comm.Backend
}

// WorkFunc is the per-rank body of a launch. For process-based launchers
// it runs exactly once in each OS process; for the spawn launcher it runs
// once per goroutine rank.
type WorkFunc func(proc Proc) (any, error)

// Launcher runs fn across the world and returns rank 0's result.
type Launcher interface {
	Launch(fn WorkFunc) (any, error)
}

// BackendFactory builds the collective backend for a rank. Process-based
// launchers use it to join the fabric after topology is known.
type BackendFactory func(ctx cluster.RunContext) (comm.Backend, error)

// SingleBackend is the BackendFactory for non-distributed runs.
func SingleBackend(cluster.RunContext) (comm.Backend, error) {
	return comm.Single{}, nil
}

// External joins a world whose processes were created by the cluster
// manager; it only snapshots the topology and runs fn.
type External struct {
	Env     cluster.Environment
	Backend BackendFactory
}

// Launch runs fn as the rank described by the environment.
func (l *External) Launch(fn WorkFunc) (any, error) {
	ctx := cluster.Snapshot(l.Env)
	factory := l.Backend
	if factory == nil {
		factory = SingleBackend
	}
	backend, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	return fn(Proc{Ctx: ctx, Backend: backend})
}

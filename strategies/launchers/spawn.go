package launchers

import (
	"golang.org/x/sync/errgroup"

	"github.com/314dev/fulgur/cluster"
	"github.com/314dev/fulgur/comm"
)

// Spawn defers world creation until Launch: each rank runs as a goroutine
// of this process, wired to its siblings through an in-memory hub. Launch
// returns once every rank has finished, yielding rank 0's result (the
// value-queue hand-off of process-based spawning collapses to a variable).
type Spawn struct {
	NumProcesses int
}

// Launch runs fn once per rank and returns rank 0's result. The first
// rank error aborts the launch.
func (l *Spawn) Launch(fn WorkFunc) (any, error) {
	n := l.NumProcesses
	if n < 1 {
		n = 1
	}
	hub := comm.NewHub(n)
	var rankZeroResult any
	var group errgroup.Group
	for rank := 0; rank < n; rank++ {
		ctx := cluster.RunContext{
			GlobalRank: rank,
			LocalRank:  rank,
			WorldSize:  n,
		}
		backend := hub.Backend(rank)
		group.Go(func() error {
			result, err := fn(Proc{Ctx: ctx, Backend: backend})
			if err != nil {
				return err
			}
			if ctx.GlobalRank == 0 {
				rankZeroResult = result
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rankZeroResult, nil
}

package strategies

import (
	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/strategies/launchers"
)

// DDPSpawn runs ranks as goroutines of the calling process, created only
// when the launcher's Launch is invoked. Each rank gets its own strategy
// clone (and, when a ModuleFactory is set, its own module) wired to the
// in-memory collective hub; rank 0's results flow back to the caller after
// every rank finishes.
type DDPSpawn struct {
	DDP

	// ModuleFactory builds a fresh module per rank. When nil all ranks
	// share the connected module, which is only safe for modules that are
	// internally synchronized.
	ModuleFactory func() core.Module

	spawnLauncher *launchers.Spawn
}

// NewDDPSpawn creates the strategy for numProcesses goroutine ranks.
func NewDDPSpawn(io checkpoints.IO, numProcesses int) *DDPSpawn {
	inner := NewDDP(io, nil, numProcesses)
	return &DDPSpawn{DDP: *inner}
}

// Launcher defers rank creation to launch time.
func (s *DDPSpawn) Launcher() launchers.Launcher {
	if s.spawnLauncher == nil {
		s.spawnLauncher = &launchers.Spawn{NumProcesses: s.NumProcesses}
	}
	return s.spawnLauncher
}

// ForRank clones the strategy for one goroutine rank. Goroutine ranks
// never spawn OS processes, so deadlock reconciliation stays disarmed.
func (s *DDPSpawn) ForRank(proc launchers.Proc) Strategy {
	clone := &DDPSpawn{DDP: s.DDP, ModuleFactory: s.ModuleFactory}
	clone.launcher = nil
	clone.spawnLauncher = nil
	clone.BindRank(proc)
	if s.ModuleFactory != nil {
		clone.module = s.ModuleFactory()
	}
	return clone
}

// Setup skips the PID and sync-directory exchange: ranks share one
// process, so there are no sibling processes to reconcile.
func (s *DDPSpawn) Setup(mode Mode) error {
	if err := s.base.Setup(mode); err != nil {
		return err
	}
	s.distributedFit = mode == ModeFit && s.WorldSize() > 1
	return nil
}

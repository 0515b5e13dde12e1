package strategies

import (
	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/cluster"
	"github.com/314dev/fulgur/comm"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies/launchers"
)

// DeviceRuntime abstracts an accelerator pod runtime: it knows this
// process's ordinal, the pod's world size, and provides the pod-level
// rendezvous and mesh reduction primitives.
type DeviceRuntime interface {
	Ordinal() int
	WorldSize() int
	Rendezvous(tag string) error
	MeshReduce(tag string, vec []float64, op comm.ReduceOp) ([]float64, error)
}

// TPUSpawn drives a device pod whose ranks come from the device runtime's
// ordinals rather than from the cluster environment; launcher-assigned
// ranks are ignored. Each pod host has an independent filesystem, so
// checkpoint removal is gated on the local rank instead of the global
// one.
type TPUSpawn struct {
	base
	Runtime DeviceRuntime

	spawnLauncher *launchers.Spawn
}

// NewTPUSpawn creates the strategy on top of the given runtime.
func NewTPUSpawn(io checkpoints.IO, runtime DeviceRuntime) *TPUSpawn {
	s := &TPUSpawn{base: newBase(io), Runtime: runtime}
	s.ctx = cluster.RunContext{
		GlobalRank: runtime.Ordinal(),
		LocalRank:  runtime.Ordinal(),
		WorldSize:  runtime.WorldSize(),
	}
	return s
}

func (s *TPUSpawn) Launcher() launchers.Launcher {
	if s.spawnLauncher == nil {
		s.spawnLauncher = &launchers.Spawn{NumProcesses: s.Runtime.WorldSize()}
	}
	return s.spawnLauncher
}

// BindRank keeps the runtime's ordinals: the device runtime, not the
// launcher, owns rank assignment here.
func (s *TPUSpawn) BindRank(proc launchers.Proc) {
	if proc.Backend != nil {
		s.backend = proc.Backend
	}
}

func (s *TPUSpawn) distributed() bool { return s.Runtime.WorldSize() > 1 }

// Reduce only supports sum and mean on device pods.
func (s *TPUSpawn) Reduce(vec []float64, op comm.ReduceOp) ([]float64, error) {
	if op != comm.ReduceSum && op != comm.ReduceMean {
		return nil, fault.Configf("currently, the device-pod strategy only supports sum and mean reductions, got: %s", op)
	}
	if !s.distributed() {
		return vec, nil
	}
	return s.Runtime.MeshReduce("reduce", vec, op)
}

// Barrier rendezvouses through the device runtime when the pod has more
// than one rank.
func (s *TPUSpawn) Barrier(name string) error {
	if !s.distributed() {
		return nil
	}
	return s.Runtime.Rendezvous(name)
}

// SaveCheckpoint delegates to the checkpoint IO on every rank; the IO is
// expected to deduplicate writes for shared filesystems.
func (s *TPUSpawn) SaveCheckpoint(ck *checkpoints.Checkpoint, path string) error {
	return s.io.Save(ck, path)
}

// RemoveCheckpoint deletes on local rank 0 of each host: pod hosts do not
// share a filesystem, so every host cleans its own copy.
func (s *TPUSpawn) RemoveCheckpoint(path string) error {
	if s.LocalRank() != 0 {
		return nil
	}
	return s.io.Remove(path)
}

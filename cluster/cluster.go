// Package cluster describes where a training process runs: which rank it
// holds, how large the world is, and how to reach the main process. An
// Environment answers those questions; a RunContext freezes the answers at
// process startup so rank information never mutates mid-run.
package cluster

import (
	"os"
	"strconv"
)

// Environment abstracts the cluster manager a run executes under.
type Environment interface {
	// CreatesProcessesExternally reports whether worker processes already
	// exist (launched by the cluster manager) so the strategy must not
	// spawn its own.
	CreatesProcessesExternally() bool

	MainAddress() string
	MainPort() int

	GlobalRank() int
	SetGlobalRank(rank int)
	WorldSize() int
	SetWorldSize(size int)
	LocalRank() int
	NodeRank() int
}

// RunContext is an immutable snapshot of the process's place in the world,
// taken once at startup. Components that need rank information hold a
// RunContext instead of querying mutable trainer state.
type RunContext struct {
	GlobalRank int
	LocalRank  int
	NodeRank   int
	WorldSize  int
}

// Snapshot freezes env into a RunContext.
func Snapshot(env Environment) RunContext {
	return RunContext{
		GlobalRank: env.GlobalRank(),
		LocalRank:  env.LocalRank(),
		NodeRank:   env.NodeRank(),
		WorldSize:  env.WorldSize(),
	}
}

// IsGlobalZero reports whether this process is global rank 0.
func (rc RunContext) IsGlobalZero() bool { return rc.GlobalRank == 0 }

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Local is the single-node default environment: the strategy creates
// worker processes itself and assigns ranks. The local rank is read from
// the LOCAL_RANK variable set for re-executed children.
type Local struct {
	globalRank int
	worldSize  int
	port       int
}

// NewLocal creates a Local environment.
func NewLocal() *Local {
	return &Local{worldSize: 1}
}

func (e *Local) CreatesProcessesExternally() bool { return false }
func (e *Local) MainAddress() string              { return "127.0.0.1" }

// MainPort picks a stable pseudo-random port on first use, mirroring how a
// single-node launch without an explicit port behaves.
func (e *Local) MainPort() int {
	if e.port == 0 {
		e.port = envInt("MASTER_PORT", 0)
		if e.port == 0 {
			e.port = 10000 + os.Getpid()%20000
		}
	}
	return e.port
}

func (e *Local) GlobalRank() int         { return e.globalRank }
func (e *Local) SetGlobalRank(rank int)  { e.globalRank = rank }
func (e *Local) WorldSize() int          { return e.worldSize }
func (e *Local) SetWorldSize(size int)   { e.worldSize = size }
func (e *Local) LocalRank() int          { return envInt("LOCAL_RANK", 0) }
func (e *Local) NodeRank() int           { return envInt("NODE_RANK", 0) }

// External reads the whole topology from environment variables set by an
// external launcher (MASTER_ADDR, MASTER_PORT, WORLD_SIZE, RANK,
// LOCAL_RANK, NODE_RANK). Rank setters are ignored: the launcher owns the
// topology.
type External struct{}

// NewExternal creates an External environment.
func NewExternal() *External { return &External{} }

func (*External) CreatesProcessesExternally() bool { return true }

func (*External) MainAddress() string {
	if addr := os.Getenv("MASTER_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1"
}

func (*External) MainPort() int        { return envInt("MASTER_PORT", 29500) }
func (*External) GlobalRank() int      { return envInt("RANK", 0) }
func (*External) SetGlobalRank(int)    {}
func (*External) WorldSize() int       { return envInt("WORLD_SIZE", 1) }
func (*External) SetWorldSize(int)     {}
func (*External) LocalRank() int       { return envInt("LOCAL_RANK", 0) }
func (*External) NodeRank() int        { return envInt("NODE_RANK", 0) }

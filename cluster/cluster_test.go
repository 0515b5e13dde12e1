package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalDefaults(t *testing.T) {
	env := NewLocal()
	assert.False(t, env.CreatesProcessesExternally())
	assert.Equal(t, "127.0.0.1", env.MainAddress())
	assert.Equal(t, 1, env.WorldSize())
	assert.Equal(t, 0, env.GlobalRank())

	port := env.MainPort()
	assert.Greater(t, port, 0)
	assert.Equal(t, port, env.MainPort(), "port is stable across calls")

	env.SetGlobalRank(3)
	env.SetWorldSize(4)
	assert.Equal(t, 3, env.GlobalRank())
	assert.Equal(t, 4, env.WorldSize())
}

func TestLocalReadsChildEnv(t *testing.T) {
	t.Setenv("LOCAL_RANK", "2")
	t.Setenv("NODE_RANK", "1")
	env := NewLocal()
	assert.Equal(t, 2, env.LocalRank())
	assert.Equal(t, 1, env.NodeRank())
}

func TestExternalReadsLauncherEnv(t *testing.T) {
	t.Setenv("MASTER_ADDR", "10.0.0.7")
	t.Setenv("MASTER_PORT", "23456")
	t.Setenv("RANK", "5")
	t.Setenv("WORLD_SIZE", "8")
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("NODE_RANK", "2")

	env := NewExternal()
	assert.True(t, env.CreatesProcessesExternally())
	assert.Equal(t, "10.0.0.7", env.MainAddress())
	assert.Equal(t, 23456, env.MainPort())
	assert.Equal(t, 5, env.GlobalRank())
	assert.Equal(t, 8, env.WorldSize())
	assert.Equal(t, 1, env.LocalRank())
	assert.Equal(t, 2, env.NodeRank())

	// Setters are ignored: the launcher owns the topology.
	env.SetGlobalRank(0)
	env.SetWorldSize(1)
	assert.Equal(t, 5, env.GlobalRank())
	assert.Equal(t, 8, env.WorldSize())
}

func TestSnapshot(t *testing.T) {
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("NODE_RANK", "0")
	env := NewLocal()
	env.SetGlobalRank(1)
	env.SetWorldSize(2)

	rc := Snapshot(env)
	assert.Equal(t, RunContext{GlobalRank: 1, LocalRank: 1, NodeRank: 0, WorldSize: 2}, rc)
	assert.False(t, rc.IsGlobalZero())

	// Mutating the environment after the snapshot must not leak in.
	env.SetGlobalRank(0)
	assert.Equal(t, 1, rc.GlobalRank)
	assert.True(t, (RunContext{WorldSize: 1}).IsGlobalZero())
}

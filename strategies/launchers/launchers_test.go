package launchers

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/cluster"
)

func TestSpawnRunsEveryRank(t *testing.T) {
	l := &Spawn{NumProcesses: 4}
	var mu sync.Mutex
	seen := map[int]cluster.RunContext{}

	result, err := l.Launch(func(proc Proc) (any, error) {
		mu.Lock()
		seen[proc.Ctx.GlobalRank] = proc.Ctx
		mu.Unlock()
		// Collectives must connect the goroutine ranks.
		ranks, err := proc.Backend.AllGatherInt(proc.Ctx.GlobalRank)
		if err != nil {
			return nil, err
		}
		assert.Equal(t, []int{0, 1, 2, 3}, ranks)
		return proc.Ctx.GlobalRank * 100, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result, "the launch yields rank 0's result")
	require.Len(t, seen, 4)
	for rank, ctx := range seen {
		assert.Equal(t, cluster.RunContext{GlobalRank: rank, LocalRank: rank, WorldSize: 4}, ctx)
	}
}

func TestSpawnPropagatesRankError(t *testing.T) {
	l := &Spawn{NumProcesses: 3}
	boom := errors.New("rank 2 failed")
	_, err := l.Launch(func(proc Proc) (any, error) {
		if proc.Ctx.GlobalRank == 2 {
			return nil, boom
		}
		return nil, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestSpawnDefaultsToWorldOfOne(t *testing.T) {
	l := &Spawn{}
	result, err := l.Launch(func(proc Proc) (any, error) {
		assert.Equal(t, 1, proc.Ctx.WorldSize)
		return "solo", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "solo", result)
}

func TestExternalJoinsExistingTopology(t *testing.T) {
	t.Setenv("RANK", "2")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("LOCAL_RANK", "0")
	t.Setenv("NODE_RANK", "1")

	l := &External{Env: cluster.NewExternal()}
	result, err := l.Launch(func(proc Proc) (any, error) {
		assert.Equal(t, cluster.RunContext{GlobalRank: 2, LocalRank: 0, NodeRank: 1, WorldSize: 4}, proc.Ctx)
		require.NotNil(t, proc.Backend)
		return "joined", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "joined", result)
}

func TestSubprocessChildSkipsSpawning(t *testing.T) {
	// A re-executed child finds a non-zero LOCAL_RANK: it must run its own
	// rank without spawning further processes.
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("NODE_RANK", "0")
	l := &Subprocess{Env: cluster.NewLocal(), NumProcesses: 2}
	result, err := l.Launch(func(proc Proc) (any, error) {
		assert.Equal(t, 1, proc.Ctx.GlobalRank)
		assert.Equal(t, 2, proc.Ctx.WorldSize)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, l.SpawnedChildren())
}

func TestSubprocessRejectsOutOfRangeRank(t *testing.T) {
	t.Setenv("LOCAL_RANK", "3")
	l := &Subprocess{Env: cluster.NewLocal(), NumProcesses: 2}
	_, err := l.Launch(func(Proc) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local rank 3")
}

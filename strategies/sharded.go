package strategies

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/314dev/fulgur/comm"
	"github.com/314dev/fulgur/core"
)

// Sharded is DDP with optimizer-state sharding: each rank keeps only its
// own shard of optimizer state, cutting per-rank memory. Optimizers are
// wrapped before training starts; evaluation entry points skip the
// wrapping entirely. Full optimizer state is materialized on global rank
// 0 only, when a checkpoint asks for it.
type Sharded struct {
	DDP
}

// NewSharded creates the strategy, layered on a DDP world.
func NewSharded(ddp *DDP) *Sharded {
	return &Sharded{DDP: *ddp}
}

// SetupOptimizers wraps each optimizer in its state-sharding wrapper. Not
// called when the entry point is not fit, so evaluation never pays for
// the wrapping.
func (s *Sharded) SetupOptimizers(optimizers []core.Optimizer, schedulers []core.LRScheduler) error {
	if s.mode != ModeFit {
		return s.base.SetupOptimizers(optimizers, schedulers)
	}
	wrapped := make([]core.Optimizer, len(optimizers))
	for i, opt := range optimizers {
		wrapped[i] = &shardedOptimizer{inner: opt, backend: s.backend}
	}
	return s.base.SetupOptimizers(wrapped, schedulers)
}

// OptimizerState consolidates the sharded state onto global rank 0; other
// ranks receive nil and must not write it anywhere.
func (s *Sharded) OptimizerState(index int) (map[string]any, error) {
	if index < 0 || index >= len(s.optimizers) {
		return nil, errors.Errorf("optimizer index %d out of range (have %d optimizers)", index, len(s.optimizers))
	}
	sharded, ok := s.optimizers[index].(*shardedOptimizer)
	if !ok {
		return s.base.OptimizerState(index)
	}
	return sharded.consolidate(s.IsGlobalZero())
}

// shardedOptimizer keeps only this rank's shard of the wrapped optimizer's
// state. Stepping is untouched; state collection gathers the shards.
type shardedOptimizer struct {
	inner   core.Optimizer
	backend comm.Backend
}

func (o *shardedOptimizer) Step(closure func() (float64, error)) error { return o.inner.Step(closure) }
func (o *shardedOptimizer) ZeroGrad()                                  { o.inner.ZeroGrad() }

// StateDict returns the local shard, namespaced by rank so shards from
// different ranks never collide.
func (o *shardedOptimizer) StateDict() map[string]any {
	return map[string]any{
		fmt.Sprintf("shard_%d", o.backend.Rank()): o.inner.StateDict(),
	}
}

func (o *shardedOptimizer) LoadStateDict(state map[string]any) error {
	key := fmt.Sprintf("shard_%d", o.backend.Rank())
	shard, found := state[key]
	if !found {
		// Consolidated (unsharded) state: feed it through whole.
		return o.inner.LoadStateDict(state)
	}
	m, ok := toStringMap(shard)
	if !ok {
		return errors.Errorf("optimizer shard %q has unexpected type %T", key, shard)
	}
	return o.inner.LoadStateDict(m)
}

// consolidate gathers every rank's shard. All ranks participate in the
// exchange; only rank 0 assembles and returns the merged state.
func (o *shardedOptimizer) consolidate(isGlobalZero bool) (map[string]any, error) {
	world := o.backend.WorldSize()
	merged := make(map[string]any)
	for rank := 0; rank < world; rank++ {
		var payload []byte
		if rank == o.backend.Rank() {
			var err error
			payload, err = json.Marshal(o.StateDict())
			if err != nil {
				return nil, errors.Wrapf(err, "rank %d failed to encode its optimizer shard", rank)
			}
		}
		payload, err := o.backend.Broadcast(payload, rank)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to gather optimizer shard from rank %d", rank)
		}
		if !isGlobalZero {
			continue
		}
		var shard map[string]any
		if err := json.Unmarshal(payload, &shard); err != nil {
			return nil, errors.Wrapf(err, "failed to decode optimizer shard from rank %d", rank)
		}
		for key, value := range shard {
			merged[key] = value
		}
	}
	if !isGlobalZero {
		return nil, nil
	}
	return merged, nil
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

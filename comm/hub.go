package comm

import (
	"sync"

	"github.com/pkg/errors"
)

// Hub is an in-process collective fabric for worlds whose ranks are
// goroutines of one process, as created by the spawn launcher. Ranks
// rendezvous through a shared round structure; since every rank issues the
// same collective sequence, a single reusable round per hub suffices.
type Hub struct {
	worldSize int
	round     *round
}

// NewHub creates a hub for worldSize ranks.
func NewHub(worldSize int) *Hub {
	if worldSize < 1 {
		worldSize = 1
	}
	r := &round{}
	r.done = sync.NewCond(&r.mu)
	return &Hub{worldSize: worldSize, round: r}
}

// Backend returns the backend bound to one rank of this hub's world.
func (h *Hub) Backend(rank int) Backend {
	return &hubBackend{hub: h, rank: rank}
}

// round is a reusable rendezvous: each participating rank deposits its
// contribution; the last arrival combines them, publishes the result and
// wakes the waiters. The generation counter allows immediate reuse by the
// next collective.
type round struct {
	mu      sync.Mutex
	done    *sync.Cond
	gen     uint64
	contrib []rankContrib
	result  any
}

type rankContrib struct {
	rank  int
	value any
}

func (r *round) run(worldSize, rank int, value any, combine func([]rankContrib) any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	gen := r.gen
	r.contrib = append(r.contrib, rankContrib{rank: rank, value: value})
	if len(r.contrib) == worldSize {
		r.result = combine(r.contrib)
		r.contrib = nil
		r.gen++
		r.done.Broadcast()
		return r.result
	}
	for gen == r.gen {
		r.done.Wait()
	}
	return r.result
}

type hubBackend struct {
	hub  *Hub
	rank int
}

func (b *hubBackend) Rank() int      { return b.rank }
func (b *hubBackend) WorldSize() int { return b.hub.worldSize }

func (b *hubBackend) Barrier() error {
	b.hub.round.run(b.hub.worldSize, b.rank, nil, func([]rankContrib) any { return nil })
	return nil
}

func (b *hubBackend) Broadcast(data []byte, src int) ([]byte, error) {
	if src < 0 || src >= b.hub.worldSize {
		return nil, errors.Errorf("broadcast source rank %d out of range for world size %d", src, b.hub.worldSize)
	}
	result := b.hub.round.run(b.hub.worldSize, b.rank, data, func(contribs []rankContrib) any {
		for _, c := range contribs {
			if c.rank == src {
				return c.value
			}
		}
		return nil
	})
	out, _ := result.([]byte)
	return out, nil
}

func (b *hubBackend) AllReduce(vec []float64, op ReduceOp) ([]float64, error) {
	result := b.hub.round.run(b.hub.worldSize, b.rank, vec, func(contribs []rankContrib) any {
		combined := make([]float64, len(vec))
		for i, c := range contribs {
			v := c.value.([]float64)
			for j, x := range v {
				switch {
				case i == 0:
					combined[j] = x
				case op == ReduceSum || op == ReduceMean:
					combined[j] += x
				case op == ReduceMax && x > combined[j]:
					combined[j] = x
				case op == ReduceMin && x < combined[j]:
					combined[j] = x
				}
			}
		}
		if op == ReduceMean {
			for j := range combined {
				combined[j] /= float64(len(contribs))
			}
		}
		return combined
	})
	combined := result.([]float64)
	out := make([]float64, len(combined))
	copy(out, combined)
	return out, nil
}

func (b *hubBackend) AllGather(vec []float64) ([][]float64, error) {
	result := b.hub.round.run(b.hub.worldSize, b.rank, vec, func(contribs []rankContrib) any {
		gathered := make([][]float64, b.hub.worldSize)
		for _, c := range contribs {
			v := c.value.([]float64)
			out := make([]float64, len(v))
			copy(out, v)
			gathered[c.rank] = out
		}
		return gathered
	})
	return result.([][]float64), nil
}

func (b *hubBackend) AllGatherInt(value int) ([]int, error) {
	result := b.hub.round.run(b.hub.worldSize, b.rank, value, func(contribs []rankContrib) any {
		gathered := make([]int, b.hub.worldSize)
		for _, c := range contribs {
			gathered[c.rank] = c.value.(int)
		}
		return gathered
	})
	gathered := result.([]int)
	out := make([]int, len(gathered))
	copy(out, gathered)
	return out, nil
}

func (b *hubBackend) Close() error { return nil }

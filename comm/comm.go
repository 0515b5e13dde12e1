// Package comm defines the collective-communication contract strategies
// use to coordinate ranks, together with a no-op single-process backend and
// an in-process hub for spawned (goroutine) workers. The network fabric
// itself is injectable and out of scope here.
package comm

import "github.com/pkg/errors"

// ReduceOp selects how AllReduce combines contributions.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
	ReduceMin
)

// String returns the lowercase op name.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	}
	return "unknown"
}

// Backend executes collectives for one rank. All ranks of a world must
// issue the same sequence of collective calls.
type Backend interface {
	Rank() int
	WorldSize() int

	// Barrier blocks until every rank reaches it.
	Barrier() error

	// Broadcast distributes src's data to all ranks; non-src ranks pass nil.
	Broadcast(data []byte, src int) ([]byte, error)

	// AllReduce combines equal-length vectors element-wise with op and
	// returns the combined vector on every rank.
	AllReduce(vec []float64, op ReduceOp) ([]float64, error)

	// AllGather returns every rank's vector, indexed by rank.
	AllGather(vec []float64) ([][]float64, error)

	// AllGatherInt is AllGather for a single integer per rank.
	AllGatherInt(value int) ([]int, error)

	Close() error
}

// Single is the backend of a world of one: every collective is an identity.
type Single struct{}

func (Single) Rank() int      { return 0 }
func (Single) WorldSize() int { return 1 }
func (Single) Barrier() error { return nil }

func (Single) Broadcast(data []byte, src int) ([]byte, error) {
	if src != 0 {
		return nil, errors.Errorf("broadcast source rank %d out of range for world size 1", src)
	}
	return data, nil
}

func (Single) AllReduce(vec []float64, op ReduceOp) ([]float64, error) {
	out := make([]float64, len(vec))
	copy(out, vec)
	return out, nil
}

func (Single) AllGather(vec []float64) ([][]float64, error) {
	out := make([]float64, len(vec))
	copy(out, vec)
	return [][]float64{out}, nil
}

func (Single) AllGatherInt(value int) ([]int, error) { return []int{value}, nil }

func (Single) Close() error { return nil }

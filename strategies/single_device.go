package strategies

import "github.com/314dev/fulgur/checkpoints"

// SingleDevice runs everything in the calling process as a world of one:
// reductions and broadcasts are identities and barriers return
// immediately.
type SingleDevice struct {
	base
}

// NewSingleDevice creates the strategy. A nil io selects JSON checkpoints.
func NewSingleDevice(io checkpoints.IO) *SingleDevice {
	return &SingleDevice{base: newBase(io)}
}

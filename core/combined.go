package core

import (
	"io"

	"github.com/pkg/errors"
)

// CombinedLoader zips several named dataloaders into one: each batch is a
// map from name to that loader's batch. It is exhausted as soon as the
// shortest member is ("min_size" mode).
//
// Because its members advance in lockstep from potentially different
// positions, a combined loader cannot be fast-forwarded to a mid-epoch
// position on restart; loops reject capturing its state while restarting.
type CombinedLoader struct {
	names   []string
	loaders map[string]DataLoader
}

// NewCombinedLoader combines the given loaders. The iteration order of
// names is preserved for Reset and Len.
func NewCombinedLoader(loaders map[string]DataLoader) *CombinedLoader {
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	return &CombinedLoader{names: names, loaders: loaders}
}

// Next yields a map with one batch per member, or io.EOF once any member
// is exhausted.
func (c *CombinedLoader) Next() (Batch, error) {
	out := make(map[string]Batch, len(c.loaders))
	for name, dl := range c.loaders {
		b, err := dl.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "combined loader %q", name)
		}
		out[name] = b
	}
	return out, nil
}

// Reset rewinds all members.
func (c *CombinedLoader) Reset() error {
	for name, dl := range c.loaders {
		if err := dl.Reset(); err != nil {
			return errors.WithMessagef(err, "combined loader %q", name)
		}
	}
	return nil
}

// Len is the length of the shortest sized member, or -1 if any member is
// unsized.
func (c *CombinedLoader) Len() int {
	minLen := -1
	for _, dl := range c.loaders {
		n := LoaderLen(dl)
		if n < 0 {
			return -1
		}
		if minLen < 0 || n < minLen {
			minLen = n
		}
	}
	return minLen
}

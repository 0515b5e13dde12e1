package train

import (
	"io"

	"github.com/pkg/errors"

	"github.com/314dev/fulgur/core"
)

// fetcher wraps a dataloader with one batch of lookahead so every yielded
// batch knows whether it is the last one of its epoch.
type fetcher struct {
	loader    core.DataLoader
	peeked    core.Batch
	peekedErr error
	hasPeeked bool
	exhausted bool
}

func newFetcher(loader core.DataLoader) *fetcher {
	return &fetcher{loader: loader}
}

// Next yields the next batch and whether it is the final one; io.EOF once
// the loader is exhausted.
func (f *fetcher) Next() (batch core.Batch, isLast bool, err error) {
	if !f.hasPeeked {
		f.peeked, f.peekedErr = f.loader.Next()
		f.hasPeeked = true
	}
	if f.peekedErr != nil {
		if f.peekedErr == io.EOF {
			f.exhausted = true
			return nil, false, io.EOF
		}
		return nil, false, errors.WithMessage(f.peekedErr, "dataloader failed")
	}
	batch = f.peeked
	f.peeked, f.peekedErr = f.loader.Next()
	if f.peekedErr == io.EOF {
		f.exhausted = true
		isLast = true
	}
	return batch, isLast, nil
}

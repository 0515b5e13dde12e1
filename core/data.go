package core

import "io"

// DataLoader yields batches until exhausted, at which point Next returns
// io.EOF. Reset rewinds the loader so a new epoch can start.
type DataLoader interface {
	Next() (Batch, error)
	Reset() error
}

// Sized is implemented by dataloaders that know how many batches they
// yield per epoch. Unsized loaders are treated as infinite.
type Sized interface {
	Len() int
}

// StatefulLoader supports mid-epoch capture and restore, used by
// fault-tolerant checkpoints to resume inside an epoch.
type StatefulLoader interface {
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// EpochSetter is implemented by loaders (typically with distributed
// samplers) that reshuffle per epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// DataModule bundles the dataloaders of a run. Only TrainDataloader is
// required for fitting; the others are optional capabilities.
type DataModule interface {
	TrainDataloader() DataLoader
}

// ValDataProvider supplies validation dataloaders.
type ValDataProvider interface {
	ValDataloaders() []DataLoader
}

// TestDataProvider supplies test dataloaders.
type TestDataProvider interface {
	TestDataloaders() []DataLoader
}

// PredictDataProvider supplies prediction dataloaders.
type PredictDataProvider interface {
	PredictDataloaders() []DataLoader
}

// StatefulDataModule contributes state to checkpoints, restored on resume.
type StatefulDataModule interface {
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// LoaderLen returns the number of batches of dl, or -1 when unsized.
func LoaderLen(dl DataLoader) int {
	if s, ok := dl.(Sized); ok {
		return s.Len()
	}
	return -1
}

// SliceLoader adapts a slice of batches into a DataLoader. It is Sized and
// Stateful, so it supports limits and mid-epoch resume out of the box.
type SliceLoader struct {
	Batches []Batch
	next    int
}

// NewSliceLoader creates a SliceLoader over the given batches.
func NewSliceLoader(batches ...Batch) *SliceLoader {
	return &SliceLoader{Batches: batches}
}

// Next returns the next batch or io.EOF.
func (l *SliceLoader) Next() (Batch, error) {
	if l.next >= len(l.Batches) {
		return nil, io.EOF
	}
	b := l.Batches[l.next]
	l.next++
	return b, nil
}

// Reset rewinds to the first batch.
func (l *SliceLoader) Reset() error {
	l.next = 0
	return nil
}

// Len returns the total number of batches.
func (l *SliceLoader) Len() int { return len(l.Batches) }

// StateDict captures the read position.
func (l *SliceLoader) StateDict() map[string]any {
	return map[string]any{"next": l.next}
}

// LoadStateDict restores the read position. JSON round-trips integers as
// float64, so both are accepted.
func (l *SliceLoader) LoadStateDict(state map[string]any) error {
	switch v := state["next"].(type) {
	case int:
		l.next = v
	case float64:
		l.next = int(v)
	}
	return nil
}

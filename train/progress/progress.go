// Package progress implements the counters the training loops use to track
// how far they have advanced, both over the lifetime of a run (Total) and
// within the current epoch or restart window (Current).
//
// Counters are plain value types so copying them is a deep copy, and they
// serialize directly to JSON inside checkpoints.
package progress

// Tracker counts the four phases an event goes through. At any observation
// point Ready >= Started >= Processed >= Completed holds: an event becomes
// ready before it starts, starts before it is processed, and is processed
// before it completes.
type Tracker struct {
	Ready     int `json:"ready"`
	Started   int `json:"started"`
	Processed int `json:"processed"`
	Completed int `json:"completed"`
}

// Reset zeroes all phases.
func (t *Tracker) Reset() {
	*t = Tracker{}
}

// ResetOnRestart rewinds the in-flight phases to the last completed event,
// so a restarted loop redoes work that was interrupted mid-flight.
func (t *Tracker) ResetOnRestart() {
	t.Ready = t.Completed
	t.Started = t.Completed
	t.Processed = t.Completed
}

// Progress pairs a monotonically growing Total tracker with a Current
// tracker that resets at epoch (or restart) boundaries. All increments bump
// both trackers.
type Progress struct {
	Total   Tracker `json:"total"`
	Current Tracker `json:"current"`
}

// IncrementReady marks one more event as ready.
func (p *Progress) IncrementReady() {
	p.Total.Ready++
	p.Current.Ready++
}

// IncrementStarted marks one more event as started.
func (p *Progress) IncrementStarted() {
	p.Total.Started++
	p.Current.Started++
}

// IncrementProcessed marks one more event as processed.
func (p *Progress) IncrementProcessed() {
	p.Total.Processed++
	p.Current.Processed++
}

// IncrementCompleted marks one more event as completed.
func (p *Progress) IncrementCompleted() {
	p.Total.Completed++
	p.Current.Completed++
}

// ResetOnRun zeroes the Current tracker for a fresh run; Total is preserved.
func (p *Progress) ResetOnRun() {
	p.Current.Reset()
}

// ResetOnRestart rewinds the Current tracker to its last completed event.
func (p *Progress) ResetOnRestart() {
	p.Current.ResetOnRestart()
}

// BatchProgress tracks batches and remembers whether the last fetched batch
// was the final one of its dataloader.
type BatchProgress struct {
	Progress
	IsLastBatch bool `json:"is_last_batch"`
}

// ResetOnRun also forgets the last-batch marker.
func (p *BatchProgress) ResetOnRun() {
	p.Progress.ResetOnRun()
	p.IsLastBatch = false
}

// ResetOnRestart also forgets the last-batch marker.
func (p *BatchProgress) ResetOnRestart() {
	p.Progress.ResetOnRestart()
	p.IsLastBatch = false
}

// OptimizerProgress tracks optimizer steps and gradient zeroing separately,
// since under gradient accumulation they advance at different cadences.
type OptimizerProgress struct {
	Step     Progress `json:"step"`
	ZeroGrad Progress `json:"zero_grad"`
}

// ResetOnRun resets both sub-progresses for a fresh run.
func (p *OptimizerProgress) ResetOnRun() {
	p.Step.ResetOnRun()
	p.ZeroGrad.ResetOnRun()
}

// ResetOnRestart rewinds both sub-progresses to their completed events.
func (p *OptimizerProgress) ResetOnRestart() {
	p.Step.ResetOnRestart()
	p.ZeroGrad.ResetOnRestart()
}

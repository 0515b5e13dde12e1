// Package hooks implements the trainer's callback system: an event enum, a
// priority-ordered registry of named handlers, and the interfaces callbacks
// implement to register themselves and persist state across restarts.
package hooks

import (
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/314dev/fulgur/checkpoints"
)

// Event identifies a point in the trainer's lifecycle at which handlers
// fire.
type Event int

// Keep the names table below in sync when adding events.
const (
	EventTrainStart Event = iota
	EventTrainEnd
	EventTrainEpochStart
	EventTrainEpochEnd
	EventTrainBatchStart
	EventTrainBatchEnd
	EventValidationStart
	EventValidationEnd
	EventValidationBatchStart
	EventValidationBatchEnd
	EventTestStart
	EventTestEnd
	EventTestBatchStart
	EventTestBatchEnd
	EventPredictStart
	EventPredictEnd
	EventPredictBatchStart
	EventPredictBatchEnd
	EventSaveCheckpoint
	EventLoadCheckpoint
	EventException
	numEvents
)

var eventNames = [numEvents]string{
	"train_start", "train_end",
	"train_epoch_start", "train_epoch_end",
	"train_batch_start", "train_batch_end",
	"validation_start", "validation_end",
	"validation_batch_start", "validation_batch_end",
	"test_start", "test_end",
	"test_batch_start", "test_batch_end",
	"predict_start", "predict_end",
	"predict_batch_start", "predict_batch_end",
	"save_checkpoint", "load_checkpoint",
	"exception",
}

// String returns the snake_case event name.
func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return "unknown_event"
	}
	return eventNames[e]
}

// Context carries event payload to handlers. Which fields are set depends
// on the event; unset fields are zero.
type Context struct {
	Event         Event
	Epoch         int
	GlobalStep    int
	Batch         any
	BatchIdx      int
	DataloaderIdx int

	// Output is the step output for batch-end events, when any.
	Output any

	// Metrics are the scalars logged for end-of-phase events.
	Metrics map[string]float64

	// Checkpoint is set for save/load checkpoint events.
	Checkpoint *checkpoints.Checkpoint

	// Err is set for the exception event.
	Err error
}

// Handler reacts to one event occurrence.
type Handler func(ctx *Context) error

// Priority orders handlers on the same event: lower runs earlier, ties run
// in registration order.
type Priority int

type namedHandler struct {
	name string
	fn   Handler
}

// Registry holds the handlers of one trainer, keyed by event and ordered
// by priority. It is not safe for concurrent mutation while dispatching.
type Registry struct {
	handlers [numEvents]map[Priority][]namedHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a named handler for the given event at the default
// priority (0).
func (r *Registry) Add(event Event, name string, fn Handler) {
	r.AddWithPriority(event, name, 0, fn)
}

// AddWithPriority registers a named handler at an explicit priority.
func (r *Registry) AddWithPriority(event Event, name string, priority Priority, fn Handler) {
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[Priority][]namedHandler)
	}
	r.handlers[event][priority] = append(r.handlers[event][priority], namedHandler{name: name, fn: fn})
}

// Call dispatches ctx to every handler of ctx.Event in priority order. The
// first handler error aborts dispatch and is returned annotated with the
// handler's name.
func (r *Registry) Call(ctx *Context) error {
	perPriority := r.handlers[ctx.Event]
	if len(perPriority) == 0 {
		return nil
	}
	priorities := maps.Keys(perPriority)
	slices.Sort(priorities)
	for _, priority := range priorities {
		for _, h := range perPriority[priority] {
			if err := h.fn(ctx); err != nil {
				return errors.WithMessagef(err, "hook %q on event %s", h.name, ctx.Event)
			}
		}
	}
	return nil
}

// Callback is anything that registers handlers with a trainer's registry.
type Callback interface {
	Register(reg *Registry)
}

// Stateful callbacks contribute state to checkpoints under their state key
// and restore from it on resume. Keys must be unique per trainer.
type Stateful interface {
	StateKey() string
	StateDict() (json.RawMessage, error)
	LoadStateDict(state json.RawMessage) error
}

package hooks

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCallOrder(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	record := func(name string) Handler {
		return func(*Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	reg.AddWithPriority(EventTrainStart, "late", 10, record("late"))
	reg.Add(EventTrainStart, "first", record("first"))
	reg.Add(EventTrainStart, "second", record("second"))
	reg.AddWithPriority(EventTrainStart, "early", -5, record("early"))
	reg.Add(EventTrainEnd, "other-event", record("other-event"))

	require.NoError(t, reg.Call(&Context{Event: EventTrainStart}))
	assert.Equal(t, []string{"early", "first", "second", "late"}, calls,
		"priority first, registration order within a priority")
}

func TestRegistryCallStopsOnError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	var secondRan bool
	reg.Add(EventTrainBatchEnd, "failing", func(*Context) error { return boom })
	reg.Add(EventTrainBatchEnd, "after", func(*Context) error {
		secondRan = true
		return nil
	})

	err := reg.Call(&Context{Event: EventTrainBatchEnd})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `hook "failing" on event train_batch_end`)
	assert.False(t, secondRan)
}

func TestRegistryCallNoHandlers(t *testing.T) {
	assert.NoError(t, NewRegistry().Call(&Context{Event: EventException}))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "train_start", EventTrainStart.String())
	assert.Equal(t, "validation_batch_end", EventValidationBatchEnd.String())
	assert.Equal(t, "save_checkpoint", EventSaveCheckpoint.String())
	assert.Equal(t, "exception", EventException.String())
	assert.Equal(t, "unknown_event", Event(-1).String())
	assert.Equal(t, "unknown_event", Event(1000).String())
}

func TestContextCarriesPayload(t *testing.T) {
	reg := NewRegistry()
	var seen *Context
	reg.Add(EventValidationBatchEnd, "capture", func(ctx *Context) error {
		seen = ctx
		return nil
	})
	in := &Context{
		Event:         EventValidationBatchEnd,
		Epoch:         2,
		GlobalStep:    31,
		BatchIdx:      7,
		DataloaderIdx: 1,
		Metrics:       map[string]float64{"val_loss": 0.5},
	}
	require.NoError(t, reg.Call(in))
	assert.Same(t, in, seen)
}

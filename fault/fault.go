// Package fault defines the error taxonomy shared by the trainer, loops and
// strategies: user configuration errors, deadlock reports from distributed
// reconciliation, and the sentinel used for fault-tolerant graceful stops.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports an invalid user-facing configuration value or an
// unsupported combination of settings. It is distinguished from internal
// errors so callers can surface it without a stack dump.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// Configf creates a ConfigError with a formatted message.
func Configf(format string, args ...any) error {
	return errors.WithStack(&ConfigError{msg: fmt.Sprintf(format, args...)})
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// DeadlockError is returned by distributed process reconciliation when some
// ranks died while others kept waiting on a collective. It identifies the
// reporting rank and carries the trace of the original failure.
type DeadlockError struct {
	Rank  int
	Trace string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected: rank %d failed while other processes kept waiting\n%s", e.Rank, e.Trace)
}

// IsDeadlock reports whether err is (or wraps) a DeadlockError.
func IsDeadlock(err error) bool {
	var de *DeadlockError
	return errors.As(err, &de)
}

// ErrStopRequested signals that a termination request (SIGTERM under fault
// tolerance) was observed and the run should unwind gracefully: the trainer
// saves an auto-resume checkpoint and returns without error.
var ErrStopRequested = errors.New("graceful stop requested")

// ErrInterrupted signals a user interrupt (SIGINT). The trainer swallows
// it after notifying exception hooks, leaving the run in an interrupted
// state.
var ErrInterrupted = errors.New("run interrupted")

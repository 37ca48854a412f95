package runner

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure. The variants inherently encode where in
// the lifecycle the failure happened, which is what decides who freed the
// admission slot: Busy never held it, Validation frees it synchronously
// before returning, Spawn frees it when the start error is observed. The
// caller never frees the slot itself, so a cleanup path can neither
// double-free nor under-free it regardless of which variant fired.
type Kind int

const (
	// KindBusy: another execution holds the slot. Not retried internally.
	KindBusy Kind = iota + 1
	// KindThrottled: the run admission rate limit was exceeded.
	KindThrottled
	// KindValidation: the candidate failed pre-spawn validation
	// (absolute path, traversal, missing file, symlink target, or a
	// suffix outside the allow-list). Nothing was started.
	KindValidation
	// KindSpawn: the process could not be started (binary missing,
	// permission denied).
	KindSpawn
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindThrottled:
		return "throttled"
	case KindValidation:
		return "validation"
	case KindSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// RunError is the typed failure returned by Manager.Run.
type RunError struct {
	Kind Kind
	err  error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case KindBusy:
		return "a run is already in progress, try again later"
	case KindThrottled:
		return "run rate limit exceeded, try again later"
	case KindValidation:
		return fmt.Sprintf("invalid run target: %v", e.err)
	case KindSpawn:
		return fmt.Sprintf("starting runner: %v", e.err)
	default:
		return e.err.Error()
	}
}

func (e *RunError) Unwrap() error { return e.err }

// AsRunError extracts a *RunError from err, if present.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	ok := errors.As(err, &re)
	return re, ok
}

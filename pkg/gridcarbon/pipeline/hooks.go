package pipeline

import "errors"

// Hooks observes stage lifecycle transitions. Implementations must be safe
// for concurrent use; panics are recovered and logged, never propagated.
type Hooks interface {
	// OnStart fires when a stage's first worker begins.
	OnStart(stage string)
	// OnError fires for every failed attempt, including ones that will be
	// retried. For batch stages item is the []T batch.
	OnError(stage string, item any, err error)
	// OnComplete fires when all of a stage's workers have exited.
	OnComplete(stage string)
}

// ErrorMatcher reports whether an error belongs to a registered kind.
type ErrorMatcher func(err error) bool

// ErrorHandler receives items whose final disposition is a dead letter.
type ErrorHandler[T any] func(failed FailedItem[T])

// Kind builds an ErrorMatcher for the error type E, matching through wrapped
// chains via errors.As.
func Kind[E error]() ErrorMatcher {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

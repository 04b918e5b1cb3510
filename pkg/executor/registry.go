package executor

import (
	"context"
	"errors"
	"fmt"

	"stepflow/pkg/models"
)

// StepExecutor runs one step type. Input arrives with all references already
// resolved; the returned map becomes the step's output in the execution
// context.
type StepExecutor interface {
	Type() models.StepType
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Registry is the closed set of step executors, registered at startup.
// Unknown step types are a definition error, not an extension point.
type Registry struct {
	executors map[models.StepType]StepExecutor
}

func NewRegistry(executors ...StepExecutor) *Registry {
	r := &Registry{executors: make(map[models.StepType]StepExecutor, len(executors))}
	for _, e := range executors {
		r.executors[e.Type()] = e
	}
	return r
}

func (r *Registry) Get(t models.StepType) (StepExecutor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, Permanent(fmt.Errorf("no executor registered for step type %q", t))
	}
	return e, nil
}

// permanentError marks failures that retrying cannot fix: bad definitions,
// rejected requests, unresolvable references. The attempt loop fails fast on
// these instead of burning the retry budget.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func stringInput(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requireString(input map[string]any, key string) (string, error) {
	s, ok := stringInput(input, key)
	if !ok || s == "" {
		return "", Permanent(fmt.Errorf("step input %q is required and must be a string", key))
	}
	return s, nil
}

// Package worker defines the contract between the dispatcher and the
// external task executors, and provides exec, NATS, and in-process
// implementations.
//
// A worker receives a Request carrying one work item and returns a Result.
// The dispatcher knows nothing about how the work is done.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/phasegate/internal/plan"
)

// Status is the outcome of one item execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Request is what a worker receives.
type Request struct {
	RunID   string        `json:"runId,omitempty"`
	PhaseID string        `json:"phaseId"`
	Attempt int           `json:"attempt"`
	Item    plan.WorkItem `json:"item"`
}

// Reflection is the worker's outcome report for an item.
type Reflection struct {
	Outcome         string   `json:"outcome,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Usage is the resource consumption a worker reports for an item.
type Usage struct {
	DirectOperations int64 `json:"directOperations,omitempty"`
	LargeReads       int64 `json:"largeReads,omitempty"`
}

// Result is what a worker returns. Criteria carries success-criterion
// observations keyed by criterion name.
type Result struct {
	ItemID     string          `json:"itemId"`
	WorkerID   string          `json:"workerId,omitempty"`
	Status     Status          `json:"status"`
	Transient  bool            `json:"transient,omitempty"`
	Artifacts  []string        `json:"artifacts,omitempty"`
	Reflection Reflection      `json:"reflection"`
	Usage      Usage           `json:"usage"`
	Criteria   map[string]bool `json:"criteria,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Worker executes work items for the capabilities it advertises.
type Worker interface {
	ID() string
	Capabilities() []string
	// Concurrency is the number of items the worker accepts at once.
	Concurrency() int
	// Execute runs one item. A returned error is an infrastructure failure;
	// wrap it with Transient when a retry may succeed.
	Execute(ctx context.Context, req Request) (Result, error)
}

// ErrTransient marks failures worth one automatic retry.
var ErrTransient = errors.New("transient worker failure")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// WorkerFailure is a failed item after the retry policy was applied.
type WorkerFailure struct {
	ItemID     string
	WorkerID   string
	Transient  bool
	Attempts   int
	Diagnostic string
}

func (e *WorkerFailure) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("work item %s failed on worker %s (%s, %d attempts): %s",
		e.ItemID, e.WorkerID, kind, e.Attempts, e.Diagnostic)
}

// Func adapts a Go function to the Worker interface.
type Func struct {
	id    string
	caps  []string
	slots int
	fn    func(ctx context.Context, req Request) (Result, error)
}

// NewFunc creates an in-process worker. slots below 1 means 1.
func NewFunc(id string, capabilities []string, slots int, fn func(ctx context.Context, req Request) (Result, error)) *Func {
	return &Func{id: id, caps: capabilities, slots: max(slots, 1), fn: fn}
}

func (f *Func) ID() string             { return f.id }
func (f *Func) Capabilities() []string { return f.caps }
func (f *Func) Concurrency() int       { return f.slots }

// Execute calls the wrapped function.
func (f *Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.fn(ctx, req)
}

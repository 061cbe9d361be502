// Package handler defines the contract between the dispatcher and the
// collaborators that perform side-effecting actions, and the registry
// mapping action types to them.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gatekeeper/pkg/workitem"
)

// Result is a successful execution.
type Result struct {
	Output any    `json:"output,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Failure is a classified handler failure. The classification is declared
// by the handler; the dispatcher never infers it from an error message.
type Failure struct {
	Class  workitem.Classification
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient returns a failure that may succeed if retried.
func Transient(detail string, err error) *Failure {
	return &Failure{Class: workitem.Transient, Detail: detail, Err: err}
}

// Permanent returns a failure that will not succeed on retry.
func Permanent(detail string, err error) *Failure {
	return &Failure{Class: workitem.Permanent, Detail: detail, Err: err}
}

// Classify extracts the Failure from err. Errors that carry no
// classification are permanent.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return Permanent(err.Error(), nil)
}

// Handler performs one category of action. Implementations must tolerate
// being invoked more than once for the same item.
type Handler interface {
	Name() string
	// Timeout bounds one invocation. Zero means the dispatcher default.
	Timeout() time.Duration
	// NeverRetry sends any failure straight to Failed.
	NeverRetry() bool
	Execute(ctx context.Context, actionType string, params map[string]any) (Result, error)
}

// ErrAlreadyRegistered is returned when an action type already has a handler.
var ErrAlreadyRegistered = errors.New("action type already has a handler")

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds actionType to h.
func (r *Registry) Register(actionType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[actionType]; ok {
		return fmt.Errorf("%s: %w", actionType, ErrAlreadyRegistered)
	}
	r.handlers[actionType] = h
	return nil
}

// Resolve returns the handler for actionType.
func (r *Registry) Resolve(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// ActionTypes lists registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Func adapts a function into a Handler.
type Func struct {
	HandlerName string
	Limit       time.Duration
	NoRetry     bool
	Fn          func(ctx context.Context, actionType string, params map[string]any) (Result, error)
}

func (f *Func) Name() string           { return f.HandlerName }
func (f *Func) Timeout() time.Duration { return f.Limit }
func (f *Func) NeverRetry() bool       { return f.NoRetry }

func (f *Func) Execute(ctx context.Context, actionType string, params map[string]any) (Result, error) {
	return f.Fn(ctx, actionType, params)
}

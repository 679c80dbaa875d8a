package tool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

// Retryable is implemented by tools whose calls can be repeated without side
// effects. Tools that do not implement it, or return false, are run once.
type Retryable interface {
	Retryable() bool
}

// Registry maps tool names to tools and dispatches validated calls
type Registry struct {
	tools   map[string]gollem.Tool
	order   []string
	policy  retry.Policy
	timeout time.Duration
}

// Option configures a Registry
type Option func(*Registry)

// WithRetryPolicy sets the policy used for retryable tools
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithTimeout bounds each external call
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates a registry. Tool names must be unique.
func NewRegistry(tools []gollem.Tool, opts ...Option) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]gollem.Tool, len(tools)),
		policy:  retry.Default(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, t := range tools {
		name := t.Spec().Name
		if name == "" {
			return nil, goerr.New("tool name is empty")
		}
		if _, exists := r.tools[name]; exists {
			return nil, goerr.New("duplicate tool name", goerr.V(model.ToolNameKey, name))
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Tools returns the registered tools in registration order
func (r *Registry) Tools() []gollem.Tool {
	tools := make([]gollem.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Specs returns the parameter schemas of every tool in registration order
func (r *Registry) Specs() []gollem.ToolSpec {
	specs := make([]gollem.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Has reports whether a tool is registered under name
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Invoke validates and runs call. It never returns an error: every failure
// becomes a ToolResult with status error.
//
// Cancellation of ctx is honored only before dispatch. Once the external call
// starts it runs to completion or until the registry timeout, and the caller
// decides whether to keep the result.
func (r *Registry) Invoke(ctx context.Context, call *model.ToolCall) *model.ToolResult {
	result := r.invoke(ctx, call)

	attrs := []any{
		slog.String("tool", call.Name),
		slog.String("call_id", string(call.ID)),
		slog.String("status", result.Status.String()),
	}
	if result.Error != "" {
		attrs = append(attrs, slog.String("error", result.Error))
	}
	logging.From(ctx).Info("tool dispatched", attrs...)

	return result
}

func (r *Registry) invoke(ctx context.Context, call *model.ToolCall) *model.ToolResult {
	t, ok := r.tools[call.Name]
	if !ok {
		return ErrorResult(call, goerr.Wrap(model.ErrUnknownTool, "no such tool", goerr.V(model.ToolNameKey, call.Name)))
	}

	if err := Validate(t.Spec(), call.Arguments); err != nil {
		return ErrorResult(call, err)
	}

	if err := ctx.Err(); err != nil {
		return ErrorResult(call, goerr.Wrap(err, "tool dispatch canceled"))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	policy := retry.Once()
	if rt, ok := t.(Retryable); ok && rt.Retryable() {
		policy = r.policy
	}

	var payload map[string]any
	err := policy.Do(callCtx, func(ctx context.Context) error {
		out, err := t.Run(ctx, call.Arguments)
		if err != nil {
			return err
		}
		payload = out
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrToolValidation) {
			err = errors.Join(model.ErrToolInvocation, err)
		}
		return ErrorResult(call, err)
	}

	return &model.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Status:  types.ToolStatusOK,
		Payload: payload,
	}
}

// ErrorResult builds a status=error result whose payload carries a structured
// message the model can read and relay.
func ErrorResult(call *model.ToolCall, err error) *model.ToolResult {
	kind := "invocation_error"
	switch {
	case errors.Is(err, model.ErrToolValidation):
		kind = "validation_error"
	case errors.Is(err, model.ErrUnknownTool):
		kind = "unknown_tool"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}

	return &model.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Status: types.ToolStatusError,
		Payload: map[string]any{
			"error_type": kind,
			"message":    err.Error(),
		},
		Error: err.Error(),
	}
}

// Package tools is the uniform dispatch boundary for external
// capabilities. The invoker classifies every failure as transient or
// permanent so the executor's retry policy can apply correctly, and
// appends an audit record for each attempt.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var invokerTracer trace.Tracer = otel.Tracer("archon/internal/tools")

// Result is the structured outcome of a successful tool invocation.
type Result struct {
	Data    map[string]interface{}
	Summary string
}

// Tool is one invocable capability. Invoke must respect ctx deadlines.
type Tool interface {
	Name() string
	// Idempotent reports whether the tool may be retried after a
	// transient failure. Non-idempotent tools never get a second
	// attempt, and their deadline overruns are treated as permanent.
	Idempotent() bool
	Invoke(ctx context.Context, args map[string]interface{}) (Result, error)
}

// ToolFailure is the classified error returned by the invoker.
type ToolFailure struct {
	Tool      string
	Transient bool
	Err       error
}

func (e ToolFailure) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("tool %s failed (%s): %v", e.Tool, kind, e.Err)
}

func (e ToolFailure) Unwrap() error { return e.Err }

// transientError marks an underlying error as retryable.
type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Transient() bool { return true }

// Transient wraps err so the invoker classifies it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func isTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Call identifies one invocation for dispatch and audit.
type Call struct {
	SessionID string
	TaskID    string
	Tool      string
	Args      map[string]interface{}
	Deadline  time.Time
	Attempt   int
}

// CallRecord is the append-only audit entry for one invocation attempt.
// Never mutated after write.
type CallRecord struct {
	ID         string
	SessionID  string
	TaskID     string
	Tool       string
	Args       map[string]interface{}
	Result     map[string]interface{}
	Error      string
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// CallRecorder persists audit records. A nil recorder disables audit.
type CallRecorder interface {
	RecordToolCall(ctx context.Context, rec CallRecord) error
}

// Invoker dispatches calls to registered tools.
type Invoker struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	recorder CallRecorder
	logger   *log.Logger
}

// NewInvoker creates an invoker. recorder may be nil.
func NewInvoker(logger *log.Logger, recorder CallRecorder) *Invoker {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	return &Invoker{
		tools:    make(map[string]Tool),
		recorder: recorder,
		logger:   logger,
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (inv *Invoker) Register(t Tool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tools[t.Name()] = t
}

// Idempotent reports whether the named tool may be retried. Unknown
// tools report false.
func (inv *Invoker) Idempotent(name string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	t, ok := inv.tools[name]
	return ok && t.Idempotent()
}

// Invoke dispatches the call with its deadline applied and returns a
// Result or a classified ToolFailure.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (Result, error) {
	ctx, span := invokerTracer.Start(ctx, "tools.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", call.Tool),
			attribute.String("task.id", call.TaskID),
			attribute.Int("tool.attempt", call.Attempt),
		))
	defer span.End()

	inv.mu.RLock()
	tool, ok := inv.tools[call.Tool]
	inv.mu.RUnlock()
	if !ok {
		err := ToolFailure{Tool: call.Tool, Transient: false, Err: fmt.Errorf("no such tool registered")}
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if !call.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, call.Deadline)
		defer cancel()
	}

	started := time.Now().UTC()
	result, invokeErr := tool.Invoke(ctx, call.Args)
	finished := time.Now().UTC()

	rec := CallRecord{
		ID:         uuid.NewString(),
		SessionID:  call.SessionID,
		TaskID:     call.TaskID,
		Tool:       call.Tool,
		Args:       call.Args,
		Attempt:    call.Attempt,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if invokeErr != nil {
		rec.Error = invokeErr.Error()
	} else {
		rec.Result = result.Data
	}
	if inv.recorder != nil {
		// The call deadline has often already expired here (that is the
		// attempt being audited), so the write gets a detached context.
		if err := inv.recorder.RecordToolCall(context.WithoutCancel(ctx), rec); err != nil {
			inv.logger.Printf("recording tool call for task %s failed: %v", call.TaskID, err)
		}
	}

	if invokeErr == nil {
		span.SetStatus(codes.Ok, "completed")
		return result, nil
	}

	failure := ToolFailure{Tool: call.Tool, Err: invokeErr, Transient: inv.classify(tool, ctx, invokeErr)}
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Error())
	return Result{}, failure
}

// classify decides whether a failure is retryable. Deadline overruns
// are transient unless the tool cannot be retried safely; everything
// else follows the tool's own transient marker.
func (inv *Invoker) classify(tool Tool, ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tool.Idempotent()
	}
	return tool.Idempotent() && isTransient(err)
}

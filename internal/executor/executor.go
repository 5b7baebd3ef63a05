// Package executor runs one planned task at a time against the tool
// invoker, with retry for transient failures and dependency skip
// propagation on permanent ones.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/archon-ai/archon/config"
	"github.com/archon-ai/archon/internal/memory"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/progress"
	"github.com/archon-ai/archon/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// memoryWriter is the slice of the memory service the executor needs.
type memoryWriter interface {
	RememberShortTerm(ctx context.Context, sessionID string, kind memory.ShortTermKind, content string) (memory.ShortTermEntry, error)
}

// Executor advances a task graph one task per Step call, so the caller
// can observe pause and cancel requests between tasks.
type Executor struct {
	cfg     config.ExecutorConfig
	invoker *tools.Invoker
	memory  memoryWriter
	events  progress.Publisher
	logger  *log.Logger
}

func New(cfg config.ExecutorConfig, invoker *tools.Invoker, mem memoryWriter, events progress.Publisher, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXEC] ", log.LstdFlags)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 2 * time.Minute
	}
	return &Executor{cfg: cfg, invoker: invoker, memory: mem, events: events, logger: logger}
}

// Step executes the lowest-ordinal ready task. It returns the task it
// ran, or nil when no task is ready. Task failure is not a Step error:
// the graph records it and dependents are skipped. Step errors only for
// caller-level problems such as a cancelled context.
func (e *Executor) Step(ctx context.Context, sessionID string, g *planner.Graph) (*planner.Task, error) {
	ready := g.Ready()
	if len(ready) == 0 {
		return nil, nil
	}
	task := ready[0]
	if err := g.MarkRunning(task.ID); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	ctx, span := otel.Tracer("archon/internal/executor").Start(ctx, "executor.step")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("task.id", task.ID),
		attribute.String("task.tool", task.Tool),
	)
	defer span.End()

	res, attempts, err := e.runWithRetry(ctx, sessionID, task)
	task.Retries = attempts - 1
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: leave the task running so a
			// resume can re-derive it as ready.
			return task, ctx.Err()
		}
		skipped, markErr := g.MarkFailed(task.ID, map[string]interface{}{"error": err.Error()})
		if markErr != nil {
			return nil, fmt.Errorf("executor: %w", markErr)
		}
		e.logger.Printf("task %s failed after %d attempt(s): %v (skipping %d dependent(s))", task.ID, attempts, err, len(skipped))
		e.publish(ctx, progress.Event{
			SessionID: sessionID,
			TaskID:    task.ID,
			Kind:      progress.KindTaskFailed,
			Payload: map[string]interface{}{
				"error":    err.Error(),
				"attempts": attempts,
				"skipped":  skipped,
			},
		})
		return task, nil
	}

	result := map[string]interface{}{"summary": res.Summary}
	if res.Data != nil {
		result["data"] = res.Data
	}
	if err := g.MarkSucceeded(task.ID, result); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	e.logger.Printf("task %s succeeded after %d attempt(s)", task.ID, attempts)

	if task.Memorable && e.memory != nil {
		content := res.Summary
		if content == "" {
			content = fmt.Sprintf("task %s (%s) completed", task.ID, task.Tool)
		}
		if _, err := e.memory.RememberShortTerm(ctx, sessionID, memoryKindFor(task.Tool), content); err != nil {
			e.logger.Printf("memorable task %s: short-term write failed: %v", task.ID, err)
		}
	}

	e.publish(ctx, progress.Event{
		SessionID: sessionID,
		TaskID:    task.ID,
		Kind:      progress.KindTaskSucceeded,
		Payload: map[string]interface{}{
			"summary":  res.Summary,
			"attempts": attempts,
		},
	})
	return task, nil
}

// runWithRetry invokes the task's tool up to MaxAttempts times,
// backing off exponentially between transient failures. Permanent
// failures abort immediately.
func (e *Executor) runWithRetry(ctx context.Context, sessionID string, task *planner.Task) (tools.Result, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return tools.Result{}, attempt, err
		}
		res, err := e.invoker.Invoke(ctx, tools.Call{
			SessionID: sessionID,
			TaskID:    task.ID,
			Tool:      task.Tool,
			Args:      task.Args,
			Deadline:  time.Now().Add(e.cfg.ToolTimeout),
			Attempt:   attempt,
		})
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		var failure tools.ToolFailure
		if !errors.As(err, &failure) || !failure.Transient {
			return tools.Result{}, attempt, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := e.backoff(attempt)
		e.logger.Printf("task %s attempt %d/%d failed transiently, retrying in %s: %v", task.ID, attempt, e.cfg.MaxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return tools.Result{}, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return tools.Result{}, e.cfg.MaxAttempts, fmt.Errorf("exhausted %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.cfg.BaseDelay << uint(attempt-1)
	if delay > e.cfg.MaxDelay || delay <= 0 {
		delay = e.cfg.MaxDelay
	}
	return delay
}

func (e *Executor) publish(ctx context.Context, ev progress.Event) {
	if e.events != nil {
		e.events.Publish(ctx, ev)
	}
}

func memoryKindFor(tool string) memory.ShortTermKind {
	switch tool {
	case "codegen":
		return memory.KindCodeSnippet
	case "db_query":
		return memory.KindContext
	default:
		return memory.KindState
	}
}

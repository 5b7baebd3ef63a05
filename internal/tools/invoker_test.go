package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeTool struct {
	name       string
	idempotent bool
	invoke     func(ctx context.Context, args map[string]interface{}) (Result, error)
}

func (f fakeTool) Name() string     { return f.name }
func (f fakeTool) Idempotent() bool { return f.idempotent }
func (f fakeTool) Invoke(ctx context.Context, args map[string]interface{}) (Result, error) {
	return f.invoke(ctx, args)
}

type recordingSink struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *recordingSink) RecordToolCall(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestInvokeUnknownToolIsPermanent(t *testing.T) {
	inv := NewInvoker(nil, nil)
	_, err := inv.Invoke(context.Background(), Call{Tool: "ghost"})
	var failure ToolFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ToolFailure, got %v", err)
	}
	if failure.Transient {
		t.Fatal("unknown tool must be a permanent failure")
	}
}

func TestInvokeClassifiesTransientMarker(t *testing.T) {
	inv := NewInvoker(nil, nil)
	inv.Register(fakeTool{name: "flaky", idempotent: true, invoke: func(context.Context, map[string]interface{}) (Result, error) {
		return Result{}, Transient(fmt.Errorf("connection reset"))
	}})
	_, err := inv.Invoke(context.Background(), Call{Tool: "flaky"})
	var failure ToolFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ToolFailure, got %v", err)
	}
	if !failure.Transient {
		t.Fatal("marked errors on idempotent tools should be transient")
	}
}

func TestInvokeNonIdempotentToolNeverTransient(t *testing.T) {
	inv := NewInvoker(nil, nil)
	inv.Register(fakeTool{name: "file_op", idempotent: false, invoke: func(context.Context, map[string]interface{}) (Result, error) {
		return Result{}, Transient(fmt.Errorf("disk hiccup"))
	}})
	_, err := inv.Invoke(context.Background(), Call{Tool: "file_op"})
	var failure ToolFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ToolFailure, got %v", err)
	}
	if failure.Transient {
		t.Fatal("non-idempotent tools must not be retried")
	}
}

func TestInvokeDeadlineExceededClassification(t *testing.T) {
	slow := func(ctx context.Context, _ map[string]interface{}) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Second):
			return Result{Summary: "done"}, nil
		}
	}
	cases := []struct {
		name          string
		idempotent    bool
		wantTransient bool
	}{
		{"idempotent timeout is transient", true, true},
		{"non-idempotent timeout is permanent", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := NewInvoker(nil, nil)
			inv.Register(fakeTool{name: "slow", idempotent: tc.idempotent, invoke: slow})
			_, err := inv.Invoke(context.Background(), Call{
				Tool:     "slow",
				Deadline: time.Now().Add(10 * time.Millisecond),
			})
			var failure ToolFailure
			if !errors.As(err, &failure) {
				t.Fatalf("expected ToolFailure, got %v", err)
			}
			if failure.Transient != tc.wantTransient {
				t.Fatalf("transient = %v, want %v", failure.Transient, tc.wantTransient)
			}
		})
	}
}

func TestInvokeRecordsAuditTrail(t *testing.T) {
	sink := &recordingSink{}
	inv := NewInvoker(nil, sink)
	inv.Register(fakeTool{name: "echo", idempotent: true, invoke: func(_ context.Context, args map[string]interface{}) (Result, error) {
		return Result{Data: args, Summary: "ok"}, nil
	}})
	inv.Register(fakeTool{name: "broken", idempotent: true, invoke: func(context.Context, map[string]interface{}) (Result, error) {
		return Result{}, fmt.Errorf("nope")
	}})

	if _, err := inv.Invoke(context.Background(), Call{SessionID: "s1", TaskID: "t1", Tool: "echo", Args: map[string]interface{}{"k": "v"}, Attempt: 1}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, err := inv.Invoke(context.Background(), Call{SessionID: "s1", TaskID: "t2", Tool: "broken", Attempt: 2}); err == nil {
		t.Fatal("expected broken tool to fail")
	}

	if len(sink.records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(sink.records))
	}
	first, second := sink.records[0], sink.records[1]
	if first.Tool != "echo" || first.Error != "" || first.Result["k"] != "v" {
		t.Fatalf("unexpected success record: %+v", first)
	}
	if second.Tool != "broken" || second.Error == "" || second.Attempt != 2 {
		t.Fatalf("unexpected failure record: %+v", second)
	}
	if first.ID == "" || first.FinishedAt.Before(first.StartedAt) {
		t.Fatalf("record timestamps/id malformed: %+v", first)
	}
}

// deadlineSink refuses writes on an expired context, the way a real
// database driver would.
type deadlineSink struct {
	recordingSink
}

func (d *deadlineSink) RecordToolCall(ctx context.Context, rec CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.recordingSink.RecordToolCall(ctx, rec)
}

func TestAuditRecordSurvivesCallDeadline(t *testing.T) {
	sink := &deadlineSink{}
	inv := NewInvoker(nil, sink)
	inv.Register(fakeTool{name: "slow", idempotent: true, invoke: func(ctx context.Context, _ map[string]interface{}) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})

	_, err := inv.Invoke(context.Background(), Call{
		SessionID: "s1",
		TaskID:    "t1",
		Tool:      "slow",
		Deadline:  time.Now().Add(10 * time.Millisecond),
		Attempt:   1,
	})
	var failure ToolFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ToolFailure, got %v", err)
	}

	// The attempt timed out, but its audit record must still land.
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.TaskID != "t1" || rec.Error == "" {
		t.Fatalf("unexpected timeout record: %+v", rec)
	}
}

func TestIdempotentLookup(t *testing.T) {
	inv := NewInvoker(nil, nil)
	inv.Register(fakeTool{name: "db_query", idempotent: true, invoke: func(context.Context, map[string]interface{}) (Result, error) {
		return Result{}, nil
	}})
	if !inv.Idempotent("db_query") {
		t.Fatal("db_query should report idempotent")
	}
	if inv.Idempotent("ghost") {
		t.Fatal("unknown tools report non-idempotent")
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/archon-ai/archon/config"
	"github.com/archon-ai/archon/internal/executor"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/progress"
	"github.com/archon-ai/archon/internal/tools"
)

var allStates = []State{StateCreated, StatePlanning, StateExecuting, StatePaused, StateCompleted, StateFailed, StateCancelled}

func TestTransitionTableIsExhaustive(t *testing.T) {
	legal := map[State]map[State]bool{
		StateCreated:   {StatePlanning: true, StateCancelled: true},
		StatePlanning:  {StateExecuting: true, StateFailed: true, StateCancelled: true},
		StateExecuting: {StatePaused: true, StateCompleted: true, StateFailed: true, StateCancelled: true},
		StatePaused:    {StateExecuting: true, StateCancelled: true},
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	}
	for _, from := range allStates {
		for _, to := range allStates {
			want := legal[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	for _, s := range allStates {
		wantTerminal := len(legal[s]) == 0
		if s.Terminal() != wantTerminal {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), wantTerminal)
		}
	}
}

// fakeStore keeps everything in memory and records feature status
// transitions for assertions.
type fakeStore struct {
	mu       sync.Mutex
	features map[string]planner.Feature
	sessions map[string]Session
	tasks    map[string][]*planner.Task
}

func newFakeStore(features ...planner.Feature) *fakeStore {
	fs := &fakeStore{
		features: make(map[string]planner.Feature),
		sessions: make(map[string]Session),
		tasks:    make(map[string][]*planner.Task),
	}
	for _, f := range features {
		fs.features[f.ID] = f
	}
	return fs
}

func (fs *fakeStore) GetFeature(_ context.Context, id string) (planner.Feature, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.features[id]
	if !ok {
		return planner.Feature{}, fmt.Errorf("feature %s not found", id)
	}
	return f, nil
}

func (fs *fakeStore) UpdateFeatureStatus(_ context.Context, id string, status planner.FeatureStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := fs.features[id]
	f.Status = status
	fs.features[id] = f
	return nil
}

func (fs *fakeStore) InsertSession(_ context.Context, s Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sessions[s.ID] = s
	return nil
}

func (fs *fakeStore) UpdateSession(_ context.Context, s Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sessions[s.ID] = s
	return nil
}

func (fs *fakeStore) GetSession(_ context.Context, id string) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func (fs *fakeStore) HasActiveSession(_ context.Context, featureID string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, s := range fs.sessions {
		if s.FeatureID == featureID && !s.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (fs *fakeStore) InsertTasks(_ context.Context, sessionID string, tasks []*planner.Task) error {
	return fs.SaveTaskStates(context.Background(), sessionID, tasks)
}

func (fs *fakeStore) SaveTaskStates(_ context.Context, sessionID string, tasks []*planner.Task) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	snapshot := make([]*planner.Task, len(tasks))
	for i, task := range tasks {
		cp := *task
		snapshot[i] = &cp
	}
	fs.tasks[sessionID] = snapshot
	return nil
}

func (fs *fakeStore) ListTasks(_ context.Context, sessionID string) ([]planner.Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]planner.Task, 0, len(fs.tasks[sessionID]))
	for _, task := range fs.tasks[sessionID] {
		out = append(out, *task)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Ordinal < out[b].Ordinal })
	return out, nil
}

func (fs *fakeStore) featureStatus(id string) planner.FeatureStatus {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.features[id].Status
}

func (fs *fakeStore) taskStatus(sessionID, taskID string) planner.TaskStatus {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, task := range fs.tasks[sessionID] {
		if task.ID == taskID {
			return task.Status
		}
	}
	return ""
}

// stageTool executes codegen tasks by stage, with per-stage scripted
// failures and an optional gate to hold an invocation open.
type stageTool struct {
	mu      sync.Mutex
	counts  map[string]int
	failing map[string]error
	gate    chan struct{}
	started chan string
}

func newStageTool() *stageTool {
	return &stageTool{counts: make(map[string]int), failing: make(map[string]error)}
}

func (s *stageTool) Name() string     { return "codegen" }
func (s *stageTool) Idempotent() bool { return true }

func (s *stageTool) Invoke(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
	stage, _ := args["stage"].(string)
	s.mu.Lock()
	s.counts[stage]++
	failErr := s.failing[stage]
	gate := s.gate
	started := s.started
	s.mu.Unlock()

	if started != nil {
		started <- stage
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
	}
	if failErr != nil {
		return tools.Result{}, failErr
	}
	return tools.Result{Summary: stage + " done"}, nil
}

func (s *stageTool) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[stage]
}

type testRig struct {
	orch   *Orchestrator
	store  *fakeStore
	tool   *stageTool
	broker *progress.Broker
}

func newTestRig(t *testing.T, features ...planner.Feature) *testRig {
	t.Helper()
	fs := newFakeStore(features...)
	return buildRig(t, fs, newStageTool(), planner.RuleStrategy{}, 4)
}

// buildRig assembles an orchestrator over the given store and tool;
// constructing a second rig over the same store models a restarted
// process.
func buildRig(t *testing.T, fs *fakeStore, tool *stageTool, strategy planner.Strategy, maxConcurrent int) *testRig {
	t.Helper()
	inv := tools.NewInvoker(nil, nil)
	inv.Register(tool)
	broker := progress.NewBroker(50, 16, nil)
	pl := planner.New(config.PlannerConfig{MaxRepairAttempts: 1}, nil, strategy)
	ex := executor.New(config.ExecutorConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		ToolTimeout: time.Second,
	}, inv, nil, broker, nil)
	orch := New(config.OrchestratorConfig{MaxConcurrentSessions: maxConcurrent, RecentEventWindow: 50}, fs, pl, ex, broker, broker, nil, nil)
	return &testRig{orch: orch, store: fs, tool: tool, broker: broker}
}

func loginFeature() planner.Feature {
	return planner.Feature{
		ID:          "feat-1",
		ProjectID:   "proj-1",
		Title:       "add login endpoint",
		Description: "add a login endpoint with password hashing",
		Status:      planner.FeatureDraft,
	}
}

func waitForState(t *testing.T, orch *Orchestrator, sessionID string, want State) Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := orch.GetSession(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.State == want {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	sess, _ := orch.GetSession(context.Background(), sessionID)
	t.Fatalf("session %s never reached %s (stuck at %s)", sessionID, want, sess.State)
	return Session{}
}

func TestExecuteDrivesSessionToCompleted(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()

	sess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.State != StateCreated {
		t.Fatalf("new session should be created, got %s", sess.State)
	}

	state, err := rig.orch.Execute(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state != StatePlanning {
		t.Fatalf("execute should report planning, got %s", state)
	}

	final := waitForState(t, rig.orch, sess.ID, StateCompleted)
	if final.Checkpoint != "test" {
		t.Fatalf("checkpoint should be the last task, got %q", final.Checkpoint)
	}
	for _, stage := range []string{"scaffold", "implement", "test"} {
		if rig.tool.count(stage) != 1 {
			t.Fatalf("stage %s ran %d times", stage, rig.tool.count(stage))
		}
	}
	if got := rig.store.featureStatus("feat-1"); got != planner.FeatureDone {
		t.Fatalf("feature should be done, got %s", got)
	}

	p, err := rig.orch.GetProgress(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Tasks[planner.TaskSucceeded] != 3 {
		t.Fatalf("progress should count 3 succeeded tasks, got %+v", p.Tasks)
	}

	// Terminal sessions release their event stream.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(rig.broker.Recent(sess.ID, 10)) > 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := rig.broker.Recent(sess.ID, 10); len(got) != 0 {
		t.Fatalf("event stream should be dropped after completion, still holds %d events", len(got))
	}
}

func TestPermanentFailureSkipsDependentsAndFailsSession(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	rig.tool.failing["implement"] = fmt.Errorf("syntax error in generated code")
	ctx := context.Background()

	sess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	final := waitForState(t, rig.orch, sess.ID, StateFailed)
	if final.Checkpoint != "scaffold" {
		t.Fatalf("checkpoint should stay at scaffold, got %q", final.Checkpoint)
	}
	if got := rig.store.taskStatus(sess.ID, "test"); got != planner.TaskSkipped {
		t.Fatalf("test task should be skipped, got %s", got)
	}
	if got := rig.store.taskStatus(sess.ID, "implement"); got != planner.TaskFailed {
		t.Fatalf("implement task should be failed, got %s", got)
	}
	if rig.tool.count("test") != 0 {
		t.Fatal("skipped tasks must never run")
	}
	if got := rig.store.featureStatus("feat-1"); got != planner.FeatureFailed {
		t.Fatalf("feature should be failed, got %s", got)
	}
}

func TestPauseCommitsAtTaskBoundaryAndResumeContinues(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	rig.tool.gate = make(chan struct{})
	rig.tool.started = make(chan string, 8)
	ctx := context.Background()

	sess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Wait until scaffold is mid-flight, then request the pause.
	if stage := <-rig.tool.started; stage != "scaffold" {
		t.Fatalf("expected scaffold first, got %s", stage)
	}
	state, err := rig.orch.Pause(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if state != StatePaused {
		t.Fatalf("pause should report paused, got %s", state)
	}

	// Let the in-flight task finish its attempt; the pause commits at
	// the boundary.
	close(rig.tool.gate)
	rig.tool.mu.Lock()
	rig.tool.gate = nil
	rig.tool.started = nil
	rig.tool.mu.Unlock()

	paused := waitForState(t, rig.orch, sess.ID, StatePaused)
	if paused.Checkpoint != "scaffold" {
		t.Fatalf("in-flight task should complete before the pause, checkpoint %q", paused.Checkpoint)
	}
	if rig.tool.count("implement") != 0 {
		t.Fatal("no task may start while paused")
	}

	if _, err := rig.orch.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForState(t, rig.orch, sess.ID, StateCompleted)

	// Completed work is never re-run after resume.
	if rig.tool.count("scaffold") != 1 {
		t.Fatalf("scaffold ran %d times", rig.tool.count("scaffold"))
	}
	if rig.tool.count("implement") != 1 || rig.tool.count("test") != 1 {
		t.Fatalf("remaining stages should run once: implement=%d test=%d",
			rig.tool.count("implement"), rig.tool.count("test"))
	}
}

func TestPauseOutsideExecutingIsInvalid(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	sess, _ := rig.orch.CreateSession(context.Background(), "feat-1")
	_, err := rig.orch.Pause(context.Background(), sess.ID)
	var invalid InvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	if invalid.From != StateCreated || invalid.To != StatePaused {
		t.Fatalf("unexpected edge in error: %+v", invalid)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()
	sess, _ := rig.orch.CreateSession(ctx, "feat-1")

	state, err := rig.orch.Cancel(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
	// A second cancel is a no-op.
	state, err = rig.orch.Cancel(ctx, sess.ID)
	if err != nil || state != StateCancelled {
		t.Fatalf("repeat cancel: state=%s err=%v", state, err)
	}
}

func TestCancelCompletedSessionIsInvalid(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()
	sess, _ := rig.orch.CreateSession(ctx, "feat-1")
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitForState(t, rig.orch, sess.ID, StateCompleted)

	_, err := rig.orch.Cancel(ctx, sess.ID)
	var invalid InvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestCancelInterruptsExecution(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	rig.tool.gate = make(chan struct{})
	rig.tool.started = make(chan string, 8)
	ctx := context.Background()

	sess, _ := rig.orch.CreateSession(ctx, "feat-1")
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-rig.tool.started

	if _, err := rig.orch.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForState(t, rig.orch, sess.ID, StateCancelled)
	if rig.tool.count("implement") != 0 {
		t.Fatal("no further task may run after cancel")
	}
}

func TestSecondActiveSessionIsRejected(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()
	if _, err := rig.orch.CreateSession(ctx, "feat-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err := rig.orch.CreateSession(ctx, "feat-1")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.FeatureID != "feat-1" {
		t.Fatalf("conflict should name the feature, got %+v", conflict)
	}
}

func TestExecuteTwiceIsInvalid(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()
	sess, _ := rig.orch.CreateSession(ctx, "feat-1")
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitForState(t, rig.orch, sess.ID, StateCompleted)

	_, err := rig.orch.Execute(ctx, sess.ID)
	var invalid InvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestUnknownSessionErrors(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	_, err := rig.orch.Execute(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubscribeSeesLifecycleEvents(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	ctx := context.Background()
	sess, _ := rig.orch.CreateSession(ctx, "feat-1")

	ch, cancel, err := rig.orch.Subscribe(sess.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitForState(t, rig.orch, sess.ID, StateCompleted)

	var kinds []progress.EventKind
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == progress.KindStateChanged && ev.Payload["to"] == string(StateCompleted) {
				break drain
			}
		case <-deadline:
			t.Fatalf("never saw the completed event, got %v", kinds)
		}
	}
	var succeeded int
	for _, k := range kinds {
		if k == progress.KindTaskSucceeded {
			succeeded++
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected 3 task_succeeded events, got %d in %v", succeeded, kinds)
	}
}

// gatedStrategy blocks decomposition until its context is cancelled,
// signalling once the call is underway.
type gatedStrategy struct {
	started chan struct{}
}

func (gatedStrategy) Name() string { return "gated" }

func (g gatedStrategy) Decompose(ctx context.Context, _ planner.Feature) ([]planner.TaskSpec, error) {
	close(g.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelDuringPlanningEndsCancelled(t *testing.T) {
	strategy := gatedStrategy{started: make(chan struct{})}
	rig := buildRig(t, newFakeStore(loginFeature()), newStageTool(), strategy, 4)
	ctx := context.Background()

	sess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-strategy.started

	state, err := rig.orch.Cancel(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("cancel should report cancelled, got %s", state)
	}

	final := waitForState(t, rig.orch, sess.ID, StateCancelled)
	if final.Error != "" {
		t.Fatalf("cancelled session must not record a planning error, got %q", final.Error)
	}
	if got := rig.store.featureStatus("feat-1"); got == planner.FeatureFailed {
		t.Fatal("cancel must not mark the feature failed")
	}
}

func TestResumeAfterRestartRehydratesFromStore(t *testing.T) {
	rig := newTestRig(t, loginFeature())
	rig.tool.gate = make(chan struct{})
	rig.tool.started = make(chan string, 8)
	ctx := context.Background()

	sess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := rig.orch.Execute(ctx, sess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-rig.tool.started
	if _, err := rig.orch.Pause(ctx, sess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(rig.tool.gate)
	rig.tool.mu.Lock()
	rig.tool.gate = nil
	rig.tool.started = nil
	rig.tool.mu.Unlock()
	waitForState(t, rig.orch, sess.ID, StatePaused)

	// A fresh orchestrator over the same store models a restarted
	// process: no in-memory handle survives.
	restarted := buildRig(t, rig.store, rig.tool, planner.RuleStrategy{}, 4)
	got, err := restarted.orch.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after restart: %v", err)
	}
	if got.State != StatePaused {
		t.Fatalf("rehydrated session should be paused, got %s", got.State)
	}
	if got.Checkpoint != "scaffold" {
		t.Fatalf("rehydrated checkpoint should be scaffold, got %q", got.Checkpoint)
	}

	if _, err := restarted.orch.Resume(ctx, sess.ID); err != nil {
		t.Fatalf("Resume after restart: %v", err)
	}
	waitForState(t, restarted.orch, sess.ID, StateCompleted)

	// Completed work persisted before the restart is never re-run.
	for _, stage := range []string{"scaffold", "implement", "test"} {
		if rig.tool.count(stage) != 1 {
			t.Fatalf("stage %s ran %d times across the restart", stage, rig.tool.count(stage))
		}
	}
	if got := rig.store.featureStatus("feat-1"); got != planner.FeatureDone {
		t.Fatalf("feature should be done, got %s", got)
	}
}

func signupFeature() planner.Feature {
	return planner.Feature{
		ID:          "feat-2",
		ProjectID:   "proj-1",
		Title:       "add signup endpoint",
		Description: "add a signup endpoint with email verification",
		Status:      planner.FeatureDraft,
	}
}

func TestResumeHonoursSessionCap(t *testing.T) {
	rig := buildRig(t, newFakeStore(loginFeature(), signupFeature()), newStageTool(), planner.RuleStrategy{}, 1)
	rig.tool.gate = make(chan struct{})
	rig.tool.started = make(chan string, 8)
	ctx := context.Background()

	pausedSess, err := rig.orch.CreateSession(ctx, "feat-2")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := rig.orch.Execute(ctx, pausedSess.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-rig.tool.started
	if _, err := rig.orch.Pause(ctx, pausedSess.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(rig.tool.gate)
	waitForState(t, rig.orch, pausedSess.ID, StatePaused)

	// Re-arm the gate and fill the single slot with another session.
	rig.tool.mu.Lock()
	rig.tool.gate = make(chan struct{})
	rig.tool.mu.Unlock()
	runningSess, err := rig.orch.CreateSession(ctx, "feat-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	execDeadline := time.Now().Add(time.Second)
	for {
		_, err = rig.orch.Execute(ctx, runningSess.ID)
		if err == nil {
			break
		}
		var conflict ConflictError
		if !errors.As(err, &conflict) || !time.Now().Before(execDeadline) {
			t.Fatalf("Execute: %v", err)
		}
		// The paused driver releases its slot just after the state
		// commits.
		time.Sleep(2 * time.Millisecond)
	}
	<-rig.tool.started

	_, err = rig.orch.Resume(ctx, pausedSess.ID)
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("resume over a full slot table should conflict, got %v", err)
	}
	if got, _ := rig.orch.GetSession(ctx, pausedSess.ID); got.State != StatePaused {
		t.Fatalf("failed resume must leave the session paused, got %s", got.State)
	}

	rig.tool.mu.Lock()
	close(rig.tool.gate)
	rig.tool.gate = nil
	rig.tool.started = nil
	rig.tool.mu.Unlock()
	waitForState(t, rig.orch, runningSess.ID, StateCompleted)

	resumeDeadline := time.Now().Add(time.Second)
	for {
		_, err = rig.orch.Resume(ctx, pausedSess.ID)
		if err == nil {
			break
		}
		if !errors.As(err, &conflict) || !time.Now().Before(resumeDeadline) {
			t.Fatalf("Resume: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitForState(t, rig.orch, pausedSess.ID, StateCompleted)
}

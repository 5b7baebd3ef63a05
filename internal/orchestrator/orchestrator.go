// Package orchestrator owns the agent session state machine. It drives
// planning and execution for a feature, observes pause and cancel
// requests at task boundaries, and fans progress out to the event
// stream.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-ai/archon/config"
	"github.com/archon-ai/archon/internal/executor"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/progress"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Session is the unit the orchestrator drives. Mutated only by the
// orchestrator; everyone else reads snapshots.
type Session struct {
	ID         string    `json:"id"`
	FeatureID  string    `json:"feature_id"`
	ProjectID  string    `json:"project_id"`
	State      State     `json:"state"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Progress is the pull-side view of a session.
type Progress struct {
	State      State                      `json:"state"`
	Checkpoint string                     `json:"checkpoint,omitempty"`
	Tasks      map[planner.TaskStatus]int `json:"tasks,omitempty"`
	LastEvents []progress.Event           `json:"last_events,omitempty"`
}

// storeAPI is the persistence surface the orchestrator needs.
type storeAPI interface {
	GetFeature(ctx context.Context, id string) (planner.Feature, error)
	UpdateFeatureStatus(ctx context.Context, id string, status planner.FeatureStatus) error
	InsertSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	HasActiveSession(ctx context.Context, featureID string) (bool, error)
	InsertTasks(ctx context.Context, sessionID string, tasks []*planner.Task) error
	SaveTaskStates(ctx context.Context, sessionID string, tasks []*planner.Task) error
	ListTasks(ctx context.Context, sessionID string) ([]planner.Task, error)
}

// eventSource is the subscription side of the in-process broker.
type eventSource interface {
	Subscribe(sessionID string) (<-chan progress.Event, func())
	Recent(sessionID string, limit int) []progress.Event
	Drop(sessionID string)
}

// sessionReleaser lets the orchestrator drop per-session memory indexes
// once a session is terminal.
type sessionReleaser interface {
	ReleaseSession(sessionID string)
}

// handle is the in-process control block for one session. Pause and
// cancel are asynchronous flags observed by the driver at task
// boundaries only.
type handle struct {
	mu      sync.Mutex
	sess    Session
	feature planner.Feature
	graph   *planner.Graph

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
	stop            context.CancelFunc
	driving         bool
}

// Orchestrator sequences Planner -> Executor -> Memory for each session.
// Advancement is serialized per session; distinct sessions run fully in
// parallel up to the configured limit.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    storeAPI
	planner  *planner.Planner
	executor *executor.Executor
	events   progress.Publisher
	source   eventSource
	releaser sessionReleaser
	logger   *log.Logger

	mu        sync.Mutex
	handles   map[string]*handle
	byFeature map[string]string
	active    int
}

func New(cfg config.OrchestratorConfig, st storeAPI, pl *planner.Planner, ex *executor.Executor, events progress.Publisher, source eventSource, releaser sessionReleaser, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 8
	}
	if cfg.RecentEventWindow <= 0 {
		cfg.RecentEventWindow = 20
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		planner:   pl,
		executor:  ex,
		events:    events,
		source:    source,
		releaser:  releaser,
		logger:    logger,
		handles:   make(map[string]*handle),
		byFeature: make(map[string]string),
	}
}

// CreateSession opens a session for a feature. A feature may have at
// most one active (non-terminal) session at a time.
func (o *Orchestrator) CreateSession(ctx context.Context, featureID string) (Session, error) {
	feature, err := o.store.GetFeature(ctx, featureID)
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	if sid, ok := o.byFeature[featureID]; ok {
		if h := o.handles[sid]; h != nil {
			h.mu.Lock()
			terminal := h.sess.State.Terminal()
			h.mu.Unlock()
			if !terminal {
				o.mu.Unlock()
				return Session{}, ConflictError{FeatureID: featureID, Reason: "an active session already exists"}
			}
		}
	}
	o.mu.Unlock()

	// Guard against active sessions from before a restart.
	active, err := o.store.HasActiveSession(ctx, featureID)
	if err != nil {
		return Session{}, err
	}
	if active {
		return Session{}, ConflictError{FeatureID: featureID, Reason: "an active session already exists"}
	}

	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		FeatureID: featureID,
		ProjectID: feature.ProjectID,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.InsertSession(ctx, sess); err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	o.handles[sess.ID] = &handle{sess: sess, feature: feature}
	o.byFeature[featureID] = sess.ID
	o.mu.Unlock()
	o.logger.Printf("session %s created for feature %s", sess.ID, featureID)
	return sess, nil
}

func (o *Orchestrator) handle(ctx context.Context, sessionID string) (*handle, error) {
	o.mu.Lock()
	h, ok := o.handles[sessionID]
	o.mu.Unlock()
	if ok {
		return h, nil
	}
	return o.rehydrate(ctx, sessionID)
}

// rehydrate rebuilds the in-process handle for a persisted session, so
// paused sessions survive a process restart: the graph is restored from
// the task rows and readiness re-derived from the recorded statuses.
func (o *Orchestrator) rehydrate(ctx context.Context, sessionID string) (*handle, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	feature, err := o.store.GetFeature(ctx, sess.FeatureID)
	if err != nil {
		return nil, err
	}
	h := &handle{sess: sess, feature: feature}

	tasks, err := o.store.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		graph, err := planner.RestoreGraph(tasks)
		if err != nil {
			return nil, err
		}
		graph.RecomputeReadiness()
		h.graph = graph
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.handles[sessionID]; ok {
		return existing, nil
	}
	o.handles[sessionID] = h
	if !sess.State.Terminal() {
		o.byFeature[sess.FeatureID] = sessionID
	}
	o.logger.Printf("session %s rehydrated in state %s", sessionID, sess.State)
	return h, nil
}

// Execute starts the driver for a created session: planning first, then
// task-by-task execution in a background goroutine.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) (State, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if h.sess.State != StateCreated {
		from := h.sess.State
		h.mu.Unlock()
		return from, InvalidTransition{SessionID: sessionID, From: from, To: StatePlanning}
	}
	h.mu.Unlock()

	o.mu.Lock()
	if o.active >= o.cfg.MaxConcurrentSessions {
		o.mu.Unlock()
		return StateCreated, ConflictError{SessionID: sessionID, Reason: "max concurrent sessions reached"}
	}
	o.active++
	o.mu.Unlock()

	if err := o.transition(ctx, h, StatePlanning, ""); err != nil {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		return h.snapshot().State, err
	}

	go o.drive(h)
	return StatePlanning, nil
}

// drive plans the feature and then runs the execution loop. It owns the
// session until it parks (paused) or reaches a terminal state.
func (o *Orchestrator) drive(h *handle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.stop = cancel
	h.driving = true
	sess := h.sess
	feature := h.feature
	h.mu.Unlock()
	defer cancel()

	ctx, span := otel.Tracer("archon/internal/orchestrator").Start(ctx, "orchestrator.drive")
	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.String("feature.id", sess.FeatureID))
	defer span.End()

	if h.cancelRequested.Load() {
		o.finish(ctx, h, StateCancelled, "")
		return
	}

	graph, err := o.planner.Plan(ctx, feature)
	if err != nil {
		// Cancel interrupts planning through the driver context; that
		// is a cancellation, not a planning failure.
		if h.cancelRequested.Load() {
			o.finish(context.Background(), h, StateCancelled, "")
			return
		}
		o.logger.Printf("session %s: planning failed: %v", sess.ID, err)
		o.finish(ctx, h, StateFailed, err.Error())
		return
	}

	h.mu.Lock()
	h.graph = graph
	h.mu.Unlock()

	tasks := graphTasks(graph)
	if err := o.store.InsertTasks(ctx, sess.ID, tasks); err != nil {
		if h.cancelRequested.Load() {
			o.finish(context.Background(), h, StateCancelled, "")
			return
		}
		o.logger.Printf("session %s: persist plan: %v", sess.ID, err)
		o.finish(ctx, h, StateFailed, err.Error())
		return
	}
	if err := o.store.UpdateFeatureStatus(ctx, sess.FeatureID, planner.FeaturePlanned); err != nil {
		o.logger.Printf("session %s: feature status: %v", sess.ID, err)
	}

	if err := o.transition(ctx, h, StateExecuting, ""); err != nil {
		o.logger.Printf("session %s: enter executing: %v", sess.ID, err)
		o.park(h)
		return
	}
	_ = o.store.UpdateFeatureStatus(ctx, sess.FeatureID, planner.FeatureInProgress)

	o.runLoop(ctx, h)
}

// runLoop advances the graph one task per iteration, checking pause and
// cancel flags between tasks.
func (o *Orchestrator) runLoop(ctx context.Context, h *handle) {
	h.mu.Lock()
	sess := h.sess
	graph := h.graph
	h.mu.Unlock()

	for {
		if h.cancelRequested.Load() {
			o.finish(ctx, h, StateCancelled, "")
			return
		}
		if h.pauseRequested.Load() {
			h.pauseRequested.Store(false)
			if err := o.transition(ctx, h, StatePaused, ""); err == nil {
				o.park(h)
				o.logger.Printf("session %s paused", sess.ID)
				return
			}
			// Cancel won the race; fall through to the cancel check.
			continue
		}

		task, err := o.executor.Step(ctx, sess.ID, graph)
		if err != nil {
			// Context cancellation at the tool boundary.
			if h.cancelRequested.Load() {
				o.finish(context.Background(), h, StateCancelled, "")
				return
			}
			o.finish(context.Background(), h, StateFailed, err.Error())
			return
		}
		if task == nil {
			switch graph.Outcome() {
			case planner.OutcomeComplete:
				o.finish(ctx, h, StateCompleted, "")
			case planner.OutcomeFailed:
				o.finish(ctx, h, StateFailed, "one or more tasks failed")
			default:
				// Ready tasks exist but Step returned none: nothing to
				// do, avoid a hot loop.
				o.finish(ctx, h, StateFailed, "no runnable task")
			}
			return
		}

		if err := o.store.SaveTaskStates(ctx, sess.ID, graphTasks(graph)); err != nil {
			o.logger.Printf("session %s: persist task states: %v", sess.ID, err)
		}
		if task.Status == planner.TaskSucceeded {
			h.mu.Lock()
			h.sess.Checkpoint = task.ID
			h.sess.UpdatedAt = time.Now().UTC()
			sess = h.sess
			h.mu.Unlock()
			if err := o.store.UpdateSession(ctx, sess); err != nil {
				o.logger.Printf("session %s: persist checkpoint: %v", sess.ID, err)
			}
		}
	}
}

// Pause requests suspension. The in-flight task finishes its current
// attempt; the transition commits at the next task boundary.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) (State, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	state := h.sess.State
	h.mu.Unlock()
	switch state {
	case StatePaused:
		return StatePaused, nil
	case StateExecuting:
		h.pauseRequested.Store(true)
		return StatePaused, nil
	default:
		return state, InvalidTransition{SessionID: sessionID, From: state, To: StatePaused}
	}
}

// Resume restarts a paused session from its checkpoint. Readiness is
// re-derived from scratch so interrupted tasks run again and succeeded
// work is never repeated.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (State, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	if h.sess.State != StatePaused {
		from := h.sess.State
		h.mu.Unlock()
		return from, InvalidTransition{SessionID: sessionID, From: from, To: StateExecuting}
	}
	if h.graph != nil {
		h.graph.RecomputeReadiness()
	}
	h.mu.Unlock()

	o.mu.Lock()
	if o.active >= o.cfg.MaxConcurrentSessions {
		o.mu.Unlock()
		return StatePaused, ConflictError{SessionID: sessionID, Reason: "max concurrent sessions reached"}
	}
	o.active++
	o.mu.Unlock()

	if err := o.transition(ctx, h, StateExecuting, ""); err != nil {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
		return h.snapshot().State, err
	}

	go func() {
		dctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.stop = cancel
		h.driving = true
		h.mu.Unlock()
		defer cancel()
		o.runLoop(dctx, h)
	}()
	return StateExecuting, nil
}

// Cancel aborts a session from any non-terminal state. Cancelling an
// already-cancelled session is a no-op; partially completed tasks keep
// their recorded status for audit.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (State, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	state := h.sess.State
	driving := h.driving
	stop := h.stop
	h.mu.Unlock()

	if state == StateCancelled {
		return StateCancelled, nil
	}
	if state.Terminal() {
		return state, InvalidTransition{SessionID: sessionID, From: state, To: StateCancelled}
	}

	h.cancelRequested.Store(true)
	if driving {
		// The driver observes the flag at the next task boundary; the
		// context cancel interrupts a blocked tool call.
		if stop != nil {
			stop()
		}
		return StateCancelled, nil
	}
	// No driver owns the session (created or paused): finish inline.
	o.finish(ctx, h, StateCancelled, "")
	return StateCancelled, nil
}

// GetProgress returns a pull-side snapshot: state, checkpoint, task
// counts, and the most recent events.
func (o *Orchestrator) GetProgress(ctx context.Context, sessionID string) (Progress, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	h.mu.Lock()
	sess := h.sess
	graph := h.graph
	h.mu.Unlock()

	p := Progress{State: sess.State, Checkpoint: sess.Checkpoint}
	if graph != nil {
		p.Tasks = graph.Counts()
	}
	if o.source != nil {
		p.LastEvents = o.source.Recent(sessionID, o.cfg.RecentEventWindow)
	}
	return p, nil
}

// Subscribe attaches a live event consumer. Only events from the
// attachment point forward are delivered.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan progress.Event, func(), error) {
	if _, err := o.handle(context.Background(), sessionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := o.source.Subscribe(sessionID)
	return ch, cancel, nil
}

// GetSession returns a snapshot of the session.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (Session, error) {
	h, err := o.handle(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return h.snapshot(), nil
}

// transition validates and commits a state-machine edge, persists the
// session, and emits a state_changed event.
func (o *Orchestrator) transition(ctx context.Context, h *handle, to State, errMsg string) error {
	h.mu.Lock()
	from := h.sess.State
	if !CanTransition(from, to) {
		h.mu.Unlock()
		return InvalidTransition{SessionID: h.sess.ID, From: from, To: to}
	}
	h.sess.State = to
	h.sess.Error = errMsg
	h.sess.UpdatedAt = time.Now().UTC()
	sess := h.sess
	h.mu.Unlock()

	if err := o.store.UpdateSession(ctx, sess); err != nil {
		o.logger.Printf("session %s: persist state %s: %v", sess.ID, to, err)
	}
	payload := map[string]interface{}{"from": string(from), "to": string(to)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if o.events != nil {
		o.events.Publish(ctx, progress.Event{
			SessionID: sess.ID,
			Kind:      progress.KindStateChanged,
			Payload:   payload,
		})
	}
	o.logger.Printf("session %s: %s -> %s", sess.ID, from, to)
	return nil
}

// finish commits a terminal transition and releases session resources.
// The driver slot is released even when another terminal transition won
// the race.
func (o *Orchestrator) finish(ctx context.Context, h *handle, to State, errMsg string) {
	err := o.transition(ctx, h, to, errMsg)
	o.park(h)
	if err != nil {
		return
	}

	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()

	switch to {
	case StateCompleted:
		_ = o.store.UpdateFeatureStatus(ctx, sess.FeatureID, planner.FeatureDone)
	case StateFailed:
		_ = o.store.UpdateFeatureStatus(ctx, sess.FeatureID, planner.FeatureFailed)
	}
	if o.releaser != nil {
		o.releaser.ReleaseSession(sess.ID)
	}
	// The terminal event is already fanned out; dropping the stream
	// closes subscriber channels and frees the recent-event ring.
	if o.source != nil {
		o.source.Drop(sess.ID)
	}
}

// park releases the driver slot when a loop exits.
func (o *Orchestrator) park(h *handle) {
	h.mu.Lock()
	wasDriving := h.driving
	h.driving = false
	h.stop = nil
	h.mu.Unlock()
	if wasDriving {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}
}

func (h *handle) snapshot() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func graphTasks(g *planner.Graph) []*planner.Task {
	out := make([]*planner.Task, 0, len(g.Order))
	for _, id := range g.Order {
		out = append(out, g.Tasks[id])
	}
	return out
}

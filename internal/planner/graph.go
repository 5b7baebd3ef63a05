package planner

import (
	"fmt"
	"sort"
	"time"
)

// FeatureStatus tracks the lifecycle of a requested unit of work.
type FeatureStatus string

const (
	FeatureDraft      FeatureStatus = "draft"
	FeaturePlanned    FeatureStatus = "planned"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureDone       FeatureStatus = "done"
	FeatureFailed     FeatureStatus = "failed"
)

// Feature is a named unit of work requested by a user.
type Feature struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      FeatureStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus tracks a single task through execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether a task in this status can still change.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// Task models a single node in the plan DAG.
type Task struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Ordinal     int                    `json:"ordinal"`
	Status      TaskStatus             `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Retries     int                    `json:"retries"`
	Memorable   bool                   `json:"memorable,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Graph encapsulates a validated task DAG keyed by task ID.
type Graph struct {
	Tasks map[string]*Task
	// Order is the topological order computed at build time; a task's
	// Ordinal is its position here, used as the deterministic tie-break
	// when several tasks are ready.
	Order []string
}

// ErrCycleDetected indicates the graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// ErrUnknownDependency indicates a dependency reference missing from the graph.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ValidationError reports a structural problem with a plan document.
type ValidationError struct {
	TaskID  string
	Message string
}

func (e ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("task %s: %s", e.TaskID, e.Message)
	}
	return e.Message
}

// BuildGraph validates the supplied task specs and assembles a Graph.
// Roots start ready, everything else pending. The topological order is
// stable with respect to spec order so repeated builds of the same plan
// produce identical ordinals.
func BuildGraph(specs []TaskSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, ValidationError{Message: "plan contains no tasks"}
	}

	now := time.Now().UTC()
	tasks := make(map[string]*Task, len(specs))
	specIndex := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, ValidationError{Message: fmt.Sprintf("task at position %d has no id", i)}
		}
		if _, dup := tasks[spec.ID]; dup {
			return nil, ValidationError{TaskID: spec.ID, Message: "duplicate task id"}
		}
		if spec.Tool == "" {
			return nil, ValidationError{TaskID: spec.ID, Message: "task declares no tool"}
		}
		tasks[spec.ID] = &Task{
			ID:          spec.ID,
			Description: spec.Description,
			Tool:        spec.Tool,
			Args:        spec.Args,
			DependsOn:   append([]string(nil), spec.DependsOn...),
			Status:      TaskPending,
			Memorable:   spec.Memorable,
			CreatedAt:   now,
		}
		specIndex[spec.ID] = i
	}

	indegree := make(map[string]int, len(tasks))
	adjacency := make(map[string][]string, len(tasks))
	for id, task := range tasks {
		for _, dep := range task.DependsOn {
			if dep == id {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, id)
			}
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
			adjacency[dep] = append(adjacency[dep], id)
			indegree[id]++
		}
	}

	// Kahn's algorithm with the queue kept in spec order for determinism.
	queue := make([]string, 0, len(tasks))
	for id := range tasks {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sortBySpecOrder(queue, specIndex)

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		ready := false
		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
				ready = true
			}
		}
		if ready {
			sortBySpecOrder(queue, specIndex)
		}
	}
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("%w: %d of %d tasks unreachable in topological order", ErrCycleDetected, len(tasks)-len(order), len(tasks))
	}

	for pos, id := range order {
		tasks[id].Ordinal = pos
		if len(tasks[id].DependsOn) == 0 {
			tasks[id].Status = TaskReady
		}
	}

	return &Graph{Tasks: tasks, Order: order}, nil
}

func sortBySpecOrder(ids []string, specIndex map[string]int) {
	sort.SliceStable(ids, func(a, b int) bool { return specIndex[ids[a]] < specIndex[ids[b]] })
}

// RestoreGraph rebuilds a graph from persisted task rows, preserving
// recorded statuses, results, and retry counts. Order comes from the
// stored ordinals, so a restored graph selects tasks exactly as the
// original did. Callers re-derive readiness afterwards.
func RestoreGraph(persisted []Task) (*Graph, error) {
	if len(persisted) == 0 {
		return nil, ValidationError{Message: "no tasks to restore"}
	}
	sorted := append([]Task(nil), persisted...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Ordinal < sorted[b].Ordinal })

	tasks := make(map[string]*Task, len(sorted))
	order := make([]string, 0, len(sorted))
	for i := range sorted {
		t := sorted[i]
		if _, dup := tasks[t.ID]; dup {
			return nil, ValidationError{TaskID: t.ID, Message: "duplicate task id"}
		}
		tasks[t.ID] = &t
		order = append(order, t.ID)
	}
	for id, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
		}
	}
	return &Graph{Tasks: tasks, Order: order}, nil
}

// Get returns the task with the given ID, or nil.
func (g *Graph) Get(id string) *Task {
	return g.Tasks[id]
}

// Ready returns all ready tasks sorted by ordinal, lowest first.
func (g *Graph) Ready() []*Task {
	var out []*Task
	for _, id := range g.Order {
		if t := g.Tasks[id]; t.Status == TaskReady {
			out = append(out, t)
		}
	}
	return out
}

// MarkRunning transitions a ready task to running. The caller must be
// the single executor invocation holding the task.
func (g *Graph) MarkRunning(id string) error {
	t := g.Tasks[id]
	if t == nil {
		return ValidationError{TaskID: id, Message: "not in graph"}
	}
	if t.Status != TaskReady {
		return ValidationError{TaskID: id, Message: fmt.Sprintf("cannot run task in status %s", t.Status)}
	}
	t.Status = TaskRunning
	return nil
}

// MarkSucceeded records a task result and promotes any dependents whose
// predecessors are now all succeeded.
func (g *Graph) MarkSucceeded(id string, result map[string]interface{}) error {
	t := g.Tasks[id]
	if t == nil {
		return ValidationError{TaskID: id, Message: "not in graph"}
	}
	if t.Status != TaskRunning {
		return ValidationError{TaskID: id, Message: fmt.Sprintf("cannot succeed task in status %s", t.Status)}
	}
	t.Status = TaskSucceeded
	t.Result = result
	g.promoteReady()
	return nil
}

// MarkFailed records a permanent failure and cascades: every task that
// can no longer satisfy its predecessor invariant becomes skipped. The
// skipped task IDs are returned in ordinal order.
func (g *Graph) MarkFailed(id string, result map[string]interface{}) ([]string, error) {
	t := g.Tasks[id]
	if t == nil {
		return nil, ValidationError{TaskID: id, Message: "not in graph"}
	}
	if t.Status != TaskRunning {
		return nil, ValidationError{TaskID: id, Message: fmt.Sprintf("cannot fail task in status %s", t.Status)}
	}
	t.Status = TaskFailed
	t.Result = result
	return g.cascadeSkips(), nil
}

// promoteReady moves pending tasks whose predecessors are all succeeded
// to ready.
func (g *Graph) promoteReady() {
	for _, id := range g.Order {
		t := g.Tasks[id]
		if t.Status != TaskPending {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if g.Tasks[dep].Status != TaskSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			t.Status = TaskReady
		}
	}
}

// cascadeSkips marks every pending/ready task with a failed or skipped
// predecessor as skipped, transitively.
func (g *Graph) cascadeSkips() []string {
	var skipped []string
	changed := true
	for changed {
		changed = false
		for _, id := range g.Order {
			t := g.Tasks[id]
			if t.Status != TaskPending && t.Status != TaskReady {
				continue
			}
			for _, dep := range t.DependsOn {
				depStatus := g.Tasks[dep].Status
				if depStatus == TaskFailed || depStatus == TaskSkipped {
					t.Status = TaskSkipped
					skipped = append(skipped, id)
					changed = true
					break
				}
			}
		}
	}
	return skipped
}

// RecomputeReadiness re-derives task readiness from scratch. Used on
// resume: succeeded work stays done, interrupted running tasks revert
// to ready (nothing holds them any more), and unsatisfiable tasks are
// skipped.
func (g *Graph) RecomputeReadiness() {
	for _, id := range g.Order {
		t := g.Tasks[id]
		if t.Status == TaskRunning {
			t.Status = TaskReady
		}
		if t.Status.Terminal() {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if g.Tasks[dep].Status != TaskSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			t.Status = TaskReady
		} else {
			t.Status = TaskPending
		}
	}
	g.cascadeSkips()
}

// Counts tallies tasks by status.
func (g *Graph) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 6)
	for _, t := range g.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Outcome summarises whether the graph still has forward progress.
type Outcome int

const (
	// OutcomeInProgress means at least one task is ready or running.
	OutcomeInProgress Outcome = iota
	// OutcomeComplete means every task succeeded or was never required.
	OutcomeComplete
	// OutcomeFailed means no forward progress remains and at least one
	// task failed.
	OutcomeFailed
)

// Outcome evaluates the terminal condition of the graph.
func (g *Graph) Outcome() Outcome {
	counts := g.Counts()
	if counts[TaskReady] > 0 || counts[TaskRunning] > 0 || counts[TaskPending] > 0 {
		return OutcomeInProgress
	}
	if counts[TaskFailed] > 0 {
		return OutcomeFailed
	}
	return OutcomeComplete
}

// ABOUTME: Delegated task lifecycle: submitted through terminal states,
// ABOUTME: with one-shot result cells so late waiters still get results.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/meshgate/internal/oneshot"
	"github.com/strandlabs/meshgate/internal/routing"
)

// Task lifecycle states.
const (
	TaskSubmitted     = "submitted"
	TaskWorking       = "working"
	TaskInputRequired = "input_required"
	TaskCompleted     = "completed"
	TaskFailed        = "failed"
	TaskCancelled     = "cancelled"
)

// ErrTaskNotFound indicates an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// inputRequiredCode is the business-error code providers use to signal the
// task needs more input before it can proceed.
const inputRequiredCode = 42801

// defaultTaskRetention is how long a terminal task stays queryable for the
// task/get recovery path before it is evicted.
const defaultTaskRetention = 15 * time.Minute

// Task is one delegated unit of work and its observable lifecycle.
type Task struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Status      string              `json:"status"`
	WorkspaceID string              `json:"workspace_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Result      *routing.TaskResult `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
}

type trackedTask struct {
	mu     sync.Mutex
	task   Task
	cell   *oneshot.Cell[*routing.TaskResult]
	cancel context.CancelFunc
}

// Dispatcher is the routing surface tasks are executed through.
// *routing.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *routing.TaskRequest) (*routing.TaskResult, error)
}

// TaskManager runs delegated tasks and tracks their lifecycle. Results land
// in one-shot cells keyed by task id, so a requester that polls after
// completion still finds the result; a bare completion signal would be lost
// if it fired before anyone waited.
type TaskManager struct {
	dispatcher Dispatcher
	retention  time.Duration
	logger     *slog.Logger
	onFinish   func(task Task)

	mu    sync.RWMutex
	tasks map[string]*trackedTask
}

// NewTaskManager creates a TaskManager. Terminal tasks stay queryable for
// retention (<= 0 uses the 15m default) and are then evicted, so the table
// stays bounded on a long-running gateway. onFinish, if non-nil, is called
// once per task when it reaches a terminal state.
func NewTaskManager(dispatcher Dispatcher, retention time.Duration, logger *slog.Logger, onFinish func(task Task)) *TaskManager {
	if retention <= 0 {
		retention = defaultTaskRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		dispatcher: dispatcher,
		retention:  retention,
		logger:     logger.With("component", "tasks"),
		onFinish:   onFinish,
		tasks:      make(map[string]*trackedTask),
	}
}

// Submit accepts a task and starts dispatching it. The task outlives the
// submitting request; cancellation is explicit via Cancel, not tied to the
// inbound connection.
func (m *TaskManager) Submit(ctx context.Context, req *routing.TaskRequest) Task {
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	now := time.Now()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tracked := &trackedTask{
		task: Task{
			ID:          req.TaskID,
			Type:        req.TaskType,
			Status:      TaskSubmitted,
			WorkspaceID: req.WorkspaceID,
			UserID:      req.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		cell:   oneshot.New[*routing.TaskResult](),
		cancel: cancel,
	}

	m.mu.Lock()
	m.tasks[req.TaskID] = tracked
	m.mu.Unlock()

	go m.run(runCtx, tracked, req)
	return tracked.snapshot()
}

// Get returns the current task state. This is the degraded recovery path for
// requesters that lost their connection; Wait is the primary mechanism.
// Tasks are scoped to their workspace: a task owned by another workspace is
// indistinguishable from a missing one.
func (m *TaskManager) Get(workspaceID, id string) (Task, error) {
	tracked, ok := m.lookup(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	task := tracked.snapshot()
	if task.WorkspaceID != workspaceID {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// Wait blocks until the task reaches a terminal state or ctx is done, then
// returns the final task snapshot.
func (m *TaskManager) Wait(ctx context.Context, id string) (Task, error) {
	tracked, ok := m.lookup(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	select {
	case <-tracked.cell.Done():
		return tracked.snapshot(), nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Cancel requests cancellation of an in-flight task. Terminal tasks are left
// as they are; cancelling them is a no-op, not an error. Like Get, Cancel is
// scoped to the owning workspace.
func (m *TaskManager) Cancel(workspaceID, id string) (Task, error) {
	tracked, ok := m.lookup(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if tracked.snapshot().WorkspaceID != workspaceID {
		return Task{}, ErrTaskNotFound
	}
	tracked.cancel()
	return tracked.snapshot(), nil
}

func (m *TaskManager) lookup(id string) (*trackedTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracked, ok := m.tasks[id]
	return tracked, ok
}

func (m *TaskManager) run(ctx context.Context, tracked *trackedTask, req *routing.TaskRequest) {
	tracked.transition(TaskWorking, nil, "")

	result, err := m.dispatcher.Dispatch(ctx, req)
	switch {
	case err == nil:
		tracked.transition(TaskCompleted, result, "")
		tracked.cell.Resolve(result)
	case ctx.Err() != nil:
		tracked.transition(TaskCancelled, nil, "cancelled")
		tracked.cell.Fail(context.Canceled)
	case isInputRequired(err):
		tracked.transition(TaskInputRequired, nil, err.Error())
		tracked.cell.Fail(err)
	default:
		tracked.transition(TaskFailed, nil, err.Error())
		tracked.cell.Fail(err)
	}

	final := tracked.snapshot()
	m.logger.Info("task finished",
		"task_id", final.ID,
		"task_type", final.Type,
		"status", final.Status)
	if m.onFinish != nil {
		m.onFinish(final)
	}

	time.AfterFunc(m.retention, func() { m.evict(final.ID, tracked) })
}

// evict removes a terminal task once its retention window closes. The entry
// is only removed if it still belongs to this run; a resubmitted task with
// the same id keeps its fresh entry.
func (m *TaskManager) evict(id string, tracked *trackedTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[id] == tracked {
		delete(m.tasks, id)
	}
}

func (t *trackedTask) transition(status string, result *routing.TaskResult, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.task.Status = status
	t.task.UpdatedAt = time.Now()
	t.task.Result = result
	t.task.Error = errMsg
}

func (t *trackedTask) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

func isInputRequired(err error) bool {
	var business *routing.BusinessError
	return errors.As(err, &business) && business.Code == inputRequiredCode
}

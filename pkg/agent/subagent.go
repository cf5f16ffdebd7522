package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
	"github.com/nanoclaw/nanoclaw/pkg/tools"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

const (
	DefaultMaxConcurrentSubagents = 3
	DefaultSubagentMaxAge         = time.Hour
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrManagerStopped = errors.New("subagent manager stopped")
)

// SubagentTask is a snapshot of one background task.
type SubagentTask struct {
	ID            string     `json:"id"`
	Label         string     `json:"label,omitempty"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	OriginChannel string     `json:"origin_channel,omitempty"`
	OriginChatID  string     `json:"origin_chat_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskRunner executes a task description on the given session and returns the
// final answer.
type TaskRunner func(ctx context.Context, sessionID, description string) (string, error)

type taskEntry struct {
	task SubagentTask
	done chan struct{}
}

// SubagentManager runs background tasks with at most maxConcurrent in flight.
// Tasks beyond that wait in FIFO order. Task state lives in memory only.
type SubagentManager struct {
	runner        TaskRunner
	maxConcurrent int
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	tasks      map[string]*taskEntry
	queue      []string
	running    int
	stopped    bool
	onComplete func(SubagentTask)
}

func NewSubagentManager(runner TaskRunner, maxConcurrent int) *SubagentManager {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSubagents
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubagentManager{
		runner:        runner,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*taskEntry),
	}
}

// SetOnComplete registers a callback run after each task finishes, in the
// task's goroutine.
func (m *SubagentManager) SetOnComplete(fn func(SubagentTask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = fn
}

// Spawn registers a task and starts it when a slot is free. The origin
// channel and chat are taken from ctx so completions can be routed back.
// ctx only scopes the call; the task itself outlives it.
func (m *SubagentManager) Spawn(ctx context.Context, description, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrManagerStopped
	}

	id := uuid.NewString()
	entry := &taskEntry{
		task: SubagentTask{
			ID:          id,
			Label:       label,
			Description: description,
			Status:      TaskPending,
			CreatedAt:   m.now(),
		},
		done: make(chan struct{}),
	}
	if origin, ok := tools.OriginFrom(ctx); ok {
		entry.task.OriginChannel = origin.Channel
		entry.task.OriginChatID = origin.ChatID
	}
	m.tasks[id] = entry
	m.queue = append(m.queue, id)

	logger.InfoCF("subagent", "Spawned subagent task", map[string]interface{}{
		"task_id": id,
		"label":   label,
	})

	m.startPendingLocked()
	return id, nil
}

func (m *SubagentManager) startPendingLocked() {
	for m.running < m.maxConcurrent && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		entry, ok := m.tasks[id]
		if !ok || entry.task.Status != TaskPending {
			continue
		}
		started := m.now()
		entry.task.Status = TaskRunning
		entry.task.StartedAt = &started
		m.running++
		m.wg.Add(1)
		go m.run(entry)
	}
}

func (m *SubagentManager) run(entry *taskEntry) {
	defer m.wg.Done()

	id := entry.task.ID
	logger.InfoCF("subagent", "Executing subagent task", map[string]interface{}{"task_id": id})
	result, err := m.runner(m.ctx, "subagent:"+id, entry.task.Description)

	m.mu.Lock()
	finished := m.now()
	entry.task.CompletedAt = &finished
	if err != nil {
		entry.task.Status = TaskFailed
		entry.task.Error = err.Error()
	} else {
		entry.task.Status = TaskCompleted
		entry.task.Result = result
	}
	snapshot := entry.task
	callback := m.onComplete
	m.running--
	close(entry.done)
	if !m.stopped {
		m.startPendingLocked()
	}
	m.mu.Unlock()

	if err != nil {
		logger.ErrorCF("subagent", "Subagent task failed", map[string]interface{}{
			"task_id": id,
			"error":   err.Error(),
		})
	} else {
		logger.InfoCF("subagent", "Subagent task completed", map[string]interface{}{"task_id": id})
	}
	if callback != nil {
		callback(snapshot)
	}
}

func (m *SubagentManager) GetTask(id string) (SubagentTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[id]
	if !ok {
		return SubagentTask{}, false
	}
	return entry.task, true
}

// ListTasks returns tasks oldest first. An empty status matches all.
func (m *SubagentManager) ListTasks(status TaskStatus) []SubagentTask {
	m.mu.Lock()
	out := make([]SubagentTask, 0, len(m.tasks))
	for _, entry := range m.tasks {
		if status == "" || entry.task.Status == status {
			out = append(out, entry.task)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelTask fails a pending task. Running tasks cannot be cancelled.
func (m *SubagentManager) CancelTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[id]
	if !ok || entry.task.Status != TaskPending {
		return false
	}
	m.failPendingLocked(entry, "Cancelled by user")
	logger.InfoCF("subagent", "Cancelled subagent task", map[string]interface{}{"task_id": id})
	return true
}

func (m *SubagentManager) failPendingLocked(entry *taskEntry, reason string) {
	finished := m.now()
	entry.task.Status = TaskFailed
	entry.task.Error = reason
	entry.task.CompletedAt = &finished
	close(entry.done)
}

// Cleanup drops finished tasks that completed more than maxAge ago.
func (m *SubagentManager) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultSubagentMaxAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, entry := range m.tasks {
		if entry.task.CompletedAt != nil && now.Sub(*entry.task.CompletedAt) > maxAge {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		logger.InfoCF("subagent", fmt.Sprintf("Cleaned up %d old subagent tasks", removed), nil)
	}
	return removed
}

// WaitForTask blocks until the task is completed or failed, or ctx ends.
func (m *SubagentManager) WaitForTask(ctx context.Context, id string) (SubagentTask, error) {
	m.mu.Lock()
	entry, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return SubagentTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return SubagentTask{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.task, nil
}

// Stop fails every pending task, cancels running ones and waits for their
// goroutines to exit.
func (m *SubagentManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, id := range m.queue {
		if entry, ok := m.tasks[id]; ok && entry.task.Status == TaskPending {
			m.failPendingLocked(entry, ErrManagerStopped.Error())
		}
	}
	m.queue = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

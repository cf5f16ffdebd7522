// Package cron runs agent tasks on cron schedules.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

const DefaultTick = 30 * time.Second

var ErrJobNotFound = errors.New("cron job not found")

type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Task      string     `json:"task"`
	Enabled   bool       `json:"enabled"`
	Channel   string     `json:"channel,omitempty"`
	ChatID    string     `json:"chat_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SessionID is the agent session a job's task runs in.
func (j Job) SessionID() string {
	return "cron:" + j.ID
}

// Handler runs a job's task through the agent and returns the reply.
type Handler func(ctx context.Context, sessionID, task string) (string, error)

type Options struct {
	Path    string
	Tick    time.Duration
	Handler Handler
	Bus     *bus.MessageBus
}

type scheduleChecker interface {
	IsValid(expr string) bool
	IsDue(expr string, ref ...time.Time) (bool, error)
}

type Service struct {
	path    string
	tick    time.Duration
	handler Handler
	bus     *bus.MessageBus
	gron    scheduleChecker
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]bool // job IDs with an execution in flight
	active  sync.WaitGroup
}

// NewService loads the jobs stored at opts.Path. A missing file means no jobs.
func NewService(opts Options) (*Service, error) {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Service{
		path:    opts.Path,
		tick:    tick,
		handler: opts.Handler,
		bus:     opts.Bus,
		gron:    gronx.New(),
		now:     time.Now,
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron jobs: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron jobs %s: %w", s.path, err)
	}
	for _, j := range jobs {
		if j != nil && j.ID != "" {
			s.jobs[j.ID] = j
		}
	}
	return nil
}

// saveLocked writes all jobs to disk. Callers hold s.mu.
func (s *Service) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cron-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cron jobs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cron jobs: %w", err)
	}
	return nil
}

func (s *Service) sortedLocked() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Add validates schedule and stores a new enabled job.
func (s *Service) Add(name, schedule, task, channel, chatID string) (Job, error) {
	schedule = strings.TrimSpace(schedule)
	if !s.gron.IsValid(schedule) {
		return Job{}, fmt.Errorf("invalid cron expression: %q", schedule)
	}
	if strings.TrimSpace(task) == "" {
		return Job{}, fmt.Errorf("cron task is empty")
	}

	now := s.now()
	job := &Job{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Schedule:  schedule,
		Task:      task,
		Enabled:   true,
		Channel:   channel,
		ChatID:    chatID,
		CreatedAt: now,
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	job.NextRun = s.nextRun(schedule, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return Job{}, err
	}

	logger.InfoCF("cron", "Cron job added", map[string]interface{}{
		"id":       job.ID,
		"name":     job.Name,
		"schedule": job.Schedule,
	})
	return *job, nil
}

func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

func (s *Service) Enable(id string) error {
	return s.setEnabled(id, true)
}

func (s *Service) Disable(id string) error {
	return s.setEnabled(id, false)
}

func (s *Service) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.Enabled = enabled
	if enabled {
		job.NextRun = s.nextRun(job.Schedule, s.now())
	}
	return s.saveLocked()
}

func (s *Service) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job, nil
}

// List returns all jobs, oldest first.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Run checks for due jobs every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("cron handler not configured")
	}

	logger.InfoCF("cron", "Cron service started", map[string]interface{}{
		"jobs": len(s.List()),
		"tick": s.tick.String(),
	})

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.runDue(ctx, s.now())
		select {
		case <-ctx.Done():
			s.active.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// runDue starts every enabled job due at now that has not already run in the
// same minute and is not still running, and returns how many it started.
// It does not wait for them.
func (s *Service) runDue(ctx context.Context, now time.Time) int {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if !job.Enabled || s.running[job.ID] {
			continue
		}
		if job.LastRun != nil && !job.LastRun.Truncate(time.Minute).Before(minute) {
			continue
		}
		ok, err := s.gron.IsDue(job.Schedule, now)
		if err != nil || !ok {
			continue
		}
		ranAt := now
		job.LastRun = &ranAt
		job.NextRun = s.nextRun(job.Schedule, now)
		s.running[job.ID] = true
		due = append(due, *job)
	}
	if len(due) > 0 {
		if err := s.saveLocked(); err != nil {
			logger.ErrorCF("cron", "Failed to save cron jobs", map[string]interface{}{"error": err.Error()})
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.active.Add(1)
		go func(job Job) {
			defer s.active.Done()
			s.execute(ctx, job)
		}(job)
	}
	return len(due)
}

func (s *Service) execute(ctx context.Context, job Job) {
	logger.InfoCF("cron", "Executing cron job", map[string]interface{}{
		"id":   job.ID,
		"name": job.Name,
	})

	response, err := s.handler(ctx, job.SessionID(), job.Task)

	s.mu.Lock()
	delete(s.running, job.ID)
	if stored, ok := s.jobs[job.ID]; ok {
		stored.LastError = ""
		if err != nil {
			stored.LastError = err.Error()
		}
		if saveErr := s.saveLocked(); saveErr != nil {
			logger.ErrorCF("cron", "Failed to save cron jobs", map[string]interface{}{"error": saveErr.Error()})
		}
	}
	s.mu.Unlock()

	if err != nil {
		logger.ErrorCF("cron", "Cron job failed", map[string]interface{}{
			"id":    job.ID,
			"error": err.Error(),
		})
		return
	}

	if s.bus != nil && job.Channel != "" && job.ChatID != "" && response != "" {
		s.bus.PublishOutboundCtx(ctx, bus.OutboundMessage{
			Channel: job.Channel,
			ChatID:  job.ChatID,
			Content: response,
		})
	}
}

func (s *Service) nextRun(schedule string, after time.Time) *time.Time {
	next, err := gronx.NextTickAfter(schedule, after, false)
	if err != nil {
		return nil
	}
	return &next
}

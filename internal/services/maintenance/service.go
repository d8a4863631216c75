// -----------------------------------------------------------------------
// Maintenance - cron-driven background upkeep (value-log GC, intake
// polling, dataset refresh)
// -----------------------------------------------------------------------

package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// TaskFunc is one maintenance task run. The context is cancelled at
// shutdown; long tasks should honour it.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	schedule string
	run      TaskFunc
	cronID   cron.EntryID
	lastRun  *time.Time
	lastErr  string
	running  bool
}

// TaskStatus is the externally visible snapshot of one registered task.
type TaskStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Running  bool       `json:"running"`
	LastErr  string     `json:"last_error,omitempty"`
}

// Service schedules background upkeep tasks on cron expressions. Tasks
// are registered before Start; an overlapping fire is skipped rather
// than queued, so a slow run never stacks up behind itself.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
}

// NewService creates an empty maintenance scheduler.
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Register adds a task under a cron schedule. The schedule uses the
// standard five-field form plus descriptors like @daily and @every.
func (s *Service) Register(name, schedule string, run TaskFunc) error {
	if name == "" || run == nil {
		return fmt.Errorf("maintenance task needs a name and a function")
	}
	if schedule == "" {
		return fmt.Errorf("maintenance task %s has no schedule", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("maintenance task %s already registered", name)
	}

	t := &task{name: name, schedule: schedule, run: run}
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.execute(name)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", schedule, name, err)
	}
	t.cronID = cronID
	s.tasks[name] = t

	s.logger.Info().
		Str("task", name).
		Str("schedule", schedule).
		Msg("Maintenance task registered")
	return nil
}

// Start begins firing registered tasks on their schedules.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("maintenance scheduler already running")
	}
	s.cron.Start()
	s.started = true
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Maintenance scheduler started")
	return nil
}

// Stop cancels task contexts and waits for in-flight runs to finish,
// bounded so shutdown cannot hang on a stuck task.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Maintenance tasks still running at shutdown")
	}
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// Trigger runs a task immediately, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	_, exists := s.tasks[name]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("maintenance task %s not found", name)
	}
	go s.execute(name)
	return nil
}

// Statuses returns a snapshot of every registered task, sorted by name.
func (s *Service) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time)
	for _, entry := range s.cron.Entries() {
		next[entry.ID] = entry.Next
	}

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		status := TaskStatus{
			Name:     t.name,
			Schedule: t.schedule,
			LastRun:  t.lastRun,
			Running:  t.running,
			LastErr:  t.lastErr,
		}
		if at, ok := next[t.cronID]; ok && !at.IsZero() {
			nextRun := at
			status.NextRun = &nextRun
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Service) execute(name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Panic recovered in maintenance task")
			s.mu.Lock()
			if t, exists := s.tasks[name]; exists {
				t.running = false
				t.lastErr = fmt.Sprintf("panic: %v", r)
			}
			s.mu.Unlock()
		}
	}()

	s.mu.Lock()
	t, exists := s.tasks[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	if t.running {
		s.mu.Unlock()
		s.logger.Debug().Str("task", name).Msg("Maintenance task still running, skipping this fire")
		return
	}
	t.running = true
	run := t.run
	s.mu.Unlock()

	started := time.Now()
	err := run(s.ctx)
	finished := time.Now()

	s.mu.Lock()
	t.running = false
	t.lastRun = &finished
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("task", name).
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("Maintenance task failed")
		return
	}
	s.logger.Debug().
		Str("task", name).
		Dur("duration", time.Since(started)).
		Msg("Maintenance task completed")
}

// Package session tracks bounded windows of agent work and derives
// productivity indicators from what the agent wrote to the store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/telemetry"
)

type Tracker struct {
	store   *storage.Store
	clock   storage.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

type Option func(*Tracker)

func WithClock(c storage.Clock) Option        { return func(t *Tracker) { t.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(t *Tracker) { t.logger = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func NewTracker(store *storage.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  storage.SystemClock,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

type StartOptions struct {
	Agent string
	// AutoDetect seeds the focus list with the agent's in-progress tasks.
	AutoDetect bool
	Title      string
	Goals      []string
}

// Start opens a session for an agent.
func (t *Tracker) Start(ctx context.Context, opts StartOptions) (*entity.Session, error) {
	s := &entity.Session{
		Meta:       entity.Meta{Agent: opts.Agent},
		Title:      opts.Title,
		StartTime:  t.now(),
		Status:     entity.SessionActive,
		AutoDetect: opts.AutoDetect,
		Goals:      opts.Goals,
	}
	if opts.AutoDetect && opts.Agent != "" {
		entries, err := t.store.Query(ctx, storage.Filter{
			Kind:   entity.KindTask,
			Agent:  opts.Agent,
			Status: string(entity.TaskInProgress),
		})
		if err != nil {
			return nil, fmt.Errorf("detecting focus tasks: %w", err)
		}
		for _, e := range entries {
			s.FocusTaskIDs = append(s.FocusTaskIDs, e.ID)
		}
	}
	if _, err := t.store.Create(storage.WithActor(ctx, opts.Agent), s); err != nil {
		return nil, err
	}
	t.metrics.SessionEvent("started")
	t.logger.Info("session started", "session_id", s.ID, "agent", s.Agent, "focus_tasks", len(s.FocusTaskIDs))
	return s, nil
}

// End closes an active session and stores the metrics for its window.
// Ending a session twice is a validation error.
func (t *Tracker) End(ctx context.Context, id string) (*entity.Session, error) {
	s, err := storage.Get[*entity.Session](ctx, t.store, id)
	if err != nil {
		return nil, err
	}
	if s.Status == entity.SessionCompleted {
		return nil, entity.Invalid("status", "session already ended")
	}
	end := t.now()
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	m, err := t.compute(ctx, s.Agent, s.StartTime, end)
	if err != nil {
		return nil, err
	}

	s, err = storage.Mutate(storage.WithActor(ctx, s.Agent), t.store, id, func(s *entity.Session) error {
		s.EndTime = &end
		s.Status = entity.SessionCompleted
		s.Summary = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.metrics.SessionEvent("ended")
	t.logger.Info("session ended", "session_id", id, "agent", s.Agent,
		"entities_created", m.EntitiesCreated, "tasks_completed", m.TasksCompleted)
	return s, nil
}

// Status is a session with metrics recomputed from the store.
type Status struct {
	Session *entity.Session        `json:"session"`
	Metrics *entity.SessionMetrics `json:"metrics"`
	// AsOf closes the measured window: the end time of a completed session,
	// otherwise the agent's latest write.
	AsOf time.Time `json:"as_of"`
	// Elapsed is wall-clock time since start, or the session length once ended.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Status recomputes a session's metrics. Two calls with no writes in
// between return identical metrics.
func (t *Tracker) Status(ctx context.Context, id string) (*Status, error) {
	s, err := storage.Get[*entity.Session](ctx, t.store, id)
	if err != nil {
		return nil, err
	}
	asOf := s.StartTime
	elapsed := t.now().Sub(s.StartTime)
	if s.EndTime != nil {
		asOf = *s.EndTime
		elapsed = s.EndTime.Sub(s.StartTime)
	} else {
		last, err := t.store.LastActivity(ctx, s.Agent, s.StartTime, entity.KindSession)
		if err != nil {
			return nil, err
		}
		if last.After(asOf) {
			asOf = last
		}
	}
	m, err := t.compute(ctx, s.Agent, s.StartTime, asOf)
	if err != nil {
		return nil, err
	}
	return &Status{Session: s, Metrics: &m, AsOf: asOf, Elapsed: max(elapsed, 0)}, nil
}

// List returns an agent's sessions, oldest first.
func (t *Tracker) List(ctx context.Context, agent string, status entity.SessionStatus) ([]*entity.Session, error) {
	return storage.ListOf[*entity.Session](ctx, t.store, storage.Filter{Agent: agent, Status: string(status)})
}

func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC().Round(0)
}

package entity

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// SessionMetrics is the derived view of a session window. It is always
// recomputed from stored records; the copy kept on a completed session is
// the result of that computation at end time.
type SessionMetrics struct {
	Window          time.Duration `json:"window_ns"`
	EntitiesCreated int           `json:"entities_created"`
	CreatedByKind   map[Kind]int  `json:"created_by_kind,omitempty"`
	EntitiesChanged int           `json:"entities_modified"`
	TasksCompleted  int           `json:"tasks_completed"`
	// Mean create-to-done time of tasks finished in the window.
	LeadTime     time.Duration `json:"lead_time_ns"`
	LeadTimeDays float64       `json:"lead_time_days"`
	Throughput   float64       `json:"throughput_per_hour"`
	Efficiency   float64       `json:"efficiency"`
	Space        SpaceScores   `json:"space"`
}

// SpaceScores are 0-100 indicators loosely following the SPACE categories.
type SpaceScores struct {
	Satisfaction  float64 `json:"satisfaction"`
	Performance   float64 `json:"performance"`
	Activity      float64 `json:"activity"`
	Communication float64 `json:"communication"`
	Efficiency    float64 `json:"efficiency"`
	Overall       float64 `json:"overall"`
}

// Session is a bounded window of work by one agent.
type Session struct {
	Meta
	Title        string          `json:"title,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Status       SessionStatus   `json:"status"`
	AutoDetect   bool            `json:"auto_detect"`
	Goals        []string        `json:"goals,omitempty"`
	FocusTaskIDs []string        `json:"focus_task_ids,omitempty"`
	Summary      *SessionMetrics `json:"summary,omitempty"`
}

func (*Session) Kind() Kind { return KindSession }

func (s *Session) ApplyDefaults() {
	if s.Status == "" {
		s.Status = SessionActive
	}
}

func (s *Session) Validate() error {
	if err := required("agent", s.Agent); err != nil {
		return err
	}
	if s.StartTime.IsZero() {
		return invalid("start_time", "is required")
	}
	switch s.Status {
	case SessionActive:
		if s.EndTime != nil {
			return invalid("end_time", "must be empty while the session is active")
		}
	case SessionCompleted:
		if s.EndTime == nil {
			return invalid("end_time", "is required once the session is completed")
		}
		if s.EndTime.Before(s.StartTime) {
			return invalid("end_time", "is before start_time")
		}
	default:
		return invalid("status", fmt.Sprintf("unknown status %q", s.Status))
	}
	return nil
}

// CheckUpdate lets an active session be ended once. Nothing else changes.
func (s *Session) CheckUpdate(prev Entity) error {
	p, ok := prev.(*Session)
	if !ok {
		return invalid("kind", "stored record is not a session")
	}
	if p.Status == SessionCompleted {
		return invalid("status", "session already ended")
	}
	if s.Agent != p.Agent || !s.StartTime.Equal(p.StartTime) || s.AutoDetect != p.AutoDetect ||
		s.Title != p.Title || !slices.Equal(s.Goals, p.Goals) || !slices.Equal(s.FocusTaskIDs, p.FocusTaskIDs) {
		return invalid("session", "only end_time, status and summary may change")
	}
	return nil
}

func (s *Session) IndexFields() IndexFields {
	return IndexFields{
		Agent:  s.Agent,
		Status: string(s.Status),
		Title:  s.Title,
		Body:   joinText(s.Title, strings.Join(s.Goals, "\n")),
	}
}

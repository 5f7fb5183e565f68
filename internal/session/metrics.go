package session

import (
	"context"
	"math"
	"time"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
)

type entityRef struct {
	kind entity.Kind
	id   string
}

// compute derives the metrics of agent's window [from, to] from the ref log
// alone, so it is a pure function of stored data.
func (t *Tracker) compute(ctx context.Context, agent string, from, to time.Time) (entity.SessionMetrics, error) {
	m := entity.SessionMetrics{
		Window:        to.Sub(from),
		CreatedByKind: map[entity.Kind]int{},
	}
	revs, err := t.store.Activity(ctx, agent, from, to)
	if err != nil {
		return m, err
	}

	touched := map[entityRef]bool{}
	changed := map[entityRef]bool{}
	doneTasks := map[string]time.Time{}
	touchedTasks := 0
	for _, r := range revs {
		if r.Kind == entity.KindSession {
			continue
		}
		ref := entityRef{r.Kind, r.ID}
		if !touched[ref] {
			touched[ref] = true
			if r.Kind == entity.KindTask {
				touchedTasks++
			}
		}
		if r.Version == 1 {
			m.EntitiesCreated++
			m.CreatedByKind[r.Kind]++
		} else {
			changed[ref] = true
		}
		if r.Kind == entity.KindTask && r.Status == string(entity.TaskDone) {
			if _, seen := doneTasks[r.ID]; !seen {
				doneTasks[r.ID] = r.At
			}
		}
	}
	m.EntitiesChanged = len(changed)

	var lead time.Duration
	for id, doneAt := range doneTasks {
		hist, err := t.store.History(ctx, entity.KindTask, id)
		if err != nil {
			return m, err
		}
		if len(hist) == 0 || doneBefore(hist, from) {
			continue
		}
		m.TasksCompleted++
		lead += doneAt.Sub(hist[0].At)
	}
	if m.TasksCompleted > 0 {
		m.LeadTime = lead / time.Duration(m.TasksCompleted)
		m.LeadTimeDays = round2(m.LeadTime.Seconds() / 86400)
	}
	if hours := m.Window.Hours(); hours > 0 {
		m.Throughput = round2(float64(m.TasksCompleted) / hours)
	}
	if touchedTasks > 0 {
		m.Efficiency = round2(float64(m.TasksCompleted) / float64(touchedTasks))
	}
	m.Space = space(len(touched), m.TasksCompleted)
	return m, nil
}

// doneBefore reports whether a task was already done before the window.
func doneBefore(hist []storage.Revision, from time.Time) bool {
	for _, r := range hist {
		if r.At.Before(from) && r.Status == string(entity.TaskDone) {
			return true
		}
	}
	return false
}

// space scores a window on the SPACE axes. Satisfaction and communication
// have no signal in the store and sit at fixed baselines.
func space(touched, completed int) entity.SpaceScores {
	s := entity.SpaceScores{
		Satisfaction:  80,
		Performance:   50,
		Activity:      math.Min(100, float64(touched)*10),
		Communication: 50,
	}
	if completed > 0 {
		s.Performance = 70
	}
	s.Efficiency = s.Activity * 0.8
	s.Overall = round2((s.Satisfaction + s.Performance + s.Activity + s.Communication + s.Efficiency) / 5)
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

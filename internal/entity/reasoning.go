package entity

import (
	"fmt"
	"strings"
)

// ReasoningStep is one link of a reasoning chain.
type ReasoningStep struct {
	Description string   `json:"description"`
	Conclusion  string   `json:"conclusion,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// Reasoning records how a conclusion was reached. Immutable once created.
type Reasoning struct {
	Meta
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Conclusion  string          `json:"conclusion"`
	Confidence  float64         `json:"confidence"`
	TaskID      string          `json:"task_id,omitempty"`
	Steps       []ReasoningStep `json:"steps,omitempty"`
	Evidence    []string        `json:"evidence,omitempty"`
}

func (*Reasoning) Kind() Kind { return KindReasoning }

func (r *Reasoning) Validate() error {
	if err := required("title", r.Title); err != nil {
		return err
	}
	if err := validConfidence("confidence", r.Confidence); err != nil {
		return err
	}
	for i, s := range r.Steps {
		if err := required(fmt.Sprintf("steps[%d].description", i), s.Description); err != nil {
			return err
		}
		if err := validConfidence(fmt.Sprintf("steps[%d].confidence", i), s.Confidence); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reasoning) CheckUpdate(Entity) error {
	return invalid("reasoning", "is immutable once created")
}

func (r *Reasoning) IndexFields() IndexFields {
	steps := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, s.Description, s.Conclusion)
	}
	return IndexFields{
		Agent: r.Agent,
		Title: r.Title,
		Body:  joinText(r.Title, r.Description, r.Conclusion, strings.Join(steps, " ")),
	}
}

package entity

import (
	"fmt"
	"strings"
	"time"
)

type ADRStatus string

const (
	ADRProposed   ADRStatus = "proposed"
	ADRAccepted   ADRStatus = "accepted"
	ADRDeprecated ADRStatus = "deprecated"
	ADRSuperseded ADRStatus = "superseded"
)

func (s ADRStatus) Valid() bool {
	switch s {
	case ADRProposed, ADRAccepted, ADRDeprecated, ADRSuperseded:
		return true
	}
	return false
}

// Alternative is an option considered and not taken.
type Alternative struct {
	Description     string   `json:"description"`
	Pros            []string `json:"pros,omitempty"`
	Cons            []string `json:"cons,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

// ADR is an architecture decision record.
type ADR struct {
	Meta
	Title          string        `json:"title"`
	Number         int           `json:"number"`
	Status         ADRStatus     `json:"status"`
	Context        string        `json:"context"`
	Decision       string        `json:"decision,omitempty"`
	Consequences   string        `json:"consequences,omitempty"`
	DecisionDate   *time.Time    `json:"decision_date,omitempty"`
	Alternatives   []Alternative `json:"alternatives,omitempty"`
	Implementation string        `json:"implementation,omitempty"`
	RelatedADRs    []string      `json:"related_adrs,omitempty"`
	Supersedes     []string      `json:"supersedes,omitempty"`
	SupersededBy   string        `json:"superseded_by,omitempty"`
	Stakeholders   []string      `json:"stakeholders,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
}

func (*ADR) Kind() Kind { return KindADR }

func (a *ADR) ApplyDefaults() {
	if a.Status == "" {
		a.Status = ADRProposed
	}
}

func (a *ADR) Validate() error {
	if err := required("title", a.Title); err != nil {
		return err
	}
	if a.Number < 1 {
		return invalid("number", "must be a positive integer")
	}
	if err := required("context", a.Context); err != nil {
		return err
	}
	if !a.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", a.Status))
	}
	if a.Status == ADRAccepted && a.Decision == "" {
		return invalid("decision", "is required once the record is accepted")
	}
	if a.Status == ADRSuperseded && a.SupersededBy == "" {
		return invalid("superseded_by", "is required once the record is superseded")
	}
	for i, alt := range a.Alternatives {
		if err := required(fmt.Sprintf("alternatives[%d].description", i), alt.Description); err != nil {
			return err
		}
	}
	return nil
}

// CheckUpdate keeps the record number stable and freezes superseded records.
func (a *ADR) CheckUpdate(prev Entity) error {
	p, ok := prev.(*ADR)
	if !ok {
		return invalid("kind", "stored record is not an adr")
	}
	if p.Status == ADRSuperseded {
		return invalid("status", "superseded records are immutable")
	}
	if a.Number != p.Number {
		return invalid("number", "is fixed once the record exists")
	}
	return nil
}

func (a *ADR) IndexFields() IndexFields {
	return IndexFields{
		Agent:  a.Agent,
		Status: string(a.Status),
		Title:  a.Title,
		Body:   joinText(a.Title, a.Context, a.Decision, a.Consequences, strings.Join(a.Tags, " ")),
	}
}

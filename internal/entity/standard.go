package entity

import (
	"fmt"
	"strings"
	"time"
)

type StandardStatus string

const (
	StandardDraft      StandardStatus = "draft"
	StandardActive     StandardStatus = "active"
	StandardDeprecated StandardStatus = "deprecated"
	StandardSuperseded StandardStatus = "superseded"
)

func (s StandardStatus) Valid() bool {
	switch s {
	case StandardDraft, StandardActive, StandardDeprecated, StandardSuperseded:
		return true
	}
	return false
}

type StandardCategory string

const (
	CategoryCoding        StandardCategory = "coding"
	CategoryTesting       StandardCategory = "testing"
	CategoryDocumentation StandardCategory = "documentation"
	CategorySecurity      StandardCategory = "security"
	CategoryPerformance   StandardCategory = "performance"
	CategoryProcess       StandardCategory = "process"
	CategoryArchitecture  StandardCategory = "architecture"
)

func (c StandardCategory) Valid() bool {
	switch c {
	case CategoryCoding, CategoryTesting, CategoryDocumentation, CategorySecurity,
		CategoryPerformance, CategoryProcess, CategoryArchitecture:
		return true
	}
	return false
}

type StandardRequirement struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Mandatory        bool     `json:"mandatory"`
	Priority         Priority `json:"priority,omitempty"`
	Criteria         []string `json:"validation_criteria,omitempty"`
	EvidenceRequired bool     `json:"evidence_required"`
}

// Standard is a versioned team convention. Rules enforce it and compliance
// records audit it.
type Standard struct {
	Meta
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Category         StandardCategory      `json:"category"`
	Status           StandardStatus        `json:"status"`
	Version          string                `json:"version"`
	EffectiveDate    *time.Time            `json:"effective_date,omitempty"`
	Requirements     []StandardRequirement `json:"requirements,omitempty"`
	RelatedStandards []string              `json:"related_standards,omitempty"`
	Supersedes       []string              `json:"supersedes,omitempty"`
	SupersededBy     string                `json:"superseded_by,omitempty"`
	Tags             []string              `json:"tags,omitempty"`
}

func (*Standard) Kind() Kind { return KindStandard }

func (s *Standard) ApplyDefaults() {
	if s.Status == "" {
		s.Status = StandardDraft
	}
}

func (s *Standard) Validate() error {
	if err := required("title", s.Title); err != nil {
		return err
	}
	if err := required("description", s.Description); err != nil {
		return err
	}
	if err := required("version", s.Version); err != nil {
		return err
	}
	if !s.Category.Valid() {
		return invalid("category", fmt.Sprintf("unknown category %q", s.Category))
	}
	if !s.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", s.Status))
	}
	for i, r := range s.Requirements {
		if err := required(fmt.Sprintf("requirements[%d].title", i), r.Title); err != nil {
			return err
		}
		if r.Priority != "" && !r.Priority.Valid() {
			return invalid(fmt.Sprintf("requirements[%d].priority", i), fmt.Sprintf("unknown priority %q", r.Priority))
		}
	}
	return nil
}

// Effective reports whether the standard is in force at now.
func (s *Standard) Effective(now time.Time) bool {
	if s.Status != StandardActive || s.SupersededBy != "" {
		return false
	}
	return s.EffectiveDate == nil || !s.EffectiveDate.After(now)
}

func (s *Standard) IndexFields() IndexFields {
	titles := make([]string, len(s.Requirements))
	for i, r := range s.Requirements {
		titles[i] = r.Title
	}
	return IndexFields{
		Agent:  s.Agent,
		Status: string(s.Status),
		Title:  s.Title,
		Body:   joinText(s.Title, s.Description, string(s.Category), strings.Join(titles, "\n"), strings.Join(s.Tags, " ")),
	}
}

package entity

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type RuleType string

const (
	RuleValidation     RuleType = "validation"
	RuleTransformation RuleType = "transformation"
	RuleEnforcement    RuleType = "enforcement"
	RuleNotification   RuleType = "notification"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleValidation, RuleTransformation, RuleEnforcement, RuleNotification:
		return true
	}
	return false
}

type RuleStatus string

const (
	RuleActive     RuleStatus = "active"
	RuleInactive   RuleStatus = "inactive"
	RuleDeprecated RuleStatus = "deprecated"
)

func (s RuleStatus) Valid() bool {
	switch s {
	case RuleActive, RuleInactive, RuleDeprecated:
		return true
	}
	return false
}

// Rule is a stored team policy. Condition and Action are opaque JSON kept
// for the agents that act on them; the store does not evaluate them.
type Rule struct {
	Meta
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	RuleType     RuleType        `json:"rule_type"`
	Status       RuleStatus      `json:"status"`
	Priority     Priority        `json:"priority"`
	Condition    json.RawMessage `json:"condition,omitempty"`
	Action       json.RawMessage `json:"action,omitempty"`
	EntityTypes  []Kind          `json:"entity_types,omitempty"`
	RelatedRules []string        `json:"related_rules,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
}

func (*Rule) Kind() Kind { return KindRule }

func (r *Rule) ApplyDefaults() {
	if r.Status == "" {
		r.Status = RuleActive
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
}

func (r *Rule) Validate() error {
	if err := required("title", r.Title); err != nil {
		return err
	}
	if err := required("description", r.Description); err != nil {
		return err
	}
	if !r.RuleType.Valid() {
		return invalid("rule_type", fmt.Sprintf("unknown rule type %q", r.RuleType))
	}
	if !r.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", r.Status))
	}
	if !r.Priority.Valid() {
		return invalid("priority", fmt.Sprintf("unknown priority %q", r.Priority))
	}
	for _, k := range r.EntityTypes {
		if _, err := ParseKind(string(k)); err != nil {
			return err
		}
	}
	return nil
}

// AppliesTo reports whether an active rule targets entities of kind.
// A rule without entity types targets every kind.
func (r *Rule) AppliesTo(kind Kind) bool {
	return r.Status == RuleActive && (len(r.EntityTypes) == 0 || slices.Contains(r.EntityTypes, kind))
}

func (r *Rule) IndexFields() IndexFields {
	return IndexFields{
		Agent:  r.Agent,
		Status: string(r.Status),
		Title:  r.Title,
		Body:   joinText(r.Title, r.Description, strings.Join(r.Tags, " ")),
	}
}

package entity

import (
	"fmt"
	"time"
)

// Kind names an entity type. It is the first half of every storage key.
type Kind string

const (
	KindTask             Kind = "task"
	KindContext          Kind = "context"
	KindReasoning        Kind = "reasoning"
	KindKnowledge        Kind = "knowledge"
	KindWorkflow         Kind = "workflow"
	KindWorkflowInstance Kind = "workflow_instance"
	KindRelationship     Kind = "relationship"
	KindSession          Kind = "session"
	KindCompliance       Kind = "compliance"
	KindADR              Kind = "adr"
	KindRule             Kind = "rule"
	KindStandard         Kind = "standard"
)

// Kinds lists every registered kind in a stable order.
var Kinds = []Kind{
	KindTask, KindContext, KindReasoning, KindKnowledge, KindWorkflow,
	KindWorkflowInstance, KindRelationship, KindSession, KindCompliance,
	KindADR, KindRule, KindStandard,
}

// ParseKind validates a kind name supplied at an API boundary.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", invalid("kind", fmt.Sprintf("unknown entity kind %q", s))
}

// Meta holds the fields every entity shares. It is embedded in each entity
// struct so the encoded record stays flat.
//
// Version mirrors the storage ref version the entity was read at. It is not
// part of the content-addressed record.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Agent     string    `json:"agent,omitempty"`
	Version   int64     `json:"version" cbor:"-"`
}

// Base returns the shared fields. Embedding Meta gives every entity this method.
func (m *Meta) Base() *Meta { return m }

// Entity is implemented by every persisted type.
type Entity interface {
	Kind() Kind
	Base() *Meta
	// Validate checks payload invariants. It must not touch storage.
	Validate() error
	// IndexFields returns the columns the structured index keeps for this entity.
	IndexFields() IndexFields
}

// UpdateGuard is implemented by entities whose mutations are restricted.
// CheckUpdate is called with the stored value before the new one is committed.
type UpdateGuard interface {
	CheckUpdate(prev Entity) error
}

// IndexFields is the denormalised projection kept in the structured index.
type IndexFields struct {
	Agent  string
	Status string
	Title  string
	// Body is the free text the natural-language index searches.
	Body string
	Edge *Edge
}

// Edge is set by relationship entities so storage can keep the edge table
// in the same transaction as the record.
type Edge struct {
	SourceID string
	TargetID string
	Type     string
}

// New returns an empty entity of the given kind, ready for decoding.
func New(kind Kind) (Entity, error) {
	switch kind {
	case KindTask:
		return &Task{}, nil
	case KindContext:
		return &Context{}, nil
	case KindReasoning:
		return &Reasoning{}, nil
	case KindKnowledge:
		return &Knowledge{}, nil
	case KindWorkflow:
		return &Workflow{}, nil
	case KindWorkflowInstance:
		return &WorkflowInstance{}, nil
	case KindRelationship:
		return &Relationship{}, nil
	case KindSession:
		return &Session{}, nil
	case KindCompliance:
		return &ComplianceRecord{}, nil
	case KindADR:
		return &ADR{}, nil
	case KindRule:
		return &Rule{}, nil
	case KindStandard:
		return &Standard{}, nil
	}
	return nil, invalid("kind", fmt.Sprintf("unknown entity kind %q", kind))
}

func validConfidence(field string, c float64) error {
	// NaN fails both comparisons, so test the accepted range explicitly.
	if !(c >= 0.0 && c <= 1.0) {
		return invalid(field, fmt.Sprintf("must be within [0.0, 1.0], got %v", c))
	}
	return nil
}

func required(field, v string) error {
	if v == "" {
		return invalid(field, "is required")
	}
	return nil
}

func joinText(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len(b) > 0 {
			b = append(b, '\n')
		}
		b = append(b, p...)
	}
	return string(b)
}

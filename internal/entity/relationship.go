package entity

import "fmt"

// Conventional relationship types. Any lower_snake_case name is accepted.
const (
	RelValidates      = "validates"
	RelReferences     = "references"
	RelDocuments      = "documents"
	RelFulfills       = "fulfills"
	RelContains       = "contains"
	RelConnects       = "connects"
	RelDependsOn      = "depends_on"
	RelImplements     = "implements"
	RelSupersedes     = "supersedes"
	RelAssociatedWith = "associated_with"
	RelGoverns        = "governs"
)

type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthMedium   Strength = "medium"
	StrengthStrong   Strength = "strong"
	StrengthCritical Strength = "critical"
)

// Weight maps a strength onto [0,1] for weighted traversal.
func (s Strength) Weight() float64 {
	switch s {
	case StrengthWeak:
		return 0.25
	case StrengthStrong:
		return 0.75
	case StrengthCritical:
		return 1.0
	}
	return 0.5
}

func (s Strength) Valid() bool {
	switch s {
	case StrengthWeak, StrengthMedium, StrengthStrong, StrengthCritical:
		return true
	}
	return false
}

// Relationship is a directed, typed edge between two stored entities.
type Relationship struct {
	Meta
	SourceID         string   `json:"source_id"`
	SourceType       Kind     `json:"source_type,omitempty"`
	TargetID         string   `json:"target_id"`
	TargetType       Kind     `json:"target_type,omitempty"`
	RelationshipType string   `json:"relationship_type"`
	Strength         Strength `json:"strength"`
	Description      string   `json:"description,omitempty"`
}

func (*Relationship) Kind() Kind { return KindRelationship }

func (r *Relationship) ApplyDefaults() {
	if r.Strength == "" {
		r.Strength = StrengthMedium
	}
}

func (r *Relationship) Validate() error {
	if err := required("source_id", r.SourceID); err != nil {
		return err
	}
	if err := required("target_id", r.TargetID); err != nil {
		return err
	}
	if !validRelType(r.RelationshipType) {
		return invalid("relationship_type", fmt.Sprintf("%q must be lower_snake_case", r.RelationshipType))
	}
	if !r.Strength.Valid() {
		return invalid("strength", fmt.Sprintf("unknown strength %q", r.Strength))
	}
	return nil
}

// Edges are never rewritten; a different triple is a different relationship.
func (r *Relationship) CheckUpdate(Entity) error {
	return invalid("relationship", "is immutable once created")
}

func (r *Relationship) IndexFields() IndexFields {
	return IndexFields{
		Agent:  r.Agent,
		Status: r.RelationshipType,
		Title:  r.RelationshipType,
		Body:   joinText(r.RelationshipType, r.Description),
		Edge: &Edge{
			SourceID: r.SourceID,
			TargetID: r.TargetID,
			Type:     r.RelationshipType,
		},
	}
}

func validRelType(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

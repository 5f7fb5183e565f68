package entity

import (
	"fmt"
	"strings"
)

type KnowledgeType string

const (
	KnowledgePattern     KnowledgeType = "pattern"
	KnowledgeLesson      KnowledgeType = "lesson"
	KnowledgeAntiPattern KnowledgeType = "anti-pattern"
	KnowledgeFact        KnowledgeType = "fact"
	KnowledgeRule        KnowledgeType = "rule"
	KnowledgeConcept     KnowledgeType = "concept"
	KnowledgeProcedure   KnowledgeType = "procedure"
	KnowledgeHeuristic   KnowledgeType = "heuristic"
)

func (t KnowledgeType) Valid() bool {
	switch t {
	case KnowledgePattern, KnowledgeLesson, KnowledgeAntiPattern, KnowledgeFact,
		KnowledgeRule, KnowledgeConcept, KnowledgeProcedure, KnowledgeHeuristic:
		return true
	}
	return false
}

// Knowledge is a reusable finding.
type Knowledge struct {
	Meta
	Title         string        `json:"title"`
	KnowledgeType KnowledgeType `json:"knowledge_type"`
	Confidence    float64       `json:"confidence"`
	Content       string        `json:"content"`
	Source        string        `json:"source,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
}

func (*Knowledge) Kind() Kind { return KindKnowledge }

func (k *Knowledge) ApplyDefaults() {
	if k.KnowledgeType == "" {
		k.KnowledgeType = KnowledgeFact
	}
}

func (k *Knowledge) Validate() error {
	if err := required("title", k.Title); err != nil {
		return err
	}
	if !k.KnowledgeType.Valid() {
		return invalid("knowledge_type", fmt.Sprintf("unknown knowledge type %q", k.KnowledgeType))
	}
	return validConfidence("confidence", k.Confidence)
}

func (k *Knowledge) IndexFields() IndexFields {
	return IndexFields{
		Agent:  k.Agent,
		Status: string(k.KnowledgeType),
		Title:  k.Title,
		Body:   joinText(k.Title, k.Content, strings.Join(k.Tags, " ")),
	}
}

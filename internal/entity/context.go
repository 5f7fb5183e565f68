package entity

import (
	"fmt"
	"slices"
	"strings"
)

type Relevance string

const (
	RelevanceLow    Relevance = "low"
	RelevanceMedium Relevance = "medium"
	RelevanceHigh   Relevance = "high"
)

func (r Relevance) Valid() bool {
	switch r {
	case RelevanceLow, RelevanceMedium, RelevanceHigh:
		return true
	}
	return false
}

// Origin records which input channel supplied a context's content.
type Origin string

const (
	OriginLiteral Origin = "literal"
	OriginStdin   Origin = "stdin"
	OriginFile    Origin = "file"
)

func (o Origin) Valid() bool {
	switch o {
	case "", OriginLiteral, OriginStdin, OriginFile:
		return true
	}
	return false
}

// Context is a piece of reference material attached to work.
type Context struct {
	Meta
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Relevance Relevance `json:"relevance"`
	Source    string    `json:"source,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

func (*Context) Kind() Kind { return KindContext }

func (c *Context) ApplyDefaults() {
	if c.Relevance == "" {
		c.Relevance = RelevanceMedium
	}
}

func (c *Context) Validate() error {
	if err := required("title", c.Title); err != nil {
		return err
	}
	if err := required("content", c.Content); err != nil {
		return err
	}
	if !c.Relevance.Valid() {
		return invalid("relevance", fmt.Sprintf("unknown relevance %q", c.Relevance))
	}
	if !c.Origin.Valid() {
		return invalid("origin", fmt.Sprintf("unknown origin %q", c.Origin))
	}
	return nil
}

// CheckUpdate allows re-tagging relevance only.
func (c *Context) CheckUpdate(prev Entity) error {
	p, ok := prev.(*Context)
	if !ok {
		return invalid("kind", "stored record is not a context")
	}
	if c.Title != p.Title || c.Content != p.Content || c.Source != p.Source ||
		c.Origin != p.Origin || c.Agent != p.Agent || !slices.Equal(c.Tags, p.Tags) {
		return invalid("context", "only relevance may change after creation")
	}
	return nil
}

func (c *Context) IndexFields() IndexFields {
	return IndexFields{
		Agent:  c.Agent,
		Status: string(c.Relevance),
		Title:  c.Title,
		Body:   joinText(c.Title, c.Content, c.Source, strings.Join(c.Tags, " ")),
	}
}

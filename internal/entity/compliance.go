package entity

import (
	"fmt"
	"strings"
)

type ComplianceStatus string

const (
	CompliancePending      ComplianceStatus = "pending"
	ComplianceCompliant    ComplianceStatus = "compliant"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
	ComplianceExempt       ComplianceStatus = "exempt"
)

func (s ComplianceStatus) Valid() bool {
	switch s {
	case CompliancePending, ComplianceCompliant, ComplianceNonCompliant, ComplianceExempt:
		return true
	}
	return false
}

type Requirement struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

// ComplianceRecord is an audit outcome with a pass/fail requirement list.
type ComplianceRecord struct {
	Meta
	Title        string           `json:"title"`
	Category     string           `json:"category"`
	Requirements []Requirement    `json:"requirements,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Status       ComplianceStatus `json:"status"`
	Severity     Priority         `json:"severity,omitempty"`
}

func (*ComplianceRecord) Kind() Kind { return KindCompliance }

// ApplyDefaults derives status from the requirement list when none is given.
func (c *ComplianceRecord) ApplyDefaults() {
	if c.Status != "" {
		return
	}
	if len(c.Requirements) == 0 {
		c.Status = CompliancePending
		return
	}
	c.Status = ComplianceCompliant
	for _, r := range c.Requirements {
		if !r.Passed {
			c.Status = ComplianceNonCompliant
			return
		}
	}
}

func (c *ComplianceRecord) Validate() error {
	if err := required("title", c.Title); err != nil {
		return err
	}
	if err := required("category", c.Category); err != nil {
		return err
	}
	for i, r := range c.Requirements {
		if err := required(fmt.Sprintf("requirements[%d].name", i), r.Name); err != nil {
			return err
		}
	}
	if !c.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", c.Status))
	}
	if c.Severity != "" && !c.Severity.Valid() {
		return invalid("severity", fmt.Sprintf("unknown severity %q", c.Severity))
	}
	return nil
}

// Passed counts satisfied requirements.
func (c *ComplianceRecord) Passed() int {
	n := 0
	for _, r := range c.Requirements {
		if r.Passed {
			n++
		}
	}
	return n
}

func (c *ComplianceRecord) IndexFields() IndexFields {
	names := make([]string, len(c.Requirements))
	for i, r := range c.Requirements {
		names[i] = r.Name
	}
	return IndexFields{
		Agent:  c.Agent,
		Status: string(c.Status),
		Title:  c.Title,
		Body:   joinText(c.Title, c.Category, strings.Join(names, "\n"), strings.Join(c.Tags, " ")),
	}
}

package storage

import (
	"time"

	"github.com/engram-cli/engram/internal/entity"
)

// Filter selects rows of the structured index. Zero fields match anything.
type Filter struct {
	Kind          entity.Kind
	Agent         string
	Status        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// IndexEntry is one row of the structured index.
type IndexEntry struct {
	Kind       entity.Kind `json:"kind"`
	ID         string      `json:"id"`
	Agent      string      `json:"agent,omitempty"`
	Status     string      `json:"status,omitempty"`
	Title      string      `json:"title"`
	Body       string      `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Generation int64       `json:"generation"`
}

// Revision is one entry of the ref log: a version of an entity.
type Revision struct {
	Kind    entity.Kind `json:"kind"`
	ID      string      `json:"id"`
	Version int64       `json:"version"`
	Hash    string      `json:"hash"`
	Agent   string      `json:"agent,omitempty"`
	Status  string      `json:"status,omitempty"`
	At      time.Time   `json:"at"`
}

// Direction selects which end of an edge an entity sits on.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
	Both     Direction = "both"
)

// ParseDirection accepts the empty string as Both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case "":
		return Both, nil
	case Outbound, Inbound, Both:
		return d, nil
	}
	return "", entity.Invalid("direction", "must be outbound, inbound or both")
}

// EdgeQuery selects relationships touching an entity.
type EdgeQuery struct {
	EntityID  string
	Direction Direction
	Type      string
}

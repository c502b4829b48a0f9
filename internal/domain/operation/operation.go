package operation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Priority orders operations into strict bands.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

var ErrInvalidPriority = errors.New("invalid operation priority")

// Rank returns the band index, lower dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Outranks reports whether p is a strictly higher band than other.
func (p Priority) Outranks(other Priority) bool {
	return p.Rank() < other.Rank()
}

// Operation is one outbound change/save request.
type Operation struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   Priority        `json:"priority"`
	DedupKey   string          `json:"dedupKey"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// New creates an operation targeting one key. Operations with the same
// action and target collapse in the queue.
func New(action, target string, payload json.RawMessage, priority Priority) *Operation {
	return &Operation{
		ID:         uuid.NewString(),
		Action:     action,
		Payload:    payload,
		Priority:   priority,
		DedupKey:   DedupKey(action, target),
		EnqueuedAt: time.Now().UTC(),
	}
}

// DedupKey derives the collapse identity for an action on a target key.
func DedupKey(action, target string) string {
	return action + ":" + target
}

// Validate checks the fields required for a restored operation to be
// dispatchable.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return errors.New("operation id is required")
	}
	if o.Action == "" {
		return errors.New("operation action is required")
	}
	if o.DedupKey == "" {
		return errors.New("operation dedup key is required")
	}
	if !o.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

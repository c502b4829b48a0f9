package backend

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_backend.go -package=mocks . Backend,SessionRefresher

import (
	"context"
	"encoding/json"
	"fmt"
)

// Response is a successful backend reply.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error is a failed backend reply. Status carries the HTTP-ish status
// the retry classifier discriminates on.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error: status %d: %s", e.Status, e.Body)
}

// Backend is the abstract save endpoint. Implementations surface
// failures as *Error where a status is known.
type Backend interface {
	Send(ctx context.Context, action string, payload json.RawMessage) (*Response, error)
}

// SessionRefresher re-establishes an expired session before an
// authentication failure is retried.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

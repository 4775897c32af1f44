// Package realtime carries change events from the mutation path to
// subscribed consumers: the board view store and connected websocket clients.
package realtime

import "encoding/json"

type Entity string

const (
	EntityBoard   Entity = "board"
	EntityColumn  Entity = "column"
	EntityTask    Entity = "task"
	EntityMessage Entity = "message"
	// EntityNotice is a user-visible success/failure notification.
	EntityNotice Entity = "notice"
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
	OpMoved   Op = "moved"
)

// Event is one change notification scoped to a board. Payload is the affected
// entity (or its id for deletions) encoded as JSON.
type Event struct {
	Entity  Entity          `json:"entity"`
	Op      Op              `json:"op"`
	BoardID string          `json:"boardId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notice is the payload of EntityNotice events.
type Notice struct {
	UserID  string `json:"userId,omitempty"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

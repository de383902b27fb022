package models

import "time"

// SessionType distinguishes conversational workspaces from agent workspaces.
type SessionType string

// Session types.
const (
	SessionTypeConversation SessionType = "conversation"
	SessionTypeAgent        SessionType = "agent"
)

// SessionStatus is the lifecycle state of a context session.
type SessionStatus string

// Session statuses.
const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// ContextSession is a conversation or agent workspace. The active-message lock
// and cancellation flag are stored under dedicated keys; the struct fields are
// overlaid on read so API consumers see a single record.
type ContextSession struct {
	ID                    string            `json:"id"`
	Type                  SessionType       `json:"type"`
	Status                SessionStatus     `json:"status"`
	UserID                *string           `json:"userId,omitempty"`
	ActiveMessageID       *string           `json:"activeMessageId,omitempty"`
	CancellationRequested bool              `json:"cancellationRequested"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// QueuedMessage is a pending message waiting for the session lock.
type QueuedMessage struct {
	Message    string    `json:"message"`
	SourceID   string    `json:"sourceId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// TurnRole is the author of a history entry.
type TurnRole string

// Turn roles.
const (
	TurnRoleUser  TurnRole = "user"
	TurnRoleModel TurnRole = "model"
	TurnRoleTool  TurnRole = "tool"
)

// Turn is a single history entry. Every user turn carries a unique
// correlation ID; the model and tool turns it produces carry the same one.
type Turn struct {
	ID            string            `json:"id"`
	Role          TurnRole          `json:"role"`
	Content       string            `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TurnGroup is a user turn together with the model/tool turns it produced.
type TurnGroup struct {
	CorrelationID string `json:"correlationId"`
	Turns         []Turn `json:"turns"`
}

// GroupTurns buckets history entries by correlation ID, preserving append
// order both across and within groups.
func GroupTurns(turns []Turn) []TurnGroup {
	var groups []TurnGroup
	index := make(map[string]int)
	for _, t := range turns {
		i, ok := index[t.CorrelationID]
		if !ok {
			i = len(groups)
			index[t.CorrelationID] = i
			groups = append(groups, TurnGroup{CorrelationID: t.CorrelationID})
		}
		groups[i].Turns = append(groups[i].Turns, t)
	}
	return groups
}

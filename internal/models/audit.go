package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry is immutable once written.
type AuditLogEntry struct {
	ID         uuid.UUID       `json:"id"`
	ActionType string          `json:"action_type"`
	ActorID    uuid.UUID       `json:"actor_id"`
	ActorRole  Role            `json:"actor_role"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Notification is a fire-and-forget request to the notification dispatcher.
type Notification struct {
	RecipientID uuid.UUID      `json:"recipient_id"`
	Template    string         `json:"template"`
	Payload     map[string]any `json:"payload,omitempty"`
}

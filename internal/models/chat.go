package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatRequest is the payload sent to the chat streaming endpoint. A null or
// empty conversationId starts a new conversation, in which case model is
// required.
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Model          string `json:"model"`
}

// StreamEvent is one SSE payload sent to the chat client. done=true is the
// success terminal and carries the conversation id so a fresh conversation
// can be selected in the sidebar.
type StreamEvent struct {
	Content        string `json:"content"`
	Done           bool   `json:"done"`
	ConversationID string `json:"conversationId,omitempty"`
}

// StreamErrorEvent is the failure terminal.
type StreamErrorEvent struct {
	Error string `json:"error"`
}

// WebSocket message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type ConversationUpdate struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
}

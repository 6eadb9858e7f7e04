package upstream

import "context"

// EventType enumerates the provider's streaming vocabulary after decoding.
type EventType string

const (
	// EventDelta carries one increment of assistant text.
	EventDelta EventType = "delta"
	// EventNode surfaces a workflow-phase label while the provider is working.
	EventNode EventType = "node"
	// EventEnd terminates a successful stream and carries the provider-side
	// conversation id plus any generated files.
	EventEnd EventType = "end"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// File describes an artifact the provider generated during a turn.
type File struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// Event is one decoded provider event. Exactly one of the terminal types
// (EventEnd, EventError) closes every stream the client returns.
type Event struct {
	Type           EventType
	Answer         string
	NodeLabel      string
	ConversationID string
	Files          []File
	Message        string
}

// ChatRequest carries one user turn to the provider.
type ChatRequest struct {
	Query string
	// ConversationID is the provider-space identifier; empty signals that the
	// provider should open a new conversation.
	ConversationID string
	// OwnerID identifies the end user on whose behalf the call is made.
	OwnerID string
	// FileIDs reference previously uploaded attachments.
	FileIDs []string
}

// Streamer is the provider contract the relay depends on; the HTTP client
// implements it and tests substitute fakes.
type Streamer interface {
	UploadFile(ctx context.Context, ownerID, filename string, content []byte) (string, error)
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error)
}

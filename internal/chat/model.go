package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Role distinguishes who authored a conversation message.
type Role string

const (
	// RoleUser marks a message typed by the buyer.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the upstream provider.
	RoleAssistant Role = "assistant"
)

const (
	maxIdentifierLength = 190
	maxTitleRunes       = 64
)

var (
	// ErrInvalidOwnerID indicates an empty or oversized owner identifier.
	ErrInvalidOwnerID = errors.New("chat: invalid owner id")
	// ErrInvalidContextID indicates an empty or oversized workflow-surface identifier.
	ErrInvalidContextID = errors.New("chat: invalid context id")
	// ErrInvalidReference indicates an empty or oversized conversation reference.
	ErrInvalidReference = errors.New("chat: invalid conversation reference")
	// ErrInvalidRole indicates a role outside {user, assistant}.
	ErrInvalidRole = errors.New("chat: invalid message role")
)

// Conversation is the durable record behind one chat thread. The store mints
// the primary id; the upstream provider's id is attached as an attribute once
// the first turn completes, and from then on either identifier resolves the
// same row. There is deliberately no shape test on references: both columns
// are consulted in a single owner-scoped lookup.
type Conversation struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UpstreamID       string `gorm:"column:upstream_id;size:190;not null;default:'';index:idx_conversations_upstream"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_conversations_owner_context,priority:1"`
	ContextID        string `gorm:"column:context_id;size:190;not null;index:idx_conversations_owner_context,priority:2"`
	Title            string `gorm:"column:title;size:256;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_conversations_owner_context,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Promoted reports whether the upstream provider has assigned its identifier.
func (c Conversation) Promoted() bool {
	return c.UpstreamID != ""
}

// Message is one persisted turn half. User messages are written before the
// upstream call starts; assistant messages only after a successful terminal
// event, so a failed turn leaves a user message with no reply.
type Message struct {
	ID                 string `gorm:"column:id;primaryKey;size:190;not null"`
	ConversationID     string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_time,priority:1"`
	Role               Role   `gorm:"column:role;size:32;not null"`
	Text               string `gorm:"column:text;type:text;not null"`
	AttachmentsJSON    string `gorm:"column:attachments_json;type:text;not null;default:''"`
	GeneratedFilesJSON string `gorm:"column:generated_files_json;type:text;not null;default:''"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null;index:idx_messages_conversation_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "conversation_messages"
}

// GeneratedFile describes a provider-produced artifact attached to an
// assistant message (serialized into generated_files_json).
type GeneratedFile struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// MessageDraft carries the caller-supplied fields of a message to persist.
type MessageDraft struct {
	ConversationID     string
	Role               Role
	Text               string
	AttachmentsJSON    string
	GeneratedFilesJSON string
}

func (d MessageDraft) validate() error {
	if err := validateIdentifier(d.ConversationID, ErrInvalidReference); err != nil {
		return err
	}
	if d.Role != RoleUser && d.Role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, d.Role)
	}
	return nil
}

// DeriveTitle turns the first user query into a conversation title, collapsing
// whitespace and truncating to a display-friendly length.
func DeriveTitle(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

func validateIdentifier(value string, sentinel error) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}

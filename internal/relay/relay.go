package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/procurolabs/procuro/backend/internal/chat"
	"github.com/procurolabs/procuro/backend/internal/upstream"
)

var (
	errMissingStore    = errors.New("relay: conversation store is required")
	errMissingUpstream = errors.New("relay: upstream streamer is required")

	// ErrEmptyQuery indicates a turn with no user text.
	ErrEmptyQuery = errors.New("relay: query must not be empty")
)

// EventType enumerates the outward event vocabulary sent to the browser.
type EventType string

const (
	// EventChunk carries one increment of assistant text.
	EventChunk EventType = "chunk"
	// EventNode surfaces the provider's current workflow-phase label; it is
	// display-only and never persisted.
	EventNode EventType = "node"
	// EventEnd closes a successful turn.
	EventEnd EventType = "end"
	// EventError closes a failed turn.
	EventError EventType = "error"
)

// Event is one outward stream element, serialized as a single JSON line.
type Event struct {
	Type            EventType            `json:"type"`
	Content         string               `json:"content,omitempty"`
	Label           string               `json:"label,omitempty"`
	ConversationRef string               `json:"conversation_ref,omitempty"`
	GeneratedFiles  []chat.GeneratedFile `json:"generated_files,omitempty"`
	Message         string               `json:"message,omitempty"`
}

// Attachment is one uploaded file accompanying a turn.
type Attachment struct {
	Filename string
	Content  []byte
}

// Request carries one user turn into the relay.
type Request struct {
	OwnerID   string
	ContextID string
	// ConversationRef is empty for a brand-new conversation, otherwise either
	// the durable or the upstream identifier of an existing one.
	ConversationRef string
	Query           string
	Attachments     []Attachment
}

// ServiceConfig describes the relay's dependencies.
type ServiceConfig struct {
	Store    *chat.Service
	Upstream upstream.Streamer
	Logger   *zap.Logger
}

// Service turns one user turn into a durable conversation record while
// forwarding the provider's live token stream. Per invocation it performs one
// user-message write (always), at most one assistant-message write (success
// only) and at most one conversation-record mutation (creation or promotion).
type Service struct {
	store    *chat.Service
	upstream upstream.Streamer
	logger   *zap.Logger
}

// NewService validates the configuration and constructs the relay.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Upstream == nil {
		return nil, errMissingUpstream
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, upstream: cfg.Upstream, logger: logger}, nil
}

// Relay runs one turn and returns its outward event stream. The channel emits
// zero or more chunk/node events followed by exactly one terminal event (end
// or error) and is then closed. Cancelling ctx aborts the turn, including the
// in-flight upstream request.
func (s *Service) Relay(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 8)
	go s.run(ctx, req, out)
	return out
}

type attachmentMeta struct {
	Name   string `json:"name"`
	FileID string `json:"file_id"`
}

func (s *Service) run(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)
	started := time.Now()

	fail := func(reason string, err error) {
		s.logger.Warn("relay turn failed",
			zap.String("owner_id", req.OwnerID),
			zap.String("reason", reason),
			zap.Error(err))
		s.emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("%s: %v", reason, err)})
	}

	if strings.TrimSpace(req.Query) == "" {
		fail("invalid request", ErrEmptyQuery)
		return
	}

	// Resolve or create the conversation identity. Creation mints only the
	// durable id; the upstream id arrives with the first successful turn.
	var conversation chat.Conversation
	var err error
	if strings.TrimSpace(req.ConversationRef) != "" {
		conversation, err = s.store.Resolve(ctx, req.OwnerID, req.ConversationRef)
		if err != nil {
			fail("conversation lookup failed", err)
			return
		}
	} else {
		conversation, err = s.store.Create(ctx, req.OwnerID, req.ContextID, req.Query)
		if err != nil {
			fail("conversation creation failed", err)
			return
		}
	}

	// Upload attachments before anything is persisted: a failed upload aborts
	// the whole turn atomically rather than submitting it with files missing.
	fileIDs := make([]string, 0, len(req.Attachments))
	uploaded := make([]attachmentMeta, 0, len(req.Attachments))
	for _, attachment := range req.Attachments {
		fileID, err := s.upstream.UploadFile(ctx, req.OwnerID, attachment.Filename, attachment.Content)
		if err != nil {
			fail("attachment upload failed", err)
			return
		}
		fileIDs = append(fileIDs, fileID)
		uploaded = append(uploaded, attachmentMeta{Name: attachment.Filename, FileID: fileID})
	}

	// The user message is written before the upstream call opens so the
	// buyer's input survives an outright provider failure.
	attachmentsJSON := ""
	if len(uploaded) > 0 {
		encoded, err := json.Marshal(uploaded)
		if err != nil {
			fail("attachment encoding failed", err)
			return
		}
		attachmentsJSON = string(encoded)
	}
	if _, err := s.store.AppendMessage(ctx, chat.MessageDraft{
		ConversationID:  conversation.ID,
		Role:            chat.RoleUser,
		Text:            req.Query,
		AttachmentsJSON: attachmentsJSON,
	}); err != nil {
		fail("user message persistence failed", err)
		return
	}

	events, err := s.upstream.StreamChat(ctx, upstream.ChatRequest{
		Query:          req.Query,
		ConversationID: conversation.UpstreamID,
		OwnerID:        req.OwnerID,
		FileIDs:        fileIDs,
	})
	if err != nil {
		// The user's turn already survives in history; the reply does not.
		fail("upstream stream failed", err)
		return
	}

	var accumulated strings.Builder
	lastNodeLabel := ""
	for event := range events {
		switch event.Type {
		case upstream.EventDelta:
			accumulated.WriteString(event.Answer)
			if !s.emit(ctx, out, Event{Type: EventChunk, Content: event.Answer}) {
				return
			}
		case upstream.EventNode:
			lastNodeLabel = event.NodeLabel
			if !s.emit(ctx, out, Event{Type: EventNode, Label: event.NodeLabel}) {
				return
			}
		case upstream.EventEnd:
			s.finishTurn(ctx, out, conversation, event, accumulated.String())
			s.logger.Info("relay turn completed",
				zap.String("conversation_id", conversation.ID),
				zap.String("last_node", lastNodeLabel),
				zap.Int("answer_bytes", accumulated.Len()),
				zap.Duration("elapsed", time.Since(started)))
			return
		case upstream.EventError:
			fail("upstream stream failed", errors.New(event.Message))
			return
		}
	}

	// The upstream client always terminates its stream, but a stubbed or
	// misbehaving streamer might not.
	fail("upstream stream failed", errors.New("stream closed without terminal event"))
}

// finishTurn is the success path: promote the conversation on its first
// completed turn, persist the assistant message, then emit the end event.
func (s *Service) finishTurn(ctx context.Context, out chan<- Event, conversation chat.Conversation, event upstream.Event, answer string) {
	upstreamID := event.ConversationID
	if upstreamID == "" {
		upstreamID = conversation.UpstreamID
	}

	if !conversation.Promoted() && upstreamID != "" {
		if err := s.store.Promote(ctx, conversation.ID, upstreamID); err != nil {
			s.emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("conversation promotion failed: %v", err)})
			return
		}
	}

	generated := make([]chat.GeneratedFile, 0, len(event.Files))
	for _, file := range event.Files {
		generated = append(generated, chat.GeneratedFile{
			Name:     file.Name,
			URL:      file.URL,
			MimeType: file.MimeType,
		})
	}
	generatedJSON := ""
	if len(generated) > 0 {
		encoded, err := json.Marshal(generated)
		if err != nil {
			s.emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("generated file encoding failed: %v", err)})
			return
		}
		generatedJSON = string(encoded)
	}

	if _, err := s.store.AppendMessage(ctx, chat.MessageDraft{
		ConversationID:     conversation.ID,
		Role:               chat.RoleAssistant,
		Text:               answer,
		GeneratedFilesJSON: generatedJSON,
	}); err != nil {
		s.emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("assistant message persistence failed: %v", err)})
		return
	}

	ref := upstreamID
	if ref == "" {
		ref = conversation.ID
	}
	s.emit(ctx, out, Event{
		Type:            EventEnd,
		ConversationRef: ref,
		GeneratedFiles:  generated,
	})
}

func (s *Service) emit(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

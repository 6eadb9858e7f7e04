package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrConversationNotFound covers both "no such conversation" and
	// "conversation owned by someone else"; callers must not be able to tell
	// the two apart.
	ErrConversationNotFound = errors.New("chat: conversation not found")
	// ErrPromotionConflict indicates an attempt to attach a second, different
	// upstream id to an already-promoted conversation. This is a logic bug in
	// the caller and is surfaced loudly rather than ignored.
	ErrPromotionConflict = errors.New("chat: conversation already promoted with a different upstream id")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUpstreamID = errors.New("upstream id is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "chat.service.new"
	opCreate            = "chat.create_conversation"
	opResolve           = "chat.resolve_conversation"
	opPromote           = "chat.promote_conversation"
	opAppendMessage     = "chat.append_message"
	opListConversations = "chat.list_conversations"
	opListMessages      = "chat.list_messages"
	opDelete            = "chat.delete_conversation"
	opRename            = "chat.rename_conversation"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the conversation store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the durable conversation and message records. The relay writes
// through it during a turn; the listing and history surfaces read through it
// with the exact same resolution rules.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create mints a conversation record scoped to (owner, context) with only a
// durable id; no upstream call has happened yet at this point.
func (s *Service) Create(ctx context.Context, ownerID, contextID, title string) (Conversation, error) {
	if err := validateIdentifier(ownerID, ErrInvalidOwnerID); err != nil {
		return Conversation{}, newServiceError(opCreate, "invalid_owner", err)
	}
	if err := validateIdentifier(contextID, ErrInvalidContextID); err != nil {
		return Conversation{}, newServiceError(opCreate, "invalid_context", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Conversation{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	record := Conversation{
		ID:               id,
		OwnerID:          strings.TrimSpace(ownerID),
		ContextID:        strings.TrimSpace(contextID),
		Title:            DeriveTitle(title),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("owner_id", record.OwnerID))
		return Conversation{}, newServiceError(opCreate, "insert_failed", err)
	}
	return record, nil
}

// Resolve maps a conversation reference to its record. The reference may be
// either the durable id or the upstream id; both columns are consulted in one
// owner-scoped query. A missing record and a record owned by a different user
// yield the identical ErrConversationNotFound.
func (s *Service) Resolve(ctx context.Context, ownerID, ref string) (Conversation, error) {
	if err := validateIdentifier(ownerID, ErrInvalidOwnerID); err != nil {
		return Conversation{}, newServiceError(opResolve, "invalid_owner", err)
	}
	trimmedRef := strings.TrimSpace(ref)
	if err := validateIdentifier(trimmedRef, ErrInvalidReference); err != nil {
		return Conversation{}, newServiceError(opResolve, "invalid_reference", err)
	}

	var record Conversation
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND (id = ? OR upstream_id = ?)", strings.TrimSpace(ownerID), trimmedRef, trimmedRef).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, newServiceError(opResolve, "not_found", ErrConversationNotFound)
	}
	if err != nil {
		s.logError(opResolve, "query_failed", err)
		return Conversation{}, newServiceError(opResolve, "query_failed", err)
	}
	return record, nil
}

// Promote attaches the upstream provider's id to a conversation after its
// first successful turn. Attaching the same id again is a no-op; attaching a
// different id once one is set fails with ErrPromotionConflict.
func (s *Service) Promote(ctx context.Context, conversationID, upstreamID string) error {
	if err := validateIdentifier(conversationID, ErrInvalidReference); err != nil {
		return newServiceError(opPromote, "invalid_reference", err)
	}
	trimmedUpstream := strings.TrimSpace(upstreamID)
	if trimmedUpstream == "" {
		return newServiceError(opPromote, "missing_upstream_id", errMissingUpstreamID)
	}

	var record Conversation
	err := s.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(conversationID)).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opPromote, "not_found", ErrConversationNotFound)
	}
	if err != nil {
		s.logError(opPromote, "query_failed", err)
		return newServiceError(opPromote, "query_failed", err)
	}

	if record.UpstreamID == trimmedUpstream {
		return nil
	}
	if record.UpstreamID != "" {
		s.logError(opPromote, "conflict", ErrPromotionConflict,
			zap.String("conversation_id", record.ID),
			zap.String("existing_upstream_id", record.UpstreamID),
			zap.String("attempted_upstream_id", trimmedUpstream))
		return newServiceError(opPromote, "conflict", ErrPromotionConflict)
	}

	if err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", record.ID).
		Update("upstream_id", trimmedUpstream).Error; err != nil {
		s.logError(opPromote, "update_failed", err, zap.String("conversation_id", record.ID))
		return newServiceError(opPromote, "update_failed", err)
	}
	return nil
}

// AppendMessage persists one turn half and bumps the conversation's activity
// timestamp.
func (s *Service) AppendMessage(ctx context.Context, draft MessageDraft) (Message, error) {
	if err := draft.validate(); err != nil {
		return Message{}, newServiceError(opAppendMessage, "invalid_draft", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opAppendMessage, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	record := Message{
		ID:                 id,
		ConversationID:     strings.TrimSpace(draft.ConversationID),
		Role:               draft.Role,
		Text:               draft.Text,
		AttachmentsJSON:    draft.AttachmentsJSON,
		GeneratedFilesJSON: draft.GeneratedFilesJSON,
		CreatedAtSeconds:   now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", record.ConversationID).
			Update("updated_at_s", now).Error
	})
	if txErr != nil {
		s.logError(opAppendMessage, "insert_failed", txErr, zap.String("conversation_id", record.ConversationID))
		return Message{}, newServiceError(opAppendMessage, "insert_failed", txErr)
	}
	return record, nil
}

// ListConversations pages the owner's conversations for one workflow surface,
// most recently active first.
func (s *Service) ListConversations(ctx context.Context, ownerID, contextID string, page, pageSize int) ([]Conversation, int64, error) {
	if err := validateIdentifier(ownerID, ErrInvalidOwnerID); err != nil {
		return nil, 0, newServiceError(opListConversations, "invalid_owner", err)
	}
	if err := validateIdentifier(contextID, ErrInvalidContextID); err != nil {
		return nil, 0, newServiceError(opListConversations, "invalid_context", err)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	scoped := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("owner_id = ? AND context_id = ?", strings.TrimSpace(ownerID), strings.TrimSpace(contextID))

	var total int64
	if err := scoped.Count(&total).Error; err != nil {
		s.logError(opListConversations, "count_failed", err)
		return nil, 0, newServiceError(opListConversations, "count_failed", err)
	}

	var records []Conversation
	if err := scoped.
		Order("updated_at_s DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error; err != nil {
		s.logError(opListConversations, "query_failed", err)
		return nil, 0, newServiceError(opListConversations, "query_failed", err)
	}
	return records, total, nil
}

// ListMessages returns the full history of a conversation in chronological
// order, resolving the reference with the same dual-id and ownership rules as
// the relay.
func (s *Service) ListMessages(ctx context.Context, ownerID, ref string) ([]Message, error) {
	record, err := s.Resolve(ctx, ownerID, ref)
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", record.ID).
		Order("created_at_s ASC, id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("conversation_id", record.ID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	return messages, nil
}

// Delete removes a conversation and its messages.
func (s *Service) Delete(ctx context.Context, ownerID, ref string) error {
	record, err := s.Resolve(ctx, ownerID, ref)
	if err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", record.ID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", record.ID).Delete(&Conversation{}).Error
	})
	if txErr != nil {
		s.logError(opDelete, "delete_failed", txErr, zap.String("conversation_id", record.ID))
		return newServiceError(opDelete, "delete_failed", txErr)
	}
	return nil
}

// Rename replaces the conversation title.
func (s *Service) Rename(ctx context.Context, ownerID, ref, title string) error {
	record, err := s.Resolve(ctx, ownerID, ref)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", record.ID).
		Update("title", DeriveTitle(title)).Error; err != nil {
		s.logError(opRename, "update_failed", err, zap.String("conversation_id", record.ID))
		return newServiceError(opRename, "update_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}

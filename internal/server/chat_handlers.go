package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/procurolabs/procuro/backend/internal/chat"
	"github.com/procurolabs/procuro/backend/internal/relay"
	"github.com/procurolabs/procuro/backend/internal/stage"
)

const maxAttachmentBytes = 20 << 20

// handleChatStream runs one relay turn and streams its events to the browser
// as newline-delimited JSON. The request context is handed to the relay, so a
// client that stops reading cancels the upstream call as well.
func (h *httpHandler) handleChatStream(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	query := c.PostForm("query")
	contextID := c.PostForm("context_id")
	conversationRef := c.PostForm("conversation_ref")
	if strings.TrimSpace(query) == "" || strings.TrimSpace(contextID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var attachments []relay.Attachment
	if form, err := c.MultipartForm(); err == nil && form != nil {
		for _, fileHeader := range form.File["attachments"] {
			if fileHeader.Size > maxAttachmentBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment_too_large"})
				return
			}
			file, err := fileHeader.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment"})
				return
			}
			content, err := io.ReadAll(io.LimitReader(file, maxAttachmentBytes))
			_ = file.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_attachment"})
				return
			}
			attachments = append(attachments, relay.Attachment{
				Filename: fileHeader.Filename,
				Content:  content,
			})
		}
	}

	events := h.relay.Relay(c.Request.Context(), relay.Request{
		OwnerID:         ownerID,
		ContextID:       contextID,
		ConversationRef: conversationRef,
		Query:           query,
		Attachments:     attachments,
	})

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	encoder := json.NewEncoder(c.Writer)
	for event := range events {
		if err := encoder.Encode(event); err != nil {
			// Client is gone; the relay notices via the request context.
			h.logger.Debug("chat stream write failed", zap.Error(err))
			return
		}
		c.Writer.Flush()
	}
}

type conversationPayload struct {
	ID               string `json:"id"`
	UpstreamID       string `json:"upstream_id,omitempty"`
	ContextID        string `json:"context_id"`
	Title            string `json:"title"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type conversationListPayload struct {
	Conversations []conversationPayload `json:"conversations"`
	Total         int64                 `json:"total"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	contextID := c.Query("context_id")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.chat.ListConversations(c.Request.Context(), ownerID, contextID, page, pageSize)
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	response := conversationListPayload{
		Conversations: make([]conversationPayload, 0, len(records)),
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
	}
	for _, record := range records {
		response.Conversations = append(response.Conversations, conversationPayload{
			ID:               record.ID,
			UpstreamID:       record.UpstreamID,
			ContextID:        record.ContextID,
			Title:            record.Title,
			CreatedAtSeconds: record.CreatedAtSeconds,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}

type messagePayload struct {
	ID               string          `json:"id"`
	Role             chat.Role       `json:"role"`
	Text             string          `json:"text"`
	Attachments      json.RawMessage `json:"attachments,omitempty"`
	GeneratedFiles   json.RawMessage `json:"generated_files,omitempty"`
	CreatedAtSeconds int64           `json:"created_at_s"`
}

type messageListPayload struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []messagePayload `json:"messages"`
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	records, err := h.chat.ListMessages(c.Request.Context(), ownerID, c.Param("ref"))
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	response := messageListPayload{Messages: make([]messagePayload, 0, len(records))}
	for _, record := range records {
		response.ConversationID = record.ConversationID
		payload := messagePayload{
			ID:               record.ID,
			Role:             record.Role,
			Text:             record.Text,
			CreatedAtSeconds: record.CreatedAtSeconds,
		}
		if record.AttachmentsJSON != "" {
			payload.Attachments = json.RawMessage(record.AttachmentsJSON)
		}
		if record.GeneratedFilesJSON != "" {
			payload.GeneratedFiles = json.RawMessage(record.GeneratedFilesJSON)
		}
		response.Messages = append(response.Messages, payload)
	}
	c.JSON(http.StatusOK, response)
}

type stagePayload struct {
	Current   string   `json:"current"`
	Completed []string `json:"completed"`
	Stages    []string `json:"stages"`
}

// handleConversationStage rebuilds the workflow position from the stored
// assistant messages. Nothing stage-related is persisted; replaying the
// history yields the same state live traffic produced.
func (h *httpHandler) handleConversationStage(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	records, err := h.chat.ListMessages(c.Request.Context(), ownerID, c.Param("ref"))
	if err != nil {
		h.respondChatError(c, err)
		return
	}

	assistantTexts := make([]string, 0, len(records))
	for _, record := range records {
		if record.Role == chat.RoleAssistant {
			assistantTexts = append(assistantTexts, record.Text)
		}
	}

	engine := stage.NewEngine()
	engine.Replay(assistantTexts)

	response := stagePayload{
		Current:   engine.Current().String(),
		Completed: make([]string, 0),
		Stages:    make([]string, 0, len(stage.Stages())),
	}
	for _, s := range engine.Completed() {
		response.Completed = append(response.Completed, s.String())
	}
	for _, s := range stage.Stages() {
		response.Stages = append(response.Stages, s.String())
	}
	c.JSON(http.StatusOK, response)
}

type renamePayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleRenameConversation(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.chat.Rename(c.Request.Context(), ownerID, c.Param("ref"), request.Title); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleDeleteConversation(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	if err := h.chat.Delete(c.Request.Context(), ownerID, c.Param("ref")); err != nil {
		h.respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

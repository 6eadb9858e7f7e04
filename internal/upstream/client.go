package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	chatMessagesPath = "/v1/chat-messages"
	fileUploadPath   = "/v1/files/upload"

	ssePrefix = "data: "

	// Provider event names on the wire.
	wireEventMessage     = "message"
	wireEventNodeStarted = "workflow_node_started"
	wireEventMessageEnd  = "message_end"
	wireEventError       = "error"

	defaultTimeout = 120 * time.Second
	// SSE data lines can carry whole documents; give the scanner headroom.
	maxLineBytes = 1 << 20
)

var (
	errMissingBaseURL = errors.New("upstream: base url is required")
	errMissingAPIKey  = errors.New("upstream: api key is required")

	// ErrUploadFailed wraps attachment-upload failures so the relay can fail
	// the whole turn before anything is persisted.
	ErrUploadFailed = errors.New("upstream: file upload failed")
)

// ClientConfig configures the provider HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client speaks the provider's streaming chat API: a multipart file-upload
// endpoint and an SSE chat-completion endpoint whose events are decoded 1:1
// into the Event vocabulary.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type uploadResponse struct {
	ID string `json:"id"`
}

// UploadFile submits one attachment and returns the provider's file id.
func (c *Client) UploadFile(ctx context.Context, ownerID, filename string, content []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := writer.WriteField("user", ownerID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+fileUploadPath, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		c.logger.Warn("upstream upload rejected",
			zap.Int("status", response.StatusCode),
			zap.String("filename", filename))
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, response.StatusCode)
	}

	var decoded uploadResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("%w: empty file id", ErrUploadFailed)
	}
	return decoded.ID, nil
}

type chatRequestPayload struct {
	Query          string            `json:"query"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
	ResponseMode   string            `json:"response_mode"`
	Files          []chatFileRef     `json:"files,omitempty"`
	Inputs         map[string]string `json:"inputs"`
}

type chatFileRef struct {
	UploadFileID   string `json:"upload_file_id"`
	TransferMethod string `json:"transfer_method"`
	Type           string `json:"type"`
}

type wireEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Files          []File `json:"files"`
	Data           struct {
		Title string `json:"title"`
	} `json:"data"`
}

// StreamChat opens the provider stream for one turn. The returned channel
// carries decoded events in arrival order and always ends with exactly one
// terminal event before closing; transport failures and context cancellation
// are surfaced as EventError. Cancelling ctx tears down the HTTP request.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	payload := chatRequestPayload{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		User:           req.OwnerID,
		ResponseMode:   "streaming",
		Inputs:         map[string]string{},
	}
	for _, fileID := range req.FileIDs {
		payload.Files = append(payload.Files, chatFileRef{
			UploadFileID:   fileID,
			TransferMethod: "local_file",
			Type:           "document",
		})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatMessagesPath, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return nil, fmt.Errorf("upstream: chat request rejected with status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	events := make(chan Event)
	go c.consumeStream(ctx, response.Body, events)
	return events, nil
}

func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	terminalSeen := false
	emit := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}

		var decoded wireEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, ssePrefix)), &decoded); err != nil {
			c.logger.Warn("upstream event decode failed", zap.Error(err))
			continue
		}

		switch decoded.Event {
		case wireEventMessage:
			if !emit(Event{Type: EventDelta, Answer: decoded.Answer}) {
				return
			}
		case wireEventNodeStarted:
			if !emit(Event{Type: EventNode, NodeLabel: decoded.Data.Title}) {
				return
			}
		case wireEventMessageEnd:
			terminalSeen = true
			emit(Event{Type: EventEnd, ConversationID: decoded.ConversationID, Files: decoded.Files})
			return
		case wireEventError:
			terminalSeen = true
			emit(Event{Type: EventError, Message: decoded.Message})
			return
		default:
			// Providers add event kinds over time; unknown ones are skipped.
		}
	}

	if terminalSeen {
		return
	}
	if err := ctx.Err(); err != nil {
		emit(Event{Type: EventError, Message: "upstream stream cancelled: " + err.Error()})
		return
	}
	message := "upstream stream ended without a terminal event"
	if err := scanner.Err(); err != nil {
		message = "upstream stream read failed: " + err.Error()
	}
	emit(Event{Type: EventError, Message: message})
}

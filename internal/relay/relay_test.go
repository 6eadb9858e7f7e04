package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/procurolabs/procuro/backend/internal/chat"
	"github.com/procurolabs/procuro/backend/internal/upstream"
)

type fakeStreamer struct {
	uploadErr   error
	streamErr   error
	events      []upstream.Event
	uploads     []string
	lastRequest upstream.ChatRequest
}

func (f *fakeStreamer) UploadFile(_ context.Context, _, filename string, _ []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, filename)
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeStreamer) StreamChat(_ context.Context, req upstream.ChatRequest) (<-chan upstream.Event, error) {
	f.lastRequest = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	events := make(chan upstream.Event)
	go func() {
		defer close(events)
		for _, event := range f.events {
			events <- event
		}
	}()
	return events, nil
}

func newTestStore(t *testing.T) *chat.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1760000000, 0) },
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestRelay(t *testing.T, store *chat.Service, streamer upstream.Streamer) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store, Upstream: streamer})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return service
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var received []Event
	for event := range events {
		received = append(received, event)
	}
	return received
}

func assertSingleTerminal(t *testing.T, events []Event, expected EventType) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("expected at least one event")
	}
	terminal := events[len(events)-1]
	if terminal.Type != expected {
		t.Fatalf("expected terminal %s, got %#v", expected, terminal)
	}
	for _, event := range events[:len(events)-1] {
		if event.Type == EventEnd || event.Type == EventError {
			t.Fatalf("terminal event emitted before end of stream: %#v", event)
		}
	}
	return terminal
}

func TestRelayNewConversationSuccess(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{events: []upstream.Event{
		{Type: upstream.EventNode, NodeLabel: "Analyzing requirement"},
		{Type: upstream.EventDelta, Answer: "Here is the "},
		{Type: upstream.EventDelta, Answer: "requirement summary."},
		{Type: upstream.EventEnd, ConversationID: "conv-99", Files: []upstream.File{
			{Name: "requirements.xlsx", URL: "https://files/req", MimeType: "application/vnd.ms-excel"},
		}},
	}}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "I need 500 hex bolts",
	}))

	terminal := assertSingleTerminal(t, events, EventEnd)
	if terminal.ConversationRef != "conv-99" {
		t.Fatalf("end event must carry the upstream id, got %q", terminal.ConversationRef)
	}
	if len(terminal.GeneratedFiles) != 1 || terminal.GeneratedFiles[0].Name != "requirements.xlsx" {
		t.Fatalf("unexpected generated files: %#v", terminal.GeneratedFiles)
	}
	if events[0].Type != EventNode || events[0].Label != "Analyzing requirement" {
		t.Fatalf("unexpected first event: %#v", events[0])
	}

	// New conversation signals "new" to the provider with an empty id.
	if streamer.lastRequest.ConversationID != "" {
		t.Fatalf("expected empty upstream id for first turn, got %q", streamer.lastRequest.ConversationID)
	}

	// Promotion: the record now resolves by the upstream id too.
	record, err := store.Resolve(context.Background(), "buyer-1", "conv-99")
	if err != nil {
		t.Fatalf("resolve by upstream id failed: %v", err)
	}
	if record.Title != "I need 500 hex bolts" {
		t.Fatalf("unexpected derived title %q", record.Title)
	}

	messages, err := store.ListMessages(context.Background(), "buyer-1", "conv-99")
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(messages))
	}
	if messages[1].Text != "Here is the requirement summary." {
		t.Fatalf("assistant text must be the accumulated deltas, got %q", messages[1].Text)
	}
	if !strings.Contains(messages[1].GeneratedFilesJSON, "requirements.xlsx") {
		t.Fatalf("generated files not persisted: %q", messages[1].GeneratedFilesJSON)
	}
}

func TestRelayUpstreamFailureLeavesDanglingUserMessage(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{events: []upstream.Event{
		{Type: upstream.EventDelta, Answer: "partial answer"},
		{Type: upstream.EventError, Message: "provider unavailable"},
	}}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "compare vendors",
	}))

	terminal := assertSingleTerminal(t, events, EventError)
	if !strings.Contains(terminal.Message, "provider unavailable") {
		t.Fatalf("unexpected error message %q", terminal.Message)
	}

	conversations, _, err := store.ListConversations(context.Background(), "buyer-1", "standard-tab", 1, 10)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("expected the conversation record to exist, got %d", len(conversations))
	}

	messages, err := store.ListMessages(context.Background(), "buyer-1", conversations[0].ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("expected exactly one dangling user message, got %#v", messages)
	}
	if conversations[0].Promoted() {
		t.Fatalf("failed first turn must not promote the conversation")
	}
}

func TestRelayAttachmentFailureAbortsBeforePersistence(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{uploadErr: upstream.ErrUploadFailed}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:     "buyer-1",
		ContextID:   "standard-tab",
		Query:       "see attached spec",
		Attachments: []Attachment{{Filename: "spec.pdf", Content: []byte("pdf")}},
	}))

	assertSingleTerminal(t, events, EventError)

	conversations, _, err := store.ListConversations(context.Background(), "buyer-1", "standard-tab", 1, 10)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("conversation record is created before uploads, got %d", len(conversations))
	}
	messages, err := store.ListMessages(context.Background(), "buyer-1", conversations[0].ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("no message may be persisted when uploads fail, got %d", len(messages))
	}
}

func TestRelayPassesUploadedFileReferences(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{events: []upstream.Event{
		{Type: upstream.EventEnd, ConversationID: "conv-5"},
	}}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "extract requirements from these",
		Attachments: []Attachment{
			{Filename: "boq.xlsx", Content: []byte("a")},
			{Filename: "drawing.pdf", Content: []byte("b")},
		},
	}))
	assertSingleTerminal(t, events, EventEnd)

	if len(streamer.lastRequest.FileIDs) != 2 {
		t.Fatalf("expected 2 file references, got %#v", streamer.lastRequest.FileIDs)
	}

	messages, err := store.ListMessages(context.Background(), "buyer-1", "conv-5")
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if !strings.Contains(messages[0].AttachmentsJSON, "boq.xlsx") {
		t.Fatalf("attachment metadata not persisted on the user message: %q", messages[0].AttachmentsJSON)
	}
}

func TestRelaySecondTurnUsesPromotedUpstreamID(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{events: []upstream.Event{
		{Type: upstream.EventEnd, ConversationID: "conv-7"},
	}}
	relay := newTestRelay(t, store, streamer)

	first := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "first turn",
	}))
	assertSingleTerminal(t, first, EventEnd)

	second := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:         "buyer-1",
		ContextID:       "standard-tab",
		ConversationRef: "conv-7",
		Query:           "second turn",
	}))
	assertSingleTerminal(t, second, EventEnd)

	if streamer.lastRequest.ConversationID != "conv-7" {
		t.Fatalf("second turn must reuse the promoted upstream id, got %q", streamer.lastRequest.ConversationID)
	}

	messages, err := store.ListMessages(context.Background(), "buyer-1", "conv-7")
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages across two turns, got %d", len(messages))
	}
}

func TestRelayUnknownReferenceFailsWithoutSideEffects(t *testing.T) {
	store := newTestStore(t)
	relay := newTestRelay(t, store, &fakeStreamer{})

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:         "buyer-1",
		ContextID:       "standard-tab",
		ConversationRef: "missing-ref",
		Query:           "hello",
	}))
	terminal := assertSingleTerminal(t, events, EventError)
	if !strings.Contains(terminal.Message, "lookup failed") {
		t.Fatalf("unexpected error message %q", terminal.Message)
	}
}

func TestRelayEmptyQueryRejected(t *testing.T) {
	store := newTestStore(t)
	relay := newTestRelay(t, store, &fakeStreamer{})

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "   ",
	}))
	assertSingleTerminal(t, events, EventError)

	conversations, _, err := store.ListConversations(context.Background(), "buyer-1", "standard-tab", 1, 10)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	if len(conversations) != 0 {
		t.Fatalf("rejected turn must not create a conversation, got %d", len(conversations))
	}
}

func TestRelayStreamClosedWithoutTerminalSynthesizesError(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{events: []upstream.Event{
		{Type: upstream.EventDelta, Answer: "partial"},
	}}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "hello",
	}))
	terminal := assertSingleTerminal(t, events, EventError)
	if !strings.Contains(terminal.Message, "terminal") {
		t.Fatalf("unexpected error message %q", terminal.Message)
	}
}

func TestRelayStreamOpenFailure(t *testing.T) {
	store := newTestStore(t)
	streamer := &fakeStreamer{streamErr: errors.New("connection refused")}
	relay := newTestRelay(t, store, streamer)

	events := drain(t, relay.Relay(context.Background(), Request{
		OwnerID:   "buyer-1",
		ContextID: "standard-tab",
		Query:     "hello",
	}))
	terminal := assertSingleTerminal(t, events, EventError)
	if !strings.Contains(terminal.Message, "connection refused") {
		t.Fatalf("unexpected error message %q", terminal.Message)
	}

	// Persistence ordering: the user message was written before the stream
	// opened and survives the failure.
	conversations, _, err := store.ListConversations(context.Background(), "buyer-1", "standard-tab", 1, 10)
	if err != nil {
		t.Fatalf("failed to list conversations: %v", err)
	}
	messages, err := store.ListMessages(context.Background(), "buyer-1", conversations[0].ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != chat.RoleUser {
		t.Fatalf("expected exactly the user message, got %#v", messages)
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/procurolabs/procuro/backend/internal/auth"
	"github.com/procurolabs/procuro/backend/internal/bookmarks"
	"github.com/procurolabs/procuro/backend/internal/chat"
	"github.com/procurolabs/procuro/backend/internal/relay"
	"github.com/procurolabs/procuro/backend/internal/upstream"
)

const testSigningSecret = "router-test-secret"

// stubStreamer replays a scripted provider stream and records uploads.
type stubStreamer struct {
	events    []upstream.Event
	streamErr error
	uploads   []string
}

func (s *stubStreamer) UploadFile(_ context.Context, _, filename string, _ []byte) (string, error) {
	fileID := fmt.Sprintf("file-%d", len(s.uploads)+1)
	s.uploads = append(s.uploads, filename)
	return fileID, nil
}

func (s *stubStreamer) StreamChat(_ context.Context, _ upstream.ChatRequest) (<-chan upstream.Event, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	out := make(chan upstream.Event, len(s.events))
	for _, event := range s.events {
		out <- event
	}
	close(out)
	return out, nil
}

type testEnvironment struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	chat     *chat.Service
	streamer *stubStreamer
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(
		&chat.Conversation{},
		&chat.Message{},
		&bookmarks.SupplierBookmark{},
		&bookmarks.WishlistItem{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestEnvironment(t *testing.T, streamer *stubStreamer) testEnvironment {
	t.Helper()

	db := openTestDB(t)
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	relayService, err := relay.NewService(relay.ServiceConfig{
		Store:    chatService,
		Upstream: streamer,
	})
	if err != nil {
		t.Fatalf("failed to construct relay service: %v", err)
	}
	bookmarkService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct bookmark service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:    issuer,
		Chat:      chatService,
		Relay:     relayService,
		Bookmarks: bookmarkService,
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}

	return testEnvironment{handler: handler, issuer: issuer, chat: chatService, streamer: streamer}
}

func (env testEnvironment) tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := env.issuer.Issue(subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

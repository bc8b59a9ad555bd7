package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lexical-app/retention/internal/auth"
	"github.com/lexical-app/retention/internal/devices"
	"github.com/lexical-app/retention/internal/fsrs"
	"github.com/lexical-app/retention/internal/lexicon"
	"github.com/lexical-app/retention/internal/review"
)

type testServer struct {
	server     *httptest.Server
	tokens     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&review.ReviewEvent{},
		&review.WordState{},
		&review.ItemTombstone{},
		&lexicon.Item{},
		&devices.Device{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	catalog, err := lexicon.NewCatalog(lexicon.CatalogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	if _, err := catalog.ImportSeed(context.Background(), []lexicon.SeedEntry{
		{Lemma: "word-ephemeral", Rank: 8123},
		{Lemma: "word-lucid", Rank: 5100},
		{Lemma: "word-halcyon", Rank: 14250},
	}); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	scheduler, err := fsrs.NewScheduler(fsrs.SchedulerConfig{})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	coordinator, err := review.NewCoordinator(review.CoordinatorConfig{
		Database:   db,
		Scheduler:  scheduler,
		Catalog:    catalog,
		IDProvider: review.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "retention-auth",
		Audience:      "retention-api",
		TokenTTL:      time.Minute,
	})

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokenIssuer,
		Coordinator:  coordinator,
		Catalog:      catalog,
		Devices:      registry,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{server: server, tokens: tokenIssuer, dispatcher: dispatcher}
}

func (ts *testServer) authenticate(t *testing.T, userID, deviceID string) string {
	t.Helper()

	payload := fmt.Sprintf(`{"user_id":%q,"device_id":%q,"platform":"test"}`, userID, deviceID)
	response, err := http.Post(ts.server.URL+"/auth/device", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("device auth request failed: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected auth status: %d", response.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}
	if body.TokenType != "Bearer" || body.AccessToken == "" {
		t.Fatalf("unexpected auth payload: %+v", body)
	}
	return body.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBuffer(nil)
	} else {
		reader = bytes.NewBufferString(body)
	}
	request, err := http.NewRequest(method, ts.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func readAll(t *testing.T, response *http.Response) []byte {
	t.Helper()
	defer func() { _ = response.Body.Close() }()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return payload
}

func decodeRaw(t *testing.T, payload []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(payload, target); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
}

func decodeJSON(t *testing.T, response *http.Response, target any) {
	t.Helper()
	defer func() { _ = response.Body.Close() }()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

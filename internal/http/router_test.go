package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-gateway/internal/broadcast"
	"chat-gateway/internal/domain"
	"chat-gateway/internal/llm"
	"chat-gateway/internal/service"
	"chat-gateway/internal/tools"
)

// memRepo implementa los repositorios de conversaciones y mensajes en memoria
// para probar los handlers sin base de datos.
type memRepo struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (r *memRepo) Create(_ context.Context, conversation domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conversation.ID] = conversation
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return domain.Conversation{}, pgx.ErrNoRows
	}
	return c, nil
}

func (r *memRepo) ListByUserID(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Conversation
	for _, c := range r.conversations {
		if c.UserID == userID && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) SetArchived(_ context.Context, id string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.Archived = archived
	r.conversations[id] = c
	return nil
}

func (r *memRepo) Reconcile(_ context.Context, id string) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return domain.Conversation{}, pgx.ErrNoRows
	}
	count, tokens := 0, 0
	for _, m := range r.messages[id] {
		if !m.Deleted {
			count++
			tokens += m.TokenCount
		}
	}
	c.MessageCount = count
	c.TotalTokens = tokens
	r.conversations[id] = c
	return c, nil
}

type memMessageRepo struct{ *memRepo }

func (r memMessageRepo) Append(_ context.Context, message domain.Message) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[message.ConversationID]
	if !ok {
		return domain.Message{}, pgx.ErrNoRows
	}
	message.Position = int64(len(r.messages[message.ConversationID])) + 1
	r.messages[message.ConversationID] = append(r.messages[message.ConversationID], message)
	c.MessageCount++
	c.TotalTokens += message.TokenCount
	c.LastActivity = time.Now().UTC()
	r.conversations[message.ConversationID] = c
	return message, nil
}

func (r memMessageRepo) ListRecent(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var alive []domain.Message
	for _, m := range r.messages[conversationID] {
		if !m.Deleted {
			alive = append(alive, m)
		}
	}
	if len(alive) > limit {
		alive = alive[len(alive)-limit:]
	}
	return alive, nil
}

func (r memMessageRepo) MarkDeleted(_ context.Context, conversationID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.messages[conversationID] {
		if m.ID == messageID && !m.Deleted {
			m.Deleted = true
			m.Content = "[deleted]"
			r.messages[conversationID][i] = m
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (r memMessageRepo) UpdateMetadata(_ context.Context, conversationID, messageID string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.messages[conversationID] {
		if m.ID == messageID {
			m.Metadata = metadata
			r.messages[conversationID][i] = m
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (r memMessageRepo) GetByID(_ context.Context, conversationID, messageID string) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages[conversationID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return domain.Message{}, pgx.ErrNoRows
}

type testServer struct {
	router *gin.Engine
	jwtSvc *service.JWTService
}

func newTestServer(t *testing.T, provider llm.Client) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	repo := newMemRepo()
	store := service.NewConversationStore(repo, memMessageRepo{repo}, nil, logger)
	broadcaster := broadcast.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	router := tools.NewRouter(logger)
	turns := service.NewTurnService(store, provider, router, broadcaster, nil, service.TurnConfig{Model: "gpt-test"}, logger)
	jwtSvc := service.NewJWTServiceWithStore("secret", 15*time.Minute, 30*time.Minute, service.NewMemoryRefreshTokenStore())

	engine := NewRouter(
		logger,
		jwtSvc,
		NewAuthHandler(logger, jwtSvc),
		NewConversationHandler(logger, store),
		NewChatHandler(logger, turns, store, broadcaster),
		NewHealthHandler(nil, nil),
	)
	return &testServer{router: engine, jwtSvc: jwtSvc}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	pair, err := s.jwtSvc.GeneratePair(domain.User{ID: userID, AuthProvider: "guest"})
	if err != nil {
		t.Fatalf("generate pair: %v", err)
	}
	return pair.AccessToken
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func textFragments(reply string, tokens int) []llm.Fragment {
	return []llm.Fragment{
		{Type: llm.FragmentTextDelta, Delta: reply},
		{Type: llm.FragmentDone, Usage: &llm.Usage{CompletionTokens: tokens}, FinishReason: "stop"},
	}
}

func TestGuestLoginAndRefresh(t *testing.T) {
	srv := newTestServer(t, &llm.MockClient{})

	rec := srv.do(t, http.MethodPost, "/auth/guest", "", map[string]string{"display_name": "Ana"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var loginResp struct {
		Tokens service.TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if loginResp.Tokens.AccessToken == "" || loginResp.Tokens.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", loginResp.Tokens)
	}

	rec = srv.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": loginResp.Tokens.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on refresh, got %d: %s", rec.Code, rec.Body.String())
	}

	// El refresh viejo quedo rotado.
	rec = srv.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": loginResp.Tokens.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reused refresh, got %d", rec.Code)
	}
}

func TestConversationEndpointsRequireAuth(t *testing.T) {
	srv := newTestServer(t, &llm.MockClient{})

	rec := srv.do(t, http.MethodPost, "/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCreateConversationAndPostMessage(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{
		{Fragments: textFragments("Hello back!", 3)},
	}}
	srv := newTestServer(t, mock)
	token := srv.token(t, "u1")

	rec := srv.do(t, http.MethodPost, "/conversations", token, map[string]string{"title": ""})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var createResp struct {
		Conversation domain.Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if createResp.Conversation.Title != "New Chat" {
		t.Fatalf("expected default title, got %q", createResp.Conversation.Title)
	}
	conversationID := createResp.Conversation.ID

	rec = srv.do(t, http.MethodPost, "/conversations/"+conversationID+"/messages", token, map[string]string{"content": "hi"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var postResp struct {
		Message domain.Message `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &postResp); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if postResp.Message.Content != "Hello back!" || postResp.Message.Role != domain.RoleAssistant {
		t.Fatalf("unexpected assistant message: %+v", postResp.Message)
	}

	rec = srv.do(t, http.MethodGet, "/conversations/"+conversationID+"/messages", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var historyResp struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &historyResp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(historyResp.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(historyResp.Messages))
	}

	// Conversacion ajena se reporta como inexistente.
	otherToken := srv.token(t, "u2")
	rec = srv.do(t, http.MethodGet, "/conversations/"+conversationID+"/messages", otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign conversation, got %d", rec.Code)
	}
}

func TestArchivedConversationRejectsTurns(t *testing.T) {
	srv := newTestServer(t, &llm.MockClient{})
	token := srv.token(t, "u1")

	rec := srv.do(t, http.MethodPost, "/conversations", token, nil)
	var createResp struct {
		Conversation domain.Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	conversationID := createResp.Conversation.ID

	archived := true
	rec = srv.do(t, http.MethodPost, "/conversations/"+conversationID+"/archive", token, map[string]any{"archived": archived})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on archive, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/conversations/"+conversationID+"/messages", token, map[string]string{"content": "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for archived conversation, got %d", rec.Code)
	}
}

func TestReactionsEndpoint(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{
		{Fragments: textFragments("sure", 1)},
	}}
	srv := newTestServer(t, mock)
	token := srv.token(t, "u1")

	rec := srv.do(t, http.MethodPost, "/conversations", token, nil)
	var createResp struct {
		Conversation domain.Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	conversationID := createResp.Conversation.ID

	rec = srv.do(t, http.MethodPost, "/conversations/"+conversationID+"/messages", token, map[string]string{"content": "hi"})
	var postResp struct {
		Message domain.Message `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &postResp); err != nil {
		t.Fatalf("decode message: %v", err)
	}

	path := "/conversations/" + conversationID + "/messages/" + postResp.Message.ID + "/reactions"
	rec = srv.do(t, http.MethodPost, path, token, map[string]string{"emoji": "👍"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on reaction, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = srv.do(t, http.MethodDelete, path, token, map[string]string{"emoji": "👍"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on remove reaction, got %d: %s", rec.Code, rec.Body.String())
	}
}

package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"livepoll/handlers"
	"livepoll/routes"
	"livepoll/services"
	"livepoll/testutil"
)

const testJWTSecret = "routes-test-secret"

// newServer wires the full route table the way main.go does, returning the
// router and a valid moderator bearer token.
func newServer(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	feed := testutil.NewMemoryFeed()
	logger := testutil.NewLogger()

	authService := services.NewAuthService(db, testJWTSecret)
	pollService := services.NewPollService(db, feed, logger)
	chatService := services.NewChatService(db, feed, logger)
	sessions := services.NewSessionManager(db, feed, logger)

	roster := services.NewRoster(db, feed, logger)
	if err := roster.Start(context.Background()); err != nil {
		t.Fatalf("roster Start failed: %v", err)
	}
	t.Cleanup(roster.Close)

	hub := services.NewHub(db, feed, sessions, logger)
	if err := hub.Start(); err != nil {
		t.Fatalf("hub Start failed: %v", err)
	}
	go hub.Run()

	router := gin.New()
	routes.SetupRoutes(router,
		handlers.NewAuthHandler(authService),
		handlers.NewPollHandler(pollService),
		handlers.NewStudentHandler(sessions, roster),
		handlers.NewVoteHandler(sessions, hub, func() *services.PollStore {
			return services.NewPollStore(db, feed, logger)
		}),
		handlers.NewChatHandler(chatService, sessions),
		hub, testJWTSecret, logger)

	_, token, err := authService.Register(&services.RegisterRequest{
		Email:    "teacher@example.com",
		Name:     "Teacher",
		Password: "teaching is hard",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return router, token
}

func request(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestModeratorRoutesRequireToken(t *testing.T) {
	router, token := newServer(t)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	pollBody := map[string]interface{}{
		"question":         "Protected?",
		"options":          []map[string]interface{}{{"text": "yes"}, {"text": "no"}},
		"duration_seconds": 60,
	}

	moderatorOnly := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodPost, "/api/polls", pollBody},
		{http.MethodGet, "/api/polls/history", nil},
		{http.MethodGet, "/api/auth/profile", nil},
	}
	for _, route := range moderatorOnly {
		if w := request(t, router, route.method, route.path, route.body, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token = %d, want 401", route.method, route.path, w.Code)
		}
	}

	if w := request(t, router, http.MethodPost, "/api/polls", pollBody, bearer); w.Code != http.StatusCreated {
		t.Fatalf("create poll with token = %d, want 201", w.Code)
	}
	if w := request(t, router, http.MethodGet, "/api/polls/history", nil, bearer); w.Code != http.StatusOK {
		t.Fatalf("history with token = %d, want 200", w.Code)
	}
}

func TestStudentRoutesArePublic(t *testing.T) {
	router, _ := newServer(t)

	if w := request(t, router, http.MethodGet, "/api/polls/active", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("active poll = %d, want 200", w.Code)
	}
	if w := request(t, router, http.MethodPost, "/api/students/join", map[string]string{"name": "Ann"}, nil); w.Code != http.StatusOK {
		t.Fatalf("join = %d, want 200", w.Code)
	}
	if w := request(t, router, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", w.Code)
	}
}

func TestChatSenderResolution(t *testing.T) {
	router, token := newServer(t)

	// No credentials at all: refused.
	body := map[string]interface{}{"sender_name": "Ghost", "message": "boo"}
	if w := request(t, router, http.MethodPost, "/api/chat", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("chat without identity = %d, want 401", w.Code)
	}

	// Moderator token: recorded as a teacher message.
	body = map[string]interface{}{"sender_name": "Teacher", "message": "welcome"}
	w := request(t, router, http.MethodPost, "/api/chat", body, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusCreated {
		t.Fatalf("teacher chat = %d, want 201", w.Code)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if msg["is_teacher"] != true {
		t.Fatalf("teacher message flag = %v, want true", msg["is_teacher"])
	}
}

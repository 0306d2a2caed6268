package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"parley/internal/app"
	"parley/internal/ratelimit"
	"parley/internal/usertoken"
	"parley/pkg/domain"
	"parley/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	memStore := store.NewMemoryStore()
	application, err := app.New(app.Config{Store: memStore})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := usertoken.NewManager(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: application, Tokens: tokens}).Router())
	t.Cleanup(srv.Close)
	return srv, memStore
}

func signupUser(t *testing.T, srv *httptest.Server, email, username string) (string, domain.User) {
	t.Helper()
	resp := postJSON(t, srv, "", "/api/v1/auth/signup", map[string]any{
		"email":     email,
		"username":  username,
		"firstName": "Test",
		"lastName":  "User",
		"password":  "correct-horse",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s expected 201, got %d", email, resp.StatusCode)
	}
	var body struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if body.Token == "" || body.User.ID == "" {
		t.Fatalf("signup response missing token or user id: %+v", body)
	}
	return body.Token, body.User
}

func postJSON(t *testing.T, srv *httptest.Server, token, path string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, srv *httptest.Server, token, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func TestSignupAndLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	token, user := signupUser(t, srv, "alice@example.com", "alice")
	if user.Role != domain.RoleGuest {
		t.Fatalf("default role = %q, want guest", user.Role)
	}
	if token == "" {
		t.Fatal("expected a session token")
	}

	// The password hash must never leave the server.
	resp := postJSON(t, srv, "", "/api/v1/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login expected 200, got %d", resp.StatusCode)
	}
	var rawUser struct {
		User map[string]any `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rawUser); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if _, ok := rawUser.User["passwordHash"]; ok {
		t.Fatal("login response leaked passwordHash")
	}

	// Duplicate email.
	resp = postJSON(t, srv, "", "/api/v1/auth/signup", map[string]any{
		"email":     "alice@example.com",
		"username":  "alice2",
		"firstName": "A",
		"lastName":  "B",
		"password":  "another-pass",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate email expected 409, got %d", resp.StatusCode)
	}

	// Wrong password.
	resp = postJSON(t, srv, "", "/api/v1/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password expected 401, got %d", resp.StatusCode)
	}
}

func TestConversationsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := getJSON(t, srv, "", "/api/v1/chats/conversations")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	resp = getJSON(t, srv, "not-a-jwt", "/api/v1/chats/conversations")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token expected 401, got %d", resp.StatusCode)
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceToken, alice := signupUser(t, srv, "alice@example.com", "alice")
	bobToken, bob := signupUser(t, srv, "bob@example.com", "bob")
	eveToken, _ := signupUser(t, srv, "eve@example.com", "eve")

	// Creation collapses duplicates and always enrolls the caller, even
	// when the submitted list omits her.
	resp := postJSON(t, srv, aliceToken, "/api/v1/chats/conversations", map[string]any{
		"participants": []string{bob.ID, bob.ID},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expected 201, got %d", resp.StatusCode)
	}
	var detail domain.ConversationDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	resp.Body.Close()
	if len(detail.Participants) != 2 {
		t.Fatalf("participants = %d, want 2 (caller + bob)", len(detail.Participants))
	}
	seen := map[string]bool{}
	for _, p := range detail.Participants {
		seen[p.ID] = true
	}
	if !seen[alice.ID] || !seen[bob.ID] {
		t.Fatalf("participants missing alice or bob: %+v", detail.Participants)
	}
	if detail.Messages == nil || len(detail.Messages) != 0 {
		t.Fatalf("new conversation should carry an empty message list, got %v", detail.Messages)
	}

	// A member other than the creator can read it.
	resp = getJSON(t, srv, bobToken, "/api/v1/chats/conversations/"+detail.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member retrieve expected 200, got %d", resp.StatusCode)
	}

	// A non-member sees 403, not 404: the resource exists but is closed.
	resp = getJSON(t, srv, eveToken, "/api/v1/chats/conversations/"+detail.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider retrieve expected 403, got %d", resp.StatusCode)
	}

	// An unknown id is 404 regardless of caller.
	resp = getJSON(t, srv, aliceToken, "/api/v1/chats/conversations/no-such-id")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id expected 404, got %d", resp.StatusCode)
	}

	// A dangling participant reference rejects the whole creation.
	resp = postJSON(t, srv, aliceToken, "/api/v1/chats/conversations", map[string]any{
		"participants": []string{bob.ID, "ghost-user"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dangling reference expected 400, got %d", resp.StatusCode)
	}

	// Listing is participant-scoped: eve sees nothing.
	resp = getJSON(t, srv, eveToken, "/api/v1/chats/conversations")
	var listing struct {
		Items []domain.ConversationSummary `json:"items"`
		Count int                          `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	resp.Body.Close()
	if listing.Count != 0 {
		t.Fatalf("eve should see no conversations, got %d", listing.Count)
	}

	resp = getJSON(t, srv, aliceToken, "/api/v1/chats/conversations")
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	resp.Body.Close()
	if listing.Count != 1 || listing.Items[0].ID != detail.ID {
		t.Fatalf("alice listing = %+v, want the one created conversation", listing)
	}
	if listing.Items[0].MessageCount != 0 {
		t.Fatalf("messageCount = %d, want 0", listing.Items[0].MessageCount)
	}
}

func TestSendMessageStampsSenderFromCaller(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceToken, alice := signupUser(t, srv, "alice@example.com", "alice")
	_, bob := signupUser(t, srv, "bob@example.com", "bob")

	resp := postJSON(t, srv, aliceToken, "/api/v1/chats/conversations", map[string]any{
		"participants": []string{bob.ID},
	})
	var detail domain.ConversationDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	resp.Body.Close()

	// A forged senderId in the body is discarded; the caller identity wins.
	resp = postJSON(t, srv, aliceToken, "/api/v1/chats/messages", map[string]any{
		"conversationId": detail.ID,
		"body":           "hello",
		"senderId":       bob.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send expected 201, got %d", resp.StatusCode)
	}
	var msg domain.MessageView
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	resp.Body.Close()
	if msg.Sender.ID != alice.ID {
		t.Fatalf("sender = %q, want caller %q", msg.Sender.ID, alice.ID)
	}
	if msg.ConversationID != detail.ID || msg.Body != "hello" {
		t.Fatalf("unexpected message echo: %+v", msg)
	}

	// Blank body is rejected before any store write.
	resp = postJSON(t, srv, aliceToken, "/api/v1/chats/messages", map[string]any{
		"conversationId": detail.ID,
		"body":           "   ",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank body expected 400, got %d", resp.StatusCode)
	}
}

func TestSendMessageCheckOrder(t *testing.T) {
	srv, memStore := newTestServer(t)
	aliceToken, _ := signupUser(t, srv, "alice@example.com", "alice")
	evToken, _ := signupUser(t, srv, "eve@example.com", "eve")

	// Unknown conversation: 404 and nothing written.
	resp := postJSON(t, srv, aliceToken, "/api/v1/chats/messages", map[string]any{
		"conversationId": "no-such-conversation",
		"body":           "hello?",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation expected 404, got %d", resp.StatusCode)
	}
	if n, _ := memStore.MessageCount(); n != 0 {
		t.Fatalf("store gained %d messages on a rejected send", n)
	}

	// Existing conversation the caller is outside of: 403, still nothing written.
	resp = postJSON(t, srv, aliceToken, "/api/v1/chats/conversations", map[string]any{})
	var detail domain.ConversationDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	resp.Body.Close()

	resp = postJSON(t, srv, evToken, "/api/v1/chats/messages", map[string]any{
		"conversationId": detail.ID,
		"body":           "let me in",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider send expected 403, got %d", resp.StatusCode)
	}
	if n, _ := memStore.MessageCount(); n != 0 {
		t.Fatalf("store gained %d messages on a forbidden send", n)
	}
}

func TestListMessagesScopeAndFilters(t *testing.T) {
	srv, _ := newTestServer(t)
	aliceToken, _ := signupUser(t, srv, "alice@example.com", "alice")
	bobToken, bob := signupUser(t, srv, "bob@example.com", "bob")
	eveToken, eve := signupUser(t, srv, "eve@example.com", "eve")

	createConv := func(token string, participants ...string) string {
		resp := postJSON(t, srv, token, "/api/v1/chats/conversations", map[string]any{
			"participants": participants,
		})
		var detail domain.ConversationDetail
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
			t.Fatalf("decode detail: %v", err)
		}
		resp.Body.Close()
		return detail.ID
	}
	send := func(token, convID, body string) {
		resp := postJSON(t, srv, token, "/api/v1/chats/messages", map[string]any{
			"conversationId": convID,
			"body":           body,
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send %q expected 201, got %d", body, resp.StatusCode)
		}
	}
	list := func(token, query string) []domain.MessageView {
		resp := getJSON(t, srv, token, "/api/v1/chats/messages"+query)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list %q expected 200, got %d", query, resp.StatusCode)
		}
		var body struct {
			Items []domain.MessageView `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode message list: %v", err)
		}
		resp.Body.Close()
		return body.Items
	}

	shared := createConv(aliceToken, bob.ID)
	private := createConv(bobToken, eve.ID)

	send(aliceToken, shared, "first")
	send(bobToken, shared, "second")
	send(bobToken, private, "secret")

	// Alice sees only the shared conversation's messages, oldest first.
	msgs := list(aliceToken, "")
	if len(msgs) != 2 {
		t.Fatalf("alice sees %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("messages out of order: %q then %q", msgs[0].Body, msgs[1].Body)
	}

	// Bob is in both conversations and sees all three.
	if msgs := list(bobToken, ""); len(msgs) != 3 {
		t.Fatalf("bob sees %d messages, want 3", len(msgs))
	}

	// Filtering by conversation narrows the feed within the caller's scope.
	if msgs := list(bobToken, "?conversation="+private); len(msgs) != 1 || msgs[0].Body != "secret" {
		t.Fatalf("conversation filter returned %+v", msgs)
	}
	// The same filter for an outsider yields nothing rather than an error.
	if msgs := list(eveToken, "?conversation="+shared); len(msgs) != 0 {
		t.Fatalf("eve filtered into a conversation she is outside of: %+v", msgs)
	}

	// Pagination.
	if msgs := list(bobToken, "?page_size=2"); len(msgs) != 2 {
		t.Fatalf("page 1 of size 2 returned %d messages", len(msgs))
	}
	if msgs := list(bobToken, "?page=2&page_size=2"); len(msgs) != 1 {
		t.Fatalf("page 2 of size 2 returned %d messages", len(msgs))
	}
	if resp := getJSON(t, srv, bobToken, "/api/v1/chats/messages?page=0"); resp.StatusCode != http.StatusBadRequest {
		resp.Body.Close()
		t.Fatalf("page=0 expected 400, got %d", resp.StatusCode)
	} else {
		resp.Body.Close()
	}

	// Time filters.
	cutoff := time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	if msgs := list(bobToken, "?sent_after="+cutoff); len(msgs) != 0 {
		t.Fatalf("future sent_after should match nothing, got %d", len(msgs))
	}
	if msgs := list(bobToken, "?sent_before="+cutoff); len(msgs) != 3 {
		t.Fatalf("future sent_before should match all, got %d", len(msgs))
	}
	if resp := getJSON(t, srv, bobToken, "/api/v1/chats/messages?sent_after=yesterday"); resp.StatusCode != http.StatusBadRequest {
		resp.Body.Close()
		t.Fatalf("malformed sent_after expected 400, got %d", resp.StatusCode)
	} else {
		resp.Body.Close()
	}
}

func TestSignupRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:signup", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	memStore := store.NewMemoryStore()
	application, err := app.New(app.Config{Store: memStore})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := usertoken.NewManager(usertoken.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	srv := httptest.NewServer(New(Config{
		App:           application,
		Tokens:        tokens,
		SignupLimiter: limiter,
	}).Router())
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv, "", "/api/v1/auth/signup", map[string]any{
			"email":     fmt.Sprintf("user%d@example.com", i),
			"username":  fmt.Sprintf("user%d", i),
			"firstName": "U",
			"lastName":  "Ser",
			"password":  "correct-horse",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("signup %d expected 201, got %d", i, resp.StatusCode)
		}
	}
	resp := postJSON(t, srv, "", "/api/v1/auth/signup", map[string]any{
		"email":     "late@example.com",
		"username":  "late",
		"firstName": "U",
		"lastName":  "Ser",
		"password":  "correct-horse",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third signup expected 429, got %d", resp.StatusCode)
	}
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/session"
	"github.com/such-software/smirk-website/internal/view"
)

func newTestSessionHandler(t *testing.T, backend *mockBackend) (*SessionHandler, *view.Registry) {
	t.Helper()
	views := newTestViews(t, backend)
	h := NewSessionHandler(views, SessionHandlerConfig{
		RecheckDelay: time.Millisecond,
		BridgeWait:   50 * time.Millisecond,
	})
	return h, views
}

// --- GET /api/session ---

func TestSessionHandler_Session_Anonymous(t *testing.T) {
	h, _ := newTestSessionHandler(t, &mockBackend{})

	w := httptest.NewRecorder()
	h.Session(w, newRequest(http.MethodGet, "/api/session", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := decodeBody[sessionResponse](t, w)
	if got.Status != session.StatusAnonymous || got.LoggedIn {
		t.Errorf("got %+v, want anonymous", got)
	}
}

func TestSessionHandler_Session_ValidatesStoredToken(t *testing.T) {
	var gotToken string
	backend := &mockBackend{
		meFn: func(ctx context.Context, token string) (*model.User, error) {
			gotToken = token
			return &model.User{ID: "user-1"}, nil
		},
	}
	h, views := newTestSessionHandler(t, backend)
	loginView(t, views)

	w := httptest.NewRecorder()
	h.Session(w, newRequest(http.MethodGet, "/api/session", nil))

	got := decodeBody[sessionResponse](t, w)
	if !got.LoggedIn || got.User == nil || got.User.ID != "user-1" {
		t.Errorf("got %+v, want logged in as user-1", got)
	}
	if gotToken != "access-token" {
		t.Errorf("Me token = %q, want %q", gotToken, "access-token")
	}
}

func TestSessionHandler_Session_RejectedTokenIsCleared(t *testing.T) {
	backend := &mockBackend{
		meFn: func(ctx context.Context, token string) (*model.User, error) {
			return nil, errors.New("401 unauthorized")
		},
	}
	h, views := newTestSessionHandler(t, backend)
	v := loginView(t, views)

	w := httptest.NewRecorder()
	h.Session(w, newRequest(http.MethodGet, "/api/session", nil))

	got := decodeBody[sessionResponse](t, w)
	if got.LoggedIn {
		t.Error("expected rejected token to end the session")
	}
	if v.Session.AccessToken() != "" {
		t.Error("expected access token to be cleared")
	}
}

// --- GET /api/extension, POST /api/bridge/hello ---

func TestSessionHandler_Extension_ReportsHello(t *testing.T) {
	h, _ := newTestSessionHandler(t, &mockBackend{})

	w := httptest.NewRecorder()
	h.Extension(w, newRequest(http.MethodGet, "/api/extension", nil))
	if got := decodeBody[map[string]bool](t, w); got["present"] {
		t.Error("expected extension to be absent before hello")
	}

	w = httptest.NewRecorder()
	h.Hello(w, newRequest(http.MethodPost, "/api/bridge/hello", helloRequest{Present: true}))
	if w.Code != http.StatusNoContent {
		t.Fatalf("hello status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = httptest.NewRecorder()
	h.Extension(w, newRequest(http.MethodGet, "/api/extension", nil))
	if got := decodeBody[map[string]bool](t, w); !got["present"] {
		t.Error("expected extension to be present after hello")
	}
}

// --- GET /api/bridge/next, POST /api/bridge/reply ---

func TestSessionHandler_Next_TimesOutWithNoContent(t *testing.T) {
	h, _ := newTestSessionHandler(t, &mockBackend{})

	w := httptest.NewRecorder()
	h.Next(w, newRequest(http.MethodGet, "/api/bridge/next", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestSessionHandler_NextAndReply_CompleteCall(t *testing.T) {
	h, views := newTestSessionHandler(t, &mockBackend{})
	h.config.BridgeWait = 2 * time.Second
	v := views.Get(testBrowserID)
	v.Relay.SetPresent(true)

	type result struct {
		keys extension.PublicKeys
		err  error
	}
	done := make(chan result, 1)
	go func() {
		keys, err := v.Relay.Connect(context.Background())
		done <- result{keys, err}
	}()

	w := httptest.NewRecorder()
	h.Next(w, newRequest(http.MethodGet, "/api/bridge/next", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("next status = %d, want %d", w.Code, http.StatusOK)
	}
	call := decodeBody[extension.Request](t, w)
	if call.Method != "connect" {
		t.Fatalf("method = %q, want %q", call.Method, "connect")
	}

	w = httptest.NewRecorder()
	h.Reply(w, newRequest(http.MethodPost, "/api/bridge/reply", extension.Response{
		ID:     call.ID,
		Result: json.RawMessage(`{"btc":"pk-btc"}`),
	}))
	if w.Code != http.StatusNoContent {
		t.Fatalf("reply status = %d, want %d", w.Code, http.StatusNoContent)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Connect error = %v", res.err)
		}
		if res.keys.BTC != "pk-btc" {
			t.Errorf("btc key = %q, want %q", res.keys.BTC, "pk-btc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not complete")
	}
}

func TestSessionHandler_Reply_UnknownCall(t *testing.T) {
	h, _ := newTestSessionHandler(t, &mockBackend{})

	w := httptest.NewRecorder()
	h.Reply(w, newRequest(http.MethodPost, "/api/bridge/reply", extension.Response{ID: "stale"}))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := decodeError(t, w).Code; got != model.ErrCodeUnknownCall {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnknownCall)
	}
}

func TestSessionHandler_Reply_MissingID(t *testing.T) {
	h, _ := newTestSessionHandler(t, &mockBackend{})

	w := httptest.NewRecorder()
	h.Reply(w, newRequest(http.MethodPost, "/api/bridge/reply", map[string]string{"error": "x"}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

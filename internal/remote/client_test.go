package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nova-chat/novasync/internal/schema"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestFetchSincePassesBounds(t *testing.T) {
	var gotQuery map[string]string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/changes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", auth)
		}
		gotQuery = map[string]string{
			"user_id":           r.URL.Query().Get("user_id"),
			"window_days":       r.URL.Query().Get("window_days"),
			"max_conversations": r.URL.Query().Get("max_conversations"),
			"max_messages":      r.URL.Query().Get("max_messages"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"conversations":[{"id":"c1","user_id":"u1","title":"t","pinned":false,"updated_at":"2026-01-02T15:04:05Z"}],"messages":[]}`))
	})

	changes, err := client.FetchSince(context.Background(), "u1", time.Now(), 30, 30, 100)
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}

	if gotQuery["user_id"] != "u1" || gotQuery["window_days"] != "30" ||
		gotQuery["max_conversations"] != "30" || gotQuery["max_messages"] != "100" {
		t.Errorf("bounds not passed through: %v", gotQuery)
	}
	if len(changes.Conversations) != 1 || changes.Conversations[0].ID != "c1" {
		t.Errorf("unexpected changes: %+v", changes)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    http.Header
		check     func(t *testing.T, err error)
		retryable bool
	}{
		{
			name:   "auth",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Errorf("expected AuthError, got %T: %v", err, err)
				}
			},
			retryable: false,
		},
		{
			name:   "rate limit with retry-after",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"7"}},
			check: func(t *testing.T, err error) {
				if got := RetryAfter(err); got != 7*time.Second {
					t.Errorf("RetryAfter = %v, want 7s", got)
				}
			},
			retryable: true,
		},
		{
			name:   "validation",
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, err error) {
				var badRow *BadRowError
				if !errors.As(err, &badRow) {
					t.Errorf("expected BadRowError, got %T: %v", err, err)
				}
			},
			retryable: false,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var netErr *NetError
				if !errors.As(err, &netErr) {
					t.Errorf("expected NetError, got %T: %v", err, err)
				}
			},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tt.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tt.status)
			})

			err := client.Ping(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			tt.check(t, err)
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", Retryable(err), tt.retryable)
			}
		})
	}
}

func TestCreateMessageReturnsConfirmedRow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"srv-42","conversation_id":"c1","user_id":"u1","role":"user","content":"hi","status":"synced","timestamp":"2026-01-02T15:04:05Z","updated_at":"2026-01-02T15:04:06Z"}`))
	})

	draft := &schema.Message{
		ID:             schema.NewLocalID(),
		ConversationID: "c1",
		UserID:         "u1",
		Role:           schema.RoleUser,
		Content:        "hi",
		Status:         schema.StatusPending,
		Timestamp:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	confirmed, err := client.CreateMessage(context.Background(), draft)
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if confirmed.ID != "srv-42" {
		t.Errorf("confirmed id = %q, want srv-42", confirmed.ID)
	}
	if confirmed.Status != schema.StatusSynced {
		t.Errorf("confirmed status = %q, want synced", confirmed.Status)
	}
}

func TestNetworkFailureIsNetError(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Ping(context.Background())
	var netErr *NetError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetError, got %T: %v", err, err)
	}
	if !Retryable(err) {
		t.Error("network errors must be retryable")
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://sync.example.com", "wss://sync.example.com/v1/sync/subscribe?user_id=u1"},
		{"http://localhost:8080", "ws://localhost:8080/v1/sync/subscribe?user_id=u1"},
	}

	for _, tt := range tests {
		got, err := websocketURL(tt.base, "/v1/sync/subscribe", "u1")
		if err != nil {
			t.Errorf("websocketURL(%q) error: %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

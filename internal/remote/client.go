// Package remote provides the client for the authoritative remote
// conversation store.
//
// The client exposes exactly the contract the sync engine needs for
// reconciliation: a bounded delta fetch keyed by a cursor timestamp,
// row upserts and soft deletes that echo the confirmed row back, and a
// websocket subscription streaming insert/update events. Everything is
// scoped to one authenticated user.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/nova-chat/novasync/internal/schema"
)

// Changes is one delta-fetch result: every row changed since the
// requested cursor, bounded by the window and row caps.
type Changes struct {
	Conversations []*schema.Conversation `json:"conversations"`
	Messages      []*schema.Message      `json:"messages"`
}

// Empty reports whether the fetch returned no rows.
func (c *Changes) Empty() bool {
	return len(c.Conversations) == 0 && len(c.Messages) == 0
}

// Event is one push-channel notification. Exactly one of Conversation
// or Message is set, matching Table.
type Event struct {
	Op           string               `json:"op"` // insert, update
	Table        string               `json:"table"`
	Conversation *schema.Conversation `json:"conversation,omitempty"`
	Message      *schema.Message      `json:"message,omitempty"`
}

// Event tables.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// API is the remote store contract consumed by the listener, scheduler,
// and facade. Tests substitute a fake.
type API interface {
	// FetchSince returns rows changed after the cursor, newest-window
	// first, capped by maxConversations/maxMessages.
	FetchSince(ctx context.Context, userID string, since time.Time, windowDays, maxConversations, maxMessages int) (*Changes, error)

	// FetchConversationMessages is the targeted backfill for a single
	// conversation (used when opening one the governor demoted).
	FetchConversationMessages(ctx context.Context, conversationID string, limit int) ([]*schema.Message, error)

	// CreateMessage persists an optimistic write and returns the
	// confirmed row carrying the server-assigned id.
	CreateMessage(ctx context.Context, m *schema.Message) (*schema.Message, error)

	// UpsertConversation creates or updates a conversation and returns
	// the confirmed row.
	UpsertConversation(ctx context.Context, c *schema.Conversation) (*schema.Conversation, error)

	// SoftDeleteMessage tombstones a message remotely. Idempotent.
	SoftDeleteMessage(ctx context.Context, id string, scope schema.DeleteScope) (*schema.Message, error)

	// SoftDeleteConversation tombstones a conversation remotely. Idempotent.
	SoftDeleteConversation(ctx context.Context, id string) (*schema.Conversation, error)

	// Subscribe opens the push channel for a user's rows.
	Subscribe(ctx context.Context, userID string) (*Subscription, error)

	// Ping probes remote reachability.
	Ping(ctx context.Context) error
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the remote store, e.g. https://sync.example.com
	BaseURL string

	// Token is the credential supplied by the auth collaborator.
	Token string

	// Timeout bounds every remote call (default: 30s).
	Timeout time.Duration

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// Client is the HTTP/websocket implementation of API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a remote store client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  config.Logger,
	}, nil
}

// FetchSince implements API.FetchSince.
func (c *Client) FetchSince(ctx context.Context, userID string, since time.Time, windowDays, maxConversations, maxMessages int) (*Changes, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	query.Set("window_days", strconv.Itoa(windowDays))
	query.Set("max_conversations", strconv.Itoa(maxConversations))
	query.Set("max_messages", strconv.Itoa(maxMessages))

	var changes Changes
	if err := c.do(ctx, http.MethodGet, "/v1/sync/changes", query, nil, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

// FetchConversationMessages implements API.FetchConversationMessages.
func (c *Client) FetchConversationMessages(ctx context.Context, conversationID string, limit int) ([]*schema.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var messages []*schema.Message
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateMessage implements API.CreateMessage.
func (c *Client) CreateMessage(ctx context.Context, m *schema.Message) (*schema.Message, error) {
	var confirmed schema.Message
	if err := c.do(ctx, http.MethodPost, "/v1/messages", nil, m, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// UpsertConversation implements API.UpsertConversation.
func (c *Client) UpsertConversation(ctx context.Context, conv *schema.Conversation) (*schema.Conversation, error) {
	var confirmed schema.Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", nil, conv, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// SoftDeleteMessage implements API.SoftDeleteMessage.
func (c *Client) SoftDeleteMessage(ctx context.Context, id string, scope schema.DeleteScope) (*schema.Message, error) {
	query := url.Values{}
	query.Set("scope", string(scope))

	var confirmed schema.Message
	path := "/v1/messages/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, query, nil, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// SoftDeleteConversation implements API.SoftDeleteConversation.
func (c *Client) SoftDeleteConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	var confirmed schema.Conversation
	path := "/v1/conversations/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// Ping implements API.Ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// do performs one JSON request and classifies the response into the
// package error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetError{Op: method + " " + path, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// classifyStatus maps HTTP status codes to the error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &BadRowError{Status: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}

	default:
		return &NetError{
			Op:  resp.Request.Method + " " + resp.Request.URL.Path,
			Err: fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

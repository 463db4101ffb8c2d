package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// Subscription is one open push channel. Events are delivered on
// Events() until the connection drops or Close is called; the channel
// is then closed and Err reports why.
type Subscription struct {
	conn   *websocket.Conn
	events chan Event

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// Subscribe implements API.Subscribe by dialing the remote store's
// websocket endpoint and streaming decoded events.
//
// Cancellation is explicit: cancelling ctx or calling Close terminates
// the read loop and closes the event channel.
func (c *Client) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	wsURL, err := websocketURL(c.baseURL, "/v1/sync/subscribe", userID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, &NetError{Op: "subscribe", Err: err}
	}

	sub := &Subscription{
		conn:   conn,
		events: make(chan Event, 64),
	}

	go sub.readLoop(ctx, c)

	return sub, nil
}

// Events returns the channel delivering push events. It is closed when
// the subscription ends; check Err afterwards.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the error that terminated the subscription, nil for a
// clean Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the subscription. Safe to call more than once and
// safe to call concurrently with event delivery.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// readLoop decodes incoming frames into events. A malformed frame is
// logged and skipped, never fatal: one bad row must not take down the
// push channel.
func (s *Subscription) readLoop(ctx context.Context, c *Client) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.err = &NetError{Op: "subscribe read", Err: err}
			}
			s.mu.Unlock()
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Printf("Warning: skipping malformed push event: %v", err)
			continue
		}

		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// websocketURL converts the HTTP base URL to its ws/wss equivalent.
func websocketURL(base, path, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", &NetError{Op: "subscribe", Err: err}
	}

	switch {
	case strings.EqualFold(u.Scheme, "https"):
		u.Scheme = "wss"
	case strings.EqualFold(u.Scheme, "http"):
		u.Scheme = "ws"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + path
	query := u.Query()
	query.Set("user_id", userID)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

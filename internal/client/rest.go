package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vestnik/internal/models"
)

// StatusError is a non-2xx answer from the REST API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// RESTClient talks to the request/response side of the server with the
// session token in the Authorization header.
type RESTClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRESTClient(baseURL, token string, client *http.Client) *RESTClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (c *RESTClient) Me(ctx context.Context) (models.Me, error) {
	var me models.Me
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &me)
	return me, err
}

// Chats returns the viewer's conversations, most recent first.
func (c *RESTClient) Chats(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := c.do(ctx, http.MethodGet, "/api/chats", nil, &convs)
	return convs, err
}

// UserInfo returns the display metadata of a user.
func (c *RESTClient) UserInfo(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := c.do(ctx, http.MethodGet, "/api/chats/user/"+url.PathEscape(userID), nil, &p)
	return p, err
}

func (c *RESTClient) DeleteChat(ctx context.Context, counterpartID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(counterpartID), nil, nil)
}

// MarkRead resets one of the viewer's unread counters on the server.
func (c *RESTClient) MarkRead(ctx context.Context, kind ReadKind) error {
	path := "/api/notifications/readMessages"
	if kind == ReadNotifications {
		path = "/api/notifications/readNotifications"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *RESTClient) Follow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/follow/"+url.PathEscape(userID), nil, nil)
}

func (c *RESTClient) Unfollow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/api/follow/"+url.PathEscape(userID), nil, nil)
}

func (c *RESTClient) SubscribePush(ctx context.Context, sub models.PushSubscription) error {
	return c.do(ctx, http.MethodPost, "/api/push/subscribe", sub, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

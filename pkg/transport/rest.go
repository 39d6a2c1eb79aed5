package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsync/pkg/models"
)

// RESTClient is the durable-store API client. It implements the
// writer's Creator, the paginator's PageFetcher and the status
// tracker's persistence hook.
type RESTClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewRESTClient builds a client against the given base URL.
func NewRESTClient(baseURL, apiKey string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the durable store.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Body)
}

// CreateMessage persists a message (or reply, when ReplyTo is set) and
// returns the durable record with its assigned id.
func (c *RESTClient) CreateMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var out models.Message
	path := "/v1/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, m, &out)
	return out, err
}

// FetchBefore loads one backward page of history.
func (c *RESTClient) FetchBefore(ctx context.Context, conversationID, cursor string, limit int) ([]models.Message, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("before", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var page struct {
		Messages   []models.Message `json:"messages"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, "", err
	}
	return page.Messages, page.NextCursor, nil
}

// UpdateStatus persists a monotonic status transition and reports
// whether the write changed anything.
func (c *RESTClient) UpdateStatus(ctx context.Context, messageID string, status models.Status) (bool, error) {
	var out struct {
		Changed bool `json:"changed"`
	}
	path := "/v1/messages/" + url.PathEscape(messageID) + "/status"
	body := map[string]string{"status": string(status)}
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}

// GetMessagesReactions fetches the reaction lists for a batch of ids.
func (c *RESTClient) GetMessagesReactions(ctx context.Context, messageIDs []string) (map[string][]models.Reaction, error) {
	var out map[string][]models.Reaction
	body := map[string][]string{"message_ids": messageIDs}
	if err := c.do(ctx, http.MethodPost, "/v1/reactions/query", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleReaction applies the exclusive per-user toggle durably.
func (c *RESTClient) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (models.ReactionAction, string, error) {
	var out struct {
		Action   string `json:"action"`
		OldEmoji string `json:"oldEmoji"`
	}
	path := "/v1/messages/" + url.PathEscape(messageID) + "/reactions"
	body := map[string]string{"user_id": userID, "emoji": emoji}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", "", err
	}
	return models.ReactionAction(out.Action), out.OldEmoji, nil
}

// DeleteMessage tombstones a message.
func (c *RESTClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

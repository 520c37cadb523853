// Package history reads resolved sold/unsold pages from the room API
// for pages beyond the session's in-memory ledger window.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gavelio/auctionroom/internal/session"
)

// Client is a thin HTTP client for the room history endpoints.
type Client struct {
	baseURL string
	roomID  string
	client  *http.Client
	headers map[string]string
}

// NewClient builds a history client for one room.
func NewClient(baseURL, roomID string) *Client {
	return &Client{
		baseURL: baseURL,
		roomID:  roomID,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader sets a header (e.g. Authorization) on every request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SoldPage fetches one page of sold entries.
func (c *Client) SoldPage(ctx context.Context, page, size int) ([]session.SoldEntry, error) {
	var entries []session.SoldEntry
	endpoint := fmt.Sprintf("/rooms/%s/sold-players?page=%d&page_size=%d", c.roomID, page, size)
	if err := c.getJSON(ctx, endpoint, &entries); err != nil {
		return nil, fmt.Errorf("failed to fetch sold page %d: %w", page, err)
	}
	return entries, nil
}

// UnsoldPage fetches one page of unsold entries.
func (c *Client) UnsoldPage(ctx context.Context, page, size int) ([]session.UnsoldEntry, error) {
	var entries []session.UnsoldEntry
	endpoint := fmt.Sprintf("/rooms/%s/unsold-players?page=%d&page_size=%d", c.roomID, page, size)
	if err := c.getJSON(ctx, endpoint, &entries); err != nil {
		return nil, fmt.Errorf("failed to fetch unsold page %d: %w", page, err)
	}
	return entries, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

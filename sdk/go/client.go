package relabelsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Relabel HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem is the API work item model.
type WorkItem struct {
	ID           int64  `json:"id"`
	OriginalLine string `json:"original_line"`
	Identifier   string `json:"identifier,omitempty"`
	LabelText    string `json:"label_text,omitempty"`
	MacroText    string `json:"macro_text,omitempty"`
	AccessionID  string `json:"accession_id,omitempty"`
	Stain        string `json:"stain,omitempty"`
	BlockNumber  string `json:"block_number,omitempty"`
	Complete     bool   `json:"complete"`
	ImageFile    string `json:"image_file,omitempty"`
}

// Lease is the API lease model.
type Lease struct {
	WorkItemID  int64   `json:"work_item_id"`
	Status      string  `json:"status"`
	LeasedBy    *string `json:"leased_by,omitempty"`
	LeasedAt    *string `json:"leased_at,omitempty"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Version is one recorded correction.
type Version struct {
	ID          int64  `json:"id"`
	WorkItemID  int64  `json:"work_item_id"`
	Seq         int    `json:"seq"`
	AccessionID string `json:"accession_id,omitempty"`
	Stain       string `json:"stain,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Complete    bool   `json:"complete"`
	UserID      string `json:"user_id"`
	CreatedAt   string `json:"created_at"`
}

// CorrectedFields is the completion payload.
type CorrectedFields struct {
	AccessionID string `json:"accession_id"`
	Stain       string `json:"stain"`
	BlockNumber string `json:"block_number,omitempty"`
	Complete    bool   `json:"complete"`
}

type LeasedItem struct {
	Item  WorkItem `json:"item"`
	Lease Lease    `json:"lease"`
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsNoWork reports whether the error means the queue is empty.
func IsNoWork(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "no_work"
}

// Login exchanges credentials for a bearer token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.BearerToken = out.Token
	return nil
}

// AcquireNext claims the next pending work item for the caller.
func (c *Client) AcquireNext(ctx context.Context) (LeasedItem, error) {
	var out LeasedItem
	err := c.do(ctx, http.MethodPost, "/queue/next", nil, &out)
	return out, err
}

// Release returns a leased item to the queue.
func (c *Client) Release(ctx context.Context, itemID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/items/%d/release", itemID), nil, nil)
}

// Complete submits an accepted correction.
func (c *Client) Complete(ctx context.Context, itemID int64, fields CorrectedFields) (Version, error) {
	var out Version
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/items/%d/complete", itemID), fields, &out)
	return out, err
}

// History fetches an item's version trail.
func (c *Client) History(ctx context.Context, itemID int64) ([]Version, error) {
	var out []Version
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/items/%d/history", itemID), nil, &out)
	return out, err
}

// QueueStatus returns lease counts by status.
func (c *Client) QueueStatus(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	err := c.do(ctx, http.MethodGet, "/queue/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	url := strings.TrimSuffix(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
			envelope.Error.Status = res.StatusCode
			return &envelope.Error
		}
		return fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

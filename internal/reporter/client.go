package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/models"
)

// ErrMalformedResponse means the store answered with a success status but a
// body that is not what the endpoint returns
var ErrMalformedResponse = errors.New("malformed response")

// ConnectionError is a request that never got an HTTP response
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StatusError is a non-success HTTP status from the store
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: store returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether a failed request may succeed if repeated
func Retryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// ServerInfo is the store's /info document
type ServerInfo struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Testing  bool   `json:"testing"`
	DeviceID string `json:"device_id"`
}

// Client speaks the event store's REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API rooted at baseURL
// (e.g., http://localhost:5600/api/0)
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the API root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EnsureBucket creates the bucket. A bucket that already exists counts as success.
func (c *Client) EnsureBucket(ctx context.Context, bucket models.Bucket) error {
	body, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}

	endpoint := fmt.Sprintf("%s/buckets/%s", c.baseURL, url.PathEscape(bucket.ID))
	resp, err := c.do(ctx, "create bucket", http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError("create bucket", resp)
}

// SendHeartbeat submits one event. The store merges it with its last stored
// event for the bucket when the data matches within pulsetime.
func (c *Client) SendHeartbeat(ctx context.Context, bucketID string, ev models.Event, pulsetime time.Duration) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	query := url.Values{}
	query.Set("pulsetime", strconv.FormatFloat(pulsetime.Seconds(), 'f', -1, 64))
	endpoint := fmt.Sprintf("%s/buckets/%s/heartbeat?%s", c.baseURL, url.PathEscape(bucketID), query.Encode())

	resp, err := c.do(ctx, "send heartbeat", http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("send heartbeat", resp)
	}

	var stored models.Event
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return fmt.Errorf("send heartbeat: %w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// Info fetches the store's server information
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo

	resp, err := c.do(ctx, "get info", http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, statusError("get info", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("get info: %w: %v", ErrMalformedResponse, err)
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: op, Err: err}
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

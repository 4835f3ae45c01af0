package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Kubo (IPFS) daemon HTTP API.
type Client struct {
	apiURL string
	client *http.Client
}

// NewClient creates a client for the Kubo API at the given URL, e.g.
// http://127.0.0.1:5001/api/v0.
func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// IsAvailable checks if the daemon is reachable.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.post(ctx, "/id", "", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Put uploads content and returns its CID. Uploading the same bytes again
// returns the same CID.
func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "data")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form data: %w", err)
	}
	w.Close()

	resp, err := c.post(ctx, "/add?cid-version=1&raw-leaves=true", w.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("%w: add: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: add: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var result struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: add: parse response: %v", ErrUnavailable, err)
	}
	if result.Hash == "" {
		return "", fmt.Errorf("%w: add: empty hash in response", ErrUnavailable)
	}
	return result.Hash, nil
}

// Get retrieves content by CID.
func (c *Client) Get(ctx context.Context, addr string) ([]byte, error) {
	resp, err := c.post(ctx, "/cat?arg="+url.QueryEscape(addr), "", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cat %s: %v", ErrUnavailable, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if isNotFoundBody(body) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
		}
		return nil, fmt.Errorf("%w: cat %s: status %d: %s", ErrUnavailable, addr, resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: cat %s: %v", ErrUnavailable, addr, err)
	}
	return data, nil
}

// Pin pins content so the daemon's garbage collector keeps it.
func (c *Client) Pin(ctx context.Context, addr string) error {
	resp, err := c.post(ctx, "/pin/add?arg="+url.QueryEscape(addr), "", nil)
	if err != nil {
		return fmt.Errorf("%w: pin %s: %v", ErrUnavailable, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if isNotFoundBody(body) {
			return fmt.Errorf("%w: pin %s", ErrNotFound, addr)
		}
		return fmt.Errorf("%w: pin %s: status %d", ErrUnavailable, addr, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.client.Do(req)
}

// The daemon reports missing content inside an error body rather than with
// a 404, so the body text is the only signal.
func isNotFoundBody(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "not found") || strings.Contains(s, "could not find")
}

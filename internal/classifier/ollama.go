package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// generateRequest is the body of POST /api/generate.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// maxResponseBytes caps how much of a backend reply is read.
const maxResponseBytes = 1 << 20

// generate performs one non-streaming completion. Failures are wrapped in
// ErrClassificationTimeout or ErrClassificationTransport.
func (c *Client) generate(ctx context.Context, body generateRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("classifier: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrClassificationTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", wrapTransport(ctx, "post generate", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", wrapTransport(ctx, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: backend status %d: %s", ErrClassificationTransport, resp.StatusCode, truncateForLog(raw))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrClassificationTransport, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: backend error: %s", ErrClassificationTransport, out.Error)
	}
	return out.Response, nil
}

// Ping checks that the backend answers GET /api/tags.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tagsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrClassificationTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransport(ctx, "get tags", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend status %d", ErrClassificationTransport, resp.StatusCode)
	}
	return nil
}

func wrapTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrClassificationTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrClassificationTransport, op, err)
}

func truncateForLog(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

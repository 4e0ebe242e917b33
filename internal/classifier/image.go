package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sheriffbot/sheriff/internal/moderation"
)

// DefaultMaxImageBytes caps fetched and inline images.
const DefaultMaxImageBytes = 10 << 20

var errImageTooLarge = errors.New("classifier: image exceeds size limit")

// imagePayload returns the base64 encoding of img, fetching it first when it
// is only referenced by URL.
func (c *Client) imagePayload(ctx context.Context, img *moderation.Image) (string, error) {
	data := img.Data
	if len(data) == 0 {
		var err error
		if data, err = c.fetchImage(ctx, img.URL); err != nil {
			return "", err
		}
	}
	if int64(len(data)) > c.cfg.MaxImageBytes {
		return "", errImageTooLarge
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("classifier: image request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransport(ctx, "fetch image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: image status %d", ErrClassificationTransport, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxImageBytes+1))
	if err != nil {
		return nil, wrapTransport(ctx, "read image", err)
	}
	if int64(len(data)) > c.cfg.MaxImageBytes {
		return nil, errImageTooLarge
	}
	return data, nil
}

package classifier

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// newHTTPClient returns a retrying client making at most retries+1 attempts.
// Deadlines come from the request context.
func newHTTPClient(retries int, logger *slog.Logger) httpDoer {
	rc := retryablehttp.NewClient()
	rc.RetryMax = max(retries, 0)
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = logger
	// hand the final response back instead of a "giving up" error so status
	// codes reach the caller
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc.StandardClient()
}

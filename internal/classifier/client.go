// Package classifier sends moderation requests to an Ollama-compatible
// inference backend and maps the replies to verdicts.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/moderation"
)

var (
	ErrClassificationTimeout   = errors.New("classifier: timeout")
	ErrClassificationTransport = errors.New("classifier: transport error")
)

// ImageMode selects how image requests are classified.
type ImageMode string

const (
	// ImageModeDirect sends the image and image prompt to the vision model.
	ImageModeDirect ImageMode = "direct"
	// ImageModeDescribe asks the vision model for a description, prescreens it
	// and classifies the description with the text model.
	ImageModeDescribe ImageMode = "describe"
)

const (
	classifyTemperature = 0
	generateTemperature = 0.7
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	TextModel   string
	VisionModel string
	Timeout     time.Duration
	// Retries is the number of extra attempts on transport failure. Zero
	// disables retries.
	Retries int

	ImageMode ImageMode
	// Prompts supplies the description prompt and the content prompt used on
	// descriptions in ImageModeDescribe.
	Prompts   moderation.PromptSet
	Prescreen *moderation.Prescreen

	UsernameCacheTTL  time.Duration
	UsernameCacheSize int
	MaxImageBytes     int64
}

// Result is the outcome of one classification.
type Result struct {
	Verdict moderation.Verdict
	Reason  string
	Raw     string
	Model   string
	// Err is the failure that forced an unknown verdict, if any.
	Err error
}

// Client classifies requests against the backend. It is safe for concurrent
// use.
type Client struct {
	cfg         Config
	generateURL string
	tagsURL     string
	http        httpDoer
	usernames   *expirable.LRU[string, Result]
	logger      *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "classifier")

	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("classifier: invalid base url %q", cfg.BaseURL)
	}
	if cfg.TextModel == "" || cfg.VisionModel == "" {
		return nil, errors.New("classifier: text and vision models are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.ImageMode {
	case "":
		cfg.ImageMode = ImageModeDirect
	case ImageModeDirect, ImageModeDescribe:
	default:
		return nil, fmt.Errorf("classifier: unknown image mode %q", cfg.ImageMode)
	}
	cfg.Prompts = cfg.Prompts.WithDefaults()
	if cfg.Prescreen == nil {
		cfg.Prescreen = moderation.NewPrescreen(nil, nil)
	}
	if cfg.UsernameCacheSize <= 0 {
		cfg.UsernameCacheSize = 10_000
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}

	c := &Client{
		cfg:         cfg,
		generateURL: base.JoinPath("api", "generate").String(),
		tagsURL:     base.JoinPath("api", "tags").String(),
		http:        newHTTPClient(cfg.Retries, logger),
		logger:      logger,
	}
	if cfg.UsernameCacheTTL > 0 {
		c.usernames = expirable.NewLRU[string, Result](cfg.UsernameCacheSize, nil, cfg.UsernameCacheTTL)
	}
	return c, nil
}

// Classify returns the verdict for req. Backend failures are logged and
// reported as VerdictUnknown, never as an error.
func (c *Client) Classify(ctx context.Context, req moderation.Request) Result {
	if req.Task == moderation.TaskUsername && c.usernames != nil {
		if res, ok := c.usernames.Get(req.Text); ok {
			metrics.UsernameCacheHits.Inc()
			return res
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var (
		res Result
		err error
	)
	if req.Task == moderation.TaskImage && c.cfg.ImageMode == ImageModeDescribe {
		res, err = c.classifyDescribed(ctx, req)
	} else {
		res, err = c.classifyDirect(ctx, req)
	}
	metrics.ClassifyDuration.WithLabelValues(string(req.Task)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ClassifyErrors.WithLabelValues(errorCause(err)).Inc()
		c.logger.Warn("classification failed, verdict unknown", "task", req.Task, "model", res.Model, "err", err)
		res = Result{Verdict: moderation.VerdictUnknown, Model: res.Model, Err: err}
	}
	metrics.VerdictsTotal.WithLabelValues(string(req.Task), res.Verdict.String()).Inc()

	if req.Task == moderation.TaskUsername && c.usernames != nil && res.Verdict != moderation.VerdictUnknown {
		c.usernames.Add(req.Text, res)
	}
	return res
}

func (c *Client) classifyDirect(ctx context.Context, req moderation.Request) (Result, error) {
	body := generateRequest{
		Model:   c.modelFor(req),
		Options: generateOptions{Temperature: classifyTemperature},
	}
	res := Result{Model: body.Model}

	if req.Image != nil {
		img, err := c.imagePayload(ctx, req.Image)
		if err != nil {
			return res, err
		}
		body.Images = []string{img}
		body.Prompt = req.Prompt
	} else {
		body.Prompt = fmt.Sprintf("%s\n\n%s: %s", req.Prompt, req.Label(), req.Text)
	}

	raw, err := c.generate(ctx, body)
	if err != nil {
		return res, err
	}
	res.Raw = raw
	res.Verdict, res.Reason = ParseVerdict(raw)
	if res.Verdict == moderation.VerdictUnknown {
		c.logger.Info("unparseable classifier reply", "task", req.Task, "raw", truncateForLog([]byte(raw)))
	}
	return res, nil
}

// classifyDescribed runs the describe, prescreen, classify pipeline on an
// image request.
func (c *Client) classifyDescribed(ctx context.Context, req moderation.Request) (Result, error) {
	res := Result{Model: c.cfg.VisionModel}

	img, err := c.imagePayload(ctx, req.Image)
	if err != nil {
		return res, err
	}
	raw, err := c.generate(ctx, generateRequest{
		Model:   c.cfg.VisionModel,
		Prompt:  c.cfg.Prompts.ImageDescription,
		Images:  []string{img},
		Options: generateOptions{Temperature: classifyTemperature},
	})
	if err != nil {
		return res, err
	}
	description := strings.TrimSpace(html.UnescapeString(raw))
	if description == "" {
		return res, fmt.Errorf("%w: empty image description", ErrClassificationTransport)
	}
	c.logger.Debug("image described", "description", truncateForLog([]byte(description)))

	if hit, reason := c.cfg.Prescreen.Check(description); hit.Blocked {
		return Result{Verdict: moderation.VerdictUnsafe, Reason: reason, Raw: description, Model: c.cfg.VisionModel}, nil
	}

	return c.classifyDirect(ctx, moderation.Request{
		Task:   moderation.TaskImage,
		Prompt: c.cfg.Prompts.Content,
		Text:   description,
	})
}

// Generate produces free text from the text model. It applies no timeout of
// its own.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, generateRequest{
		Model:   c.cfg.TextModel,
		Prompt:  prompt,
		Options: generateOptions{Temperature: generateTemperature},
	})
}

func (c *Client) modelFor(req moderation.Request) string {
	if req.Image != nil || req.Vision {
		return c.cfg.VisionModel
	}
	return c.cfg.TextModel
}

func errorCause(err error) string {
	switch {
	case errors.Is(err, ErrClassificationTimeout):
		return "timeout"
	case errors.Is(err, errImageTooLarge):
		return "image"
	default:
		return "transport"
	}
}

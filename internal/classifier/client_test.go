package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheriffbot/sheriff/internal/moderation"
)

// fakeBackend is an Ollama-style /api/generate endpoint returning canned
// replies in order.
type fakeBackend struct {
	mu       sync.Mutex
	replies  []string
	requests []generateRequest
	status   int
	delay    time.Duration
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/img.jpg" {
		w.Write([]byte("jpeg-bytes"))
		return
	}
	if r.URL.Path == "/api/tags" {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "boom", status)
			return
		}
		w.Write([]byte(`{"models":[]}`))
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := ""
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	status, delay := f.status, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, "boom", status)
		return
	}
	json.NewEncoder(w).Encode(generateResponse{Response: reply})
}

func (f *fakeBackend) seen() []generateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generateRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, backend *fakeBackend, mutate func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:          srv.URL,
		TextModel:        "text-model",
		VisionModel:      "vision-model",
		Timeout:          2 * time.Second,
		UsernameCacheTTL: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c, srv
}

func TestClassify_Text(t *testing.T) {
	backend := &fakeBackend{replies: []string{"UNSAFE: advertises a crypto scheme"}}
	c, _ := newTestClient(t, backend, nil)

	res := c.Classify(context.Background(), moderation.Request{
		Task:   moderation.TaskText,
		Prompt: "PROMPT",
		Text:   "double your bitcoin",
	})

	assert.Equal(t, moderation.VerdictUnsafe, res.Verdict)
	assert.Equal(t, "advertises a crypto scheme", res.Reason)
	assert.Equal(t, "text-model", res.Model)
	assert.NoError(t, res.Err)

	reqs := backend.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "PROMPT\n\nMessage to analyze: double your bitcoin", reqs[0].Prompt)
	assert.False(t, reqs[0].Stream)
	assert.Empty(t, reqs[0].Images)
}

func TestClassify_ImageUsesVisionModel(t *testing.T) {
	backend := &fakeBackend{replies: []string{"SAFE"}}
	c, _ := newTestClient(t, backend, nil)

	res := c.Classify(context.Background(), moderation.Request{
		Task:   moderation.TaskImage,
		Prompt: "IMG",
		Image:  &moderation.Image{Data: []byte("png")},
		Vision: true,
	})

	assert.Equal(t, moderation.VerdictSafe, res.Verdict)
	reqs := backend.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "vision-model", reqs[0].Model)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("png"))}, reqs[0].Images)
}

func TestClassify_ImageURLIsFetched(t *testing.T) {
	backend := &fakeBackend{replies: []string{"SAFE"}}
	_, srv := newTestClient(t, backend, nil)
	c, err := New(Config{BaseURL: srv.URL, TextModel: "t", VisionModel: "v"}, nil)
	require.NoError(t, err)

	res := c.Classify(context.Background(), moderation.Request{
		Task:  moderation.TaskImage,
		Image: &moderation.Image{URL: srv.URL + "/img.jpg"},
	})

	assert.Equal(t, moderation.VerdictSafe, res.Verdict)
	reqs := backend.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))}, reqs[0].Images)
}

func TestClassify_TimeoutIsUnknown(t *testing.T) {
	backend := &fakeBackend{replies: []string{"SAFE"}, delay: time.Second}
	c, _ := newTestClient(t, backend, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	res := c.Classify(context.Background(), moderation.Request{Task: moderation.TaskText, Text: "hi"})

	assert.Equal(t, moderation.VerdictUnknown, res.Verdict)
	assert.ErrorIs(t, res.Err, ErrClassificationTimeout)
}

func TestClassify_TransportErrorIsUnknown(t *testing.T) {
	backend := &fakeBackend{status: http.StatusInternalServerError}
	c, _ := newTestClient(t, backend, nil)

	res := c.Classify(context.Background(), moderation.Request{Task: moderation.TaskText, Text: "hi"})

	assert.Equal(t, moderation.VerdictUnknown, res.Verdict)
	assert.ErrorIs(t, res.Err, ErrClassificationTransport)
	assert.Len(t, backend.seen(), 1, "no retries by default")
}

func TestClassify_RetriesWhenConfigured(t *testing.T) {
	backend := &fakeBackend{status: http.StatusServiceUnavailable}
	c, _ := newTestClient(t, backend, func(cfg *Config) { cfg.Retries = 2 })

	res := c.Classify(context.Background(), moderation.Request{Task: moderation.TaskText, Text: "hi"})

	assert.Equal(t, moderation.VerdictUnknown, res.Verdict)
	assert.Len(t, backend.seen(), 3)
}

func TestClassify_UnparseableReplyIsUnknown(t *testing.T) {
	backend := &fakeBackend{replies: []string{"I would rather talk about bananas"}}
	c, _ := newTestClient(t, backend, nil)

	res := c.Classify(context.Background(), moderation.Request{Task: moderation.TaskText, Text: "hi"})

	assert.Equal(t, moderation.VerdictUnknown, res.Verdict)
	assert.NoError(t, res.Err)
	assert.Equal(t, "I would rather talk about bananas", res.Raw)
}

func TestClassify_UsernameCache(t *testing.T) {
	backend := &fakeBackend{replies: []string{"UNSAFE: impersonates an admin", "SAFE"}}
	c, _ := newTestClient(t, backend, nil)
	req := moderation.Request{Task: moderation.TaskUsername, Text: "Group Admin Support"}

	first := c.Classify(context.Background(), req)
	second := c.Classify(context.Background(), req)

	assert.Equal(t, moderation.VerdictUnsafe, first.Verdict)
	assert.Equal(t, first, second)
	assert.Len(t, backend.seen(), 1)
}

func TestClassify_DescribeModePrescreen(t *testing.T) {
	backend := &fakeBackend{replies: []string{"A warning that your computer has a VIRUS, call support now"}}
	c, _ := newTestClient(t, backend, func(cfg *Config) { cfg.ImageMode = ImageModeDescribe })

	res := c.Classify(context.Background(), moderation.Request{
		Task:  moderation.TaskImage,
		Image: &moderation.Image{Data: []byte("img")},
	})

	assert.Equal(t, moderation.VerdictUnsafe, res.Verdict)
	assert.Equal(t, "Image appears to be a tech support scam", res.Reason)
	assert.Len(t, backend.seen(), 1, "prescreen hit skips the text pass")
}

func TestClassify_DescribeModeTextPass(t *testing.T) {
	backend := &fakeBackend{replies: []string{"A cat asleep on a sofa", "SAFE"}}
	c, _ := newTestClient(t, backend, func(cfg *Config) { cfg.ImageMode = ImageModeDescribe })

	res := c.Classify(context.Background(), moderation.Request{
		Task:  moderation.TaskImage,
		Image: &moderation.Image{Data: []byte("img")},
	})

	assert.Equal(t, moderation.VerdictSafe, res.Verdict)
	reqs := backend.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, "vision-model", reqs[0].Model)
	assert.NotEmpty(t, reqs[0].Images)
	assert.Equal(t, "text-model", reqs[1].Model)
	assert.Empty(t, reqs[1].Images)
	assert.True(t, strings.HasSuffix(reqs[1].Prompt, "A cat asleep on a sofa"))
}

func TestGenerate(t *testing.T) {
	backend := &fakeBackend{replies: []string{"Howdy partner"}}
	c, _ := newTestClient(t, backend, nil)

	out, err := c.Generate(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, "Howdy partner", out)

	reqs := backend.seen()
	require.Len(t, reqs, 1)
	assert.InDelta(t, 0.7, reqs[0].Options.Temperature, 1e-9)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "", TextModel: "t", VisionModel: "v"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost:11434", TextModel: "t", VisionModel: "v", ImageMode: "sideways"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost:11434", TextModel: "t", VisionModel: "v"}, nil)
	assert.NoError(t, err)
}

func TestPing(t *testing.T) {
	backend := &fakeBackend{}
	c, srv := newTestClient(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	assert.Empty(t, backend.seen())

	backend.mu.Lock()
	backend.status = http.StatusServiceUnavailable
	backend.mu.Unlock()
	assert.ErrorIs(t, c.Ping(ctx), ErrClassificationTransport)

	srv.Close()
	assert.ErrorIs(t, c.Ping(ctx), ErrClassificationTransport)
}

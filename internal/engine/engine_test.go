package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheriffbot/sheriff/internal/audit"
	"github.com/sheriffbot/sheriff/internal/chat"
	"github.com/sheriffbot/sheriff/internal/classifier"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/persona"
	"github.com/sheriffbot/sheriff/internal/platform"
	"github.com/sheriffbot/sheriff/internal/policy"
	"github.com/sheriffbot/sheriff/internal/protocol"
	"github.com/sheriffbot/sheriff/internal/ratelimit"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// fakeClassifier flags text containing "bad" and usernames containing
// "evil". Text containing "flaky" yields Unknown.
type fakeClassifier struct {
	mu    sync.Mutex
	calls []moderation.Request
}

func (f *fakeClassifier) Classify(_ context.Context, req moderation.Request) classifier.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	switch {
	case strings.Contains(req.Text, "flaky"):
		return classifier.Result{Verdict: moderation.VerdictUnknown, Err: classifier.ErrClassificationTransport}
	case req.Task == moderation.TaskText && strings.Contains(req.Text, "bad"):
		return classifier.Result{Verdict: moderation.VerdictUnsafe, Reason: "bad words"}
	case req.Task == moderation.TaskUsername && strings.Contains(req.Text, "evil"):
		return classifier.Result{Verdict: moderation.VerdictUnsafe, Reason: "offensive name"}
	case req.Task == moderation.TaskImage:
		return classifier.Result{Verdict: moderation.VerdictUnsafe, Reason: "explicit image"}
	}
	return classifier.Result{Verdict: moderation.VerdictSafe}
}

func (f *fakeClassifier) tasks() []moderation.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]moderation.Task, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Task
	}
	return out
}

type sentNotification struct {
	chatID int64
	text   string
	pinFor time.Duration
}

type fakePlatform struct {
	mu      sync.Mutex
	ops     []string
	notes   []sentNotification
	failOps map[string]error
}

func (p *fakePlatform) do(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	if err, ok := p.failOps[op]; ok {
		return &platform.ExecutionError{Op: op, Err: err}
	}
	return nil
}

func (p *fakePlatform) DeleteMessage(_ context.Context, _, _ int64) error {
	return p.do(protocol.CommandDeleteMessage)
}

func (p *fakePlatform) Mute(_ context.Context, _, _ int64, _ time.Duration) error {
	return p.do(protocol.CommandMute)
}

func (p *fakePlatform) Ban(_ context.Context, _, _ int64) error {
	return p.do(protocol.CommandBan)
}

func (p *fakePlatform) SendNotification(_ context.Context, chatID int64, text string, pinFor time.Duration) error {
	if err := p.do(protocol.CommandSendNotification); err != nil {
		return err
	}
	p.mu.Lock()
	p.notes = append(p.notes, sentNotification{chatID: chatID, text: text, pinFor: pinFor})
	p.mu.Unlock()
	return nil
}

func (p *fakePlatform) opList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *fakeAudit) Record(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type fakeFeed struct {
	mu   sync.Mutex
	msgs []protocol.AuditMsg
}

func (f *fakeFeed) PublishAudit(data []byte) error {
	var m protocol.AuditMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l *fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, l.err
}

type harness struct {
	engine   *Engine
	cls      *fakeClassifier
	platform *fakePlatform
	audit    *fakeAudit
	feed     *fakeFeed
	ledger   *strikes.Ledger
	history  *chat.MessageBuffer
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	responder, err := persona.New(persona.Config{}, nil, nil)
	require.NoError(t, err)

	h := &harness{
		cls:      &fakeClassifier{},
		platform: &fakePlatform{failOps: map[string]error{}},
		audit:    &fakeAudit{},
		feed:     &fakeFeed{},
		ledger:   strikes.NewLedger(strikes.NewMemStore(), 7*24*time.Hour),
		history:  chat.NewMessageBuffer(chat.DefaultBufferMessages),
	}
	cfg := DefaultConfig()
	cfg.NotifyRule = ratelimit.Rule{}
	deps := Deps{
		Classifier: h.cls,
		Ledger:     h.ledger,
		Platform:   h.platform,
		Notifier:   responder,
		History:    h.history,
		Audit:      h.audit,
		Feed:       h.feed,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.engine, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

var eventSeq atomic.Int64

func textEvent(chatID, userID int64, username, text string) moderation.TextMessage {
	n := eventSeq.Add(1)
	return moderation.TextMessage{
		EventMeta: moderation.EventMeta{
			ID:        fmt.Sprintf("evt-%d", n),
			ChatID:    chatID,
			UserID:    userID,
			Username:  username,
			MessageID: 1000 + n,
			At:        time.Now(),
		},
		Text: text,
	}
}

func TestHandle_SafeMessageDoesNothing(t *testing.T) {
	h := newHarness(t, nil)

	out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "howdy partner"))

	assert.Equal(t, moderation.VerdictSafe, out.Verdict)
	assert.True(t, out.Action.IsNone())
	assert.Empty(t, h.platform.opList())
	assert.Empty(t, h.audit.entries)

	rec, err := h.ledger.Current(context.Background(), strikes.Key{ChatID: 1, UserID: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count)
}

func TestHandle_Escalation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	want := []struct {
		action policy.ActionKind
		ops    []string
	}{
		{policy.ActionWarn, []string{protocol.CommandDeleteMessage, protocol.CommandSendNotification}},
		{policy.ActionMute, []string{protocol.CommandDeleteMessage, protocol.CommandMute, protocol.CommandSendNotification}},
		{policy.ActionBan, []string{protocol.CommandDeleteMessage, protocol.CommandBan, protocol.CommandSendNotification}},
	}

	for i, w := range want {
		h.platform.ops = nil
		out := h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad stuff"))

		assert.Equal(t, moderation.VerdictUnsafe, out.Verdict)
		assert.Equal(t, i+1, out.Record.Count)
		assert.Equal(t, w.action, out.Action.Kind, "strike %d", i+1)
		assert.Equal(t, w.ops, h.platform.opList(), "strike %d", i+1)
		assert.True(t, out.Deleted)
		assert.True(t, out.Notified)
		assert.Empty(t, out.Errors)
	}

	require.Len(t, h.platform.notes, 3)
	assert.Equal(t, 30*time.Second, h.platform.notes[0].pinFor)
	assert.Equal(t, 60*time.Second, h.platform.notes[2].pinFor)
	assert.Contains(t, h.platform.notes[0].text, "@dusty")
	assert.Contains(t, h.platform.notes[0].text, "bad words")

	require.Len(t, h.audit.entries, 3)
	assert.Equal(t, "ban", h.audit.entries[2].Action)
	assert.Equal(t, 3, h.audit.entries[2].StrikeCount)
	assert.Equal(t, time.Hour, h.audit.entries[1].MuteDuration)
	assert.NotEmpty(t, h.audit.entries[0].Context)

	require.Len(t, h.feed.msgs, 3)
	assert.Equal(t, protocol.TypeEnforcement, h.feed.msgs[0].Type)
	assert.Equal(t, int64(3600), h.feed.msgs[1].DurationSec)
}

func TestHandle_StrikesArePerUserAndChat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad"))
	other := h.engine.Handle(ctx, textEvent(1, 3, "rusty", "bad"))
	otherChat := h.engine.Handle(ctx, textEvent(9, 2, "dusty", "bad"))

	assert.Equal(t, 1, other.Record.Count)
	assert.Equal(t, policy.ActionWarn, other.Action.Kind)
	assert.Equal(t, 1, otherChat.Record.Count)
}

func TestHandle_UnknownVerdict(t *testing.T) {
	t.Run("fail open does nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "flaky network"))

		assert.Equal(t, moderation.VerdictUnknown, out.Verdict)
		assert.True(t, out.Action.IsNone())
		assert.Empty(t, h.platform.opList())
	})

	t.Run("fail closed enforces", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config, _ *Deps) {
			cfg.Policy.FailMode = policy.FailClosed
		})
		out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "flaky network"))

		assert.Equal(t, moderation.VerdictUnknown, out.Verdict)
		assert.Equal(t, policy.ActionWarn, out.Action.Kind)
		assert.Equal(t, "content could not be verified", out.Reason)
		assert.Equal(t, 1, out.Record.Count)
	})
}

func TestHandle_UnsupportedDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	empty := h.engine.Handle(ctx, textEvent(1, 2, "dusty", "   "))
	assert.True(t, empty.Dropped)

	img := moderation.ImageMessage{EventMeta: moderation.EventMeta{ID: "img-1", ChatID: 1, UserID: 2, At: time.Now()}}
	noData := h.engine.Handle(ctx, img)
	assert.True(t, noData.Dropped)

	assert.True(t, h.engine.Handle(ctx, nil).Dropped)
	assert.Empty(t, h.cls.tasks())
	assert.Empty(t, h.platform.opList())
}

func TestHandle_ImageWithoutMessageID(t *testing.T) {
	h := newHarness(t, nil)
	img := moderation.ImageMessage{
		EventMeta: moderation.EventMeta{ID: "img-2", ChatID: 1, UserID: 2, Username: "dusty", At: time.Now()},
		Image:     moderation.Image{URL: "https://example.com/a.png"},
	}

	out := h.engine.Handle(context.Background(), img)

	assert.Equal(t, policy.ActionWarn, out.Action.Kind)
	assert.False(t, out.Deleted)
	assert.Equal(t, []string{protocol.CommandSendNotification}, h.platform.opList())
}

func TestHandle_DuplicateEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ev := textEvent(1, 2, "dusty", "bad")

	first := h.engine.Handle(context.Background(), ev)
	second := h.engine.Handle(context.Background(), ev)

	assert.False(t, first.Dropped)
	assert.True(t, second.Dropped)
	assert.Equal(t, 1, first.Record.Count)
	assert.Len(t, h.audit.entries, 1)
}

func TestHandle_SenderNameScreening(t *testing.T) {
	t.Run("unsafe name enforces as username", func(t *testing.T) {
		h := newHarness(t, nil)
		out := h.engine.Handle(context.Background(), textEvent(1, 2, "evil_bob", "hello"))

		assert.Equal(t, moderation.KindUsername, out.Kind)
		assert.Equal(t, "offensive name", out.Reason)
		assert.Equal(t, policy.ActionWarn, out.Action.Kind)
		assert.Equal(t, []moderation.Task{moderation.TaskText, moderation.TaskUsername}, h.cls.tasks())
		require.Len(t, h.audit.entries, 1)
		assert.Equal(t, "username", h.audit.entries[0].Kind)
	})

	t.Run("flagged name never escalates", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		for range 3 {
			out := h.engine.Handle(ctx, textEvent(1, 2, "evil_bob", "hello there"))
			assert.Equal(t, policy.ActionWarn, out.Action.Kind)
			assert.Equal(t, 0, out.Record.Count)
			assert.True(t, out.Deleted)
		}

		rec, err := h.engine.Ledger().Current(ctx, strikes.Key{ChatID: 1, UserID: 2})
		require.NoError(t, err)
		assert.Equal(t, 0, rec.Count)
		assert.NotContains(t, h.platform.opList(), protocol.CommandMute)
		assert.NotContains(t, h.platform.opList(), protocol.CommandBan)
		assert.Len(t, h.platform.notes, 3)
	})

	t.Run("flagged name keeps existing strikes", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		h.engine.Handle(ctx, textEvent(1, 2, "evil_bob", "bad"))
		out := h.engine.Handle(ctx, textEvent(1, 2, "evil_bob", "hello there"))

		assert.Equal(t, moderation.KindUsername, out.Kind)
		assert.Equal(t, 1, out.Record.Count)
		assert.Equal(t, policy.ActionWarn, out.Action.Kind)
	})

	t.Run("unsafe content skips the name check", func(t *testing.T) {
		h := newHarness(t, nil)
		out := h.engine.Handle(context.Background(), textEvent(1, 2, "evil_bob", "bad"))

		assert.Equal(t, moderation.KindText, out.Kind)
		assert.Equal(t, []moderation.Task{moderation.TaskText}, h.cls.tasks())
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.ScreenSenderNames = false })
		out := h.engine.Handle(context.Background(), textEvent(1, 2, "evil_bob", "hello"))

		assert.True(t, out.Action.IsNone())
		assert.Equal(t, []moderation.Task{moderation.TaskText}, h.cls.tasks())
	})

	t.Run("username change", func(t *testing.T) {
		h := newHarness(t, nil)
		ev := moderation.UsernameChange{
			EventMeta: moderation.EventMeta{ID: "rename-1", ChatID: 1, UserID: 2, Username: "evil_bob", At: time.Now()},
			Previous:  "bob",
		}
		out := h.engine.Handle(context.Background(), ev)

		assert.Equal(t, policy.ActionWarn, out.Action.Kind)
		assert.Equal(t, []moderation.Task{moderation.TaskUsername}, h.cls.tasks())
		assert.Equal(t, []string{protocol.CommandSendNotification}, h.platform.opList())
	})
}

func TestHandle_ExecutionErrors(t *testing.T) {
	t.Run("failed mute skips notification", func(t *testing.T) {
		h := newHarness(t, nil)
		h.platform.failOps[protocol.CommandMute] = errors.New("not enough rights")
		ctx := context.Background()

		h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad"))
		h.platform.ops = nil
		out := h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad"))

		assert.Equal(t, policy.ActionMute, out.Action.Kind)
		assert.Equal(t, []string{protocol.CommandDeleteMessage, protocol.CommandMute}, h.platform.opList())
		assert.False(t, out.Notified)
		require.Len(t, out.Errors, 1)

		var ee *platform.ExecutionError
		require.ErrorAs(t, out.Errors[0], &ee)
		assert.Equal(t, protocol.CommandMute, ee.Op)

		require.Len(t, h.audit.entries, 2)
		assert.Contains(t, h.audit.entries[1].ExecutionError, "not enough rights")
		assert.Equal(t, protocol.TypeAlert, h.feed.msgs[1].Type)
	})

	t.Run("failed delete still notifies", func(t *testing.T) {
		h := newHarness(t, nil)
		h.platform.failOps[protocol.CommandDeleteMessage] = errors.New("message too old")

		out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "bad"))

		assert.False(t, out.Deleted)
		assert.True(t, out.Notified)
		assert.Len(t, out.Errors, 1)
	})
}

func TestHandle_ResetAfterBan(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.ResetAfterBan = true })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad"))
	}
	rec, err := h.ledger.Current(ctx, strikes.Key{ChatID: 1, UserID: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count)

	out := h.engine.Handle(ctx, textEvent(1, 2, "dusty", "bad"))
	assert.Equal(t, policy.ActionWarn, out.Action.Kind)
}

func TestHandle_NotificationRateLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.NotifyRule = ratelimit.NotificationRule(1, time.Minute)
		deps.Limiter = limiter
	})

	out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "bad"))

	assert.Equal(t, policy.ActionWarn, out.Action.Kind)
	assert.True(t, out.Deleted)
	assert.False(t, out.Notified)
	assert.Equal(t, []string{protocol.CommandDeleteMessage}, h.platform.opList())
}

func TestHandle_LimiterErrorFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{allow: true, err: errors.New("redis down")}
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.NotifyRule = ratelimit.NotificationRule(1, time.Minute)
		deps.Limiter = limiter
	})

	out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "bad"))
	assert.True(t, out.Notified)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, strikes.Key, time.Time, time.Duration) (strikes.Record, error) {
	return strikes.Record{}, errors.New("store offline")
}

func (failingStore) Load(context.Context, strikes.Key) (strikes.Record, bool, error) {
	return strikes.Record{}, false, errors.New("store offline")
}

func (failingStore) Delete(context.Context, strikes.Key) error { return errors.New("store offline") }

func TestHandle_LedgerFailureUsesFirstThreshold(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Deps) {
		deps.Ledger = strikes.NewLedger(failingStore{}, time.Hour)
	})

	out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "bad"))

	assert.Equal(t, policy.ActionWarn, out.Action.Kind)
	assert.Equal(t, 1, out.Record.Count)
	assert.Len(t, out.Errors, 1)
	assert.True(t, out.Notified)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestHandle_Blocklist(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.Blocklist = moderation.NewFilterWithTerms([]string{"rugpull"})
	})

	out := h.engine.Handle(context.Background(), textEvent(1, 2, "dusty", "this is a rugpull"))

	assert.Equal(t, moderation.VerdictUnsafe, out.Verdict)
	assert.Equal(t, "use of a blocked word", out.Reason)
	assert.Equal(t, policy.ActionWarn, out.Action.Kind)
	assert.Empty(t, h.cls.tasks())
}

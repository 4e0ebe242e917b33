// Package engine runs the moderation pipeline for one platform event:
// normalize, classify, record the strike, decide, execute, notify and audit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sheriffbot/sheriff/internal/audit"
	"github.com/sheriffbot/sheriff/internal/chat"
	"github.com/sheriffbot/sheriff/internal/classifier"
	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/persona"
	"github.com/sheriffbot/sheriff/internal/platform"
	"github.com/sheriffbot/sheriff/internal/policy"
	"github.com/sheriffbot/sheriff/internal/ratelimit"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// Classifier returns a verdict for a request. *classifier.Client satisfies it.
type Classifier interface {
	Classify(ctx context.Context, req moderation.Request) classifier.Result
}

// Notifier renders enforcement notifications. *persona.Responder satisfies
// it.
type Notifier interface {
	Render(ctx context.Context, action policy.Action, id persona.ID, c persona.Context) string
}

// AuditRecorder persists audit entries. *audit.Store satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// FeedPublisher fans audit messages out to the ops feed.
// *messaging.NATSClient satisfies it.
type FeedPublisher interface {
	PublishAudit(data []byte) error
}

// NotifyLimiter caps notifications per chat. *ratelimit.Limiter satisfies it.
type NotifyLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config configures an Engine.
type Config struct {
	Prompts moderation.PromptSet
	Policy  policy.Config
	Persona persona.ID

	// ScreenSenderNames classifies the sender's display name when a message
	// is found safe.
	ScreenSenderNames bool
	// ResetAfterBan clears the strike record after a successful ban.
	ResetAfterBan bool
	// Blocklist, when set, marks text and usernames containing a listed term
	// unsafe without asking the classifier.
	Blocklist *moderation.Filter

	PinWarnFor time.Duration
	PinBanFor  time.Duration

	// NotifyRule limits notifications per chat. A zero Limit disables it.
	NotifyRule ratelimit.Rule

	DedupeSize int
	DedupeTTL  time.Duration
}

// DefaultConfig returns the defaults used by cmd/sheriff.
func DefaultConfig() Config {
	return Config{
		Prompts:           moderation.DefaultPromptSet(),
		Policy:            policy.DefaultConfig(),
		Persona:           persona.Sheriff,
		ScreenSenderNames: true,
		PinWarnFor:        30 * time.Second,
		PinBanFor:         60 * time.Second,
		NotifyRule:        ratelimit.NotificationRule(10, time.Minute),
		DedupeSize:        100_000,
		DedupeTTL:         time.Hour,
	}
}

// Deps are the collaborators of an Engine. Classifier, Ledger, Platform and
// Notifier are required.
type Deps struct {
	Classifier Classifier
	Ledger     *strikes.Ledger
	Platform   platform.Platform
	Notifier   Notifier

	History *chat.MessageBuffer
	Audit   AuditRecorder
	Feed    FeedPublisher
	Limiter NotifyLimiter
	Logger  *slog.Logger
}

// Outcome summarises what Handle did with an event.
type Outcome struct {
	EventID string
	// Kind is the kind that was enforced: the event kind, or KindUsername
	// when the sender's name was the problem.
	Kind    moderation.Kind
	Verdict moderation.Verdict
	Reason  string
	// Dropped is set for unsupported and duplicate events.
	Dropped  bool
	Record   strikes.Record
	Action   policy.Action
	Deleted  bool
	Notified bool
	// Errors holds platform execution errors and ledger errors.
	Errors []error
}

// Engine is the moderation orchestrator. Handle is safe for concurrent use;
// callers serialise events per (chat, user) to keep strike counts ordered.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]
}

// New validates deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Classifier == nil:
		return nil, errors.New("engine: classifier is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Platform == nil:
		return nil, errors.New("engine: platform is required")
	case deps.Notifier == nil:
		return nil, errors.New("engine: notifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Persona == "" {
		cfg.Persona = persona.Sheriff
	}
	if cfg.Policy.FailMode == "" {
		cfg.Policy.FailMode = policy.FailOpen
	}
	if len(cfg.Policy.Table.Entries()) == 0 {
		cfg.Policy.Table = policy.DefaultTable()
	}
	cfg.Prompts = cfg.Prompts.WithDefaults()
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 100_000
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Hour
	}

	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "engine"),
		seen:   expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
	}, nil
}

// Ledger returns the strike ledger.
func (e *Engine) Ledger() *strikes.Ledger { return e.deps.Ledger }

// Handle moderates one event. It never returns an error: failures are
// logged, counted and reported in the Outcome.
func (e *Engine) Handle(ctx context.Context, ev moderation.Event) Outcome {
	start := time.Now()
	defer func() { metrics.HandleDuration.Observe(time.Since(start).Seconds()) }()

	if ev == nil {
		metrics.EventsDropped.WithLabelValues("unsupported").Inc()
		return Outcome{Dropped: true}
	}
	meta := ev.Meta()
	out := Outcome{EventID: meta.ID, Kind: ev.Kind()}
	log := e.logger.With("event", meta.ID, "chat", meta.ChatID, "user", meta.UserID, "kind", ev.Kind())

	metrics.EventsTotal.WithLabelValues(string(ev.Kind())).Inc()
	if e.duplicate(meta.ID) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate event ignored")
		out.Dropped = true
		return out
	}

	if tm, ok := ev.(moderation.TextMessage); ok && e.deps.History != nil {
		e.deps.History.Add(meta.ChatID, chat.BufferedMessage{
			UserID:   meta.UserID,
			Username: meta.Username,
			Text:     tm.Text,
			Ts:       meta.At.UnixMilli(),
		})
	}

	req, err := moderation.Normalize(ev, e.cfg.Prompts)
	if err != nil {
		var uce *moderation.UnsupportedContentError
		if errors.As(err, &uce) {
			metrics.EventsDropped.WithLabelValues("unsupported").Inc()
			log.Info("event dropped", "reason", uce.Reason)
		} else {
			log.Error("normalize failed", "err", err)
		}
		out.Dropped = true
		return out
	}

	res := e.classify(ctx, req)
	out.Verdict, out.Reason = res.Verdict, res.Reason

	if res.Verdict == moderation.VerdictSafe && e.cfg.ScreenSenderNames && ev.Kind() != moderation.KindUsername {
		if name := e.screenSender(ctx, meta); name.Verdict == moderation.VerdictUnsafe {
			log.Info("sender name flagged", "username", meta.Username, "reason", name.Reason)
			out.Kind = moderation.KindUsername
			out.Verdict, out.Reason = name.Verdict, name.Reason
			e.enforceSenderName(ctx, ev, &out, log)
			return out
		}
	}

	if !e.cfg.Policy.Treat(out.Verdict) {
		if out.Verdict == moderation.VerdictUnknown {
			log.Warn("verdict unknown, no action (fail open)", "err", res.Err)
		}
		return out
	}
	if out.Verdict == moderation.VerdictUnknown {
		log.Warn("verdict unknown, enforcing (fail closed)", "err", res.Err)
		if out.Reason == "" {
			out.Reason = "content could not be verified"
		}
	}

	key := strikes.Key{ChatID: meta.ChatID, UserID: meta.UserID}
	rec, err := e.deps.Ledger.RecordViolation(ctx, key, meta.At)
	if err != nil {
		// keep enforcing at the lowest rung rather than letting the
		// violation through
		log.Error("strike ledger unavailable, using first threshold", "err", err)
		out.Errors = append(out.Errors, err)
		rec = strikes.Record{Count: 1, LastViolationAt: meta.At}
	}
	out.Record = rec
	out.Action = policy.Decide(out.Verdict, rec, e.cfg.Policy)
	metrics.ActionsTotal.WithLabelValues(out.Action.Kind.String()).Inc()

	log.Info("enforcing", "verdict", out.Verdict, "reason", out.Reason, "strikes", rec.Count, "action", out.Action.String())
	e.enforce(ctx, ev, key, &out, log)
	return out
}

// enforceSenderName removes a safe message posted under a flagged display
// name. The message content was fine, so no strike is recorded and the action
// is a warning regardless of the sender's count.
func (e *Engine) enforceSenderName(ctx context.Context, ev moderation.Event, out *Outcome, log *slog.Logger) {
	meta := ev.Meta()
	key := strikes.Key{ChatID: meta.ChatID, UserID: meta.UserID}
	if rec, err := e.deps.Ledger.Current(ctx, key); err == nil {
		out.Record = rec
	} else {
		log.Warn("strike lookup failed", "err", err)
	}
	out.Action = policy.Warn()
	metrics.ActionsTotal.WithLabelValues(out.Action.Kind.String()).Inc()

	log.Info("enforcing sender name", "reason", out.Reason, "strikes", out.Record.Count)
	e.enforce(ctx, ev, key, out, log)
}

// classify consults the blocklist before the classifier.
func (e *Engine) classify(ctx context.Context, req moderation.Request) classifier.Result {
	if e.cfg.Blocklist != nil && req.Task != moderation.TaskImage {
		if hit := e.cfg.Blocklist.Check(req.Text); hit.Blocked {
			metrics.VerdictsTotal.WithLabelValues(string(req.Task), moderation.VerdictUnsafe.String()).Inc()
			return classifier.Result{Verdict: moderation.VerdictUnsafe, Reason: "use of a blocked word", Model: "blocklist"}
		}
	}
	return e.deps.Classifier.Classify(ctx, req)
}

// screenSender classifies the sender's display name.
func (e *Engine) screenSender(ctx context.Context, meta moderation.EventMeta) classifier.Result {
	if meta.Username == "" {
		return classifier.Result{}
	}
	req, err := moderation.Normalize(moderation.UsernameChange{EventMeta: meta}, e.cfg.Prompts)
	if err != nil {
		return classifier.Result{}
	}
	return e.classify(ctx, req)
}

// duplicate reports whether id was seen before, and marks it seen.
func (e *Engine) duplicate(id string) bool {
	if id == "" {
		return false
	}
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if e.seen.Contains(id) {
		return true
	}
	e.seen.Add(id, struct{}{})
	return false
}

func (o Outcome) String() string {
	return fmt.Sprintf("event=%s kind=%s verdict=%s action=%s strikes=%d", o.EventID, o.Kind, o.Verdict, o.Action, o.Record.Count)
}

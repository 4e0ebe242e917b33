// Package persona renders the chat notification announcing an enforcement
// action, either generated in a character voice or from static templates.
package persona

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"

	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/policy"
)

const (
	HeaderDeleted = "🚨 MESSAGE DELETED 🚨"
	HeaderRemoved = "🚫 USER REMOVED 🚫"
	HeaderWarning = "🚨 WARNING 🚨"

	defaultReason = "breaking the chat rules"
)

// Generator produces free text. The classifier client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Context carries the details a notification may mention.
type Context struct {
	Username string
	Reason   string
	Strike   int
	// BanAt is the strike count that bans, 0 if none does.
	BanAt int
	Kind  moderation.Kind
	// MessageDeleted is set when the offending message was removed.
	MessageDeleted bool
}

// Config configures a Responder.
type Config struct {
	Default ID
	// Generate enables generated notifications. Requires a Generator.
	Generate bool
	Timeout  time.Duration
}

// Responder renders notifications. It is safe for concurrent use.
type Responder struct {
	cfg       Config
	gen       Generator
	templates map[ID]map[policy.ActionKind]*pongo2.Template
	logger    *slog.Logger
}

// New compiles the persona templates. gen may be nil.
func New(cfg Config, gen Generator, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Default == "" {
		cfg.Default = Sheriff
	}
	if _, ok := builtin[cfg.Default]; !ok {
		return nil, &UnknownPersonaError{ID: string(cfg.Default)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if gen == nil {
		cfg.Generate = false
	}

	r := &Responder{
		cfg:       cfg,
		gen:       gen,
		templates: make(map[ID]map[policy.ActionKind]*pongo2.Template, len(builtin)),
		logger:    logger.With("component", "persona"),
	}
	for id, p := range builtin {
		r.templates[id] = make(map[policy.ActionKind]*pongo2.Template, len(p.Templates))
		for kind, src := range p.Templates {
			tpl, err := pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}")
			if err != nil {
				return nil, fmt.Errorf("persona: compile %s/%s template: %w", id, kind, err)
			}
			r.templates[id][kind] = tpl
		}
	}
	return r, nil
}

// Render returns the notification for action, or "" for ActionNone. It never
// fails: generation problems fall back to the static template.
func (r *Responder) Render(ctx context.Context, action policy.Action, id ID, c Context) string {
	if action.IsNone() {
		return ""
	}
	if _, ok := builtin[id]; !ok {
		id = r.cfg.Default
	}
	if strings.TrimSpace(c.Reason) == "" {
		c.Reason = defaultReason
	}

	if r.cfg.Generate {
		text, err := r.generate(ctx, action, id, c)
		if err == nil {
			return text
		}
		metrics.NotificationFallbacks.Inc()
		r.logger.Warn("notification generation failed, using template", "persona", id, "action", action.Kind, "err", err)
	}
	return r.static(action, id, c)
}

func (r *Responder) generate(ctx context.Context, action policy.Action, id ID, c Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf("System: %s\nUser: %s\n\nMake your response brief (max 2-3 sentences) and consistent with your character's speaking style. Always start with '%s' and maintain your persona. If this is a ban message, use '%s' instead.\nAssistant: ",
		builtin[id].Voice, instruction(action, c), header(action, c), HeaderRemoved)

	raw, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(html.UnescapeString(raw))
	if text == "" {
		return "", fmt.Errorf("persona: empty generation")
	}
	return polish(text, action, c), nil
}

func (r *Responder) static(action policy.Action, id ID, c Context) string {
	tpl := r.templates[id][action.Kind]
	if tpl == nil {
		tpl = r.templates[Neutral][action.Kind]
	}
	out, err := tpl.Execute(pongo2.Context{
		"header":   header(action, c),
		"username": c.Username,
		"reason":   c.Reason,
		"strike":   c.Strike,
		"ban_at":   c.BanAt,
		"kind":     string(c.Kind),
		"mute_for": humanDuration(action.Duration),
	})
	if err != nil {
		r.logger.Error("notification template failed", "persona", id, "action", action.Kind, "err", err)
		return fmt.Sprintf("%s\n\n%s", header(action, c), c.Reason)
	}
	return out
}

// header picks the first line of a notification.
func header(action policy.Action, c Context) string {
	switch {
	case action.Kind == policy.ActionBan:
		return HeaderRemoved
	case c.MessageDeleted:
		return HeaderDeleted
	default:
		return HeaderWarning
	}
}

// polish makes a generated text start with the right header and tags the
// user with @ so the platform notifies them.
func polish(text string, action policy.Action, c Context) string {
	switch {
	case action.Kind == policy.ActionBan && !strings.HasPrefix(text, "🚫"):
		text = HeaderRemoved + "\n\n" + text
	case !strings.HasPrefix(text, "🚨") && !strings.HasPrefix(text, "🚫"):
		text = header(action, c) + "\n\n" + text
	}
	u := c.Username
	if c.Kind != moderation.KindUsername && u != "" && !strings.Contains(text, "@"+u) && strings.Contains(text, u) {
		text = strings.ReplaceAll(text, u, "@"+u)
	}
	return text
}

func instruction(action policy.Action, c Context) string {
	if c.Kind == moderation.KindUsername && action.Kind == policy.ActionWarn {
		return fmt.Sprintf("Generate a message explaining that a user was warned because their username was inappropriate. The issue with the username was: %s. Don't mention the actual username.", c.Reason)
	}
	switch action.Kind {
	case policy.ActionBan:
		return fmt.Sprintf("Generate a message announcing that user %s has been banned after repeatedly violating community rules. The final violation was: %s.", c.Username, c.Reason)
	case policy.ActionMute:
		return fmt.Sprintf("Generate a stern message for a user named %s who has been muted for %s after %d violations of community rules. The violation was: %s.", c.Username, humanDuration(action.Duration), c.Strike, c.Reason)
	}
	if c.Strike <= 1 {
		return fmt.Sprintf("Generate a message for a user named %s whose message was deleted for violating community rules. This is their first offense. The violation was: %s. Include a warning this is strike one.", c.Username, c.Reason)
	}
	remaining := ""
	if c.BanAt > c.Strike {
		remaining = fmt.Sprintf(" They are %d strike(s) away from being banned.", c.BanAt-c.Strike)
	}
	return fmt.Sprintf("Generate a stern message for a user named %s whose message was deleted for violating community rules. This is strike %d.%s The violation was: %s.", c.Username, c.Strike, remaining, c.Reason)
}

// humanDuration formats whole days, hours or minutes in words.
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d <= 0:
		return ""
	case d%(24*time.Hour) == 0:
		return plural(int64(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sheriffbot/sheriff/internal/audit"
	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/persona"
	"github.com/sheriffbot/sheriff/internal/platform"
	"github.com/sheriffbot/sheriff/internal/policy"
	"github.com/sheriffbot/sheriff/internal/protocol"
	"github.com/sheriffbot/sheriff/internal/ratelimit"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// enforce executes out.Action: delete the message, mute or ban, then post
// one notification and write the audit trail. A failed mute or ban skips the
// notification.
func (e *Engine) enforce(ctx context.Context, ev moderation.Event, key strikes.Key, out *Outcome, log *slog.Logger) {
	meta := ev.Meta()
	p := e.deps.Platform

	if meta.MessageID != 0 {
		if err := p.DeleteMessage(ctx, meta.ChatID, meta.MessageID); err != nil {
			e.executionFailed(out, err, log)
		} else {
			out.Deleted = true
		}
	}

	var actionErr error
	switch out.Action.Kind {
	case policy.ActionMute:
		actionErr = p.Mute(ctx, meta.ChatID, meta.UserID, out.Action.Duration)
	case policy.ActionBan:
		actionErr = p.Ban(ctx, meta.ChatID, meta.UserID)
	}
	if actionErr != nil {
		e.executionFailed(out, actionErr, log)
	}

	if out.Action.Kind == policy.ActionBan && actionErr == nil && e.cfg.ResetAfterBan {
		if err := e.deps.Ledger.Reset(ctx, key); err != nil {
			log.Error("reset after ban failed", "err", err)
			out.Errors = append(out.Errors, err)
		}
	}

	switch {
	case actionErr != nil:
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		log.Warn("notification skipped, action not executed")
	default:
		e.notify(ctx, meta, out, log)
	}

	e.record(ctx, meta, out, log)
}

func (e *Engine) executionFailed(out *Outcome, err error, log *slog.Logger) {
	op := "unknown"
	var ee *platform.ExecutionError
	if errors.As(err, &ee) {
		op = ee.Op
	}
	metrics.ExecutionErrors.WithLabelValues(op).Inc()
	log.Error("enforcement execution failed", "op", op, "err", err)
	out.Errors = append(out.Errors, err)
}

func (e *Engine) notify(ctx context.Context, meta moderation.EventMeta, out *Outcome, log *slog.Logger) {
	if e.deps.Limiter != nil && e.cfg.NotifyRule.Limit > 0 {
		ok, err := e.deps.Limiter.Allow(ctx, ratelimit.ChatIdentifier(meta.ChatID), e.cfg.NotifyRule)
		if err != nil {
			log.Warn("notification rate limit check failed", "err", err)
		}
		if !ok {
			metrics.NotificationsTotal.WithLabelValues("rate_limited").Inc()
			log.Info("notification rate limited")
			return
		}
	}

	text := e.deps.Notifier.Render(ctx, out.Action, e.cfg.Persona, persona.Context{
		Username:       meta.Username,
		Reason:         out.Reason,
		Strike:         out.Record.Count,
		BanAt:          e.cfg.Policy.Table.BanAt(),
		Kind:           out.Kind,
		MessageDeleted: out.Deleted,
	})
	if text == "" {
		return
	}

	pinFor := e.cfg.PinWarnFor
	if out.Action.Kind == policy.ActionBan {
		pinFor = e.cfg.PinBanFor
	}
	if err := e.deps.Platform.SendNotification(ctx, meta.ChatID, text, pinFor); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		e.executionFailed(out, err, log)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	out.Notified = true
}

// record writes the audit entry and publishes it to the ops feed. Both are
// best effort.
func (e *Engine) record(ctx context.Context, meta moderation.EventMeta, out *Outcome, log *slog.Logger) {
	var execErr string
	if len(out.Errors) > 0 {
		execErr = errors.Join(out.Errors...).Error()
	}

	if e.deps.Audit != nil {
		entry := &audit.Entry{
			EventID:        meta.ID,
			ChatID:         meta.ChatID,
			UserID:         meta.UserID,
			Username:       meta.Username,
			Kind:           string(out.Kind),
			Verdict:        out.Verdict.String(),
			Reason:         out.Reason,
			StrikeCount:    out.Record.Count,
			Action:         out.Action.Kind.String(),
			MuteDuration:   out.Action.Duration,
			ExecutionError: execErr,
		}
		if e.deps.History != nil {
			entry.Context = e.deps.History.Get(meta.ChatID)
		}
		if err := e.deps.Audit.Record(ctx, entry); err != nil {
			log.Error("audit record failed", "err", err)
		}
	}

	if e.deps.Feed != nil {
		msgType := protocol.TypeEnforcement
		if execErr != "" {
			msgType = protocol.TypeAlert
		}
		data, err := protocol.NewMessage(msgType, protocol.AuditMsg{
			EventID:     meta.ID,
			ChatID:      meta.ChatID,
			UserID:      meta.UserID,
			Username:    meta.Username,
			Kind:        string(out.Kind),
			Verdict:     out.Verdict.String(),
			Reason:      out.Reason,
			Strikes:     out.Record.Count,
			Action:      out.Action.Kind.String(),
			DurationSec: int64(out.Action.Duration / time.Second),
			Error:       execErr,
			Ts:          time.Now().UnixMilli(),
		})
		if err != nil {
			log.Error("encode audit message failed", "err", err)
			return
		}
		if err := e.deps.Feed.PublishAudit(data); err != nil {
			log.Warn("publish audit message failed", "err", err)
		}
	}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/protocol"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// RequestServer answers request/reply subjects. *messaging.NATSClient
// satisfies it.
type RequestServer interface {
	HandleRequests(subject string, handler func(data []byte) []byte) error
}

// Admin answers moderator requests against the strike ledger.
type Admin struct {
	ledger  *strikes.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

// NewAdmin returns an Admin for ledger.
func NewAdmin(ledger *strikes.Ledger, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		ledger:  ledger,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "admin"),
	}
}

// Register installs the reset and strikes handlers on srv.
func (a *Admin) Register(srv RequestServer) error {
	if err := srv.HandleRequests(messaging.SubjectAdminReset, a.HandleReset); err != nil {
		return fmt.Errorf("engine: register %s: %w", messaging.SubjectAdminReset, err)
	}
	if err := srv.HandleRequests(messaging.SubjectAdminStrikes, a.HandleStrikes); err != nil {
		return fmt.Errorf("engine: register %s: %w", messaging.SubjectAdminStrikes, err)
	}
	return nil
}

// HandleReset clears one user's strikes.
func (a *Admin) HandleReset(data []byte) []byte {
	req, err := decodeAdmin(data)
	if err != nil {
		return adminError(req, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	key := strikes.Key{ChatID: req.ChatID, UserID: req.UserID}
	if err := a.ledger.Reset(ctx, key); err != nil {
		a.logger.Error("reset strikes failed", "key", key, "err", err)
		return adminError(req, err)
	}
	a.logger.Info("strikes reset by moderator", "chat", req.ChatID, "user", req.UserID)
	return encodeAdmin(protocol.AdminResponse{OK: true, ChatID: req.ChatID, UserID: req.UserID})
}

// HandleStrikes reports one user's current strike record.
func (a *Admin) HandleStrikes(data []byte) []byte {
	req, err := decodeAdmin(data)
	if err != nil {
		return adminError(req, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	rec, err := a.ledger.Current(ctx, strikes.Key{ChatID: req.ChatID, UserID: req.UserID})
	if err != nil {
		a.logger.Error("load strikes failed", "chat", req.ChatID, "user", req.UserID, "err", err)
		return adminError(req, err)
	}
	resp := protocol.AdminResponse{OK: true, ChatID: req.ChatID, UserID: req.UserID, Strikes: rec.Count}
	if !rec.LastViolationAt.IsZero() {
		resp.LastViolationAt = rec.LastViolationAt.UnixMilli()
	}
	return encodeAdmin(resp)
}

func decodeAdmin(data []byte) (protocol.AdminRequest, error) {
	var req protocol.AdminRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if req.ChatID == 0 || req.UserID == 0 {
		return req, fmt.Errorf("chat_id and user_id are required")
	}
	return req, nil
}

func adminError(req protocol.AdminRequest, err error) []byte {
	return encodeAdmin(protocol.AdminResponse{ChatID: req.ChatID, UserID: req.UserID, Error: err.Error()})
}

func encodeAdmin(resp protocol.AdminResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"ok":false,"error":"encode response"}`)
	}
	return data
}

// Package opsfeed serves the moderator console: a WebSocket endpoint that
// streams enforcement events and answers strike queries.
package opsfeed

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sheriffbot/sheriff/internal/metrics"
)

// MaxFrameBytes bounds a client frame. Console messages are tiny.
const MaxFrameBytes = 64 << 10

// Config holds server settings.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int // concurrent frame readers
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// Token, when set, must be presented as ?token= or a Bearer
	// Authorization header.
	Token     string
	Heartbeat HeartbeatConfig
}

// DefaultConfig returns the defaults used by cmd/opsfeed.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8081",
		WorkerPoolSize: 32,
		MaxConnections: 1000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts console connections, watches them with epoll and hands
// complete frames to the Feed from a bounded worker pool.
type Server struct {
	cfg        Config
	conns      *Registry
	feed       *Feed
	epoll      *Epoll
	workerPool chan struct{}
	httpServer *http.Server
	logger     *slog.Logger
	done       chan struct{}
	startedAt  time.Time
}

// NewServer returns a Server for feed. conns must be the registry the feed
// delivers to.
func NewServer(cfg Config, conns *Registry, feed *Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	return &Server{
		cfg:        cfg,
		conns:      conns,
		feed:       feed,
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		logger:     logger.With("component", "opsfeed_server"),
		done:       make(chan struct{}),
	}
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start runs the server until Shutdown. It blocks.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("listening", "addr", s.cfg.ListenAddr, "workers", s.cfg.WorkerPoolSize, "max_conns", s.cfg.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("opsfeed: http server: %w", err)
	}
	return nil
}

// init creates the poller and starts the background loops. Start calls it;
// tests serving Handler from httptest call it directly.
func (s *Server) init() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("opsfeed: create epoll: %w", err)
	}
	s.epoll = ep
	s.startedAt = time.Now()
	go s.eventLoop()
	go s.runHeartbeat(s.cfg.Heartbeat)
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.conns.Count() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newConnection(uuid.NewString(), wrapConn(raw), s.cfg.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(c.Conn); err != nil {
		s.logger.Error("epoll add failed", "conn", c.ID, "err", err)
		s.conns.Remove(c.ID)
		return
	}
	s.feed.Welcome(c)
	s.logger.Info("console connected", "conn", c.ID, "remote", r.RemoteAddr, "total", s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) eventLoop() {
	for {
		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("epoll wait failed", "err", err)
			continue
		}

		for _, conn := range ready {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}(conn)
		}
	}
}

// readFrame reads one frame from a readable connection. Level-triggered
// epoll can report a connection again while a worker is still reading it;
// the processing flag drops those duplicates.
func (s *Server) readFrame(conn net.Conn) {
	c := s.conns.GetByConn(conn)
	if c == nil {
		return
	}
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(conn, ws.StateServerSide)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}
	if header.Length > MaxFrameBytes {
		s.logger.Warn("frame too large", "conn", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 {
		s.feed.Dispatch(c, data)
	}
}

// RemoveConnection unwatches and closes c. Concurrent calls are safe.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	s.logger.Info("console disconnected", "conn", c.ID, "total", s.conns.Count())
}

// Shutdown stops the listener, closes every connection and the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.logger.Info("stopped")
	return err
}

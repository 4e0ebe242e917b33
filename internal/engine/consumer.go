package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/protocol"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("engine: consumer closed")

// EventSource delivers raw platform events. *messaging.NATSClient satisfies
// it.
type EventSource interface {
	SubscribePlatformEvents(handler func(data []byte)) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Workers bounds how many events are handled at once across all keys.
	Workers int
	// EventTimeout bounds the handling of a single event.
	EventTimeout time.Duration
}

// DefaultConsumerConfig returns the defaults used by cmd/sheriff.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Workers: 64, EventTimeout: 2 * time.Minute}
}

// Consumer feeds events to an Engine. Events for the same (chat, user) are
// handled one at a time in arrival order by a worker goroutine that exists
// only while the key has pending events. Different keys run concurrently.
type Consumer struct {
	engine  *Engine
	logger  *slog.Logger
	timeout time.Duration
	sem     chan struct{}

	workers *xsync.MapOf[strikes.Key, *keyWorker]
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	// onOutcome, when set, observes every handled event.
	onOutcome func(moderation.Event, Outcome)
}

type keyWorker struct {
	key     strikes.Key
	pending []moderation.Event
}

// NewConsumer returns a Consumer for e.
func NewConsumer(e *Engine, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConsumerConfig().Workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		engine:  e,
		logger:  logger.With("component", "consumer"),
		timeout: cfg.EventTimeout,
		sem:     make(chan struct{}, cfg.Workers),
		workers: xsync.NewMapOf[strikes.Key, *keyWorker](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to platform events from src.
func (c *Consumer) Start(src EventSource) error {
	return src.SubscribePlatformEvents(c.HandleData)
}

// HandleData parses one raw platform event and submits it.
func (c *Consumer) HandleData(data []byte) {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("malformed platform event", "err", err)
		return
	}
	if err := c.Submit(ev); err != nil {
		metrics.EventsDropped.WithLabelValues("shutdown").Inc()
		c.logger.Warn("event rejected", "event", ev.Meta().ID, "err", err)
	}
}

// Submit queues ev behind any pending events of the same (chat, user).
func (c *Consumer) Submit(ev moderation.Event) error {
	if ev == nil {
		return errors.New("engine: nil event")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	meta := ev.Meta()
	key := strikes.Key{ChatID: meta.ChatID, UserID: meta.UserID}
	var spawn bool
	w, _ := c.workers.Compute(key, func(w *keyWorker, loaded bool) (*keyWorker, bool) {
		if !loaded {
			w = &keyWorker{key: key}
			spawn = true
		}
		w.pending = append(w.pending, ev)
		return w, false
	})
	if spawn {
		c.wg.Add(1)
		metrics.WorkersActive.Inc()
		go c.run(w)
	}
	return nil
}

// run drains w. The worker removes itself from the map in the same atomic
// step that finds its queue empty, so a concurrent Submit either lands in
// the queue or spawns a fresh worker.
func (c *Consumer) run(w *keyWorker) {
	defer c.wg.Done()
	defer metrics.WorkersActive.Dec()

	for {
		var ev moderation.Event
		c.workers.Compute(w.key, func(cur *keyWorker, loaded bool) (*keyWorker, bool) {
			if !loaded || len(cur.pending) == 0 {
				return nil, true
			}
			ev = cur.pending[0]
			cur.pending[0] = nil
			cur.pending = cur.pending[1:]
			return cur, false
		})
		if ev == nil {
			return
		}
		c.handle(ev)
	}
}

func (c *Consumer) handle(ev moderation.Event) {
	select {
	case c.sem <- struct{}{}:
	case <-c.ctx.Done():
		return
	}
	defer func() { <-c.sem }()

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := c.engine.Handle(ctx, ev)
	if c.onOutcome != nil {
		c.onOutcome(ev, out)
	}
}

// Pending returns the number of keys with queued or in-flight events.
func (c *Consumer) Pending() int {
	return c.workers.Size()
}

// Close stops accepting events and waits for queued ones to finish, or for
// ctx to expire, in which case in-flight handling is cancelled.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// Package events implements the event bus: a live pub/sub channel with a
// bounded in-memory ring and a historical JSONL side-effect per run.
package events

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// Defaults for the bus configuration.
const (
	DefaultRingSize       = 1000
	DefaultQueueSize      = 100
	DefaultMaxSubscribers = 100
	DefaultLiveWindow     = 15 * time.Minute
	DefaultRotateBytes    = 100 << 20
)

var (
	// ErrInvalidEvent marks an event rejected by the publish validators.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrTooManySubscribers is returned when the subscriber cap is reached.
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Config tunes the bus. Zero values fall back to the defaults above.
type Config struct {
	Dir            string
	RingSize       int
	QueueSize      int
	MaxSubscribers int
	LiveWindow     time.Duration
	RotateBytes    int64
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = DefaultLiveWindow
	}
	if c.RotateBytes <= 0 {
		c.RotateBytes = DefaultRotateBytes
	}
	return c
}

// Subscriber is a bounded FIFO queue attached to the live channel. Dropping
// the subscriber (Close) reclaims its slot; a subscriber that cannot keep up
// loses its oldest events, never the publisher's time.
type Subscriber struct {
	ch     chan pipeline.Event
	bus    *Bus
	closed bool
}

// Events returns the receive channel. It is closed when the subscriber is
// removed from the bus.
func (s *Subscriber) Events() <-chan pipeline.Event { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() { s.bus.unsubscribe(s) }

// Bus routes published events to the ring, the per-run JSONL file, and all
// live subscribers.
type Bus struct {
	cfg    Config
	writer *jsonlWriter

	mu   sync.Mutex
	ring []pipeline.Event
	subs map[*Subscriber]struct{}

	snapMu    sync.Mutex
	snapshot  []pipeline.Event
	snapKey   string
	snapUntil time.Time
}

// NewBus creates a bus writing per-run JSONL files into cfg.Dir.
func NewBus(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:    cfg,
		writer: newJSONLWriter(cfg.Dir, cfg.RotateBytes),
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Publish validates and routes an event. The filter chain runs in order:
// run_id normalization, timestamp defaulting, live window, allow-list.
// Events rejected by the live window or allow-list are still written to the
// JSONL file. Downstream failures never propagate to the caller; only a
// structurally invalid event returns an error.
func (b *Bus) Publish(ev pipeline.Event) error {
	return b.publish(ev, true)
}

// Republish routes an event that already lives in a per-run JSONL file, such
// as one the tailer read from a sibling process's log. The JSONL append is
// skipped so the authoritative log never holds the line twice.
func (b *Bus) Republish(ev pipeline.Event) error {
	return b.publish(ev, false)
}

func (b *Bus) publish(ev pipeline.Event, logJSONL bool) error {
	if ev.RunID == "" {
		ev.RunID = pipeline.SystemRunID
	}
	if ev.RunID == "unknown" {
		return ErrInvalidEvent
	}
	if ev.Type == "" {
		return ErrInvalidEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = pipeline.Now()
	}

	if logJSONL && pipeline.JSONLLoggable(ev.Stage, ev.Type) {
		if line, err := json.Marshal(ev); err == nil {
			b.writer.append(line, ev.RunID)
		} else {
			slog.Warn("event marshal failed", "run_id", ev.RunID, "err", err)
		}
	}

	// Scheduler events bypass the live window so late-observed scheduled-run
	// activity still reaches the dashboard.
	if ev.Stage != pipeline.StageScheduler && time.Since(ev.Timestamp) >= b.cfg.LiveWindow {
		return nil
	}
	if !pipeline.LiveAllowed(ev.Stage, ev.Type) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.cfg.RingSize {
		b.ring = b.ring[len(b.ring)-b.cfg.RingSize:]
	}

	for sub := range b.subs {
		if !b.offer(sub, ev) {
			delete(b.subs, sub)
			close(sub.ch)
			sub.closed = true
			slog.Warn("event subscriber dropped: queue stuck")
		}
	}
	return nil
}

// offer enqueues without blocking; on a full queue it drops the oldest event
// and retries once.
func (b *Bus) offer(sub *Subscriber, ev pipeline.Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}

// Subscribe attaches a bounded queue to the live channel. The queue is
// pre-seeded with the most recent ring events that fit, so a new subscriber
// sees history before live traffic.
func (b *Bus) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.cfg.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	sub := &Subscriber{ch: make(chan pipeline.Event, b.cfg.QueueSize), bus: b}
	start := 0
	if len(b.ring) > b.cfg.QueueSize {
		start = len(b.ring) - b.cfg.QueueSize
	}
	for _, ev := range b.ring[start:] {
		sub.ch <- ev
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		close(sub.ch)
		sub.closed = true
	}
}

// SubscriberCount reports the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Recent returns up to limit most recent ring events, oldest first.
func (b *Bus) Recent(limit int) []pipeline.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	out := make([]pipeline.Event, limit)
	copy(out, b.ring[len(b.ring)-limit:])
	return out
}

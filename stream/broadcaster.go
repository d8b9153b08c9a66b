package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by Next once the subscription or broadcaster is closed.
var ErrClosed = errors.New("subscription closed")

type State string

const (
	StateDegraded State = "DEGRADED"
	StateActive   State = "ACTIVE"
)

// Packet is what every viewer receives. It is shared between subscribers
// and must not be modified after Publish.
type Packet struct {
	Seq         uint64         `json:"seq"`
	FrameSeq    uint64         `json:"frame_seq"`
	Data        []byte         `json:"-"`
	ContentType string         `json:"content_type"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Detections  []iface.Result `json:"detections"`
	Placeholder bool           `json:"placeholder"`
	State       State          `json:"state"`
	ProducedAt  time.Time      `json:"produced_at"`
}

// Subscription is one viewer's mailbox. It holds at most one packet; a newer
// packet replaces an unread one.
type Subscription struct {
	ID    string
	b     *Broadcaster
	slot  chan *Packet
	done  chan struct{}
	once  sync.Once
	last  uint64
	drops atomic.Uint64
	since time.Time
}

// Next blocks until a packet newer than the last one returned is available.
func (s *Subscription) Next(ctx context.Context) (*Packet, error) {
	for {
		select {
		case p := <-s.slot:
			if p.Seq <= s.last {
				continue
			}
			s.last = p.Seq
			return p, nil
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drops counts packets overwritten before this subscriber read them.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.b.remove(s)
	})
}

func (s *Subscription) deliver(p *Packet) {
	for {
		select {
		case s.slot <- p:
			return
		default:
		}
		select {
		case <-s.slot:
			s.drops.Add(1)
		default:
		}
	}
}

type SubscriberStats struct {
	ID    string    `json:"id"`
	Since time.Time `json:"since"`
	Drops uint64    `json:"drops"`
}

type Stats struct {
	Published   uint64            `json:"published"`
	Drops       uint64            `json:"drops"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Broadcaster fans one producer out to any number of subscribers without
// ever blocking the producer.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	joined chan struct{}
	closed bool

	pubMu     sync.Mutex
	seq       uint64
	published atomic.Uint64
	drops     atomic.Uint64
	latest    atomic.Pointer[Packet]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		joined: make(chan struct{}),
	}
}

// Subscribe registers id. A closed broadcaster returns a subscription whose
// Next fails immediately with ErrClosed.
func (b *Broadcaster) Subscribe(id string) *Subscription {
	s := &Subscription{
		ID:    id,
		b:     b,
		slot:  make(chan *Packet, 1),
		done:  make(chan struct{}),
		since: time.Now(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	if old, ok := b.subs[id]; ok {
		old.once.Do(func() { close(old.done) })
	}
	b.subs[id] = s
	close(b.joined)
	b.joined = make(chan struct{})
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[s.ID]; ok && cur == s {
		delete(b.subs, s.ID)
		b.drops.Add(s.drops.Load())
	}
}

// Publish stamps p with the next sequence number and hands it to every
// current subscriber. It never blocks on a slow reader.
func (b *Broadcaster) Publish(p *Packet) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.seq++
	p.Seq = b.seq
	b.latest.Store(p)
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.deliver(p)
	}
}

// Latest is the last published packet, or nil.
func (b *Broadcaster) Latest() *Packet {
	return b.latest.Load()
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Joined is closed the next time anyone subscribes.
func (b *Broadcaster) Joined() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.joined
}

// WaitForSubscribers blocks until at least one subscriber exists. It fails
// with ErrClosed once the broadcaster is closed.
func (b *Broadcaster) WaitForSubscribers(ctx context.Context) error {
	for {
		b.mu.RLock()
		n, joined, closed := len(b.subs), b.joined, b.closed
		b.mu.RUnlock()
		if closed {
			return ErrClosed
		}
		if n > 0 {
			return nil
		}
		select {
		case <-joined:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Published:   b.published.Load(),
		Drops:       b.drops.Load(),
		Subscribers: make([]SubscriberStats, 0, len(b.subs)),
	}
	for _, s := range b.subs {
		d := s.drops.Load()
		st.Drops += d
		st.Subscribers = append(st.Subscribers, SubscriberStats{ID: s.ID, Since: s.since, Drops: d})
	}
	return st
}

// Close ends every subscription. Later Subscribe calls get closed subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.done) })
		delete(b.subs, id)
	}
	close(b.joined)
}

package cdc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the channel capacity of a subscription.
	DefaultBufferSize = 256
	replayCapacity    = 4096
)

var (
	ErrTokenTooOld     = errors.New("cdc: captures after the token are no longer kept")
	ErrPublisherClosed = errors.New("cdc: publisher is closed")
)

// Subscription receives the captures matching its filter on C. Captures that do not fit into the buffer are
// dropped and counted.
type Subscription struct {
	id      uuid.UUID
	filter  Filter
	c       chan Capture
	dropped *atomic.Uint64
	closed  *atomic.Bool
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

func (s *Subscription) C() <-chan Capture {
	return s.c
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) send(c Capture) {
	select {
	case s.c <- c:
	default:
		s.dropped.Inc()
		droppedCounter.Inc()
	}
}

// Publisher fans captures out to subscriptions in token order.
type Publisher struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	token  uint64
	recent *ring
	closed bool
}

func NewPublisher() *Publisher {
	return &Publisher{
		subs:   make(map[uuid.UUID]*Subscription),
		recent: newRing(replayCapacity),
	}
}

// Subscribe opens a subscription receiving the captures published from now on.
func (p *Publisher) Subscribe(filter Filter, bufferSize int) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribe(filter, bufferSize)
}

// SubscribeSince opens a subscription that first receives the kept captures published after token. The backlog
// must fit into the buffer.
func (p *Publisher) SubscribeSince(filter Filter, token uint64, bufferSize int) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	backlog, ok := p.recent.since(token)
	if !ok {
		return nil, ErrTokenTooOld
	}
	s, err := p.subscribe(filter, bufferSize)
	if err != nil {
		return nil, err
	}
	for i := range backlog {
		if filter.Matches(&backlog[i]) {
			s.send(backlog[i])
		}
	}
	return s, nil
}

func (p *Publisher) subscribe(filter Filter, bufferSize int) (*Subscription, error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Subscription{
		id:      uuid.New(),
		filter:  filter,
		c:       make(chan Capture, bufferSize),
		dropped: atomic.NewUint64(0),
		closed:  atomic.NewBool(false),
	}
	p.subs[s.id] = s
	subscriberGauge.Inc()
	log.Debug("change subscription opened", zap.Stringer("subscription", s.id), zap.String("catalog", filter.Catalog))
	return s, nil
}

// Unsubscribe closes the channel of the subscription.
func (p *Publisher) Unsubscribe(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		delete(p.subs, id)
		p.close(s)
	}
}

func (p *Publisher) close(s *Subscription) {
	if s.closed.CAS(false, true) {
		close(s.c)
		subscriberGauge.Dec()
		if n := s.dropped.Load(); n > 0 {
			log.Warn("change subscription dropped captures", zap.Stringer("subscription", s.id), zap.Uint64("dropped", n))
		}
	}
}

// Publish assigns the next tokens to captures and delivers them. It returns the token of the last one.
func (p *Publisher) Publish(captures ...Capture) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.token
	}
	now := time.Now()
	for _, c := range captures {
		p.token++
		c.Token = p.token
		c.At = now
		p.recent.push(c)
		publishedCounter.WithLabelValues(string(c.Area)).Inc()
		for _, s := range p.subs {
			if s.filter.Matches(&c) {
				s.send(c)
			}
		}
	}
	return p.token
}

// Since returns the kept captures after token that match filter.
func (p *Publisher) Since(filter Filter, token uint64) ([]Capture, error) {
	p.mu.Lock()
	backlog, ok := p.recent.since(token)
	p.mu.Unlock()
	if !ok {
		return nil, ErrTokenTooOld
	}
	out := backlog[:0]
	for i := range backlog {
		if filter.Matches(&backlog[i]) {
			out = append(out, backlog[i])
		}
	}
	return out, nil
}

// Token is the token of the last published capture.
func (p *Publisher) Token() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Close closes every subscription. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, s := range p.subs {
		delete(p.subs, id)
		p.close(s)
	}
}

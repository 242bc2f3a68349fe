// Package events publishes session lifecycle events to external consumers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/jaracil/pppmodem/logger"
)

// Event types.
const (
	TypeState         = "state"
	TypeLinkUp        = "link_up"
	TypeLinkDown      = "link_down"
	TypePrepareFailed = "prepare_failed"
)

const (
	DefaultTopic     = "pppmodem"
	DefaultQueueSize = 64
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: publisher closed")

// Event is one session lifecycle event, encoded as JSON on the wire.
type Event struct {
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Time      time.Time `json:"time"`
	State     string    `json:"state,omitempty"`
	Status    string    `json:"status,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher delivers events. Publish must not block the caller for long.
type Publisher interface {
	Publish(ev Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
func (NopPublisher) Close() error        { return nil }

// producer is the part of *nsq.Producer the publisher uses.
type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher sends events to an nsqd topic from a background goroutine.
// Events that do not fit in the queue are dropped and counted.
type NSQPublisher struct {
	topic    string
	producer producer
	log      logger.Logger

	queue   chan Event
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewNSQPublisher connects lazily to the nsqd at addr.
func NewNSQPublisher(addr, topic string, l logger.Logger) (*NSQPublisher, error) {
	if addr == "" {
		return nil, errors.New("events: nsqd address is required")
	}
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}

	return newNSQPublisher(p, topic, l), nil
}

func newNSQPublisher(p producer, topic string, l logger.Logger) *NSQPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if l == nil {
		l = logger.GetLogger()
	}

	pub := &NSQPublisher{
		topic:    topic,
		producer: p,
		log:      l.With("topic", topic),
		queue:    make(chan Event, DefaultQueueSize),
		done:     make(chan struct{}),
	}
	go pub.sendTask()

	return pub
}

// Publish queues ev. It never blocks.
func (p *NSQPublisher) Publish(ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}

	return nil
}

// Dropped returns the number of events discarded because the queue was full.
func (p *NSQPublisher) Dropped() uint64 { return p.dropped.Load() }

// Failed returns the number of events nsqd did not accept.
func (p *NSQPublisher) Failed() uint64 { return p.failed.Load() }

// Close flushes queued events and stops the producer.
func (p *NSQPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.producer.Stop()

	return nil
}

func (p *NSQPublisher) sendTask() {
	defer close(p.done)

	for ev := range p.queue {
		body, err := json.Marshal(ev)
		if err != nil {
			p.failed.Add(1)
			continue
		}
		if err := p.producer.Publish(p.topic, body); err != nil {
			p.failed.Add(1)
			p.log.Warn("event publish failed", "type", ev.Type, "session", ev.Session, "error", err)
		}
	}
}

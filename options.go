package pppmodem

import (
	"errors"
	"fmt"
	"time"

	"github.com/jaracil/pppmodem/events"
	"github.com/jaracil/pppmodem/logger"
)

const (
	// DefaultPrepareBackoff is the wait after a failed preparation.
	DefaultPrepareBackoff = 30 * time.Second
	// DefaultFreeBackoff is the wait between attempts to free a link.
	DefaultFreeBackoff = 1 * time.Second
	// DefaultReadChunk is the size of each transport read while a link is up.
	DefaultReadChunk = 48
	// DefaultOutboxSize is the number of adapter writes queued for the transport.
	DefaultOutboxSize = 64

	MinReadChunk = 1
	MaxReadChunk = 4096
)

// ErrSessionConfigNil is returned by options applied to a nil configuration.
var ErrSessionConfigNil = errors.New("pppmodem: session config is nil")

type sessionConfig struct {
	id             string
	ifname         string
	prepareBackoff time.Duration
	freeBackoff    time.Duration
	readChunk      int
	outboxSize     int
	transition     StateTransition
	events         events.Publisher
	logger         logger.Logger
}

func newSessionConfig(id string, opts ...SessionOption) (*sessionConfig, error) {
	cfg := &sessionConfig{
		id:             id,
		prepareBackoff: DefaultPrepareBackoff,
		freeBackoff:    DefaultFreeBackoff,
		readChunk:      DefaultReadChunk,
		outboxSize:     DefaultOutboxSize,
		events:         events.NopPublisher{},
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// SessionOption represents a functional option for configuring a Session.
type SessionOption interface {
	apply(*sessionConfig) error
}

type sessionOptFunc struct {
	name      string
	applyFunc func(*sessionConfig) error
}

func (o *sessionOptFunc) apply(cfg *sessionConfig) error {
	if cfg == nil {
		return ErrSessionConfigNil
	}
	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("pppmodem: %s: %w", o.name, err)
	}
	return nil
}

func newSessionOptFunc(name string, f func(*sessionConfig) error) *sessionOptFunc {
	return &sessionOptFunc{name: name, applyFunc: f}
}

// WithID sets the session id. It defaults to the transport name.
func WithID(id string) SessionOption {
	return newSessionOptFunc("WithID", func(cfg *sessionConfig) error {
		if id == "" {
			return errors.New("empty id")
		}
		cfg.id = id
		return nil
	})
}

// WithInterfaceName sets the name the link is published under.
// By default the adapter's interface name is used.
func WithInterfaceName(name string) SessionOption {
	return newSessionOptFunc("WithInterfaceName", func(cfg *sessionConfig) error {
		cfg.ifname = name
		return nil
	})
}

// WithPrepareBackoff sets the wait after a failed preparation.
//
// The default is 30 seconds.
func WithPrepareBackoff(d time.Duration) SessionOption {
	return newSessionOptFunc("WithPrepareBackoff", func(cfg *sessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("invalid backoff %v", d)
		}
		cfg.prepareBackoff = d
		return nil
	})
}

// WithFreeBackoff sets the wait between attempts to free a link.
//
// The default is 1 second.
func WithFreeBackoff(d time.Duration) SessionOption {
	return newSessionOptFunc("WithFreeBackoff", func(cfg *sessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("invalid backoff %v", d)
		}
		cfg.freeBackoff = d
		return nil
	})
}

// WithReadChunk sets the size of each transport read while a link is up.
// It must be between 1 and 4096.
func WithReadChunk(n int) SessionOption {
	return newSessionOptFunc("WithReadChunk", func(cfg *sessionConfig) error {
		if n < MinReadChunk || n > MaxReadChunk {
			return fmt.Errorf("read chunk %d out of range [%d, %d]", n, MinReadChunk, MaxReadChunk)
		}
		cfg.readChunk = n
		return nil
	})
}

// WithOutboxSize sets how many adapter writes can wait for the transport.
func WithOutboxSize(n int) SessionOption {
	return newSessionOptFunc("WithOutboxSize", func(cfg *sessionConfig) error {
		if n < 1 {
			return fmt.Errorf("invalid outbox size %d", n)
		}
		cfg.outboxSize = n
		return nil
	})
}

// WithStateTransition sets a callback for state changes.
func WithStateTransition(fn StateTransition) SessionOption {
	return newSessionOptFunc("WithStateTransition", func(cfg *sessionConfig) error {
		cfg.transition = fn
		return nil
	})
}

// WithEvents sets the publisher for lifecycle events.
func WithEvents(p events.Publisher) SessionOption {
	return newSessionOptFunc("WithEvents", func(cfg *sessionConfig) error {
		if p == nil {
			p = events.NopPublisher{}
		}
		cfg.events = p
		return nil
	})
}

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) SessionOption {
	return newSessionOptFunc("WithLogger", func(cfg *sessionConfig) error {
		if l == nil {
			return errors.New("nil logger")
		}
		cfg.logger = l
		return nil
	})
}

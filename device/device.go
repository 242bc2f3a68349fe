// Package device holds per-model modem preparation: power sequencing and
// the chat script that brings a modem to data mode.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/chat"
)

var (
	// ErrUnknownModel is returned by New for models that are not registered.
	ErrUnknownModel = errors.New("device: unknown model")
	// ErrAPNRequired is returned when a model needs an APN and none is given.
	ErrAPNRequired = errors.New("device: apn is required")
)

const (
	// DefaultResetDelay is the off time of a power cycle and the pause of a soft reset.
	DefaultResetDelay = 500 * time.Millisecond
	// DefaultSettle is the wait after a reset before the modem is talked to.
	DefaultSettle = 5 * time.Second
	// DefaultNumber is the standard packet data dial string.
	DefaultNumber = "*99#"
)

// Params configures a preparer.
type Params struct {
	APN    string
	Number string
	// Power cycles the modem. Nil means soft reset.
	Power      PowerControl
	ResetDelay time.Duration
	Settle     time.Duration
	// ChatOptions are passed to every chat run.
	ChatOptions []chat.Option
}

func (p Params) withDefaults() Params {
	if p.Number == "" {
		p.Number = DefaultNumber
	}
	if p.ResetDelay <= 0 {
		p.ResetDelay = DefaultResetDelay
	}
	if p.Settle <= 0 {
		p.Settle = DefaultSettle
	}
	return p
}

// Constructor builds a preparer for one model.
type Constructor func(p Params) (pppmodem.Preparer, error)

var (
	modelsMu sync.RWMutex
	models   = map[string]Constructor{}
)

// Register makes a model available to New. Names are case-insensitive.
func Register(model string, ctor Constructor) {
	modelsMu.Lock()
	defer modelsMu.Unlock()
	models[strings.ToLower(model)] = ctor
}

// Models lists registered model names.
func Models() []string {
	modelsMu.RLock()
	defer modelsMu.RUnlock()

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the preparer of model.
func New(model string, p Params) (pppmodem.Preparer, error) {
	modelsMu.RLock()
	ctor, ok := models[strings.ToLower(model)]
	modelsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return ctor(p.withDefaults())
}

func init() {
	Register("m6312", NewM6312)
	Register("generic", NewGeneric)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// discardInput drops whatever the modem printed while booting.
func discardInput(s *pppmodem.Session) {
	buf := make([]byte, 64)
	port := s.Port()
	for {
		n, err := port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

func runScript(ctx context.Context, s *pppmodem.Session, script chat.Script, opts []chat.Option) error {
	opts = append([]chat.Option{chat.WithLogger(s.Logger())}, opts...)
	if out := chat.Run(ctx, s.Port(), script, opts...); !out.OK() {
		return out.Err()
	}
	return nil
}

// powerCycle switches the modem off, waits delay and switches it back on.
func powerCycle(ctx context.Context, s *pppmodem.Session, pc PowerControl, delay time.Duration) error {
	if err := pc.SetPower(s.Transport(), false); err != nil {
		return fmt.Errorf("device: power off: %w", err)
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	if err := pc.SetPower(s.Transport(), true); err != nil {
		return fmt.Errorf("device: power on: %w", err)
	}
	return nil
}

func writeAll(s *pppmodem.Session, cmd string) error {
	if _, err := s.Port().Write([]byte(cmd)); err != nil {
		return fmt.Errorf("device: write %q: %w", strings.TrimSpace(cmd), err)
	}
	return nil
}

// Package chat runs scripted AT command exchanges against a modem.
//
// A Script is an ordered table of steps. Each step transmits a command,
// waits for one of the known final result codes (OK, CONNECT, ERROR ...)
// and retries on timeout up to its retry budget. The first step that runs
// out of attempts, or that receives a recognized result other than the one
// it expects, fails the whole script.
//
// Example:
//
//	script := chat.Script{
//		{Transmit: "AT", Expect: chat.RespOK, Retries: 10, Timeout: 1},
//		{Transmit: "ATD*99#", Expect: chat.RespConnect, Retries: 1, Timeout: 30},
//	}
//	if out := chat.Run(ctx, port, script); !out.OK() {
//		log.Println(out.Err())
//	}
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jaracil/pppmodem/logger"
)

var (
	// ErrTimeout is the cause of a step whose attempts all timed out.
	ErrTimeout = errors.New("chat: timeout waiting for response")
	// ErrRejected is the cause of a step that received a recognized response other than the expected one.
	ErrRejected = errors.New("chat: unexpected response")
	// ErrInvalidStep is returned for steps with a retry count or timeout below 1.
	ErrInvalidStep = errors.New("chat: invalid step")
)

// DefaultPollInterval is how often a port without arrival notifications is re-read.
const DefaultPollInterval = 20 * time.Millisecond

// maxLineLen bounds the line buffer; longer lines are truncated.
const maxLineLen = 256

// Port is the byte stream a script runs over.
//
// Read must not block: it returns 0, nil when no bytes are pending.
// Arrived delivers a value whenever new bytes may be pending; it may return
// nil, in which case the engine polls.
type Port interface {
	io.Reader
	io.Writer
	Arrived() <-chan struct{}
}

// Step is one scripted exchange.
type Step struct {
	// Transmit is sent followed by a carriage return. Empty sends nothing.
	Transmit string
	// Expect is the result code that completes the step. RespNone completes it on transmit.
	Expect Response
	// Retries is the number of attempts, at least 1.
	Retries int
	// Timeout is the per-attempt wait, in seconds, at least 1.
	Timeout int
	// RetryOnReject makes a recognized but unexpected result consume one attempt
	// instead of failing the step.
	RetryOnReject bool
}

// Script is an ordered list of steps.
type Script []Step

// Validate checks every step of the script.
func (s Script) Validate() error {
	for i, step := range s {
		if step.Retries < 1 {
			return fmt.Errorf("%w: step %d: retries %d < 1", ErrInvalidStep, i, step.Retries)
		}
		if step.Timeout < 1 {
			return fmt.Errorf("%w: step %d: timeout %d < 1", ErrInvalidStep, i, step.Timeout)
		}
	}

	return nil
}

// Outcome is the result of running a script.
type Outcome struct {
	// Step is the index of the failing step, -1 on success.
	Step int
	// RetriesLeft is the number of unused attempts of the failing step.
	RetriesLeft int
	// Response is the recognized result that failed the step, RespNone otherwise.
	Response Response
	// Cause is nil on success.
	Cause error
}

// OK reports whether the script succeeded.
func (o Outcome) OK() bool { return o.Cause == nil }

// Err returns nil on success, or the cause annotated with the failing step.
func (o Outcome) Err() error {
	if o.Cause == nil {
		return nil
	}
	return fmt.Errorf("chat: step %d (%d retries left): %w", o.Step, o.RetriesLeft, o.Cause)
}

type config struct {
	logger logger.Logger
	unit   time.Duration
	poll   time.Duration
}

// Option configures a Run.
type Option func(*config)

// WithLogger sets the logger for chat traffic (Debug level).
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeUnit sets the duration of one step timeout unit (default: one second).
func WithTimeUnit(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.unit = d
		}
	}
}

// WithPollInterval sets how often a port without arrival notifications is re-read.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.poll = d
		}
	}
}

// Run executes script over port. It never retries beyond each step's
// budget and holds no state across calls.
func Run(ctx context.Context, port Port, script Script, opts ...Option) Outcome {
	cfg := &config{
		logger: logger.GetLogger(),
		unit:   time.Second,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	for i, step := range script {
		if err := (Script{step}).Validate(); err != nil {
			return Outcome{Step: i, Response: RespNone, Cause: err}
		}
		if out := runStep(ctx, port, i, step, cfg); !out.OK() {
			return out
		}
	}

	return Outcome{Step: -1, Response: RespNone}
}

func runStep(ctx context.Context, port Port, idx int, step Step, cfg *config) Outcome {
	timeout := time.Duration(step.Timeout) * cfg.unit
	fail := Outcome{Step: idx, Response: RespNone, Cause: ErrTimeout}

	for attempt := 1; attempt <= step.Retries; attempt++ {
		left := step.Retries - attempt

		if step.Transmit != "" {
			cfg.logger.Debug("chat tx", "step", idx, "attempt", attempt, "cmd", step.Transmit)
			if err := transmit(port, step.Transmit); err != nil {
				return Outcome{Step: idx, RetriesLeft: left, Response: RespNone, Cause: err}
			}
		}

		if step.Expect == RespNone {
			return Outcome{Step: -1, Response: RespNone}
		}

		resp, err := await(ctx, port, timeout, cfg)
		switch {
		case errors.Is(err, ErrTimeout):
			cfg.logger.Debug("chat timeout", "step", idx, "attempt", attempt, "expect", step.Expect)
			fail = Outcome{Step: idx, RetriesLeft: left, Response: RespNone, Cause: ErrTimeout}
			continue
		case err != nil:
			return Outcome{Step: idx, RetriesLeft: left, Response: RespNone, Cause: err}
		case resp == step.Expect:
			return Outcome{Step: -1, Response: RespNone}
		}

		cfg.logger.Debug("chat rejected", "step", idx, "attempt", attempt, "expect", step.Expect, "got", resp)
		fail = Outcome{Step: idx, RetriesLeft: left, Response: resp, Cause: fmt.Errorf("%w: %s", ErrRejected, resp)}
		if !step.RetryOnReject {
			return fail
		}
	}

	return fail
}

func transmit(port Port, cmd string) error {
	b := make([]byte, 0, len(cmd)+1)
	b = append(b, cmd...)
	b = append(b, '\r')

	n, err := port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}

	return nil
}

// await reads until a complete line carries a known tag or timeout elapses.
func await(ctx context.Context, port Port, timeout time.Duration, cfg *config) (Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	arrived := port.Arrived()
	var poll <-chan time.Time
	if arrived == nil {
		ticker := time.NewTicker(cfg.poll)
		defer ticker.Stop()
		poll = ticker.C
	}

	var line bytes.Buffer
	buf := make([]byte, 64)
	for {
		for {
			n, err := port.Read(buf)
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					if line.Len() < maxLineLen {
						line.WriteByte(b)
					}
					continue
				}
				text := string(bytes.TrimSpace(line.Bytes()))
				line.Reset()
				if text == "" {
					continue
				}
				cfg.logger.Debug("chat rx", "line", text)
				if resp, ok := matchLine(text); ok {
					return resp, nil
				}
			}
			if err != nil {
				return RespNone, err
			}
			if n == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return RespNone, ctx.Err()
		case <-timer.C:
			return RespNone, ErrTimeout
		case <-arrived:
		case <-poll:
		}
	}
}

// Package serialport exposes a serial device, or any byte stream, as a
// non-blocking transport with arrival notifications.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/jaracil/pppmodem/logger"
)

var (
	// ErrNotFound is returned when the device does not exist.
	ErrNotFound = errors.New("serialport: device not found")
	// ErrInUse is returned when the device is already opened by someone else.
	ErrInUse = errors.New("serialport: device in use")
	// ErrClosed is returned by operations on a closed port.
	ErrClosed = errors.New("serialport: port closed")
	// ErrNotSupported is returned by SetDTR on streams without modem control lines.
	ErrNotSupported = errors.New("serialport: operation not supported")
)

const (
	DefaultBaudRate = 115200
	DefaultDataBits = 8
	// readTimeout bounds each blocking read so Close is noticed promptly.
	readTimeout = 100 * time.Millisecond
	// closeWait bounds how long Close waits for the reader to exit.
	closeWait   = time.Second
	readBufSize = 512
	// maxPending caps unread bytes; the oldest bytes are discarded and
	// counted beyond it.
	maxPending = 64 * 1024
)

// Config is applied once when the port is opened.
type Config struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultConfig returns 115200 8N1.
func DefaultConfig() Config {
	return Config{
		BaudRate: DefaultBaudRate,
		DataBits: DefaultDataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (c Config) mode() *serial.Mode {
	m := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
	if m.BaudRate == 0 {
		m.BaudRate = DefaultBaudRate
	}
	if m.DataBits == 0 {
		m.DataBits = DefaultDataBits
	}
	return m
}

// ParseParity converts "none", "odd", "even", "mark" or "space" (or their
// first letter) to a parity setting.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "none":
		return serial.NoParity, nil
	case "o", "odd":
		return serial.OddParity, nil
	case "e", "even":
		return serial.EvenParity, nil
	case "m", "mark":
		return serial.MarkParity, nil
	case "s", "space":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("serialport: invalid parity %q", s)
	}
}

// ParseStopBits converts "1", "1.5" or "2" to a stop bits setting.
func ParseStopBits(s string) (serial.StopBits, error) {
	switch strings.TrimSpace(s) {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("serialport: invalid stop bits %q", s)
	}
}

// Port is an exclusively owned byte stream.
//
// A background reader moves incoming bytes into a buffer, so Read never
// blocks: it returns 0, nil when nothing is pending. The arrival notifier is
// called after each chunk is buffered. A read error is latched and returned
// once the buffer is drained.
type Port struct {
	name string
	rwc  io.ReadWriteCloser
	ser  serial.Port

	log     logger.Logger
	dropped atomic.Uint64

	mu       sync.Mutex
	pending  []byte
	limit    int
	overflow bool
	readErr  error
	notifier func()

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Open opens a serial device and applies cfg.
func Open(name string, cfg Config) (*Port, error) {
	sp, err := serial.Open(name, cfg.mode())
	if err != nil {
		return nil, classify(name, err)
	}
	if err := sp.SetReadTimeout(readTimeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("serialport: %s: set read timeout: %w", name, err)
	}

	p := newPort(name, sp)
	p.ser = sp
	go p.readTask()

	return p, nil
}

// Wrap adapts an already open stream (pty, socket, pipe) to a Port.
func Wrap(name string, rwc io.ReadWriteCloser) *Port {
	p := newPort(name, rwc)
	go p.readTask()

	return p
}

func newPort(name string, rwc io.ReadWriteCloser) *Port {
	return &Port{
		name:   name,
		rwc:    rwc,
		log:    logger.GetLogger().With("port", name),
		limit:  maxPending,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func classify(name string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrInUse, name)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return fmt.Errorf("serialport: open %s: %w", name, err)
}

// Name returns the device name the port was opened with.
func (p *Port) Name() string { return p.name }

// SetArrivalNotifier installs fn, replacing any previous notifier.
// fn runs on the reader goroutine and must not block.
func (p *Port) SetArrivalNotifier(fn func()) {
	p.mu.Lock()
	p.notifier = fn
	pending := len(p.pending) > 0 || p.readErr != nil
	p.mu.Unlock()

	if fn != nil && pending {
		fn()
	}
}

// Read copies pending bytes into b without blocking.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return 0, p.readErr
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	p.overflow = false

	return n, nil
}

// Dropped returns how many unread bytes were discarded because nobody
// drained the port in time.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Buffered returns the number of bytes waiting to be read.
func (p *Port) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Write sends b in full or returns an error.
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.rwc.Write(b)
}

// SetDTR drives the DTR modem control line.
func (p *Port) SetDTR(on bool) error {
	if p.ser == nil {
		return ErrNotSupported
	}
	return p.ser.SetDTR(on)
}

// Close stops the reader and closes the underlying stream.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.rwc.Close()
		select {
		case <-p.done:
		case <-time.After(closeWait):
		}
	})

	return err
}

func (p *Port) readTask() {
	defer close(p.done)

	buf := make([]byte, readBufSize)
	for {
		n, err := p.rwc.Read(buf)
		select {
		case <-p.closed:
			p.latch(ErrClosed)
			return
		default:
		}
		if n > 0 {
			p.push(buf[:n])
		}
		if err != nil {
			p.latch(err)
			return
		}
	}
}

func (p *Port) push(b []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	over := len(p.pending) - p.limit
	first := false
	if over > 0 {
		p.pending = p.pending[over:]
		first = !p.overflow
		p.overflow = true
	}
	fn := p.notifier
	p.mu.Unlock()

	if over > 0 {
		total := p.dropped.Add(uint64(over))
		// once per overflow episode; Read ends the episode
		if first {
			p.log.Warn("input buffer full, discarding oldest bytes", "dropped", over, "total_dropped", total)
		}
	}

	if fn != nil {
		fn()
	}
}

func (p *Port) latch(err error) {
	p.mu.Lock()
	if p.readErr == nil {
		p.readErr = err
	}
	fn := p.notifier
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

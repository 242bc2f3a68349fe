package pppmodem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaracil/pppmodem/chat"
	"github.com/jaracil/pppmodem/events"
	"github.com/jaracil/pppmodem/link"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/netdev"
)

var (
	// ErrTransportRequired is returned by NewSession without a transport.
	ErrTransportRequired = errors.New("pppmodem: transport is required")
	// ErrPreparerRequired is returned by NewSession without a preparer.
	ErrPreparerRequired = errors.New("pppmodem: preparer is required")
	// ErrFactoryRequired is returned by NewSession without a link factory.
	ErrFactoryRequired = errors.New("pppmodem: link factory is required")
	// ErrBridgeRequired is returned by NewSession without a bridge.
	ErrBridgeRequired = errors.New("pppmodem: bridge is required")
	// ErrLinkStart is returned by Run when the link adapter cannot be created or connected.
	ErrLinkStart = errors.New("pppmodem: link start failed")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("pppmodem: session already running")
)

// Transport is the serial channel a session owns exclusively.
// Read must not block; the arrival notifier is called when bytes may be pending.
type Transport interface {
	io.ReadWriteCloser
	Name() string
	SetArrivalNotifier(fn func())
}

// Preparer brings a modem from an unknown state to data mode, typically by
// resetting it and running a chat script over s.Port().
type Preparer interface {
	Prepare(ctx context.Context, s *Session) error
}

// PreparerFunc adapts a function to a Preparer.
type PreparerFunc func(ctx context.Context, s *Session) error

// Prepare implements Preparer.
func (f PreparerFunc) Prepare(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Bridge publishes established links as network interfaces.
type Bridge interface {
	Publish(rec netdev.Record) (*netdev.Interface, error)
	// Unpublish removes exactly the interface returned by Publish.
	Unpublish(iface *netdev.Interface) bool
}

// Session supervises one modem: it prepares the modem, runs a link over
// the same transport, publishes it while it is up and starts over whenever
// anything fails.
type Session struct {
	cfg       *sessionConfig
	transport Transport
	preparer  Preparer
	factory   link.Factory
	bridge    Bridge
	log       logger.Logger
	metrics   SessionMetrics

	wake    chan struct{}
	state   atomic.Uint32
	running atomic.Bool

	linkGen    atomic.Uint64
	activeGen  atomic.Uint64
	linkStatus atomic.Int32
	linkUp     atomic.Bool
	linkInfo   atomic.Pointer[link.Info]

	// owned by the worker goroutine
	adapter    link.Adapter
	outbox     chan []byte
	linkCancel context.CancelFunc
	published  bool
	iface      *netdev.Interface

	mu        sync.Mutex
	ifname    string
	addr      net.IP
	since     time.Time
	lastError string
}

// NewSession creates a session over transport. The session does nothing
// until Run is called.
func NewSession(transport Transport, preparer Preparer, factory link.Factory, bridge Bridge, opts ...SessionOption) (*Session, error) {
	switch {
	case transport == nil:
		return nil, ErrTransportRequired
	case preparer == nil:
		return nil, ErrPreparerRequired
	case factory == nil:
		return nil, ErrFactoryRequired
	case bridge == nil:
		return nil, ErrBridgeRequired
	}

	cfg, err := newSessionConfig(transport.Name(), opts...)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		transport: transport,
		preparer:  preparer,
		factory:   factory,
		bridge:    bridge,
		log:       cfg.logger.With("session", cfg.id),
		wake:      make(chan struct{}, 1),
		since:     time.Now(),
	}
	s.state.Store(uint32(StatePreparing))
	transport.SetArrivalNotifier(s.signal)

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Metrics returns the session counters.
func (s *Session) Metrics() *SessionMetrics { return &s.metrics }

// Logger returns the session logger.
func (s *Session) Logger() logger.Logger { return s.log }

// Transport returns the session transport. Preparers may type-assert it for
// modem control lines.
func (s *Session) Transport() Transport { return s.transport }

// Port returns the transport view chat scripts run over.
func (s *Session) Port() chat.Port { return sessionPort{s} }

type sessionPort struct{ s *Session }

func (p sessionPort) Read(b []byte) (int, error)  { return p.s.transport.Read(b) }
func (p sessionPort) Write(b []byte) (int, error) { return p.s.transport.Write(b) }
func (p sessionPort) Arrived() <-chan struct{}    { return p.s.wake }

// signal posts the wake token; a pending token absorbs the signal.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(uint32(next)))
	if prev == next {
		return
	}

	s.mu.Lock()
	s.since = time.Now()
	s.mu.Unlock()

	s.log.Debug("state changed", "from", prev.String(), "to", next.String())
	s.emit(events.Event{Type: events.TypeState, State: next.String()})
	if s.cfg.transition != nil {
		s.cfg.transition(s, prev, next)
	}
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

func (s *Session) emit(ev events.Event) {
	ev.Session = s.cfg.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := s.cfg.events.Publish(ev); err != nil {
		s.log.Debug("event dropped", "type", ev.Type, "error", err)
	}
}

// Run drives the supervisor loop until ctx is cancelled or the link
// adapter cannot be started. On return the transport is closed.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := s.transport.Close(); err != nil {
			s.log.Debug("transport close failed", "error", err)
		}
	}()

	s.log.Info("session started", "port", s.transport.Name())
	for {
		if err := s.prepare(ctx); err != nil {
			s.setState(StateClosed)
			return nil
		}

		if err := s.startLink(); err != nil {
			s.log.Error("link start failed, session stopped", "error", err)
			s.setLastError(err)
			s.setState(StateFailed)
			return err
		}

		s.monitor(ctx)
		s.teardown()

		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}
	}
}

// prepare runs the preparer until it succeeds. It only fails when ctx is done.
func (s *Session) prepare(ctx context.Context) error {
	for {
		s.setState(StatePreparing)
		s.metrics.incPrepareCount()

		err := s.preparer.Prepare(ctx, s)
		if err == nil {
			s.log.Info("modem ready")
			s.setLastError(nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.metrics.incPrepareErrCount()
		s.setLastError(err)
		s.log.Warn("prepare failed", "error", err, "retry_in", s.cfg.prepareBackoff)
		s.emit(events.Event{Type: events.TypePrepareFailed, Error: err.Error()})

		timer := time.NewTimer(s.cfg.prepareBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// startLink creates and connects a new link adapter.
func (s *Session) startLink() error {
	s.setState(StateLinkStarting)

	gen := s.linkGen.Add(1)
	h := link.Handle{Session: s.cfg.id, Gen: gen}

	linkCtx, cancel := context.WithCancel(context.Background())
	outbox := make(chan []byte, s.cfg.outboxSize)

	s.linkStatus.Store(int32(link.StatusNone))
	s.linkUp.Store(false)
	s.linkInfo.Store(nil)
	s.published = false
	s.activeGen.Store(gen)

	cb := link.Callbacks{
		Output: func(h link.Handle, b []byte) {
			if h.Gen != s.activeGen.Load() {
				return
			}
			buf := append([]byte(nil), b...)
			select {
			case outbox <- buf:
				s.signal()
			case <-linkCtx.Done():
			}
		},
		Status: s.onLinkStatus,
	}

	adapter, err := s.factory.New(h, cb)
	if err != nil {
		cancel()
		s.activeGen.Store(0)
		return fmt.Errorf("%w: create: %w", ErrLinkStart, err)
	}
	if err := adapter.Connect(); err != nil {
		cancel()
		s.activeGen.Store(0)
		if ferr := adapter.Free(); ferr != nil {
			s.log.Warn("link free after failed connect", "error", ferr)
		}
		return fmt.Errorf("%w: connect: %w", ErrLinkStart, err)
	}

	s.adapter = adapter
	s.outbox = outbox
	s.linkCancel = cancel
	s.metrics.incLinkStartCount()
	s.log.Info("link started", "link", h.String())

	return nil
}

// onLinkStatus runs on the adapter's goroutine.
func (s *Session) onLinkStatus(h link.Handle, st link.Status, info link.Info) {
	if h.Gen != s.activeGen.Load() {
		s.log.Debug("stale link status ignored", "link", h.String(), "status", st.String())
		return
	}

	if st == link.StatusNone {
		s.linkInfo.Store(&info)
		s.linkUp.Store(true)
	}
	s.linkStatus.Store(int32(st))
	s.signal()
}

// monitor pumps bytes until the link reports an error status, the
// transport fails or ctx is done.
func (s *Session) monitor(ctx context.Context) {
	s.setState(StateLinkMonitoring)

	buf := make([]byte, s.cfg.readChunk)
	// bytes may have arrived between the chat and the link start
	s.signal()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session cancelled")
			return
		case <-s.wake:
		}

		if err := s.flushOutput(); err != nil {
			s.log.Error("transport write failed", "error", err)
			s.setLastError(err)
			return
		}
		if err := s.drainInput(buf); err != nil {
			s.log.Error("transport read failed", "error", err)
			s.setLastError(err)
			return
		}

		st := link.Status(s.linkStatus.Load())
		if st != link.StatusNone {
			s.metrics.incLinkErrCount()
			s.setLastError(fmt.Errorf("link status %s", st))
			s.log.Warn("link down", "status", st.String())
			return
		}
		if s.linkUp.Load() && !s.published {
			s.publish()
		}
	}
}

func (s *Session) flushOutput() error {
	for {
		select {
		case b := <-s.outbox:
			n, err := s.transport.Write(b)
			s.metrics.addTxBytes(n)
			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// drainInput feeds the adapter until the transport has nothing pending.
func (s *Session) drainInput(buf []byte) error {
	for {
		n, err := s.transport.Read(buf)
		if n > 0 {
			s.metrics.addRxBytes(n)
			s.adapter.Input(buf[:n])
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *Session) interfaceName() string {
	if s.cfg.ifname != "" {
		return s.cfg.ifname
	}
	if info := s.linkInfo.Load(); info != nil && info.Interface != "" {
		return info.Interface
	}
	if s.adapter != nil {
		if name := s.adapter.Info().Interface; name != "" {
			return name
		}
	}
	return s.cfg.id
}

func (s *Session) publish() {
	info := s.linkInfo.Load()
	if info == nil {
		return
	}

	rec := netdev.Record{
		Name:    s.interfaceName(),
		Flags:   net.FlagUp | net.FlagPointToPoint,
		MTU:     info.MTU,
		Addr:    info.Local,
		Gateway: info.Remote,
		Netmask: info.Netmask,
		DNS:     info.DNS,
		Default: true,
	}
	// a failed publish is not retried for this link
	s.published = true

	iface, err := s.bridge.Publish(rec)
	if err != nil {
		s.log.Error("publish failed", "ifname", rec.Name, "error", err)
		s.setLastError(err)
		return
	}
	s.iface = iface

	s.mu.Lock()
	s.ifname = rec.Name
	s.addr = rec.Addr
	s.mu.Unlock()

	s.metrics.incPublishCount()
	s.log.Info("link published",
		"ifname", rec.Name, "ip", rec.Addr, "gw", rec.Gateway, "netmask", net.IP(rec.Netmask), "dns", rec.DNS)
	s.emit(events.Event{Type: events.TypeLinkUp, Interface: rec.Name, Addr: rec.Addr.String()})
}

// teardown releases the current link. It never gives up on Free.
func (s *Session) teardown() {
	s.setState(StateLinkTeardown)

	s.activeGen.Store(0)
	s.linkCancel()

	if s.iface != nil {
		name := s.iface.Name()
		if s.bridge.Unpublish(s.iface) {
			s.emit(events.Event{Type: events.TypeLinkDown, Interface: name, Status: link.Status(s.linkStatus.Load()).String()})
		} else {
			s.log.Warn("interface already gone at teardown", "ifname", name)
		}
		s.iface = nil
	}

	s.mu.Lock()
	s.ifname = ""
	s.addr = nil
	s.mu.Unlock()

	if s.adapter.Phase() != link.PhaseDead {
		if err := s.adapter.Close(); err != nil {
			s.log.Warn("link close failed", "error", err)
		}
	}

	for {
		err := s.adapter.Free()
		if err == nil {
			break
		}
		s.metrics.incFreeRetryCount()
		s.log.Debug("link free failed, retrying", "error", err, "retry_in", s.cfg.freeBackoff)
		time.Sleep(s.cfg.freeBackoff)
	}

	s.adapter = nil
	s.outbox = nil
	s.published = false
	s.linkUp.Store(false)
	s.log.Info("link released")
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Port      string    `json:"port"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Interface string    `json:"interface,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	LinkGen   uint64    `json:"link_gen"`
	LastError string    `json:"last_error,omitempty"`
	// RxDropped counts input the transport discarded while nobody read it.
	RxDropped uint64          `json:"rx_dropped,omitempty"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

// dropCounter is implemented by transports that bound their input buffer.
type dropCounter interface {
	Dropped() uint64
}

// Info returns a snapshot of the session. It is safe to call from any goroutine.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:        s.cfg.id,
		Port:      s.transport.Name(),
		State:     s.State().String(),
		Since:     s.since,
		Interface: s.ifname,
		LinkGen:   s.linkGen.Load(),
		LastError: s.lastError,
		Metrics:   s.metrics.Snapshot(),
	}
	if s.addr != nil {
		info.Addr = s.addr.String()
	}
	if dc, ok := s.transport.(dropCounter); ok {
		info.RxDropped = dc.Dropped()
	}

	return info
}

package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jaracil/pppmodem/logger"
)

const (
	DefaultPPPDPath = "pppd"
	DefaultMTU      = 1500
	// DefaultSettle is how long the adapter waits after the remote address
	// notice for the DNS notices that follow it.
	DefaultSettle = 200 * time.Millisecond
	// DefaultKillGrace is how long Free waits after Close before killing pppd.
	DefaultKillGrace = 5 * time.Second

	outputBufSize = 1500
	// inputQueueSize bounds transport writes waiting for the pty. Beyond it
	// Input drops frames and counts them.
	inputQueueSize = 64
)

// DefaultPPPDOptions are passed to pppd before the configured options.
var DefaultPPPDOptions = []string{
	"nodetach", "noauth", "local", "nocrtscts", "noipdefault",
	"usepeerdns", "maxfail", "1", "lcp-echo-interval", "30", "lcp-echo-failure", "4",
}

// PPPD builds adapters that run pppd on a raw pseudo-terminal and bridge
// the pty master to the session's transport.
type PPPD struct {
	// Path of the pppd binary.
	Path string
	// Options appended after DefaultPPPDOptions.
	Options []string
	// MTU requested from pppd. 0 means DefaultMTU.
	MTU int
	// Settle after the remote address notice. 0 means DefaultSettle.
	Settle time.Duration
	// KillGrace before SIGKILL. 0 means DefaultKillGrace.
	KillGrace time.Duration
	Logger    logger.Logger
}

// New implements Factory. It allocates the pty; pppd starts on Connect.
func (f *PPPD) New(h Handle, cb Callbacks) (Adapter, error) {
	if cb.Output == nil || cb.Status == nil {
		return nil, fmt.Errorf("link: %s: output and status callbacks are required", h)
	}

	tty, err := openRawPty()
	if err != nil {
		return nil, fmt.Errorf("link: %s: allocate pty: %w", h, err)
	}

	a := &pppdAdapter{
		cfg:    *f,
		handle: h,
		cb:     cb,
		tty:    tty,
		input:  make(chan []byte, inputQueueSize),
		exited: make(chan struct{}),
	}
	if a.cfg.Path == "" {
		a.cfg.Path = DefaultPPPDPath
	}
	if a.cfg.MTU <= 0 {
		a.cfg.MTU = DefaultMTU
	}
	if a.cfg.Settle <= 0 {
		a.cfg.Settle = DefaultSettle
	}
	if a.cfg.KillGrace <= 0 {
		a.cfg.KillGrace = DefaultKillGrace
	}
	if a.cfg.Logger == nil {
		a.cfg.Logger = logger.GetLogger()
	}
	a.log = a.cfg.Logger.With("link", h.String())
	a.phase.Store(int32(PhaseDead))

	return a, nil
}

type pppdAdapter struct {
	cfg    PPPD
	handle Handle
	cb     Callbacks
	log    logger.Logger
	tty    *rawPty

	phase        atomic.Int32
	input        chan []byte
	inputDropped atomic.Uint64

	mu       sync.Mutex
	cmd      *exec.Cmd
	info     Info
	closedAt time.Time
	settle   *time.Timer
	freed    bool

	exited chan struct{}
}

func (a *pppdAdapter) args() []string {
	args := []string{a.tty.Name()}
	args = append(args, DefaultPPPDOptions...)
	args = append(args, "mtu", strconv.Itoa(a.cfg.MTU), "mru", strconv.Itoa(a.cfg.MTU))
	return append(args, a.cfg.Options...)
}

// Connect starts pppd on the pty slave.
func (a *pppdAdapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freed {
		return ErrNotConnected
	}
	if a.cmd != nil {
		return ErrAlreadyConnected
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("link: notice pipe: %w", err)
	}

	cmd := exec.Command(a.cfg.Path, a.args()...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("link: start %s: %w", a.cfg.Path, err)
	}
	_ = pw.Close()

	a.cmd = cmd
	a.info = Info{MTU: a.cfg.MTU}
	a.phase.Store(int32(PhaseEstablish))
	a.log.Info("pppd started", "pid", cmd.Process.Pid, "tty", a.tty.Name())

	go a.outputTask()
	go a.inputTask()
	go a.noticeTask(pr)
	go a.waitTask()

	return nil
}

// Input queues transport bytes for the pty. It never blocks: while pppd is
// not reading, the queue fills up and further input is dropped.
func (a *pppdAdapter) Input(b []byte) {
	if Phase(a.phase.Load()) == PhaseDead {
		return
	}
	select {
	case a.input <- append([]byte(nil), b...):
	default:
		if a.inputDropped.Add(uint64(len(b))) == uint64(len(b)) {
			a.log.Warn("pty input queue full, dropping", "bytes", len(b))
		}
	}
}

// InputDropped returns how many input bytes were dropped on a full queue.
func (a *pppdAdapter) InputDropped() uint64 { return a.inputDropped.Load() }

func (a *pppdAdapter) inputTask() {
	for {
		select {
		case b := <-a.input:
			if _, err := a.tty.Write(b); err != nil {
				a.log.Debug("pty write failed", "error", err)
			}
		case <-a.exited:
			return
		}
	}
}

// Close asks pppd to terminate.
func (a *pppdAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil || Phase(a.phase.Load()) == PhaseDead {
		return nil
	}
	if a.closedAt.IsZero() {
		a.closedAt = time.Now()
		a.phase.Store(int32(PhaseTerminate))
		a.log.Info("stopping pppd", "pid", a.cmd.Process.Pid)
		if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("link: signal pppd: %w", err)
		}
	}

	return nil
}

// Free releases the pty once pppd has exited.
func (a *pppdAdapter) Free() error {
	a.mu.Lock()
	cmd := a.cmd
	closedAt := a.closedAt
	a.mu.Unlock()

	if cmd != nil {
		select {
		case <-a.exited:
		default:
			if closedAt.IsZero() {
				if err := a.Close(); err != nil {
					return err
				}
			} else if time.Since(closedAt) >= a.cfg.KillGrace {
				a.log.Warn("killing pppd", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
			}
			return ErrLinkBusy
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freed {
		return nil
	}
	a.freed = true
	if a.settle != nil {
		a.settle.Stop()
	}

	return a.tty.Close()
}

func (a *pppdAdapter) Phase() Phase {
	return Phase(a.phase.Load())
}

func (a *pppdAdapter) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneInfo(a.info)
}

func (a *pppdAdapter) outputTask() {
	buf := make([]byte, outputBufSize)
	for {
		n, err := a.tty.Read(buf)
		if n > 0 {
			a.cb.Output(a.handle, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				a.log.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

func (a *pppdAdapter) noticeTask(r io.ReadCloser) {
	defer r.Close()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.log.Debug("pppd", "msg", line)
		a.notice(line)
	}
}

// notice folds one pppd log line into the link info.
func (a *pppdAdapter) notice(line string) {
	key, value, ok := parseNotice(line)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch key {
	case "interface":
		a.info.Interface = value
	case "local":
		a.info.Local = net.ParseIP(value)
	case "remote":
		a.info.Remote = net.ParseIP(value)
		a.info.Netmask = net.CIDRMask(32, 32)
		if a.settle == nil {
			a.settle = time.AfterFunc(a.cfg.Settle, a.linkUp)
		}
	case "dns":
		if ip := net.ParseIP(value); ip != nil && len(a.info.DNS) < 2 {
			a.info.DNS = append(a.info.DNS, ip)
		}
	}
}

func (a *pppdAdapter) linkUp() {
	if !a.phase.CompareAndSwap(int32(PhaseEstablish), int32(PhaseRunning)) {
		return
	}
	info := a.Info()
	a.log.Info("link up", "ifname", info.Interface, "local", info.Local, "remote", info.Remote, "dns", info.DNS)
	a.cb.Status(a.handle, StatusNone, info)
}

func (a *pppdAdapter) waitTask() {
	err := a.cmd.Wait()
	code := exitCode(a.cmd.ProcessState, err)

	a.mu.Lock()
	if a.settle != nil {
		a.settle.Stop()
	}
	closing := !a.closedAt.IsZero()
	a.mu.Unlock()

	a.phase.Store(int32(PhaseDead))
	close(a.exited)

	st := StatusFromExitCode(code)
	if code < 0 && closing {
		st = StatusUserAbort
	}
	a.log.Info("pppd exited", "code", code, "status", st)
	a.cb.Status(a.handle, st, a.Info())
}

func exitCode(ps *os.ProcessState, err error) int {
	if ps != nil {
		return ps.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// parseNotice recognizes the pppd notices that describe the network layer:
//
//	Using interface ppp0
//	local  IP address 10.1.2.3
//	remote IP address 10.64.64.64
//	primary   DNS address 8.8.8.8
//	secondary DNS address 8.8.4.4
func parseNotice(line string) (key, value string, ok bool) {
	f := strings.Fields(line)
	switch {
	case len(f) == 3 && f[0] == "Using" && f[1] == "interface":
		return "interface", f[2], true
	case len(f) == 4 && f[1] == "IP" && f[2] == "address" && (f[0] == "local" || f[0] == "remote"):
		return f[0], f[3], true
	case len(f) == 4 && f[1] == "DNS" && f[2] == "address" && (f[0] == "primary" || f[0] == "secondary"):
		return "dns", f[3], true
	}
	return "", "", false
}

// StatusFromExitCode maps a pppd exit status to a link status.
func StatusFromExitCode(code int) Status {
	switch code {
	case 0, 8, 14, 16:
		return StatusConnectionLost
	case 1, 9, 18:
		return StatusDeviceError
	case 2:
		return StatusInvalidParam
	case 3, 4, 6, 7:
		return StatusOpenFailure
	case 5:
		return StatusUserAbort
	case 10:
		return StatusProtocolFailure
	case 11, 19:
		return StatusAuthFailure
	case 12:
		return StatusIdleTimeout
	case 13:
		return StatusMaxTimeReached
	case 15:
		return StatusPeerDead
	case 17:
		return StatusLoopbackDetected
	default:
		return StatusProtocolFailure
	}
}

func cloneInfo(in Info) Info {
	out := in
	out.Local = append(net.IP(nil), in.Local...)
	out.Remote = append(net.IP(nil), in.Remote...)
	out.Netmask = append(net.IPMask(nil), in.Netmask...)
	out.DNS = make([]net.IP, 0, len(in.DNS))
	for _, ip := range in.DNS {
		out.DNS = append(out.DNS, append(net.IP(nil), ip...))
	}
	return out
}

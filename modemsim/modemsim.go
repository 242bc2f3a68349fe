// Package modemsim simulates a cellular data modem on a byte stream. It
// answers the AT commands a dialer sends (echo and result code control,
// S registers, PDP context definition, module reset) and, after a packet
// data dial, bridges the stream to a peer connection until either side
// hangs up.
//
// The Modem is a state machine: Idle, Dialing, Online, OnlineCmd,
// Resetting and Closed. It is safe for concurrent use. Methods without the
// Sync suffix require the caller to hold the modem lock.
//
// Example:
//
//	m, err := modemsim.New(&modemsim.Config{
//		ID:  "sim0",
//		TTY: tty,
//		Dial: func(m *modemsim.Modem, number string) (io.ReadWriteCloser, error) {
//			return net.Dial("tcp", "127.0.0.1:2000")
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.CloseSync()
package modemsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaracil/pppmodem/logger"
)

var (
	// ErrConfigRequired is returned when the config or its TTY is missing.
	ErrConfigRequired = errors.New("modemsim: config required")
	// ErrInvalidStateTransition is raised (as a panic) on transitions the
	// state machine does not allow.
	ErrInvalidStateTransition = errors.New("modemsim: invalid state transition")
)

const (
	DefaultConnectStr = "CONNECT 150000000"
	DefaultReadyStr   = "RDY"
	DefaultModel      = "M6312"
	DefaultResetTime  = time.Second
	// DefaultSignal is reported by +CSQ.
	DefaultSignal = 20

	maxLineLen = 128
	// guard time unit of S12
	guardUnit = 20 * time.Millisecond
)

// Status is the state of the modem.
type Status int

const (
	// StatusIdle accepts commands.
	StatusIdle Status = iota
	// StatusDialing waits for the peer connection.
	StatusDialing
	// StatusOnline passes bytes between the TTY and the peer.
	StatusOnline
	// StatusOnlineCmd accepts commands while the peer connection is held.
	StatusOnlineCmd
	// StatusResetting ignores input until the module has rebooted.
	StatusResetting
	// StatusClosed is terminal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusDialing:
		return "Dialing"
	case StatusOnline:
		return "Online"
	case StatusOnlineCmd:
		return "OnlineCmd"
	case StatusResetting:
		return "Resetting"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RetCode is the result of a command line.
type RetCode int

const (
	RetCodeOk RetCode = iota
	RetCodeError
	// RetCodeSilent prints nothing.
	RetCodeSilent
	RetCodeConnect
	RetCodeNoCarrier
	RetCodeNoDialtone
	RetCodeBusy
	RetCodeNoAnswer
	// RetCodeSkip, returned by a line hook, runs the built-in handling.
	RetCodeSkip
	RetCodeUnknown
)

// RetCodeFromString converts a result name ("OK", "NO CARRIER", "SKIP" ...)
// to a RetCode, ignoring case.
func RetCodeFromString(s string) RetCode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK":
		return RetCodeOk
	case "ERROR":
		return RetCodeError
	case "CONNECT":
		return RetCodeConnect
	case "NO CARRIER":
		return RetCodeNoCarrier
	case "NO DIALTONE":
		return RetCodeNoDialtone
	case "BUSY":
		return RetCodeBusy
	case "NO ANSWER":
		return RetCodeNoAnswer
	case "SILENT":
		return RetCodeSilent
	case "SKIP":
		return RetCodeSkip
	default:
		return RetCodeUnknown
	}
}

// StatusTransition is called, with the lock held, on every state change.
type StatusTransition func(m *Modem, prev, next Status)

// DialFunc connects a packet data call. number is the dial string without
// the D prefix.
type DialFunc func(m *Modem, number string) (io.ReadWriteCloser, error)

// LineHook sees every command line (without the AT prefix) before the
// built-in handling. Returning RetCodeSkip runs the built-in handling.
type LineHook func(m *Modem, line string) RetCode

// Config configures a Modem. ID and TTY are required.
type Config struct {
	ID  string
	TTY io.ReadWriteCloser
	// Dial is called for packet data dials. Nil answers NO CARRIER.
	Dial             DialFunc
	LineHook         LineHook
	StatusTransition StatusTransition
	ConnectStr       string
	// ReadyStr is printed when a reset completes.
	ReadyStr string
	Model    string
	// ResetTime is how long +CMRESET keeps the modem deaf.
	ResetTime time.Duration
	// GuardTime is the +++ escape guard in 20ms units (S12). 0 disables the escape.
	GuardTime int
	Logger    logger.Logger
}

// PDPContext is one +CGDCONT entry.
type PDPContext struct {
	CID  int
	Type string
	APN  string
}

// Metrics are cumulative since the modem was created.
type Metrics struct {
	Status        Status
	TtyTxBytes    int
	TtyRxBytes    int
	ConnTxBytes   int
	ConnRxBytes   int
	NumConns      int
	NumResets     int
	LastTtyTxTime time.Time
	LastTtyRxTime time.Time
	LastAtCmdTime time.Time
	LastConnTime  time.Time
}

// Modem is a simulated cellular modem.
type Modem struct {
	sync.Mutex
	st               Status
	stCtx            context.Context
	stCtxCancel      context.CancelFunc
	id               string
	tty              io.ReadWriteCloser
	conn             io.ReadWriteCloser
	connCancel       context.CancelFunc
	dial             DialFunc
	lineHook         LineHook
	statusTransition StatusTransition
	connectStr       string
	readyStr         string
	model            string
	resetTime        time.Duration
	guardTime        byte
	sregs            map[byte]byte
	echo             bool
	shortForm        bool
	quietMode        bool
	contexts         map[int]PDPContext
	signal           int
	plusCnt          int
	lastPlus         time.Time
	log              logger.Logger
	metrics          *Metrics
}

// New creates a modem in StatusIdle and starts reading the TTY.
func New(config *Config) (*Modem, error) {
	if config == nil || config.TTY == nil {
		return nil, ErrConfigRequired
	}

	m := &Modem{
		st:               StatusIdle,
		id:               config.ID,
		tty:              config.TTY,
		dial:             config.Dial,
		lineHook:         config.LineHook,
		statusTransition: config.StatusTransition,
		connectStr:       config.ConnectStr,
		readyStr:         config.ReadyStr,
		model:            config.Model,
		resetTime:        config.ResetTime,
		guardTime:        byte(config.GuardTime),
		signal:           DefaultSignal,
		log:              config.Logger,
		metrics:          &Metrics{},
	}
	if m.connectStr == "" {
		m.connectStr = DefaultConnectStr
	}
	if m.readyStr == "" {
		m.readyStr = DefaultReadyStr
	}
	if m.model == "" {
		m.model = DefaultModel
	}
	if m.resetTime <= 0 {
		m.resetTime = DefaultResetTime
	}
	if m.log == nil {
		m.log = logger.GetLogger()
	}
	m.log = m.log.With("modem", m.id)
	m.factoryDefaults()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())

	go m.ttyReadTask()
	return m, nil
}

func (m *Modem) factoryDefaults() {
	m.sregs = map[byte]byte{12: m.guardTime}
	m.echo = true
	m.shortForm = false
	m.quietMode = false
	m.contexts = map[int]PDPContext{}
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		panic("modemsim: lock not held")
	}
}

// ID returns the modem id.
func (m *Modem) ID() string { return m.id }

func (m *Modem) ttyWrite(b []byte) {
	m.metrics.LastTtyTxTime = time.Now()
	n, err := m.tty.Write(b)
	if err != nil || n == 0 {
		m.setStatus(StatusClosed)
		return
	}
	m.metrics.TtyTxBytes += n
}

func (m *Modem) ttyWriteStr(s string) {
	m.ttyWrite([]byte(s))
}

// TtyWriteStr writes s to the TTY. Use it to inject unsolicited result codes.
func (m *Modem) TtyWriteStr(s string) {
	m.checkLock()
	m.ttyWriteStr(s)
}

// TtyWriteStrSync is TtyWriteStr taking the lock.
func (m *Modem) TtyWriteStrSync(s string) {
	m.Lock()
	defer m.Unlock()
	m.ttyWriteStr(s)
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

// info writes an information response line.
func (m *Modem) info(s string) {
	m.ttyWriteStr(m.cr() + s + m.cr())
}

func (m *Modem) printRetCode(ret RetCode) {
	var s string
	switch ret {
	case RetCodeOk:
		s = "OK"
	case RetCodeError:
		s = "ERROR"
	case RetCodeConnect:
		s = m.connectStr
	case RetCodeNoCarrier:
		s = "NO CARRIER"
	case RetCodeNoDialtone:
		s = "NO DIALTONE"
	case RetCodeBusy:
		s = "BUSY"
	case RetCodeNoAnswer:
		s = "NO ANSWER"
	default:
		return
	}
	if m.shortForm {
		s = strconv.Itoa(shortCode(ret))
	}
	if !m.quietMode {
		// Written directly, a failure here must not re-enter setStatus.
		_, _ = m.tty.Write([]byte(m.cr() + s + m.cr()))
	}
}

func shortCode(ret RetCode) int {
	switch ret {
	case RetCodeConnect:
		return 1
	case RetCodeNoCarrier:
		return 3
	case RetCodeError:
		return 4
	case RetCodeNoDialtone:
		return 6
	case RetCodeBusy:
		return 7
	case RetCodeNoAnswer:
		return 8
	default:
		return 0
	}
}

// SetStatus forces a state change.
func (m *Modem) SetStatus(status Status) {
	m.checkLock()
	m.setStatus(status)
}

// SetStatusSync is SetStatus taking the lock.
func (m *Modem) SetStatusSync(status Status) {
	m.Lock()
	defer m.Unlock()
	m.setStatus(status)
}

func (m *Modem) setStatus(status Status) {
	prev := m.st
	if prev == status {
		return
	}
	if prev == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = status
	m.plusCnt = 0

	switch status {
	case StatusIdle:
		if prev == StatusOnline || prev == StatusOnlineCmd || prev == StatusDialing {
			m.printRetCode(RetCodeNoCarrier)
		}
		m.hangup()
	case StatusDialing:
		if prev != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
	case StatusOnline:
		if prev != StatusDialing && prev != StatusOnlineCmd {
			panic(ErrInvalidStateTransition)
		}
		if prev == StatusDialing {
			m.metrics.NumConns++
			m.metrics.LastConnTime = time.Now()
			m.printRetCode(RetCodeConnect)
		}
	case StatusOnlineCmd:
		if prev != StatusOnline {
			panic(ErrInvalidStateTransition)
		}
		m.printRetCode(RetCodeOk)
	case StatusResetting:
		m.hangup()
		m.metrics.NumResets++
		go m.resetTask(m.stCtx)
	case StatusClosed:
		m.hangup()
		m.tty.Close()
	}

	m.log.Debug("modem status", "prev", prev.String(), "next", status.String())
	if m.statusTransition != nil {
		m.statusTransition(m, prev, status)
	}
}

func (m *Modem) hangup() {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Status returns the current state.
func (m *Modem) Status() Status {
	m.checkLock()
	return m.st
}

// StatusSync is Status taking the lock.
func (m *Modem) StatusSync() Status {
	m.Lock()
	defer m.Unlock()
	return m.st
}

// Close closes the TTY and any peer connection. The modem cannot be reused.
func (m *Modem) Close() {
	m.checkLock()
	m.setStatus(StatusClosed)
}

// CloseSync is Close taking the lock.
func (m *Modem) CloseSync() {
	m.Lock()
	defer m.Unlock()
	m.setStatus(StatusClosed)
}

// Reset simulates a power cycle: the call is dropped, settings return to
// factory defaults and the ready string is printed after the reset time.
func (m *Modem) Reset() {
	m.checkLock()
	m.setStatus(StatusResetting)
}

// ResetSync is Reset taking the lock.
func (m *Modem) ResetSync() {
	m.Lock()
	defer m.Unlock()
	m.setStatus(StatusResetting)
}

// SetSignal sets the quality reported by +CSQ (0..31, 99 unknown).
func (m *Modem) SetSignal(q int) {
	m.checkLock()
	m.signal = q
}

// SetSignalSync is SetSignal taking the lock.
func (m *Modem) SetSignalSync(q int) {
	m.Lock()
	defer m.Unlock()
	m.signal = q
}

// Contexts returns the defined PDP contexts ordered by cid.
func (m *Modem) Contexts() []PDPContext {
	m.checkLock()
	out := make([]PDPContext, 0, len(m.contexts))
	for cid := 1; len(out) < len(m.contexts); cid++ {
		if c, ok := m.contexts[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ContextsSync is Contexts taking the lock.
func (m *Modem) ContextsSync() []PDPContext {
	m.Lock()
	defer m.Unlock()
	return m.Contexts()
}

// Metrics returns a copy of the counters.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	c := *m.metrics
	c.Status = m.st
	return &c
}

// MetricsSync is Metrics taking the lock.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

func (m *Modem) resetTask(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.resetTime):
	}

	m.Lock()
	defer m.Unlock()
	if ctx.Err() != nil {
		return
	}
	m.factoryDefaults()
	m.setStatus(StatusIdle)
	m.ttyWriteStr("\r\n" + m.readyStr + "\r\n")
}

// onlineTask copies the peer to the TTY for the life of one connection.
// Peer data arriving in command mode is dropped.
func (m *Modem) onlineTask(ctx context.Context, conn io.ReadWriteCloser) {
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		m.Lock()
		if ctx.Err() != nil {
			m.Unlock()
			return
		}
		m.metrics.ConnRxBytes += n
		if n > 0 && m.st == StatusOnline {
			m.ttyWrite(buf[:n])
		}
		if err != nil && m.st != StatusClosed {
			m.log.Debug("peer hung up", "error", err)
			m.setStatus(StatusIdle)
		}
		m.Unlock()
		if err != nil {
			return
		}
	}
}

func (m *Modem) dialTask(ctx context.Context, number string) {
	conn, err := m.dial(m, number)

	m.Lock()
	defer m.Unlock()
	if ctx.Err() != nil {
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Debug("dial failed", "number", number, "error", err)
		m.setStatus(StatusIdle)
		return
	}
	connCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.connCancel = cancel
	m.setStatus(StatusOnline)
	go m.onlineTask(connCtx, conn)
}

// dialNumber accepts *99#, *99***<cid># and ATD*99***<cid>#-style variants.
var dialNumber = regexp.MustCompile(`^\*99(?:\*{3}(\d+))?#$`)

func (m *Modem) startDial(number string) RetCode {
	if m.st != StatusIdle {
		return RetCodeError
	}
	match := dialNumber.FindStringSubmatch(number)
	if match == nil {
		// voice and CSD calls are not supported
		return RetCodeNoCarrier
	}
	cid := 1
	if match[1] != "" {
		cid, _ = strconv.Atoi(match[1])
	}
	if c, ok := m.contexts[cid]; !ok || c.APN == "" {
		return RetCodeNoCarrier
	}
	if m.dial == nil {
		return RetCodeNoCarrier
	}

	m.setStatus(StatusDialing)
	go m.dialTask(m.stCtx, number)
	return RetCodeSilent
}

// ProcessAtCommand runs a command line (without the AT prefix).
func (m *Modem) ProcessAtCommand(cmd string) RetCode {
	m.checkLock()
	return m.processAtCommand(cmd)
}

// ProcessAtCommandSync is ProcessAtCommand taking the lock.
func (m *Modem) ProcessAtCommandSync(cmd string) RetCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(cmd)
}

func (m *Modem) processAtCommand(cmd string) RetCode {
	if m.st != StatusIdle && m.st != StatusOnlineCmd {
		return RetCodeError
	}
	m.metrics.LastAtCmdTime = time.Now()
	if m.lineHook != nil {
		if r := m.lineHook(m, cmd); r != RetCodeSkip {
			return r
		}
	}

	ret := RetCodeOk
	rest := cmd
	for rest != "" {
		var c command
		var err error
		c, rest, err = nextCommand(rest)
		if err != nil {
			return RetCodeError
		}
		ret = m.processCommand(c)
		if ret != RetCodeOk {
			break
		}
	}
	return ret
}

// command is one element of a command line: a basic command (E1, S0=2,
// &F) or an extended one (+CGDCONT=1,"IP","apn"), which ends the line.
type command struct {
	name   string
	num    string
	assign bool
	query  bool
	value  string
}

func isLetter(b byte) bool { return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') }
func isDigit(b byte) bool  { return b >= '0' && b <= '9' }

func nextCommand(s string) (command, string, error) {
	var c command
	i := 0
	switch {
	case s[0] == '+' || s[0] == '#':
		i = 1
		for i < len(s) && isLetter(s[i]) {
			i++
		}
		if i == 1 {
			return c, "", errors.New("empty extended command")
		}
		c.name = strings.ToUpper(s[:i])
		switch rest := s[i:]; {
		case rest == "?":
			c.query = true
		case rest == "=?":
			c.query, c.assign = true, true
		case strings.HasPrefix(rest, "="):
			c.assign, c.value = true, rest[1:]
		case rest != "":
			return c, "", fmt.Errorf("trailing %q", rest)
		}
		return c, "", nil
	case s[0] == '&' || s[0] == '%':
		if len(s) < 2 || !isLetter(s[1]) {
			return c, "", errors.New("bad prefixed command")
		}
		c.name = strings.ToUpper(s[:2])
		i = 2
	case isLetter(s[0]):
		c.name = strings.ToUpper(s[:1])
		i = 1
		if c.name == "D" {
			c.assign, c.value = true, strings.TrimSpace(s[1:])
			return c, "", nil
		}
	default:
		return c, "", fmt.Errorf("unexpected %q", s[0])
	}

	for i < len(s) && isDigit(s[i]) {
		i++
	}
	c.num = s[len(c.name):i]
	if i < len(s) && s[i] == '?' {
		c.query = true
		i++
	} else if i < len(s) && s[i] == '=' {
		c.assign = true
		i++
		j := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		c.value = s[j:i]
	}
	return c, s[i:], nil
}

func (m *Modem) processCommand(c command) RetCode {
	switch c.name {
	case "E":
		return setFlag(c.num, &m.echo)
	case "V":
		var verbose bool
		r := setFlag(c.num, &verbose)
		if r == RetCodeOk {
			m.shortForm = !verbose
		}
		return r
	case "Q":
		return setFlag(c.num, &m.quietMode)
	case "S":
		return m.sreg(c)
	case "&F", "Z":
		if m.st == StatusOnlineCmd {
			m.setStatus(StatusIdle)
		}
		m.factoryDefaults()
		return RetCodeOk
	case "H":
		if m.st == StatusOnlineCmd {
			m.setStatus(StatusIdle)
			return RetCodeSilent
		}
		return RetCodeOk
	case "O":
		if m.st != StatusOnlineCmd {
			return RetCodeError
		}
		m.setStatus(StatusOnline)
		m.printRetCode(RetCodeConnect)
		return RetCodeSilent
	case "I":
		m.info(m.model)
		return RetCodeOk
	case "D":
		number := strings.ToUpper(c.value)
		if number != "" && (number[0] == 'T' || number[0] == 'P') {
			number = strings.TrimSpace(number[1:])
		}
		return m.startDial(number)
	case "+CGMM":
		m.info(m.model)
		return RetCodeOk
	case "+CSQ":
		m.info(fmt.Sprintf("+CSQ: %d,99", m.signal))
		return RetCodeOk
	case "+CREG":
		if c.query && !c.assign {
			stat := 1
			if m.signal == 0 || m.signal == 99 {
				stat = 2
			}
			m.info(fmt.Sprintf("+CREG: 0,%d", stat))
		}
		return RetCodeOk
	case "+CGDCONT":
		return m.cgdcont(c)
	case "+CMRESET":
		if m.st != StatusIdle {
			return RetCodeError
		}
		m.printRetCode(RetCodeOk)
		m.setStatus(StatusResetting)
		return RetCodeSilent
	}

	if strings.HasPrefix(c.name, "+") || strings.HasPrefix(c.name, "#") {
		return RetCodeError
	}
	// unsupported basic commands are accepted
	return RetCodeOk
}

func setFlag(num string, flag *bool) RetCode {
	switch num {
	case "", "0":
		*flag = false
	case "1":
		*flag = true
	default:
		return RetCodeError
	}
	return RetCodeOk
}

func (m *Modem) sreg(c command) RetCode {
	r, err := strconv.Atoi(c.num)
	if err != nil || r < 0 || r > 255 {
		return RetCodeError
	}
	switch {
	case c.assign:
		v, err := strconv.Atoi(c.value)
		if err != nil || v < 0 || v > 255 {
			return RetCodeError
		}
		m.sregs[byte(r)] = byte(v)
	case c.query:
		m.info(fmt.Sprintf("%03d", m.sregs[byte(r)]))
	}
	return RetCodeOk
}

func (m *Modem) cgdcont(c command) RetCode {
	switch {
	case c.query && c.assign:
		m.info(`+CGDCONT: (1-15),"IP",,,(0),(0)`)
		return RetCodeOk
	case c.query:
		for _, pdp := range m.Contexts() {
			m.info(fmt.Sprintf(`+CGDCONT: %d,"%s","%s","0.0.0.0",0,0`, pdp.CID, pdp.Type, pdp.APN))
		}
		return RetCodeOk
	case !c.assign:
		return RetCodeError
	}

	fields := strings.Split(c.value, ",")
	cid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || cid < 1 || cid > 15 {
		return RetCodeError
	}
	if len(fields) == 1 {
		delete(m.contexts, cid)
		return RetCodeOk
	}
	pdp := PDPContext{CID: cid, Type: strings.Trim(strings.TrimSpace(fields[1]), `"`)}
	if pdp.Type != "IP" && pdp.Type != "IPV6" && pdp.Type != "IPV4V6" {
		return RetCodeError
	}
	if len(fields) > 2 {
		pdp.APN = strings.Trim(strings.TrimSpace(fields[2]), `"`)
	}
	m.contexts[cid] = pdp
	return RetCodeOk
}

// escape counts the +++ sequence while online. It returns true when the
// third plus arrives within the guard time (S12) of the previous one.
// S12=0 disables the escape.
func (m *Modem) escape(b byte) bool {
	guard := time.Duration(m.sregs[12]) * guardUnit
	if b != '+' || guard == 0 {
		m.plusCnt = 0
		return false
	}
	if m.plusCnt > 0 && time.Since(m.lastPlus) > guard {
		m.plusCnt = 0
	}
	m.plusCnt++
	m.lastPlus = time.Now()
	return m.plusCnt == 3
}

func (m *Modem) ttyReadTask() {
	var line bytes.Buffer
	aFlag := false
	atFlag := false
	lastCmd := ""
	b := make([]byte, 1)

	m.Lock()
	for m.st != StatusClosed {
		m.Unlock()
		n, err := m.tty.Read(b)
		m.Lock()
		if m.st == StatusClosed {
			break
		}
		if err != nil || n == 0 {
			m.setStatus(StatusClosed)
			break
		}
		m.metrics.LastTtyRxTime = time.Now()
		m.metrics.TtyRxBytes += n

		switch m.st {
		case StatusResetting:
			continue
		case StatusOnline:
			m.metrics.ConnTxBytes += n
			if _, err := m.conn.Write(b); err != nil {
				m.setStatus(StatusIdle)
				continue
			}
			if m.escape(b[0]) {
				m.setStatus(StatusOnlineCmd)
			}
			continue
		case StatusDialing:
			// any character aborts the dial
			m.setStatus(StatusIdle)
			continue
		}

		if !atFlag {
			if m.echo {
				m.ttyWrite(b)
			}
			switch {
			case b[0] == 'A' || b[0] == 'a':
				aFlag = true
			case aFlag && b[0] == '/':
				aFlag = false
				m.printRetCode(m.processAtCommand(lastCmd))
			case aFlag && (b[0] == 'T' || b[0] == 't'):
				aFlag = false
				atFlag = true
			default:
				aFlag = false
			}
			continue
		}

		switch {
		case b[0] == 0x7f || b[0] == 0x08:
			if line.Len() > 0 {
				line.Truncate(line.Len() - 1)
				if m.echo {
					m.ttyWriteStr("\b \b")
				}
			}
		case b[0] == '\r':
			atFlag = false
			lastCmd = line.String()
			line.Reset()
			if m.echo {
				m.ttyWriteStr("\r")
			}
			m.printRetCode(m.processAtCommand(lastCmd))
		case line.Len() < maxLineLen && strconv.IsPrint(rune(b[0])):
			line.WriteByte(b[0])
			if m.echo {
				m.ttyWrite(b)
			}
		}
	}
	m.Unlock()
}

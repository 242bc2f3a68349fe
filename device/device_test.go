package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/chat"
	"github.com/jaracil/pppmodem/link"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/netdev"
)

// scriptedTransport answers each written command line from a table.
type scriptedTransport struct {
	mu      sync.Mutex
	pending []byte
	cmds    []string
	dtr     []bool
	notify  func()
	answers map[string]string
}

func newScriptedTransport(answers map[string]string) *scriptedTransport {
	return &scriptedTransport{answers: answers}
}

func (m *scriptedTransport) Name() string { return "ttySim" }

func (m *scriptedTransport) SetArrivalNotifier(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *scriptedTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *scriptedTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	cmd := strings.TrimSuffix(string(p), "\r")
	m.cmds = append(m.cmds, cmd)
	reply, ok := m.answers[cmd]
	if !ok && strings.HasPrefix(cmd, "AT") {
		reply = "OK"
	}
	if reply != "" {
		m.pending = append(m.pending, "\r\n"+reply+"\r\n"...)
	}
	fn := m.notify
	m.mu.Unlock()

	if reply != "" && fn != nil {
		fn()
	}
	return len(p), nil
}

func (m *scriptedTransport) Close() error { return nil }

func (m *scriptedTransport) SetDTR(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtr = append(m.dtr, on)
	return nil
}

func (m *scriptedTransport) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cmds...)
}

// plainTransport hides SetDTR.
type plainTransport struct{ *scriptedTransport }

func newSession(t *testing.T, tr pppmodem.Transport, prep pppmodem.Preparer) *pppmodem.Session {
	t.Helper()
	factory := link.FactoryFunc(func(link.Handle, link.Callbacks) (link.Adapter, error) {
		return nil, errors.New("unused")
	})
	s, err := pppmodem.NewSession(tr, prep, factory, netdev.NewRegistry(),
		pppmodem.WithLogger(logger.NewSlog(logger.ErrorLevel, false)))
	require.NoError(t, err)
	return s
}

func fastParams() Params {
	return Params{
		APN:         "cmnet",
		ResetDelay:  time.Millisecond,
		Settle:      time.Millisecond,
		ChatOptions: []chat.Option{chat.WithTimeUnit(20 * time.Millisecond)},
	}
}

func TestM6312Script(t *testing.T) {
	script := M6312Script("cmnet", "*99***1#")
	require.Len(t, script, 5)
	require.NoError(t, script.Validate())

	assert.Equal(t, "AT", script[0].Transmit)
	assert.Equal(t, 10, script[0].Retries)
	assert.Equal(t, `AT+CGDCONT=1,"IP","cmnet"`, script[3].Transmit)
	assert.Equal(t, 5, script[3].Timeout)
	assert.Equal(t, "ATD*99***1#", script[4].Transmit)
	assert.Equal(t, chat.RespConnect, script[4].Expect)
	assert.Equal(t, 30, script[4].Timeout)

	// the template is not modified
	assert.Equal(t, `AT+CGDCONT=1,"IP","%s"`, m6312Script[3].Transmit)
}

func TestGenericScript(t *testing.T) {
	script := GenericScript("", DefaultNumber)
	require.NoError(t, script.Validate())
	assert.Len(t, script, 4)
	assert.Equal(t, "ATD*99#", script[3].Transmit)

	script = GenericScript("internet", DefaultNumber)
	assert.Len(t, script, 5)
	assert.Equal(t, `AT+CGDCONT=1,"IP","internet"`, script[3].Transmit)
}

func TestNew(t *testing.T) {
	prep, err := New("M6312", Params{APN: "cmnet"})
	require.NoError(t, err)
	m := prep.(*M6312)
	assert.Equal(t, DefaultSettle, m.params.Settle)
	assert.Equal(t, DefaultResetDelay, m.params.ResetDelay)
	assert.Equal(t, "ATD*99#", m.Script()[4].Transmit)

	_, err = New("m6312", Params{})
	assert.ErrorIs(t, err, ErrAPNRequired)

	_, err = New("quectel-x", Params{})
	assert.ErrorIs(t, err, ErrUnknownModel)

	assert.Equal(t, []string{"generic", "m6312"}, Models())
}

func TestM6312_SoftResetAndDial(t *testing.T) {
	tr := newScriptedTransport(map[string]string{
		"AT+CMRESET": "OK",
		"ATD*99#":    "CONNECT 115200",
	})
	prep, err := NewM6312(fastParams())
	require.NoError(t, err)

	s := newSession(t, tr, prep)
	require.NoError(t, prep.Prepare(context.Background(), s))

	assert.Equal(t, []string{
		"",
		"AT+CMRESET",
		"AT",
		"ATE0V1",
		"ATS0=0",
		`AT+CGDCONT=1,"IP","cmnet"`,
		"ATD*99#",
	}, tr.commands())
}

func TestM6312_PowerCycleOverDTR(t *testing.T) {
	tr := newScriptedTransport(map[string]string{"ATD*99#": "CONNECT"})
	p := fastParams()
	p.Power = DTRPower{}
	prep, err := NewM6312(p)
	require.NoError(t, err)

	s := newSession(t, tr, prep)
	require.NoError(t, prep.Prepare(context.Background(), s))

	assert.Equal(t, []bool{false, true}, tr.dtr)
	assert.Equal(t, "AT", tr.commands()[0])
}

func TestM6312_DialFails(t *testing.T) {
	tr := newScriptedTransport(map[string]string{"ATD*99#": "NO CARRIER"})
	prep, err := NewM6312(fastParams())
	require.NoError(t, err)

	err = prep.Prepare(context.Background(), newSession(t, tr, prep))
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrRejected)
	assert.Contains(t, err.Error(), "step 4")
}

func TestM6312_CancelledDuringSettle(t *testing.T) {
	tr := newScriptedTransport(nil)
	p := fastParams()
	p.Settle = time.Hour
	prep, err := NewM6312(p)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = prep.Prepare(ctx, newSession(t, tr, prep))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGeneric_Prepare(t *testing.T) {
	tr := newScriptedTransport(map[string]string{"ATD*99#": "CONNECT"})
	prep, err := NewGeneric(Params{ChatOptions: []chat.Option{chat.WithTimeUnit(20 * time.Millisecond)}})
	require.NoError(t, err)

	require.NoError(t, prep.Prepare(context.Background(), newSession(t, tr, prep)))
	assert.Equal(t, []string{"AT", "ATZ", "ATE0V1", "ATD*99#"}, tr.commands())
}

func TestDTRPower(t *testing.T) {
	tr := newScriptedTransport(nil)

	require.NoError(t, DTRPower{Invert: true}.SetPower(tr, true))
	assert.Equal(t, []bool{false}, tr.dtr)

	err := DTRPower{}.SetPower(plainTransport{tr}, true)
	assert.ErrorIs(t, err, ErrNoDTR)
}

func TestGPIOPower(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o600))

	g := GPIOPower{Path: path}
	require.NoError(t, g.SetPower(nil, true))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))

	g.ActiveLow = true
	require.NoError(t, g.SetPower(nil, true))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))

	assert.Error(t, GPIOPower{Path: filepath.Join(t.TempDir(), "missing", "value")}.SetPower(nil, false))
}

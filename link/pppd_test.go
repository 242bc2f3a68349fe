//go:build linux

package link

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusReport struct {
	h    Handle
	st   Status
	info Info
}

type recorder struct {
	mu      sync.Mutex
	output  []byte
	reports chan statusReport
}

func newRecorder() *recorder {
	return &recorder{reports: make(chan statusReport, 8)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Output: func(_ Handle, b []byte) {
			r.mu.Lock()
			r.output = append(r.output, b...)
			r.mu.Unlock()
		},
		Status: func(h Handle, st Status, info Info) {
			r.reports <- statusReport{h: h, st: st, info: info}
		},
	}
}

func (r *recorder) written() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.output)
}

func (r *recorder) next(t *testing.T) statusReport {
	t.Helper()
	select {
	case rep := <-r.reports:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("no status report")
		return statusReport{}
	}
}

// fakePPPD writes a shell script standing in for pppd. $1 is the tty.
func fakePPPD(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pppd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		st       Status
		expected string
	}{
		{StatusNone, "None"},
		{StatusInvalidParam, "InvalidParam"},
		{StatusOpenFailure, "OpenFailure"},
		{StatusDeviceError, "DeviceError"},
		{StatusAllocFailure, "AllocFailure"},
		{StatusUserAbort, "UserAbort"},
		{StatusConnectionLost, "ConnectionLost"},
		{StatusAuthFailure, "AuthFailure"},
		{StatusProtocolFailure, "ProtocolFailure"},
		{StatusPeerDead, "PeerDead"},
		{StatusIdleTimeout, "IdleTimeout"},
		{StatusMaxTimeReached, "MaxTimeReached"},
		{StatusLoopbackDetected, "LoopbackDetected"},
		{Status(99), "Unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.st.String())
	}
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "Dead", PhaseDead.String())
	assert.Equal(t, "Running", PhaseRunning.String())
	assert.Equal(t, "Unknown", Phase(42).String())
}

func TestHandle_String(t *testing.T) {
	assert.Equal(t, "ttyUSB0#3", Handle{Session: "ttyUSB0", Gen: 3}.String())
}

func TestStatusFromExitCode(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{0, StatusConnectionLost},
		{1, StatusDeviceError},
		{2, StatusInvalidParam},
		{3, StatusOpenFailure},
		{5, StatusUserAbort},
		{8, StatusConnectionLost},
		{10, StatusProtocolFailure},
		{11, StatusAuthFailure},
		{12, StatusIdleTimeout},
		{13, StatusMaxTimeReached},
		{15, StatusPeerDead},
		{16, StatusConnectionLost},
		{17, StatusLoopbackDetected},
		{19, StatusAuthFailure},
		{-1, StatusProtocolFailure},
		{42, StatusProtocolFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFromExitCode(tt.code), "code %d", tt.code)
	}
}

func TestParseNotice(t *testing.T) {
	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{"Using interface ppp0", "interface", "ppp0", true},
		{"local  IP address 10.1.2.3", "local", "10.1.2.3", true},
		{"remote IP address 10.64.64.64", "remote", "10.64.64.64", true},
		{"primary   DNS address 8.8.8.8", "dns", "8.8.8.8", true},
		{"secondary DNS address 8.8.4.4", "dns", "8.8.4.4", true},
		{"Connect: ppp0 <--> /dev/pts/3", "", "", false},
		{"LCP terminated by peer", "", "", false},
	}

	for _, tt := range tests {
		key, value, ok := parseNotice(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.key, key, tt.line)
		assert.Equal(t, tt.value, value, tt.line)
	}
}

func TestPPPD_NewRequiresCallbacks(t *testing.T) {
	_, err := (&PPPD{}).New(Handle{Session: "s"}, Callbacks{})
	require.Error(t, err)
}

func TestPPPD_LinkUpThenConnectionLost(t *testing.T) {
	path := fakePPPD(t, `printf 'hello' > "$1"
echo "Using interface ppp0"
echo "local  IP address 10.1.2.3"
echo "remote IP address 10.64.64.64"
echo "primary   DNS address 8.8.8.8"
echo "secondary DNS address 8.8.4.4"
sleep 0.5
exit 16`)

	rec := newRecorder()
	h := Handle{Session: "ttyTest", Gen: 1}
	f := &PPPD{Path: path, Settle: 50 * time.Millisecond}
	a, err := f.New(h, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, PhaseDead, a.Phase())

	require.NoError(t, a.Connect())
	assert.ErrorIs(t, a.Connect(), ErrAlreadyConnected)

	up := rec.next(t)
	assert.Equal(t, h, up.h)
	assert.Equal(t, StatusNone, up.st)
	assert.Equal(t, "ppp0", up.info.Interface)
	assert.True(t, up.info.Local.Equal(net.ParseIP("10.1.2.3")))
	assert.True(t, up.info.Remote.Equal(net.ParseIP("10.64.64.64")))
	require.Len(t, up.info.DNS, 2)
	assert.True(t, up.info.DNS[1].Equal(net.ParseIP("8.8.4.4")))
	assert.Equal(t, DefaultMTU, up.info.MTU)
	assert.Equal(t, PhaseRunning, a.Phase())

	require.Eventually(t, func() bool { return rec.written() == "hello" }, 2*time.Second, 10*time.Millisecond)

	down := rec.next(t)
	assert.Equal(t, StatusConnectionLost, down.st)
	assert.Equal(t, PhaseDead, a.Phase())

	require.NoError(t, a.Close())
	require.NoError(t, a.Free())
	require.NoError(t, a.Free())
}

func TestPPPD_CloseAndFree(t *testing.T) {
	path := fakePPPD(t, `exec sleep 10`)

	rec := newRecorder()
	a, err := (&PPPD{Path: path}).New(Handle{Session: "s"}, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	assert.Equal(t, PhaseEstablish, a.Phase())

	require.NoError(t, a.Close())
	rep := rec.next(t)
	assert.Equal(t, StatusUserAbort, rep.st)

	require.Eventually(t, func() bool { return a.Free() == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestPPPD_FreeBusyThenKill(t *testing.T) {
	// Ignores SIGTERM, like a pppd stuck in teardown.
	path := fakePPPD(t, `trap '' TERM
while true; do sleep 0.1; done`)

	rec := newRecorder()
	a, err := (&PPPD{Path: path, KillGrace: 100 * time.Millisecond}).New(Handle{Session: "s"}, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Close())
	assert.Equal(t, PhaseTerminate, a.Phase())
	assert.ErrorIs(t, a.Free(), ErrLinkBusy)

	time.Sleep(150 * time.Millisecond)
	assert.ErrorIs(t, a.Free(), ErrLinkBusy)

	rec.next(t)
	require.Eventually(t, func() bool { return a.Free() == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhaseDead, a.Phase())
}

func TestPPPD_InputReachesTTY(t *testing.T) {
	path := fakePPPD(t, `exec sleep 10`)

	a, err := (&PPPD{Path: path}).New(Handle{Session: "s"}, newRecorder().callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	defer func() {
		_ = a.Close()
		require.Eventually(t, func() bool { return a.Free() == nil }, 2*time.Second, 10*time.Millisecond)
	}()

	a.Input([]byte{0x7e, 0xff, 0x03})

	buf := make([]byte, 3)
	n, err := a.(*pppdAdapter).tty.slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7e, 0xff, 0x03}, buf[:n])
}

func TestPPPD_InputNeverBlocks(t *testing.T) {
	// pppd that never reads its tty
	path := fakePPPD(t, `exec sleep 10`)

	a, err := (&PPPD{Path: path}).New(Handle{Session: "s"}, newRecorder().callbacks())
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	defer func() {
		_ = a.Close()
		require.Eventually(t, func() bool { return a.Free() == nil }, 2*time.Second, 10*time.Millisecond)
	}()

	frame := make([]byte, 1500)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 400; i++ {
			a.Input(frame)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Input blocked on a full pty")
	}
	assert.Positive(t, a.(*pppdAdapter).InputDropped())
}

func TestPPPD_ConnectMissingBinary(t *testing.T) {
	a, err := (&PPPD{Path: filepath.Join(t.TempDir(), "nope")}).New(Handle{Session: "s"}, newRecorder().callbacks())
	require.NoError(t, err)
	require.Error(t, a.Connect())
	require.NoError(t, a.Free())
}

package pppmodem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/serialport"
)

func quietLogger() logger.Logger {
	return logger.NewSlog(logger.ErrorLevel, false)
}

func TestAttach_OpenFailureLogged(t *testing.T) {
	log := logger.NewMockLogger()
	log.On("With", "port", "/dev/does-not-exist-pppmodem").Return(log)
	log.On("Error", "attach failed: cannot open port", mock.Anything).Return()

	reg := NewRegistry()
	Attach(context.Background(), AttachConfig{
		Port:     "/dev/does-not-exist-pppmodem",
		Preparer: readyPreparer,
		Factory:  newFakeFactory(),
		Bridge:   newRecordingBridge(),
		Registry: reg,
		Logger:   log,
	})

	log.AssertExpectations(t)
	assert.Empty(t, reg.List())
}

func TestAttach_BadConfigClosesTransport(t *testing.T) {
	tr := newMockTransport("ttyBad")
	reg := NewRegistry()

	Attach(context.Background(), AttachConfig{
		Port:     "ttyBad",
		Open:     func(string, serialport.Config) (Transport, error) { return tr, nil },
		Preparer: nil,
		Factory:  newFakeFactory(),
		Bridge:   newRecordingBridge(),
		Registry: reg,
		Logger:   quietLogger(),
	})

	assert.True(t, tr.isClosed())
	assert.Empty(t, reg.List())
}

func TestAttach_StartsSession(t *testing.T) {
	tr := newMockTransport("ttyOK")
	f := newFakeFactory()
	reg := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := AttachConfig{
		Port:     "ttyOK",
		Open:     func(string, serialport.Config) (Transport, error) { return tr, nil },
		Preparer: readyPreparer,
		Factory:  f,
		Bridge:   newRecordingBridge(),
		Registry: reg,
		Logger:   quietLogger(),
	}
	Attach(ctx, cfg)
	f.next(t)

	s, ok := reg.Lookup("ttyOK")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.State() == StateLinkMonitoring }, waitFor, time.Millisecond)

	// same id again is refused and its transport released
	tr2 := newMockTransport("ttyOK")
	cfg.Open = func(string, serialport.Config) (Transport, error) { return tr2, nil }
	Attach(ctx, cfg)
	assert.True(t, tr2.isClosed())
	assert.Len(t, reg.List(), 1)

	cancel()
	require.Eventually(t, func() bool { return s.State() == StateClosed }, waitFor, time.Millisecond)
	assert.True(t, tr.isClosed())
}

func TestRegistry_AddLookupRemove(t *testing.T) {
	reg := NewRegistry()
	b := newRecordingBridge()

	s1, err := NewSession(newMockTransport("b"), readyPreparer, newFakeFactory(), b)
	require.NoError(t, err)
	s2, err := NewSession(newMockTransport("a"), readyPreparer, newFakeFactory(), b)
	require.NoError(t, err)

	assert.True(t, reg.Add(s1))
	assert.True(t, reg.Add(s2))
	assert.False(t, reg.Add(s1))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID())

	got, ok := reg.Lookup("b")
	require.True(t, ok)
	assert.Same(t, s1, got)

	reg.Remove("b")
	_, ok = reg.Lookup("b")
	assert.False(t, ok)
}

func TestDefaultRegistry(t *testing.T) {
	s, err := NewSession(newMockTransport("default-registry-test"), readyPreparer, newFakeFactory(), newRecordingBridge())
	require.NoError(t, err)

	require.True(t, DefaultRegistry().Add(s))
	defer DefaultRegistry().Remove(s.ID())

	got, ok := Lookup("default-registry-test")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.NotEmpty(t, Sessions())
}

func TestSessionOptions(t *testing.T) {
	tests := []struct {
		name    string
		opt     SessionOption
		wantErr bool
	}{
		{"valid id", WithID("m1"), false},
		{"empty id", WithID(""), true},
		{"prepare backoff", WithPrepareBackoff(time.Second), false},
		{"zero prepare backoff", WithPrepareBackoff(0), true},
		{"negative free backoff", WithFreeBackoff(-time.Second), true},
		{"read chunk", WithReadChunk(48), false},
		{"read chunk too big", WithReadChunk(MaxReadChunk + 1), true},
		{"outbox", WithOutboxSize(0), true},
		{"nil logger", WithLogger(nil), true},
		{"nil events", WithEvents(nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSessionConfig("id", tt.opt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	opt := newSessionOptFunc("x", func(*sessionConfig) error { return nil })
	assert.ErrorIs(t, opt.apply(nil), ErrSessionConfigNil)

	cfg, err := newSessionConfig("id")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrepareBackoff, cfg.prepareBackoff)
	assert.Equal(t, DefaultFreeBackoff, cfg.freeBackoff)
	assert.Equal(t, DefaultReadChunk, cfg.readChunk)
}

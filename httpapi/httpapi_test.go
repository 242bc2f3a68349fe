package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/link"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/netdev"
	"github.com/jaracil/pppmodem/serialport"
)

type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

func newTestServer(t *testing.T) (*Server, *pppmodem.Registry, *netdev.Registry) {
	t.Helper()

	sessions := pppmodem.NewRegistry()
	ifaces := netdev.NewRegistry()

	for _, name := range []string{"ttyB", "ttyA"} {
		a, b := net.Pipe()
		tr := serialport.Wrap(name, a)
		t.Cleanup(func() {
			_ = tr.Close()
			_ = b.Close()
		})

		prep := pppmodem.PreparerFunc(func(ctx context.Context, _ *pppmodem.Session) error { return nil })
		factory := link.FactoryFunc(func(link.Handle, link.Callbacks) (link.Adapter, error) {
			return nil, errors.New("unused")
		})
		s, err := pppmodem.NewSession(tr, prep, factory, ifaces)
		require.NoError(t, err)
		require.True(t, sessions.Add(s))
	}

	_, err := ifaces.Publish(netdev.Record{
		Name:    "ppp0",
		Addr:    net.ParseIP("10.64.0.2"),
		Gateway: net.ParseIP("10.64.0.1"),
		DNS:     []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("8.8.4.4")},
		Default: true,
	})
	require.NoError(t, err)

	return New(sessions, ifaces, logger.NewSlog(logger.ErrorLevel, false)), sessions, ifaces
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestListSessions(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := get(t, s, "/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, env.Code)
	assert.Equal(t, "success", env.Msg)

	var infos []pppmodem.SessionInfo
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "ttyA", infos[0].ID)
	assert.Equal(t, "ttyB", infos[1].ID)
	assert.Equal(t, "Preparing", infos[0].State)
}

func TestGetSession(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := get(t, s, "/v1/sessions/ttyB")
	require.Equal(t, http.StatusOK, rec.Code)
	var info pppmodem.SessionInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "ttyB", info.Port)

	rec, env = get(t, s, "/v1/sessions/ttyZ")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.Code)
	assert.Equal(t, "session not found", env.Msg)
}

func TestInterfaces(t *testing.T) {
	s, _, ifaces := newTestServer(t)

	rec, env := get(t, s, "/v1/interfaces")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []InterfaceView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "ppp0", v.Name)
	assert.Equal(t, "10.64.0.2", v.Addr)
	assert.Equal(t, "10.64.0.1", v.Gateway)
	assert.Equal(t, "255.255.255.255", v.Netmask)
	assert.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, v.DNS)
	assert.Equal(t, netdev.DefaultMTU, v.MTU)
	assert.True(t, v.Default)
	assert.Contains(t, v.Flags, "up")

	rec, _ = get(t, s, "/v1/interfaces/ppp0")
	assert.Equal(t, http.StatusOK, rec.Code)

	iface, ok := ifaces.Lookup("ppp0")
	require.True(t, ok)
	require.True(t, ifaces.Unpublish(iface))
	rec, env = get(t, s, "/v1/interfaces/ppp0")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "interface not found", env.Msg)

	rec, env = get(t, s, "/v1/interfaces")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestPingValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/v1/interfaces/ppp0/ping", http.StatusBadRequest},
		{"/v1/interfaces/ppp0/ping?target=8.8.8.8&timeout=soon", http.StatusBadRequest},
		{"/v1/interfaces/ppp0/ping?target=8.8.8.8&timeout=1h", http.StatusBadRequest},
		{"/v1/interfaces/ppp9/ping?target=8.8.8.8", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, env := get(t, s, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestConnections(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := get(t, s, "/v1/interfaces/ppp0/connections")
	if rec.Code == http.StatusInternalServerError {
		t.Skip("no tcp table on this host")
	}
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(env.Data))

	rec, _ = get(t, s, "/v1/interfaces/ppp9/connections")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNoRoute(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := get(t, s, "/v2/anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", env.Msg)
}

func TestListenAndServe_Shutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	assert.NoError(t, <-done)
}

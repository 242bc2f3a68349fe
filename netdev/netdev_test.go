package netdev

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) Record {
	return Record{
		Name:    name,
		Addr:    net.ParseIP("10.1.2.3"),
		Gateway: net.ParseIP("10.64.64.64"),
		DNS:     []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("8.8.4.4"), net.ParseIP("1.1.1.1")},
		Default: true,
	}
}

func TestRegistry_PublishDefaults(t *testing.T) {
	r := NewRegistry()

	iface, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)

	rec := iface.Record()
	assert.Equal(t, "ppp0", iface.Name())
	assert.Equal(t, DefaultMTU, rec.MTU)
	assert.Equal(t, net.FlagUp|net.FlagPointToPoint, rec.Flags)
	assert.Equal(t, net.CIDRMask(32, 32), rec.Netmask)
	assert.Len(t, rec.DNS, MaxDNS)
	assert.False(t, iface.PublishedAt().IsZero())

	def, ok := r.Default()
	require.True(t, ok)
	assert.Same(t, iface, def)
}

func TestRegistry_PublishInvalid(t *testing.T) {
	r := NewRegistry()

	_, err := r.Publish(Record{Addr: net.ParseIP("10.0.0.1")})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = r.Publish(Record{Name: "ppp0"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	assert.Empty(t, r.List())
}

func TestRegistry_NoDoublePublish(t *testing.T) {
	r := NewRegistry()

	_, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)

	_, err = r.Publish(testRecord("ppp0"))
	assert.ErrorIs(t, err, ErrExists)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_UnpublishIdempotent(t *testing.T) {
	r := NewRegistry()

	iface, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)

	assert.True(t, r.Unpublish(iface))
	assert.False(t, r.Unpublish(iface))
	assert.False(t, r.Unpublish(nil))

	_, ok := r.Lookup("ppp0")
	assert.False(t, ok)
	_, ok = r.Default()
	assert.False(t, ok)

	_, err = r.Publish(testRecord("ppp0"))
	assert.NoError(t, err)
}

func TestRegistry_UnpublishStaleHandle(t *testing.T) {
	r := NewRegistry()

	old, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)
	require.True(t, r.Unpublish(old))

	cur, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)

	assert.False(t, r.Unpublish(old))
	got, ok := r.Lookup("ppp0")
	require.True(t, ok)
	assert.Same(t, cur, got)
	def, ok := r.Default()
	require.True(t, ok)
	assert.Same(t, cur, def)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"ppp2", "ppp0", "ppp1"} {
		rec := testRecord(name)
		rec.Default = false
		_, err := r.Publish(rec)
		require.NoError(t, err)
	}

	var names []string
	for _, iface := range r.List() {
		names = append(names, iface.Name())
	}
	assert.Equal(t, []string{"ppp0", "ppp1", "ppp2"}, names)

	_, ok := r.Default()
	assert.False(t, ok)
}

func TestRegistry_OnChange(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var changes []Change
	r.OnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	iface, err := r.Publish(testRecord("ppp0"))
	require.NoError(t, err)
	r.Unpublish(iface)
	r.Unpublish(iface)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, Added, changes[0].Kind)
	assert.Equal(t, Removed, changes[1].Kind)
	assert.Equal(t, "ppp0", changes[1].Record.Name)
	assert.Equal(t, "Removed", changes[1].Kind.String())
}

func TestRegistry_ConcurrentPublish(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Publish(testRecord("ppp0")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
}

func TestParseHexAddr(t *testing.T) {
	addr, err := parseHexAddr("0100007F:0016")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:22", addr.String())

	_, err = parseHexAddr("0100007F")
	assert.Error(t, err)
	_, err = parseHexAddr("ZZ00007F:0016")
	assert.Error(t, err)
}

func TestInterface_Connections(t *testing.T) {
	table := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0302010A:C350 08080808:0035 01 00000000:00000000 00:00000000 00000000     0        0 1 1 0000000000000000 20 4 30 10 -1
   1: 0100007F:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 2 1 0000000000000000 100 0 0 10 0
   2: 0302010A:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 3 1 0000000000000000 100 0 0 10 0
`
	path := filepath.Join(t.TempDir(), "tcp")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o600))

	old := procNetTCP
	procNetTCP = path
	defer func() { procNetTCP = old }()

	iface := &Interface{rec: Record{Name: "ppp0", Addr: net.ParseIP("10.1.2.3")}}
	conns, err := iface.Connections()
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "10.1.2.3:50000", conns[0].Local.String())
	assert.Equal(t, "8.8.8.8:53", conns[0].Remote.String())
	assert.Equal(t, "ESTABLISHED", conns[0].State)
	assert.Equal(t, "LISTEN", conns[1].State)
}

func TestInterface_ConnectionsMissingTable(t *testing.T) {
	old := procNetTCP
	procNetTCP = filepath.Join(t.TempDir(), "missing")
	defer func() { procNetTCP = old }()

	_, err := (&Interface{rec: Record{Addr: net.ParseIP("10.1.2.3")}}).Connections()
	assert.Error(t, err)
}

func TestInterface_PingBadTarget(t *testing.T) {
	iface := &Interface{rec: Record{Name: "lo", Addr: net.ParseIP("127.0.0.1")}}
	_, err := iface.Ping(context.Background(), "not a host..", time.Second)
	assert.Error(t, err)
}

func TestInterface_PingLoopback(t *testing.T) {
	iface := &Interface{rec: Record{Name: "lo", Addr: net.ParseIP("127.0.0.1")}}

	rtt, err := iface.Ping(context.Background(), "127.0.0.1", time.Second)
	if err != nil {
		t.Skipf("icmp not available: %v", err)
	}
	assert.Greater(t, rtt, time.Duration(0))
}

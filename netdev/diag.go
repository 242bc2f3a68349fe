package netdev

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ErrNoReply is returned by Ping when no echo reply arrives in time.
var ErrNoReply = errors.New("netdev: no echo reply")

// protocolICMP is the IANA protocol number of ICMP for IPv4.
const protocolICMP = 1

// procNetTCP is the kernel's IPv4 TCP connection table.
var procNetTCP = "/proc/net/tcp"

var tcpStates = map[string]string{
	"01": "ESTABLISHED",
	"02": "SYN_SENT",
	"03": "SYN_RECV",
	"04": "FIN_WAIT1",
	"05": "FIN_WAIT2",
	"06": "TIME_WAIT",
	"07": "CLOSE",
	"08": "CLOSE_WAIT",
	"09": "LAST_ACK",
	"0A": "LISTEN",
	"0B": "CLOSING",
}

// Conn is one TCP connection bound to an interface address.
type Conn struct {
	Local  *net.TCPAddr `json:"local"`
	Remote *net.TCPAddr `json:"remote"`
	State  string       `json:"state"`
}

// Ping sends one ICMP echo request from the interface address to target
// and returns the round trip time. It uses an unprivileged ICMP socket when
// the kernel allows it and a raw one otherwise.
func (i *Interface) Ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	dst, err := net.ResolveIPAddr("ip4", target)
	if err != nil {
		return 0, fmt.Errorf("netdev: resolve %s: %w", target, err)
	}

	src := i.rec.Addr.String()
	conn, err := icmp.ListenPacket("udp4", src)
	unprivileged := err == nil
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", src)
		if err != nil {
			return 0, fmt.Errorf("netdev: %s: icmp listen: %w", i.rec.Name, err)
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	seq := int(time.Now().UnixNano() & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: []byte("pppmodem")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	var to net.Addr = dst
	if unprivileged {
		to = &net.UDPAddr{IP: dst.IP}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, to); err != nil {
		return 0, fmt.Errorf("netdev: %s: icmp write: %w", i.rec.Name, err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, fmt.Errorf("%w from %s", ErrNoReply, target)
			}
			return 0, err
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The kernel rewrites the ID of unprivileged echoes, so only Seq is compared.
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}

// Connections returns the TCP connections whose local address is the
// interface address.
func (i *Interface) Connections() ([]Conn, error) {
	f, err := os.Open(procNetTCP)
	if err != nil {
		return nil, fmt.Errorf("netdev: %w", err)
	}
	defer f.Close()

	conns := []Conn{}
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		local, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		if !local.IP.Equal(i.rec.Addr) {
			continue
		}
		remote, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}
		state, ok := tcpStates[fields[3]]
		if !ok {
			state = "UNKNOWN"
		}
		conns = append(conns, Conn{Local: local, Remote: remote, State: state})
	}

	return conns, sc.Err()
}

// parseHexAddr decodes "0100007F:0016": a little-endian IPv4 address and a port.
func parseHexAddr(s string) (*net.TCPAddr, error) {
	host, port, ok := strings.Cut(s, ":")
	if !ok || len(host) != 8 {
		return nil, fmt.Errorf("bad address %q", s)
	}
	b, err := hex.DecodeString(host)
	if err != nil {
		return nil, err
	}
	p, err := strconv.ParseUint(port, 16, 16)
	if err != nil {
		return nil, err
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, binary.LittleEndian.Uint32(b))

	return &net.TCPAddr{IP: ip, Port: int(p)}, nil
}

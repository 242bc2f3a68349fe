package link

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// rawPty is a pseudo-terminal pair whose slave side is in raw mode, so bytes
// cross it unchanged and nothing is echoed back before pppd opens the slave.
type rawPty struct {
	master, slave *os.File

	mu     sync.Mutex
	closed bool
}

func openRawPty() (*rawPty, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}

	p := &rawPty{master: master, slave: slave}
	if err := p.makeRaw(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return p, nil
}

func (p *rawPty) makeRaw() error {
	conn, err := p.slave.SyscallConn()
	if err != nil {
		return err
	}

	var termErr error
	err = conn.Control(func(fd uintptr) {
		t, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if err != nil {
			termErr = err
			return
		}
		t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
		t.Oflag &^= unix.OPOST
		t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		t.Cflag &^= unix.CSIZE | unix.PARENB
		t.Cflag |= unix.CS8
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		termErr = unix.IoctlSetTermios(int(fd), unix.TCSETS, t)
	})
	if err != nil {
		return err
	}

	return termErr
}

// Name returns the slave device path.
func (p *rawPty) Name() string {
	return p.slave.Name()
}

func (p *rawPty) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *rawPty) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

func (p *rawPty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return errors.Join(p.master.Close(), p.slave.Close())
}

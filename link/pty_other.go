//go:build !linux

package link

import (
	"errors"
	"io"
)

type rawPty struct {
	io.ReadWriteCloser
}

func openRawPty() (*rawPty, error) {
	return nil, errors.New("link: pppd adapter requires linux")
}

func (p *rawPty) Name() string { return "" }

// Package link defines the point-to-point link adapter a session runs once
// the modem is in data mode, and provides a pppd based implementation.
package link

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrLinkBusy is returned by Free while the link still holds resources that
	// cannot be released yet. The caller retries later.
	ErrLinkBusy = errors.New("link: busy")
	// ErrNotConnected is returned by operations that need a connected link.
	ErrNotConnected = errors.New("link: not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("link: already connected")
)

// Status is the last condition reported by a link adapter.
type Status int

const (
	StatusNone Status = iota
	StatusInvalidParam
	StatusOpenFailure
	StatusDeviceError
	StatusAllocFailure
	StatusUserAbort
	StatusConnectionLost
	StatusAuthFailure
	StatusProtocolFailure
	StatusPeerDead
	StatusIdleTimeout
	StatusMaxTimeReached
	StatusLoopbackDetected
)

// String returns a string representation of the link status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusInvalidParam:
		return "InvalidParam"
	case StatusOpenFailure:
		return "OpenFailure"
	case StatusDeviceError:
		return "DeviceError"
	case StatusAllocFailure:
		return "AllocFailure"
	case StatusUserAbort:
		return "UserAbort"
	case StatusConnectionLost:
		return "ConnectionLost"
	case StatusAuthFailure:
		return "AuthFailure"
	case StatusProtocolFailure:
		return "ProtocolFailure"
	case StatusPeerDead:
		return "PeerDead"
	case StatusIdleTimeout:
		return "IdleTimeout"
	case StatusMaxTimeReached:
		return "MaxTimeReached"
	case StatusLoopbackDetected:
		return "LoopbackDetected"
	default:
		return "Unknown"
	}
}

// Phase is the adapter's position in the link lifecycle.
type Phase int32

const (
	// PhaseDead means nothing is running; Free may release the adapter.
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseRunning
	PhaseTerminate
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseRunning:
		return "Running"
	case PhaseTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// Handle identifies the owner of a link in callbacks. Gen changes on every
// new link of a session, so callbacks of an older link can be told apart.
type Handle struct {
	Session string
	Gen     uint64
}

// String returns "session#gen".
func (h Handle) String() string {
	return fmt.Sprintf("%s#%d", h.Session, h.Gen)
}

// Info describes the network layer of an established link.
type Info struct {
	Interface string
	Local     net.IP
	Remote    net.IP
	Netmask   net.IPMask
	DNS       []net.IP
	MTU       int
}

// OutputFunc receives bytes the adapter wants written to the transport.
// b is only valid during the call.
type OutputFunc func(h Handle, b []byte)

// StatusFunc receives link status reports. StatusNone with a non-empty Info
// means the link is up.
type StatusFunc func(h Handle, st Status, info Info)

// Callbacks are the adapter's way back to its owner. Both may be called from
// any goroutine and must not block for long.
type Callbacks struct {
	Output OutputFunc
	Status StatusFunc
}

// Adapter runs PPP over a transport owned by someone else.
type Adapter interface {
	// Connect starts negotiation. Failures are fatal to the adapter.
	Connect() error
	// Input feeds bytes read from the transport.
	Input(b []byte)
	// Close starts an orderly shutdown.
	Close() error
	// Free releases every resource. It returns ErrLinkBusy while that is not
	// possible yet.
	Free() error
	Phase() Phase
	Info() Info
}

// Factory builds adapters.
type Factory interface {
	New(h Handle, cb Callbacks) (Adapter, error)
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(h Handle, cb Callbacks) (Adapter, error)

// New implements Factory.
func (f FactoryFunc) New(h Handle, cb Callbacks) (Adapter, error) {
	return f(h, cb)
}

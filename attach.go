package pppmodem

import (
	"context"

	"github.com/jaracil/pppmodem/link"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/serialport"
)

// AttachConfig describes one modem to supervise.
type AttachConfig struct {
	// Port is the serial device path.
	Port string
	// Serial is applied when the port is opened.
	Serial serialport.Config
	// Open overrides how the transport is obtained. It defaults to opening
	// Port with Serial.
	Open func(name string, cfg serialport.Config) (Transport, error)

	Preparer Preparer
	Factory  link.Factory
	Bridge   Bridge
	// Registry receives the session. It defaults to DefaultRegistry().
	Registry *Registry
	Options  []SessionOption
	Logger   logger.Logger
}

func openSerial(name string, cfg serialport.Config) (Transport, error) {
	return serialport.Open(name, cfg)
}

// Attach opens the port and starts a session supervising it in the
// background. Failures (device not found or in use, bad configuration) are
// logged and leave nothing behind. The session runs until ctx is cancelled.
func Attach(ctx context.Context, cfg AttachConfig) {
	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.With("port", cfg.Port)

	open := cfg.Open
	if open == nil {
		open = openSerial
	}
	reg := cfg.Registry
	if reg == nil {
		reg = defaultRegistry
	}

	tr, err := open(cfg.Port, cfg.Serial)
	if err != nil {
		log.Error("attach failed: cannot open port", "error", err)
		return
	}

	opts := append([]SessionOption{WithLogger(log)}, cfg.Options...)
	s, err := NewSession(tr, cfg.Preparer, cfg.Factory, cfg.Bridge, opts...)
	if err != nil {
		_ = tr.Close()
		log.Error("attach failed: bad session config", "error", err)
		return
	}
	if !reg.Add(s) {
		_ = tr.Close()
		log.Error("attach failed: session already attached", "session", s.ID())
		return
	}

	go func() {
		if err := s.Run(ctx); err != nil {
			log.Error("session stopped", "session", s.ID(), "error", err)
		}
	}()
}

// Command modemsim exposes a simulated cellular modem on a pseudo-terminal.
// A packet data dial (ATD*99#) connects to a TCP peer, typically a pppd
// running in passive mode, so pppmodem can be exercised without hardware.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aymanbagabas/go-pty"
	"github.com/jessevdk/go-flags"

	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/modemsim"
)

type options struct {
	Peer        string        `short:"p" long:"peer" description:"TCP address dialed on ATD*99#" default:"127.0.0.1:2000"`
	DialTimeout time.Duration `long:"dial-timeout" description:"Peer connect timeout" default:"10s"`
	Model       string        `short:"m" long:"model" description:"Model reported by ATI and AT+CGMM" default:"M6312"`
	ConnectStr  string        `long:"connect" description:"Connect result string" default:"CONNECT 150000000"`
	ResetTime   time.Duration `long:"reset-time" description:"Reboot time after AT+CMRESET" default:"1s"`
	GuardTime   int           `long:"guard" description:"+++ escape guard in 20ms units, 0 disables" default:"0"`
	Link        string        `short:"l" long:"link" description:"Also symlink the pty slave to this path"`
	LogLevel    string        `long:"log-level" description:"debug, info, warn or error" default:"info"`
	Dev         bool          `long:"dev" description:"Colored console logs"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	level, ok := logger.ParseLevel(opts.LogLevel)
	log := logger.NewSlogWithOptions(logger.Options{Level: level, Development: opts.Dev})
	logger.SetDefault(log)
	if !ok {
		log.Warn("unknown log level, using info", "level", opts.LogLevel)
	}

	if err := run(opts, log); err != nil {
		log.Fatal("modemsim failed", "error", err)
	}
}

func run(opts options, log logger.Logger) error {
	tty, err := pty.New()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer tty.Close()

	if opts.Link != "" {
		_ = os.Remove(opts.Link)
		if err := os.Symlink(tty.Name(), opts.Link); err != nil {
			return fmt.Errorf("link %s: %w", opts.Link, err)
		}
		defer os.Remove(opts.Link)
	}

	m, err := modemsim.New(&modemsim.Config{
		ID:         tty.Name(),
		TTY:        tty,
		Dial:       dialer(opts.Peer, opts.DialTimeout, log),
		ConnectStr: opts.ConnectStr,
		Model:      opts.Model,
		ResetTime:  opts.ResetTime,
		GuardTime:  opts.GuardTime,
		Logger:     log,
		StatusTransition: func(m *modemsim.Modem, prev, next modemsim.Status) {
			log.Info("modem status", "prev", prev.String(), "next", next.String())
		},
	})
	if err != nil {
		return err
	}
	defer m.CloseSync()

	log.Info("modem ready", "tty", tty.Name(), "peer", opts.Peer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down", "metrics", *m.MetricsSync())
			return nil
		case <-ticker.C:
			if m.StatusSync() == modemsim.StatusClosed {
				return errors.New("tty closed")
			}
		}
	}
}

func dialer(addr string, timeout time.Duration, log logger.Logger) modemsim.DialFunc {
	return func(m *modemsim.Modem, number string) (io.ReadWriteCloser, error) {
		log.Info("dialing", "number", number, "peer", addr)
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			log.Warn("dial failed", "number", number, "error", err)
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		return conn, nil
	}
}

// Command pppmodem supervises cellular modems and keeps a PPP link up on
// each of them. Modems come from a YAML file, or one can be given on the
// command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/config"
	"github.com/jaracil/pppmodem/device"
	"github.com/jaracil/pppmodem/events"
	"github.com/jaracil/pppmodem/httpapi"
	"github.com/jaracil/pppmodem/logger"
	"github.com/jaracil/pppmodem/netdev"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	Config   string `short:"c" long:"config" description:"YAML configuration file"`
	LogLevel string `long:"log-level" description:"Overrides log.level"`
	Dev      bool   `long:"dev" description:"Colored console logs"`
	HTTPAddr string `long:"http" description:"Overrides http.addr, - disables the API"`

	Port   string `short:"p" long:"port" description:"Serial port of an extra modem"`
	Model  string `short:"m" long:"model" description:"Model of the extra modem" default:"generic"`
	APN    string `short:"a" long:"apn" description:"APN of the extra modem"`
	Baud   int    `short:"b" long:"baud" description:"Baud rate of the extra modem"`
	Models bool   `long:"models" description:"List supported models and exit"`
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

	if opts.Models {
		for _, m := range device.Models() {
			fmt.Println(m)
		}
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, ok := logger.ParseLevel(cfg.Log.Level)
	log := logger.NewSlogWithOptions(logger.Options{
		Level:       level,
		AddSource:   cfg.Log.Source,
		Development: cfg.Log.Development,
	})
	logger.SetDefault(log)
	if !ok {
		log.Warn("unknown log level, using info", "level", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("pppmodem failed", "error", err)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Dev {
		cfg.Log.Development = true
	}
	if opts.HTTPAddr != "" {
		cfg.HTTP.Addr = opts.HTTPAddr
	}
	if opts.Port != "" {
		m := config.Modem{Port: opts.Port, Model: opts.Model, APN: opts.APN, Baud: opts.Baud}
		if err := cfg.AddModem(m); err != nil {
			return nil, err
		}
	}
	if len(cfg.Modems) == 0 {
		return nil, fmt.Errorf("%w: no modems configured", config.ErrInvalid)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	var pub events.Publisher = events.NopPublisher{}
	if cfg.NSQ.Addr != "" {
		p, err := events.NewNSQPublisher(cfg.NSQ.Addr, cfg.NSQ.Topic, log)
		if err != nil {
			return err
		}
		pub = p
	}
	defer pub.Close()

	ifaces := netdev.NewRegistry()
	ifaces.OnChange(func(c netdev.Change) {
		log.Info("interface changed", "kind", c.Kind.String(), "interface", c.Record.Name)
	})
	sessions := pppmodem.DefaultRegistry()

	for i := range cfg.Modems {
		m := &cfg.Modems[i]
		prep, err := device.New(m.Model, m.Params())
		if err != nil {
			return fmt.Errorf("modem %s: %w", m.Port, err)
		}
		serial, err := m.SerialConfig()
		if err != nil {
			return fmt.Errorf("modem %s: %w", m.Port, err)
		}
		factory := m.Link()
		factory.Logger = log

		sessOpts := []pppmodem.SessionOption{
			pppmodem.WithPrepareBackoff(m.PrepareBackoff),
			pppmodem.WithFreeBackoff(m.FreeBackoff),
			pppmodem.WithEvents(pub),
		}
		if m.Interface != "" {
			sessOpts = append(sessOpts, pppmodem.WithInterfaceName(m.Interface))
		}

		log.Info("attaching modem", "port", m.Port, "model", m.Model, "apn", m.APN)
		pppmodem.Attach(ctx, pppmodem.AttachConfig{
			Port:     m.Port,
			Serial:   serial,
			Preparer: prep,
			Factory:  factory,
			Bridge:   ifaces,
			Registry: sessions,
			Options:  sessOpts,
			Logger:   log,
		})
	}

	if cfg.HTTP.Addr != "-" {
		srv := httpapi.New(sessions, ifaces, log)
		go func() {
			log.Info("status api listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
				log.Error("status api stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	waitClosed(sessions, shutdownTimeout)
	return nil
}

// waitClosed gives running sessions time to tear their links down.
func waitClosed(sessions *pppmodem.Registry, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		open := 0
		for _, s := range sessions.List() {
			if !s.State().IsTerminal() {
				open++
			}
		}
		if open == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

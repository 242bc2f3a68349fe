// Package config loads the pppmodem daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaracil/pppmodem/device"
	"github.com/jaracil/pppmodem/link"
	"github.com/jaracil/pppmodem/serialport"
)

const (
	DefaultLogLevel       = "info"
	DefaultHTTPAddr       = ":8090"
	DefaultNSQTopic       = "pppmodem"
	DefaultModel          = "generic"
	DefaultBaudRate       = serialport.DefaultBaudRate
	DefaultDataBits       = serialport.DefaultDataBits
	DefaultPrepareBackoff = 30 * time.Second
	DefaultFreeBackoff    = time.Second

	PowerNone = ""
	PowerDTR  = "dtr"
	PowerGPIO = "gpio"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Log    Log     `yaml:"log"`
	HTTP   HTTP    `yaml:"http"`
	NSQ    NSQ     `yaml:"nsq"`
	Modems []Modem `yaml:"modems"`
}

type Log struct {
	Level string `yaml:"level"`
	// Development selects the colored console handler.
	Development bool `yaml:"development"`
	Source      bool `yaml:"source"`
}

type HTTP struct {
	// Addr of the status API. "-" disables it.
	Addr string `yaml:"addr"`
}

// NSQ configures the link event stream. An empty Addr disables it.
type NSQ struct {
	Addr  string `yaml:"addr"`
	Topic string `yaml:"topic"`
}

// Modem describes one supervised modem.
type Modem struct {
	Port     string `yaml:"port"`
	Model    string `yaml:"model"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits string `yaml:"stop_bits"`

	APN    string `yaml:"apn"`
	Number string `yaml:"number"`
	Power  Power  `yaml:"power"`

	ResetDelay     time.Duration `yaml:"reset_delay"`
	Settle         time.Duration `yaml:"settle"`
	PrepareBackoff time.Duration `yaml:"prepare_backoff"`
	FreeBackoff    time.Duration `yaml:"free_backoff"`

	// Interface name published for the link. Empty uses the name pppd reports.
	Interface string `yaml:"interface"`
	PPPD      PPPD   `yaml:"pppd"`
}

type Power struct {
	// Type is "", "dtr" or "gpio".
	Type   string `yaml:"type"`
	Path   string `yaml:"path"`
	Invert bool   `yaml:"invert"`
}

type PPPD struct {
	Path    string   `yaml:"path"`
	Options []string `yaml:"options"`
	MTU     int      `yaml:"mtu"`
}

// Default returns a configuration with no modems.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// AddModem appends m with defaults applied and validates the result.
func (c *Config) AddModem(m Modem) error {
	m.applyDefaults()
	c.Modems = append(c.Modems, m)
	if err := c.Validate(); err != nil {
		c.Modems = c.Modems[:len(c.Modems)-1]
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.NSQ.Topic == "" {
		c.NSQ.Topic = DefaultNSQTopic
	}
	for i := range c.Modems {
		c.Modems[i].applyDefaults()
	}
}

func (m *Modem) applyDefaults() {
	if m.Model == "" {
		m.Model = DefaultModel
	}
	if m.Baud <= 0 {
		m.Baud = DefaultBaudRate
	}
	if m.DataBits <= 0 {
		m.DataBits = DefaultDataBits
	}
	if m.PrepareBackoff <= 0 {
		m.PrepareBackoff = DefaultPrepareBackoff
	}
	if m.FreeBackoff <= 0 {
		m.FreeBackoff = DefaultFreeBackoff
	}
}

// Validate checks the whole configuration. Ports and interface names must be
// unique across modems.
func (c *Config) Validate() error {
	ports := map[string]int{}
	ifaces := map[string]int{}

	for i := range c.Modems {
		m := &c.Modems[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: modems[%d]: %w", ErrInvalid, i, err)
		}
		if j, dup := ports[m.Port]; dup {
			return fmt.Errorf("%w: modems[%d]: port %s already used by modems[%d]", ErrInvalid, i, m.Port, j)
		}
		ports[m.Port] = i
		if m.Interface != "" {
			if j, dup := ifaces[m.Interface]; dup {
				return fmt.Errorf("%w: modems[%d]: interface %s already used by modems[%d]", ErrInvalid, i, m.Interface, j)
			}
			ifaces[m.Interface] = i
		}
	}
	return nil
}

// Validate checks one modem entry.
func (m *Modem) Validate() error {
	if m.Port == "" {
		return errors.New("port is required")
	}
	if _, err := m.SerialConfig(); err != nil {
		return err
	}
	if m.DataBits < 5 || m.DataBits > 8 {
		return fmt.Errorf("data_bits %d out of range 5..8", m.DataBits)
	}
	if _, err := m.PowerControl(); err != nil {
		return err
	}
	if _, err := device.New(m.Model, m.Params()); err != nil {
		return err
	}
	if m.PPPD.MTU < 0 {
		return fmt.Errorf("pppd mtu %d is negative", m.PPPD.MTU)
	}
	return nil
}

// SerialConfig returns the serial mode of the modem.
func (m *Modem) SerialConfig() (serialport.Config, error) {
	parity, err := serialport.ParseParity(m.Parity)
	if err != nil {
		return serialport.Config{}, err
	}
	stop, err := serialport.ParseStopBits(m.StopBits)
	if err != nil {
		return serialport.Config{}, err
	}
	return serialport.Config{
		BaudRate: m.Baud,
		DataBits: m.DataBits,
		Parity:   parity,
		StopBits: stop,
	}, nil
}

// PowerControl returns nil when no power control is configured.
func (m *Modem) PowerControl() (device.PowerControl, error) {
	switch strings.ToLower(m.Power.Type) {
	case PowerNone:
		return nil, nil
	case PowerDTR:
		return device.DTRPower{Invert: m.Power.Invert}, nil
	case PowerGPIO:
		if m.Power.Path == "" {
			return nil, errors.New("gpio power requires a path")
		}
		return device.GPIOPower{Path: m.Power.Path, ActiveLow: m.Power.Invert}, nil
	default:
		return nil, fmt.Errorf("unknown power type %q", m.Power.Type)
	}
}

// Params returns the preparer parameters. Power errors are reported by Validate.
func (m *Modem) Params() device.Params {
	pc, _ := m.PowerControl()
	return device.Params{
		APN:        m.APN,
		Number:     m.Number,
		Power:      pc,
		ResetDelay: m.ResetDelay,
		Settle:     m.Settle,
	}
}

// Link returns the pppd link factory of the modem.
func (m *Modem) Link() *link.PPPD {
	return &link.PPPD{
		Path:    m.PPPD.Path,
		Options: append([]string(nil), m.PPPD.Options...),
		MTU:     m.PPPD.MTU,
	}
}

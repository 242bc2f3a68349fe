package device

import (
	"context"
	"fmt"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/chat"
)

// m6312Script is the dial sequence of the China Mobile M6312. The last two
// transmits are filled in by M6312Script.
var m6312Script = chat.Script{
	{Transmit: "AT", Expect: chat.RespOK, Retries: 10, Timeout: 1, RetryOnReject: true},
	{Transmit: "ATE0V1", Expect: chat.RespOK, Retries: 1, Timeout: 1},
	{Transmit: "ATS0=0", Expect: chat.RespOK, Retries: 1, Timeout: 1},
	{Transmit: `AT+CGDCONT=1,"IP","%s"`, Expect: chat.RespOK, Retries: 1, Timeout: 5},
	{Transmit: "ATD%s", Expect: chat.RespConnect, Retries: 1, Timeout: 30},
}

// M6312Script returns the M6312 script for apn and number.
func M6312Script(apn, number string) chat.Script {
	script := append(chat.Script(nil), m6312Script...)
	script[3].Transmit = fmt.Sprintf(script[3].Transmit, apn)
	script[4].Transmit = fmt.Sprintf(script[4].Transmit, number)
	return script
}

// M6312 prepares a China Mobile M6312 module.
type M6312 struct {
	params Params
	script chat.Script
}

// NewM6312 is the Constructor of the "m6312" model.
func NewM6312(p Params) (pppmodem.Preparer, error) {
	if p.APN == "" {
		return nil, ErrAPNRequired
	}
	p = p.withDefaults()
	return &M6312{params: p, script: M6312Script(p.APN, p.Number)}, nil
}

// Script returns the chat script the preparer runs.
func (m *M6312) Script() chat.Script {
	return append(chat.Script(nil), m.script...)
}

// Prepare resets the module, waits for it to boot and dials.
func (m *M6312) Prepare(ctx context.Context, s *pppmodem.Session) error {
	if err := m.reset(ctx, s); err != nil {
		return err
	}
	if err := sleepCtx(ctx, m.params.Settle); err != nil {
		return err
	}
	discardInput(s)

	return runScript(ctx, s, m.script, m.params.ChatOptions)
}

func (m *M6312) reset(ctx context.Context, s *pppmodem.Session) error {
	if m.params.Power != nil {
		s.Logger().Debug("m6312 power cycle")
		return powerCycle(ctx, s, m.params.Power, m.params.ResetDelay)
	}

	s.Logger().Debug("m6312 soft reset")
	// leave any half typed command line first
	if err := writeAll(s, "\r"); err != nil {
		return err
	}
	if err := sleepCtx(ctx, m.params.ResetDelay); err != nil {
		return err
	}
	return writeAll(s, "AT+CMRESET\r")
}

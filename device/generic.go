package device

import (
	"context"

	pppmodem "github.com/jaracil/pppmodem"
	"github.com/jaracil/pppmodem/chat"
)

// GenericScript returns a Hayes dial script for any 3GPP modem. The APN step
// is skipped when apn is empty.
func GenericScript(apn, number string) chat.Script {
	script := chat.Script{
		{Transmit: "AT", Expect: chat.RespOK, Retries: 10, Timeout: 1, RetryOnReject: true},
		{Transmit: "ATZ", Expect: chat.RespOK, Retries: 3, Timeout: 2},
		{Transmit: "ATE0V1", Expect: chat.RespOK, Retries: 1, Timeout: 1},
	}
	if apn != "" {
		script = append(script, chat.Step{Transmit: `AT+CGDCONT=1,"IP","` + apn + `"`, Expect: chat.RespOK, Retries: 1, Timeout: 5})
	}
	return append(script, chat.Step{Transmit: "ATD" + number, Expect: chat.RespConnect, Retries: 1, Timeout: 30})
}

// Generic prepares a standard Hayes modem. It resets through ATZ unless a
// power control is configured.
type Generic struct {
	params Params
	script chat.Script
}

// NewGeneric is the Constructor of the "generic" model.
func NewGeneric(p Params) (pppmodem.Preparer, error) {
	p = p.withDefaults()
	return &Generic{params: p, script: GenericScript(p.APN, p.Number)}, nil
}

// Script returns the chat script the preparer runs.
func (g *Generic) Script() chat.Script {
	return append(chat.Script(nil), g.script...)
}

func (g *Generic) Prepare(ctx context.Context, s *pppmodem.Session) error {
	if g.params.Power != nil {
		if err := powerCycle(ctx, s, g.params.Power, g.params.ResetDelay); err != nil {
			return err
		}
		if err := sleepCtx(ctx, g.params.Settle); err != nil {
			return err
		}
	}
	discardInput(s)

	return runScript(ctx, s, g.script, g.params.ChatOptions)
}

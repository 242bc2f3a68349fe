package chat

import "strings"

// Response is a final result code a modem prints at the end of a command.
type Response uint8

const (
	// RespOK is the generic success result.
	RespOK Response = iota
	// RespReady is reported by SIM/boot status queries.
	RespReady
	// RespConnect is printed when the modem enters data mode.
	RespConnect
	// RespBusy is printed when the dialed party is busy.
	RespBusy
	// RespNoCarrier is printed when a connection could not be established or was lost.
	RespNoCarrier
	// RespError is the generic failure result.
	RespError
	// RespNone means no response is required: the step succeeds once transmitted.
	RespNone
)

// known lists the tags the engine recognizes, in match priority order.
var known = [...]Response{RespOK, RespReady, RespConnect, RespBusy, RespNoCarrier, RespError}

// String returns the text a modem prints for r.
func (r Response) String() string {
	switch r {
	case RespOK:
		return "OK"
	case RespReady:
		return "READY"
	case RespConnect:
		return "CONNECT"
	case RespBusy:
		return "BUSY"
	case RespNoCarrier:
		return "NO CARRIER"
	case RespError:
		return "ERROR"
	case RespNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseResponse converts a response name to its Response.
// Matching is case-insensitive; "NO_CARRIER" is accepted as an alias of "NO CARRIER".
func ParseResponse(s string) (Response, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK":
		return RespOK, true
	case "READY":
		return RespReady, true
	case "CONNECT":
		return RespConnect, true
	case "BUSY":
		return RespBusy, true
	case "NO CARRIER", "NO_CARRIER":
		return RespNoCarrier, true
	case "ERROR":
		return RespError, true
	case "NONE", "":
		return RespNone, true
	default:
		return RespNone, false
	}
}

var extendedErrors = []string{"+CME ERROR", "+CMS ERROR"}

// matchLine reports which tag a complete, trimmed line carries.
//
// A line carries a tag when it equals the tag, when it starts with the tag
// followed by a space ("CONNECT 115200"), or when it is an information
// response whose value is the tag ("+CPIN: READY"). Extended error reports
// ("+CME ERROR: 10", "+CMS ERROR: 500") carry ERROR.
func matchLine(line string) (Response, bool) {
	if line == "" {
		return RespNone, false
	}
	for _, prefix := range extendedErrors {
		if strings.HasPrefix(line, prefix) {
			return RespError, true
		}
	}
	value := ""
	if i := strings.Index(line, ": "); i > 0 && line[0] == '+' {
		value = strings.TrimSpace(line[i+2:])
	}
	for _, r := range known {
		tag := r.String()
		if line == tag || strings.HasPrefix(line, tag+" ") || value == tag {
			return r, true
		}
	}

	return RespNone, false
}

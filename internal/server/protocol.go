// Package server defines the pipe-delimited wire protocol spoken by
// tracked clients: inbound HELLO and POSITION frames, outbound WELCOME.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tyrowin/presencehub/internal/roster"
)

// Commands understood by the server. Frames are single text lines of the
// form COMMAND|field|field|...
const (
	CmdHello    = "HELLO"
	CmdPosition = "POSITION"
	CmdWelcome  = "WELCOME"
)

// ErrUnknownCommand marks a frame whose command tag is not recognized.
var ErrUnknownCommand = errors.New("unknown command")

// ErrMalformedFrame marks a frame with a known command but unusable fields.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one parsed inbound message. Cmd selects which field group is
// meaningful: HELLO fills the identification fields, POSITION fills the
// coordinates. IdentityKey is set for both.
type Frame struct {
	Cmd         string
	IdentityKey string

	// HELLO
	DisplayName string
	Region      string
	Timezone    string

	// POSITION
	X, Y, Z float64
}

// ParseFrame parses a raw inbound line. Unknown command tags yield
// ErrUnknownCommand; recognized commands with missing or invalid fields
// yield ErrMalformedFrame. Neither closes the connection.
func ParseFrame(raw []byte) (Frame, error) {
	line := strings.TrimRight(string(raw), "\r\n")
	parts := strings.Split(line, "|")

	switch parts[0] {
	case CmdHello:
		if len(parts) != 5 || parts[1] == "" {
			return Frame{}, fmt.Errorf("%w: HELLO wants identityKey|displayName|region|timezone", ErrMalformedFrame)
		}
		return Frame{
			Cmd:         CmdHello,
			IdentityKey: parts[1],
			DisplayName: parts[2],
			Region:      parts[3],
			Timezone:    parts[4],
		}, nil

	case CmdPosition:
		if len(parts) != 5 || parts[1] == "" {
			return Frame{}, fmt.Errorf("%w: POSITION wants identityKey|x|y|z", ErrMalformedFrame)
		}
		coords := make([]float64, 3)
		for i, field := range parts[2:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: coordinate %q: %v", ErrMalformedFrame, field, err)
			}
			coords[i] = v
		}
		return Frame{
			Cmd:         CmdPosition,
			IdentityKey: parts[1],
			X:           coords[0],
			Y:           coords[1],
			Z:           coords[2],
		}, nil

	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownCommand, parts[0])
	}
}

// EncodeWelcome builds the acknowledgment reply for a successful HELLO,
// carrying the resolved profile as JSON.
func EncodeWelcome(profile roster.Profile) ([]byte, error) {
	data, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode welcome: %w", err)
	}
	return []byte(CmdWelcome + "|" + string(data)), nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

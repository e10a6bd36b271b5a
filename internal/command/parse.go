// Package command maps protocol lines onto tuple space operations.
//
// A line is split on runs of whitespace. The first token is the verb:
//
//	WR key value...        produce; the value is the remaining tokens joined by one space
//	RD key                 blocking peek
//	IN key                 blocking consume
//	EX kin kout service    consume from kin, transform, produce to kout
//
// Every line yields exactly one reply line: OK, OK <value>, ERROR or NO-SERVICE.
package command

import (
	"errors"
	"fmt"
	"strings"

	"pkt.systems/lindad/internal/service"
)

// Verb names a protocol command.
type Verb string

const (
	// VerbWrite produces a value.
	VerbWrite Verb = "WR"
	// VerbRead peeks the oldest value of a key.
	VerbRead Verb = "RD"
	// VerbIn consumes the oldest value of a key.
	VerbIn Verb = "IN"
	// VerbExchange consumes, transforms and produces.
	VerbExchange Verb = "EX"
)

var (
	// ErrEmpty reports a blank line.
	ErrEmpty = errors.New("command: empty line")
	// ErrUnknownVerb reports an unrecognised first token.
	ErrUnknownVerb = errors.New("command: unknown verb")
	// ErrArity reports a known verb with the wrong number of arguments.
	ErrArity = errors.New("command: wrong number of arguments")
	// ErrMalformedService reports an EX service token that is not a number.
	ErrMalformedService = errors.New("command: malformed service id")
)

// Command is a parsed protocol line.
type Command struct {
	Verb Verb
	// Key is the target key for WR, RD and IN, and the input key for EX.
	Key string
	// Value is the WR payload.
	Value string
	// Out is the EX output key.
	Out string
	// Service is the EX transformation id.
	Service service.ID
}

// Parse tokenizes line and validates verb and arity. An EX line whose service
// token does not parse fails with ErrMalformedService so that callers can
// reject it before touching the space.
func Parse(line string) (Command, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, ErrEmpty
	}
	verb := Verb(tokens[0])
	switch verb {
	case VerbWrite:
		if len(tokens) < 3 {
			return Command{}, arityError(verb, len(tokens))
		}
		return Command{Verb: verb, Key: tokens[1], Value: strings.Join(tokens[2:], " ")}, nil
	case VerbRead, VerbIn:
		if len(tokens) != 2 {
			return Command{}, arityError(verb, len(tokens))
		}
		return Command{Verb: verb, Key: tokens[1]}, nil
	case VerbExchange:
		if len(tokens) != 4 {
			return Command{}, arityError(verb, len(tokens))
		}
		id, err := service.ParseID(tokens[3])
		if err != nil {
			return Command{Verb: verb, Key: tokens[1], Out: tokens[2]}, fmt.Errorf("%w: %w", ErrMalformedService, err)
		}
		return Command{Verb: verb, Key: tokens[1], Out: tokens[2], Service: id}, nil
	default:
		return Command{}, fmt.Errorf("%w %q", ErrUnknownVerb, tokens[0])
	}
}

func arityError(verb Verb, tokens int) error {
	return fmt.Errorf("%w: %s with %d tokens", ErrArity, verb, tokens)
}

// String renders c back into a protocol line without the trailing newline.
func (c Command) String() string {
	switch c.Verb {
	case VerbWrite:
		return string(c.Verb) + " " + c.Key + " " + c.Value
	case VerbRead, VerbIn:
		return string(c.Verb) + " " + c.Key
	case VerbExchange:
		return fmt.Sprintf("%s %s %s %d", c.Verb, c.Key, c.Out, c.Service)
	default:
		return string(c.Verb)
	}
}

// Package service holds the fixed registry of value transformations applied by
// the EX command. Identifiers are stable: new services get new ids, existing
// ids never change meaning.
package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a registered transformation.
type ID uint32

const (
	// Upper converts the value to upper case.
	Upper ID = 1
	// Reverse reverses the character sequence of the value.
	Reverse ID = 2
	// Length replaces the value with its character count in decimal. It
	// counts characters (runes), not bytes: "åäö" yields "3".
	Length ID = 3
)

// Func is a pure string transformation.
type Func func(string) string

// ErrMalformedID reports a service token that is not a non-negative decimal
// integer.
var ErrMalformedID = errors.New("service: malformed id")

// ParseID parses a service token: an unsigned decimal with at most one
// leading '+'. It does not check registration; an id that parses but is not
// registered fails Lookup instead.
func ParseID(token string) (ID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(token, "+"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedID, token)
	}
	return ID(n), nil
}

// Lookup returns the transformation registered under id.
func Lookup(id ID) (Func, bool) {
	switch id {
	case Upper:
		return strings.ToUpper, true
	case Reverse:
		return reverse, true
	case Length:
		return length, true
	default:
		return nil, false
	}
}

// Apply runs the service registered under id on value.
func Apply(id ID, value string) (string, bool) {
	fn, ok := Lookup(id)
	if !ok {
		return "", false
	}
	return fn(value), true
}

// IDs lists every registered id in ascending order.
func IDs() []ID {
	return []ID{Upper, Reverse, Length}
}

func (id ID) String() string {
	switch id {
	case Upper:
		return "upper"
	case Reverse:
		return "reverse"
	case Length:
		return "length"
	default:
		return "unknown(" + strconv.FormatUint(uint64(id), 10) + ")"
	}
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func length(s string) string {
	return strconv.Itoa(len([]rune(s)))
}

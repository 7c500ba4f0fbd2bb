// Package ncode converts between the textual novel codes used by syosetu.com
// (for example "n4830bu") and a compact integer form.
//
// A code is "n", a four digit decimal segment and a run of letters. The letter
// run is a bijective base-26 number (a=0 ... z=25) and the whole code maps to
// hi*9999 + lo.
package ncode

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalid is returned for any string that is not a well-formed ncode.
var ErrInvalid = errors.New("invalid ncode")

const (
	loBase  = 9999
	letters = 26
)

// Ncode is a novel identifier. Its zero value is the code "n0000a".
type Ncode uint32

// Parse decodes s. The prefix and letters are case-insensitive, and the
// letter run may be empty or carry leading "a" padding; all such variants
// decode to the same value as their canonical form.
func Parse(s string) (Ncode, error) {
	if len(s) < 5 || (s[0] != 'n' && s[0] != 'N') {
		return 0, ErrInvalid
	}

	var lo uint64
	for _, ch := range []byte(s[1:5]) {
		if ch < '0' || ch > '9' {
			return 0, ErrInvalid
		}
		lo = lo*10 + uint64(ch-'0')
	}

	var hi uint64
	for _, ch := range []byte(s[5:]) {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
			ch += 'a' - 'A'
		default:
			return 0, ErrInvalid
		}
		hi = hi*letters + uint64(ch-'a')
		if hi > math.MaxUint32 {
			return 0, ErrInvalid
		}
	}

	num := hi*loBase + lo
	if num > math.MaxUint32 {
		return 0, ErrInvalid
	}
	return Ncode(num), nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Ncode {
	n, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("ncode: %q: %v", s, err))
	}
	return n
}

// String returns the canonical form: lowercase, zero-padded digits and the
// shortest letter run (at least one letter).
func (n Ncode) String() string {
	if n == 0 {
		return "n0000a"
	}
	hi := (uint32(n) - 1) / loBase
	lo := (uint32(n)-1)%loBase + 1

	// 7 letters cover the full uint32 range.
	var buf [8]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('a' + hi%letters)
		hi /= letters
		if hi == 0 {
			break
		}
	}

	out := make([]byte, 0, 5+len(buf)-i)
	out = append(out, 'n')
	digits := strconv.AppendUint(nil, uint64(lo), 10)
	for pad := 4 - len(digits); pad > 0; pad-- {
		out = append(out, '0')
	}
	out = append(out, digits...)
	out = append(out, buf[i:]...)
	return string(out)
}

// MarshalText implements encoding.TextMarshaler.
func (n Ncode) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Ncode) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return fmt.Errorf("%w: %q", err, b)
	}
	*n = v
	return nil
}

package core

import (
	"fmt"
	"net"
)

// AddrLen is the length of a mesh address in bytes.
const AddrLen = 6

// Addr is the address of a mesh node (originator address).
type Addr [AddrLen]byte

// ParseAddr parses a mesh address in aa:bb:cc:dd:ee:ff form.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, fmt.Errorf("invalid mesh address %q: %w", s, err)
	}
	if len(hw) != AddrLen {
		return a, fmt.Errorf("invalid mesh address %q: want %d bytes, got %d", s, AddrLen, len(hw))
	}
	copy(a[:], hw)
	return a, nil
}

// MustParseAddr is like ParseAddr but panics on error. Intended for tests
// and constants.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the address in aa:bb:cc:dd:ee:ff form.
func (a Addr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// IsZero reports whether the address is all zeroes.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(b []byte) error {
	v, err := ParseAddr(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

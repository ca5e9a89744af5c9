package types

import (
	"encoding/base64"
	"fmt"
)

// KeySize is the length in bytes of X25519 keys and of the shared secret.
const KeySize = 32

// X25519Public is a Curve25519 public key. It encodes as standard base64 in JSON.
type X25519Public [KeySize]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// String returns the base64 form of the key.
func (p X25519Public) String() string { return base64.StdEncoding.EncodeToString(p[:]) }

// MarshalText implements encoding.TextMarshaler.
func (p X25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *X25519Public) UnmarshalText(b []byte) error {
	return decodeKey(p[:], b)
}

// ParseX25519Public decodes a base64 public key.
func ParseX25519Public(s string) (X25519Public, error) {
	var p X25519Public
	err := p.UnmarshalText([]byte(s))
	return p, err
}

// X25519Private is a Curve25519 private key.
type X25519Private [KeySize]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// MarshalText implements encoding.TextMarshaler.
func (k X25519Private) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *X25519Private) UnmarshalText(b []byte) error {
	return decodeKey(k[:], b)
}

// KeyPair is the long-term identity key pair.
type KeyPair struct {
	Public  X25519Public  `json:"public"`
	Private X25519Private `json:"private"`
}

// SharedSecret is the raw Diffie-Hellman output between two key pairs.
type SharedSecret [KeySize]byte

// Slice returns the secret as a []byte.
func (s SharedSecret) Slice() []byte { return s[:] }

func decodeKey(dst, src []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(src))
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("key is %d bytes, want %d", len(raw), KeySize)
	}
	copy(dst, raw)
	return nil
}

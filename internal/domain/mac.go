package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MAC is a 48-bit agent hardware address stored in the low six bytes
// of a uint64.
type MAC uint64

const macMask = 1<<48 - 1

// ParseMAC parses a MAC from either colon-separated or bare 12-hex form
// ("aa:bb:cc:dd:ee:ff" or "aabbccddeeff").
func ParseMAC(s string) (MAC, error) {
	cleaned := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), ":", "")
	if len(cleaned) != 12 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	var mac uint64
	for _, b := range raw {
		mac = mac<<8 | uint64(b)
	}
	return MAC(mac), nil
}

// MACFromBytes builds a MAC from a 6-byte big-endian slice.
func MACFromBytes(b []byte) MAC {
	var mac uint64
	for _, x := range b[:6] {
		mac = mac<<8 | uint64(x)
	}
	return MAC(mac)
}

// Bytes returns the big-endian 6-byte form.
func (m MAC) Bytes() [6]byte {
	var out [6]byte
	v := uint64(m) & macMask
	for i := 5; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// Hex returns the bare lowercase 12-hex form used in AMQP routing keys.
func (m MAC) Hex() string {
	b := m.Bytes()
	return hex.EncodeToString(b[:])
}

// String returns the colon-separated form.
func (m MAC) String() string {
	b := m.Bytes()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// IsZero reports whether the MAC is unset.
func (m MAC) IsZero() bool { return m&macMask == 0 }

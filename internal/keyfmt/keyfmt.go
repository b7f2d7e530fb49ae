// Package keyfmt provides deterministic encodings for physical partition
// and row keys.
package keyfmt

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Separator joins composite key components. The escaping scheme never
// produces it, so joined components can always be split unambiguously.
const Separator = "~"

// Empty is the escaped form of the empty string. No non-empty input
// escapes to a bare "!", so the mapping stays invertible.
const Empty = "!"

// MaxAscending is the largest value AscendingInt accepts: the biggest
// integer a float64 number property can represent exactly.
const MaxAscending = int64(1)<<53 - 1

const ascendingWidth = 20

const hexDigits = "0123456789ABCDEF"

func isPlain(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '.' || c == '_' || c == '-'
}

// Escape encodes an arbitrary string into the key alphabet
// [A-Za-z0-9._!-]. Bytes outside [A-Za-z0-9._-] become "!XX" (uppercase
// hex), a percent-escape with "!" substituted for "%" so that
// backend-reserved characters never appear in a physical key.
func Escape(s string) string {
	if s == "" {
		return Empty
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('!')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// Unescape inverts Escape. It fails on input that Escape cannot produce.
func Unescape(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty escaped key")
	}
	if s == Empty {
		return "", nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '!' {
			if !isPlain(c) {
				return "", fmt.Errorf("invalid key character %q at offset %d", c, i)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d", i)
		}
		v, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("invalid escape %q at offset %d", s[i:i+3], i)
		}
		b.WriteByte(v[0])
		i += 2
	}
	return b.String(), nil
}

// Join escapes each component and joins them with Separator. Empty
// components survive the round trip.
func Join(components []string) string {
	escaped := make([]string, len(components))
	for i, c := range components {
		escaped[i] = Escape(c)
	}
	return strings.Join(escaped, Separator)
}

// Split inverts Join.
func Split(key string) ([]string, error) {
	parts := strings.Split(key, Separator)
	out := make([]string, len(parts))
	for i, p := range parts {
		s, err := Unescape(p)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Digest hashes an ordered list of per-property hash values into a single
// hex key. Each value is length-prefixed (uint64 big-endian) before
// hashing so that adjacent values can never collide by concatenation.
func Digest(parts [][]byte) string {
	h := sha512.New()
	var prefix [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(p)))
		h.Write(prefix[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AscendingInt encodes a non-negative integer as a fixed-width,
// zero-padded decimal string whose lexicographic order equals numeric
// order.
func AscendingInt(n int64) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("ascending key value must be non-negative, got %d", n)
	}
	if n > MaxAscending {
		return "", fmt.Errorf("ascending key value %d exceeds maximum %d", n, MaxAscending)
	}
	return fmt.Sprintf("%0*d", ascendingWidth, n), nil
}

package entity

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
)

// signBag computes the HMAC-SHA512 signature for a record written under
// this schema version: the version, both physical keys, and every
// declared property's name and value hash in sorted name order. Each
// field is length-prefixed so adjacent fields cannot run together.
// Encrypted properties contribute their plaintext hash, so the signature
// stays stable when a value is resealed under a fresh nonce.
func (s *Schema) signBag(signingKey []byte, pk, rk string, props map[string]any) ([]byte, error) {
	mac := hmac.New(sha512.New, signingKey)
	writeField := func(b []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(b)))
		mac.Write(length[:])
		mac.Write(b)
	}

	writeField([]byte(strconv.Itoa(s.version)))
	writeField([]byte(pk))
	writeField([]byte(rk))

	names := make([]string, 0, len(s.properties))
	for name := range s.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := props[name]
		if !ok || v == nil {
			return nil, fmt.Errorf("lattice: cannot sign, property %q is missing", name)
		}
		h, err := s.properties[name].Hash(v)
		if err != nil {
			return nil, fmt.Errorf("lattice: cannot sign property %q: %w", name, err)
		}
		writeField([]byte(name))
		writeField(h)
	}
	return mac.Sum(nil), nil
}

// verifyBag reports whether sig is the valid signature for the given
// keys and bag under this schema version. Comparison is constant time.
func (s *Schema) verifyBag(signingKey []byte, pk, rk string, props map[string]any, sig []byte) (bool, error) {
	want, err := s.signBag(signingKey, pk, rk, props)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, sig), nil
}

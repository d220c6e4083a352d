// Package fingerprint derives the key identifying an export job and the
// artifact it produces.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"strings"
)

// Length is the number of base36 characters kept from the digest. 16 characters
// carry about 82 bits, far above the birthday bound of the expected number of
// accounts.
const Length = 16

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// a sha256 digest needs at most 50 base36 digits
	fullLength = 50
)

// New returns the fingerprint of (root, identity, secret). Each field is length
// prefixed before hashing, so no two different triples share an input.
func New(root, identity, secret string) string {
	h := sha256.New()
	for _, field := range []string{root, identity, secret} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}

	text := new(big.Int).SetBytes(h.Sum(nil)).Text(36)
	if pad := fullLength - len(text); pad > 0 {
		text = strings.Repeat("0", pad) + text
	}
	return text[:Length]
}

// Valid reports whether s has the shape of a fingerprint. It is used to reject
// path parameters before they reach the filesystem.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

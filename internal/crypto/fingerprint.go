package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/xof"
)

// SignPreKey computes the signed pre-key signature as
// SHA-256(preKeyPublic || identityPublic).
//
// This is a binding hash rather than a PKI signature: it proves only that the
// two public keys were published together.
func SignPreKey(preKeyPublic, identityPublic []byte) []byte {
	h := sha256.New()
	h.Write(preKeyPublic)
	h.Write(identityPublic)
	return h.Sum(nil)
}

// VerifyPreKeySignature reports whether sig matches SignPreKey for the given keys.
func VerifyPreKeySignature(preKeyPublic, identityPublic, sig []byte) bool {
	want := SignPreKey(preKeyPublic, identityPublic)
	return subtle.ConstantTimeCompare(want, sig) == 1
}

// SafetyNumber combines two identity public keys into a human comparable
// fingerprint of SafetyNumberGroups groups of five decimal digits.
//
// The keys are ordered bytewise before hashing, so the result does not
// depend on which party computes it.
func SafetyNumber(a, b []byte) (string, error) {
	if len(a) != P256PublicKeySize || len(b) != P256PublicKeySize {
		return "", ErrInvalidPublicKey
	}

	first, second := a, b
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	h := xof.SHAKE256.New()
	h.Write([]byte(SafetyNumberContext))
	for _, key := range [][]byte{first, second} {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(key)))
		h.Write(length[:])
		h.Write(key)
	}

	out := make([]byte, SafetyNumberGroups*5)
	if _, err := h.Read(out); err != nil {
		return "", fmt.Errorf("expand safety number: %w", err)
	}

	groups := make([]string, SafetyNumberGroups)
	for i := range groups {
		chunk := out[i*5 : i*5+5]
		var v uint64
		for _, c := range chunk {
			v = v<<8 | uint64(c)
		}
		groups[i] = fmt.Sprintf("%05d", v%100000)
	}
	return strings.Join(groups, " "), nil
}

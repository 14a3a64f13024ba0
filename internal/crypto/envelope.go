package crypto

import (
	"crypto/ecdh"
	"fmt"
	"io"
)

// Envelope is a sender key wrapped for exactly one recipient device.
type Envelope struct {
	// EphemeralPublicKey is the sender's one-off P-256 public key.
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	// Salt is the random HKDF salt used to derive the wrapping key.
	Salt []byte `json:"salt"`
	// IV is the AES-GCM nonce.
	IV []byte `json:"iv"`
	// Ciphertext is the wrapped key followed by the GCM tag.
	Ciphertext []byte `json:"ciphertext"`
}

// Validate checks that all envelope fields are present and correctly sized.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if len(e.EphemeralPublicKey) != P256PublicKeySize {
		return fmt.Errorf("%w: ephemeral public key is %d bytes", ErrInvalidEnvelope, len(e.EphemeralPublicKey))
	}
	if len(e.Salt) != HKDFSaltSize {
		return fmt.Errorf("%w: salt is %d bytes", ErrInvalidEnvelope, len(e.Salt))
	}
	if len(e.IV) != AESNonceSize {
		return fmt.Errorf("%w: iv is %d bytes", ErrInvalidEnvelope, len(e.IV))
	}
	if len(e.Ciphertext) < AESTagSize {
		return fmt.Errorf("%w: ciphertext is %d bytes", ErrInvalidEnvelope, len(e.Ciphertext))
	}
	return nil
}

// WrapKey encrypts key for the holder of recipientIdentityPublic.
//
// The wrapping process:
//  1. Generate an ephemeral P-256 keypair
//  2. ECDH(ephemeral private, recipient identity public)
//  3. HKDF-SHA-256 with a random salt and info "e2e-key-encryption"
//  4. AES-256-GCM encryption of key under a fresh nonce
func WrapKey(recipientIdentityPublic, key []byte) (*Envelope, error) {
	ephemeral, err := ecdh.P256().GenerateKey(random())
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrKeyGeneration, err)
	}

	secret, err := sharedSecret(ephemeral, recipientIdentityPublic)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, HKDFSaltSize)
	if _, err := io.ReadFull(random(), salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	wrappingKey, err := DeriveKey(secret, salt, []byte(HKDFInfo), AESKeySize)
	if err != nil {
		return nil, err
	}

	iv, ciphertext, err := Seal(wrappingKey, key, nil)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		Salt:               salt,
		IV:                 iv,
		Ciphertext:         ciphertext,
	}, nil
}

// UnwrapKey recovers the key carried in env using the recipient's identity
// private key.
func UnwrapKey(identityPrivate []byte, env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	priv, err := ParsePrivateKey(identityPrivate)
	if err != nil {
		return nil, err
	}

	secret, err := sharedSecret(priv, env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}

	wrappingKey, err := DeriveKey(secret, env.Salt, []byte(HKDFInfo), AESKeySize)
	if err != nil {
		return nil, err
	}

	key, err := DecryptAESGCM(wrappingKey, env.IV, nil, env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes", ErrInvalidKeySize, len(key))
	}
	return key, nil
}

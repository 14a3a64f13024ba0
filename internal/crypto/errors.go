package crypto

import "errors"

var (
	// ErrInvalidPublicKey is returned when a public key is not a valid
	// uncompressed P-256 point.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when a private key is not a valid
	// P-256 scalar.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrKeyGeneration is returned when the random source or the curve
	// implementation fails to produce a key.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrKeyAgreement is returned when the ECDH step fails.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeySize is returned when the AES key size is invalid.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonceSize is returned when the nonce size is invalid.
	ErrInvalidNonceSize = errors.New("invalid nonce size")

	// ErrInvalidEnvelope is returned when a wrapped key envelope is missing
	// fields or carries fields of the wrong size.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

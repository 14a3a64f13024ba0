// Package crypto provides the cryptographic primitives for the groupkeys
// sender-key protocol. It implements device identity keys, asymmetric key
// wrapping, authenticated message encryption, and fingerprints.
//
// # Algorithm Suite
//
// The package uses the following cryptographic algorithms:
//
//   - ECDH over NIST P-256: Identity keys, signed pre-keys, and the ephemeral
//     keys used to wrap sender keys for a single recipient device.
//
//   - HKDF-SHA-256 (RFC 5869): Derives the AES key that protects a wrapped
//     sender key from the ECDH shared secret. The info string is
//     "e2e-key-encryption" and the salt is random per envelope.
//
//   - AES-256-GCM: Authenticated encryption for both group messages (keyed by
//     the sender key) and wrapped sender keys (keyed by the HKDF output).
//
//   - SHAKE-256: Expands two identity public keys into a safety number.
//
// # Envelopes
//
// [WrapKey] produces an [Envelope] carrying the ephemeral public key, the HKDF
// salt, the GCM IV, and the ciphertext. The salt travels with the envelope so
// the recipient can reproduce the derived key; [UnwrapKey] reverses the
// process with the recipient's identity private key.
//
// # Critical Security Notes
//
// AES-GCM nonces MUST be unique for each encryption with the same key. [Seal]
// always draws a fresh 96-bit nonce from the package random source; callers
// should prefer it over [EncryptAESGCM] with a caller-supplied nonce.
//
// Identity private keys should never be logged, transmitted, or stored outside
// the device's local key/value store.
//
// # Base64 Encoding
//
// [ToBase64]/[FromBase64] use standard base64 with padding, for message
// ciphertexts and persisted key material.
package crypto

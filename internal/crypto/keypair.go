package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
)

// randReader is the random source used for keypairs, salts, nonces and
// symmetric keys.
// It defaults to nil (which uses crypto/rand) but can be overridden for testing.
var randReader io.Reader

func random() io.Reader {
	if randReader != nil {
		return randReader
	}
	return rand.Reader
}

// Keypair represents an ECDH P-256 keypair.
type Keypair struct {
	// PublicKey is the uncompressed SEC 1 encoding of the public point.
	PublicKey []byte
	// PrivateKey is the raw 32-byte private scalar.
	PrivateKey []byte
}

// GenerateKeypair creates a new ECDH P-256 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdh.P256().GenerateKey(random())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	return &Keypair{
		PublicKey:  priv.PublicKey().Bytes(),
		PrivateKey: priv.Bytes(),
	}, nil
}

// KeypairFromPrivateKey reconstructs a keypair from the private scalar.
func KeypairFromPrivateKey(privateKey []byte) (*Keypair, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	return &Keypair{
		PublicKey:  priv.PublicKey().Bytes(),
		PrivateKey: priv.Bytes(),
	}, nil
}

// ParsePublicKey imports an uncompressed P-256 public key.
func ParsePublicKey(publicKey []byte) (*ecdh.PublicKey, error) {
	if len(publicKey) != P256PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(publicKey), P256PublicKeySize)
	}
	pub, err := ecdh.P256().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// ParsePrivateKey imports a raw P-256 private scalar.
func ParsePrivateKey(privateKey []byte) (*ecdh.PrivateKey, error) {
	if len(privateKey) != P256PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPrivateKey, len(privateKey), P256PrivateKeySize)
	}
	priv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return priv, nil
}

// SharedSecret performs ECDH between the keypair's private key and a peer
// public key.
func (k *Keypair) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(k.PrivateKey)
	if err != nil {
		return nil, err
	}
	return sharedSecret(priv, peerPublicKey)
}

func sharedSecret(priv *ecdh.PrivateKey, peerPublicKey []byte) ([]byte, error) {
	pub, err := ParsePublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return secret, nil
}

// ValidateKeypair validates that a keypair has the correct structure and that
// the public key matches the private key.
func ValidateKeypair(keypair *Keypair) bool {
	if keypair == nil {
		return false
	}

	if len(keypair.PublicKey) != P256PublicKeySize || len(keypair.PrivateKey) != P256PrivateKeySize {
		return false
	}

	derived, err := KeypairFromPrivateKey(keypair.PrivateKey)
	if err != nil {
		return false
	}

	if len(derived.PublicKey) != len(keypair.PublicKey) {
		return false
	}
	for i := range derived.PublicKey {
		if derived.PublicKey[i] != keypair.PublicKey[i] {
			return false
		}
	}

	return true
}

// GenerateSymmetricKey returns a fresh random AES-256 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(random(), key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return key, nil
}

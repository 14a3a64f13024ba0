package crypto

const (
	// HKDFInfo is the info string used when deriving the AES key that
	// protects a wrapped sender key.
	HKDFInfo = "e2e-key-encryption"

	// MessageContext prefixes the additional authenticated data bound into
	// every group message ciphertext.
	MessageContext = "groupkeys:message:v1"

	// SafetyNumberContext is the domain separation string for safety numbers.
	SafetyNumberContext = "groupkeys:safety-number:v1"

	// P256PublicKeySize is the size of an uncompressed SEC 1 P-256 point.
	P256PublicKeySize = 65

	// P256PrivateKeySize is the size of a P-256 private scalar.
	P256PrivateKeySize = 32

	// HKDFSaltSize is the size of the random salt carried in each envelope.
	HKDFSaltSize = 32

	// AESKeySize is the size of an AES-256 key in bytes.
	AESKeySize = 32

	// AESNonceSize is the size of an AES-GCM nonce in bytes.
	AESNonceSize = 12

	// AESTagSize is the size of an AES-GCM authentication tag in bytes.
	AESTagSize = 16

	// SafetyNumberGroups is the number of five digit groups in a safety number.
	SafetyNumberGroups = 12
)

// AlgsCiphersuite is the canonical string representation of the algorithm suite.
var AlgsCiphersuite = "ECDH-P256:HKDF-SHA-256:AES-256-GCM:SHAKE-256"

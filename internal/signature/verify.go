// Package signature implements the algorithm-selectable public-key signature
// check (C4). Built entirely on the standard library's crypto/x509, rsa,
// ecdsa, and ed25519 packages — the example pack contains no third-party
// asymmetric-cryptography library, so this is a deliberate standard-library
// component (see DESIGN.md).
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrInvalidPublicKey     = errors.New("public key is not parseable")
	ErrInvalidSignature     = errors.New("invalid signature encoding")
)

// SupportedAlgorithms is the allowlist consulted both at registration (via
// the registry's AlgorithmValidator) and here at verification time.
var SupportedAlgorithms = map[string]crypto.Hash{
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// IsSupportedAlgorithm reports whether algorithm is in the allowlist.
func IsSupportedAlgorithm(algorithm string) bool {
	_, ok := SupportedAlgorithms[algorithm]
	return ok
}

// ParsePublicKey decodes a PEM-encoded public key of any of the supported
// asymmetric types (RSA, ECDSA, Ed25519).
func ParsePublicKey(pemText string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key, nil
}

// Verify checks that signatureB64 (base64-encoded) is a valid signature over
// message under publicKey, using the digest named by algorithm.
func Verify(publicKey crypto.PublicKey, algorithm string, message []byte, signatureB64 string) (bool, error) {
	hash, ok := SupportedAlgorithms[algorithm]
	if !ok {
		return false, ErrUnsupportedAlgorithm
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, ErrInvalidSignature
	}

	digest := Digest(hash, message)

	switch pub := publicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
			return false, nil
		}
		return true, nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest, sig), nil
	case ed25519.PublicKey:
		// Ed25519 signs the message directly; it defines its own hashing.
		return ed25519.Verify(pub, message, sig), nil
	default:
		return false, fmt.Errorf("%w: unrecognized key type %T", ErrInvalidPublicKey, publicKey)
	}
}

// Digest hashes message under the given crypto.Hash, as used by both Verify
// here and the client runtime's signing path (internal/client), so the two
// sides of the handshake always agree on what bytes are actually signed.
func Digest(hash crypto.Hash, message []byte) []byte {
	switch hash {
	case crypto.SHA384:
		sum := sha512.Sum384(message)
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512(message)
		return sum[:]
	default:
		sum := sha256.Sum256(message)
		return sum[:]
	}
}

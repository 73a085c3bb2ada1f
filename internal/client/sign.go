package client

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/llmgateway/gateway/internal/signature"
)

// sign produces the base64-encoded signature over message using key under
// algorithm, mirroring exactly what the server's signature.Verify expects
// (internal/signature.Digest computes the same digest on both sides).
func sign(key crypto.Signer, algorithm string, message []byte) (string, error) {
	if ed25519Key, ok := key.(ed25519.PrivateKey); ok {
		sig, err := ed25519Key.Sign(rand.Reader, message, crypto.Hash(0))
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(sig), nil
	}

	hash, ok := signature.SupportedAlgorithms[algorithm]
	if !ok {
		return "", fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}
	digest := signature.Digest(hash, message)
	sig, err := key.Sign(rand.Reader, digest, hash)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

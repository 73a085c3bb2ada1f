package registry

import "errors"

var (
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrDuplicateName       = errors.New("client name already registered")
	ErrDuplicateKey        = errors.New("public key already registered")
	ErrClientNotFound      = errors.New("client not found or has been revoked")
)

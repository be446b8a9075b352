package apikey

import "errors"

// Sentinel errors for the API key service layer.
var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrRevoked    = errors.New("api key revoked")
	ErrNotFound   = errors.New("api key not found")
)

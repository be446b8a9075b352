// Package apikey issues and checks the API keys that guard the HTTP API.
//
// Plaintext keys are shown once at creation and never stored; the store
// keeps a SHA-256 digest for lookup and a short prefix for identification.
//
// The service layer depends on the Repository interface defined in
// repository.go. It never imports net/http or database/sql directly.
package apikey

// Package credentials resolves upstream credential references.
//
// DESIGN: Routes name credentials by reference (an environment variable
// name), never by value. Provisioning is an external collaborator; the
// process environment (optionally seeded from .env files at startup) is
// the handoff point. Secrets are resolved per dispatch and never logged.
package credentials

import (
	"errors"
	"fmt"
	"os"
)

// ErrNotFound means the referenced credential is absent from the store.
var ErrNotFound = errors.New("credential reference not found")

// Store resolves credential references to secret values.
type Store interface {
	// Resolve returns the secret for a credential reference.
	Resolve(ref string) (string, error)
}

// EnvStore resolves references as environment variable names.
type EnvStore struct{}

// NewEnvStore creates the environment-backed credential store.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

// Resolve looks the reference up in the process environment. An empty ref
// resolves to an empty secret, for upstreams that need none (e.g. local
// Ollama, or Bedrock where SigV4 signing replaces header auth).
func (s *EnvStore) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value := os.Getenv(ref)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return value, nil
}

// StaticStore serves credentials from a fixed map. Used in tests.
type StaticStore map[string]string

// Resolve returns the mapped secret.
func (s StaticStore) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return value, nil
}

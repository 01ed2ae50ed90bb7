package storage

import (
	"fmt"
	"os"
)

// EnvSecretStore resolves secrets from the process environment. Deployments
// that need a real secret manager swap this for their own implementation of
// domain.SecretStore.
type EnvSecretStore struct{}

// NewEnvSecretStore creates an environment-backed secret store.
func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{}
}

// Get returns the named secret or an error when it is unset.
func (s *EnvSecretStore) Get(name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("secret %s is not set", name)
	}
	return value, nil
}

package config

import (
	"context"
	"os"
)

// SecretProvider resolves secret references (SSM parameter paths) to their
// plaintext values.
type SecretProvider interface {
	// GetParametersBatch returns a map of key to plaintext value. Keys that
	// cannot be resolved are omitted or reported as an error depending on
	// the implementation.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// EnvVarProvider resolves keys as OS environment variables. Used locally
// where secrets live in the environment or a .env file.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch never fails; unknown keys are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

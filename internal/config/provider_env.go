package config

import (
	"context"
	"os"
)

// EnvVarProvider is a SecretProvider backed by the process environment.
// Local development sets secrets directly (or via .env) instead of pointing
// at SSM parameters.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks each key up with os.LookupEnv. Unset keys are
// omitted rather than reported as errors.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			resolved[key] = value
		}
	}
	return resolved, nil
}

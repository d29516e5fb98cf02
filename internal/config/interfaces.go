package config

import "context"

// SecretProvider resolves secret values by path. SSMProvider serves deployed
// environments; EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns the plaintext value of every key it could
	// resolve. Keys that do not exist are omitted from the map.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

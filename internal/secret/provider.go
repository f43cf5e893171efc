package secret

import "context"

// Provider defines the interface for retrieving secrets from various sources.
type Provider interface {
	// Get retrieves the secret value for the given path. Manager strips the
	// scheme before calling, so "env://OPENAI_API_KEY" arrives as
	// "OPENAI_API_KEY" and "vault://secret/data/openai" as "secret/data/openai".
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

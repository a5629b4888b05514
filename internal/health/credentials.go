package health

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CredentialResolver turns a data source's secret reference into the secret
// itself. Credential storage and encryption live outside the engine; only
// the reference travels with the source.
type CredentialResolver interface {
	Resolve(ctx context.Context, secretRef string) (string, error)
}

// EnvCredentialResolver resolves secret references from environment
// variables: "orders-db" becomes PIPEPULSE_SECRET_ORDERS_DB.
type EnvCredentialResolver struct{}

// Resolve looks the secret up in the environment.
func (EnvCredentialResolver) Resolve(_ context.Context, secretRef string) (string, error) {
	key := "PIPEPULSE_SECRET_" + sanitizeRef(secretRef)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (env %s)", secretRef, key)
	}
	return value, nil
}

// StaticCredentialResolver resolves from a fixed map. Intended for tests.
type StaticCredentialResolver map[string]string

// Resolve looks the secret up in the map.
func (r StaticCredentialResolver) Resolve(_ context.Context, secretRef string) (string, error) {
	value, ok := r[secretRef]
	if !ok {
		return "", fmt.Errorf("secret %q not found", secretRef)
	}
	return value, nil
}

func sanitizeRef(ref string) string {
	upper := strings.ToUpper(ref)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

package gateway

import (
	"context"
	"sort"
	"strings"

	"posplatform/internal/common/apperror"
	"posplatform/internal/integrations"
)

// Factory builds a Client from a connection and its decrypted secret.
type Factory func(conn *integrations.Connection, secret string) (Client, error)

// Registry maps connection kinds to client factories. Register all kinds
// at startup; the registry is read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[strings.ToLower(kind)] = f
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Supports reports whether kind has a factory.
func (r *Registry) Supports(kind string) bool {
	_, ok := r.factories[strings.ToLower(kind)]
	return ok
}

// Client builds the client for conn.
func (r *Registry) Client(conn *integrations.Connection, secret string) (Client, error) {
	f, ok := r.factories[strings.ToLower(conn.Kind)]
	if !ok {
		return nil, apperror.Validation("unsupported payment provider kind %q", conn.Kind)
	}
	return f(conn, secret)
}

// TestConnection builds the client for conn and pings the provider when
// the client supports it.
func (r *Registry) TestConnection(ctx context.Context, conn *integrations.Connection, secret *string) error {
	if secret == nil {
		return apperror.Validation("connection %s has no stored secret", conn.ID)
	}
	client, err := r.Client(conn, *secret)
	if err != nil {
		return err
	}
	if p, ok := client.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

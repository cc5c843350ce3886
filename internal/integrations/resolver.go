package integrations

import (
	"context"
	"log/slog"

	"posplatform/internal/common/apperror"
)

// Decrypter opens stored secret envelopes.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Resolved is a connection with its secret in plaintext. Secret is nil for
// connections that have none stored. It must not outlive the call that
// resolved it.
type Resolved struct {
	Connection *Connection
	Secret     *string
}

// Resolver is the only path by which decrypted secrets leave this package.
type Resolver struct {
	store  Store
	vault  Decrypter
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store Store, vault Decrypter, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, vault: vault, logger: logger}
}

// ResolveByID loads a connection and decrypts its secret if one is stored.
func (r *Resolver) ResolveByID(ctx context.Context, tenantID, connectionID string) (*Resolved, error) {
	if tenantID == "" || connectionID == "" {
		return nil, apperror.Validation("tenant and connection id are required")
	}

	conn, err := r.store.Get(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.HasSecret() {
		return &Resolved{Connection: conn}, nil
	}

	secret, err := r.decrypt(conn)
	if err != nil {
		return nil, err
	}
	return &Resolved{Connection: conn, Secret: &secret}, nil
}

// ResolveActiveByKind loads the workspace's active connection of kind. An
// active connection without a secret cannot call out and is a conflict.
func (r *Resolver) ResolveActiveByKind(ctx context.Context, tenantID, workspaceID, kind string) (*Resolved, error) {
	if tenantID == "" || workspaceID == "" {
		return nil, apperror.Validation("tenant and workspace are required")
	}
	if kind == "" {
		return nil, apperror.Validation("connection kind is required")
	}

	conn, err := r.store.GetActiveByKind(ctx, tenantID, workspaceID, kind)
	if err != nil {
		return nil, err
	}
	if !conn.HasSecret() {
		return nil, apperror.Conflict("active %s connection %s has no stored secret", kind, conn.ID)
	}

	secret, err := r.decrypt(conn)
	if err != nil {
		return nil, err
	}
	return &Resolved{Connection: conn, Secret: &secret}, nil
}

func (r *Resolver) decrypt(conn *Connection) (string, error) {
	secret, err := r.vault.Decrypt(*conn.SecretEncrypted)
	if err != nil {
		r.logger.Error("stored connection secret is unreadable",
			"connection_id", conn.ID,
			"tenant_id", conn.TenantID,
			"workspace_id", conn.WorkspaceID,
			"kind", conn.Kind,
			"error", err,
		)
		return "", apperror.Wrap(apperror.ErrInvariant, err, "decrypting secret of connection %s", conn.ID)
	}
	return secret, nil
}

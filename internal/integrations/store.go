package integrations

import (
	"context"
	"encoding/json"
	"fmt"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/database"
)

// Store persists connections.
type Store interface {
	Create(ctx context.Context, c *Connection) error
	Get(ctx context.Context, tenantID, id string) (*Connection, error)
	GetActiveByKind(ctx context.Context, tenantID, workspaceID, kind string) (*Connection, error)
	List(ctx context.Context, tenantID, workspaceID string) ([]*Connection, error)
	Update(ctx context.Context, c *Connection) error
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const connectionColumns = `
	id, tenant_id, workspace_id, kind, auth_method, status,
	config, secret_encrypted, created_at, updated_at`

// Create inserts a new connection. A second active connection of the
// same kind in a workspace is a conflict.
func (s *PostgresStore) Create(ctx context.Context, c *Connection) error {
	query := `
		INSERT INTO integration_connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	config, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		c.ID, c.TenantID, c.WorkspaceID, c.Kind, c.AuthMethod, c.Status,
		config, c.SecretEncrypted, c.CreatedAt, c.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("an active %s connection already exists for workspace %s", c.Kind, c.WorkspaceID)
	}
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// Get retrieves a connection by ID within a tenant.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM integration_connections
		WHERE tenant_id = $1 AND id = $2`

	c, err := scanConnection(s.db.QueryRow(ctx, query, tenantID, id))
	if database.IsNoRows(err) {
		return nil, apperror.NotFound("connection %s not found", id)
	}
	return c, err
}

// GetActiveByKind retrieves the active connection of a kind for a workspace.
func (s *PostgresStore) GetActiveByKind(ctx context.Context, tenantID, workspaceID, kind string) (*Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM integration_connections
		WHERE tenant_id = $1 AND workspace_id = $2 AND kind = $3 AND status = 'active'`

	c, err := scanConnection(s.db.QueryRow(ctx, query, tenantID, workspaceID, kind))
	if database.IsNoRows(err) {
		return nil, apperror.NotFound("no active %s connection for workspace %s", kind, workspaceID)
	}
	return c, err
}

// List returns a workspace's connections, newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID, workspaceID string) ([]*Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM integration_connections
		WHERE tenant_id = $1 AND workspace_id = $2
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update writes the mutable fields of a connection.
func (s *PostgresStore) Update(ctx context.Context, c *Connection) error {
	query := `
		UPDATE integration_connections SET
			auth_method = $3, status = $4, config = $5, secret_encrypted = $6, updated_at = $7
		WHERE tenant_id = $1 AND id = $2
	`

	config, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tag, err := s.db.Exec(ctx, query,
		c.TenantID, c.ID, c.AuthMethod, c.Status, config, c.SecretEncrypted, c.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("an active %s connection already exists for workspace %s", c.Kind, c.WorkspaceID)
	}
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("connection %s not found", c.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var config []byte

	err := row.Scan(
		&c.ID, &c.TenantID, &c.WorkspaceID, &c.Kind, &c.AuthMethod, &c.Status,
		&config, &c.SecretEncrypted, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(config) > 0 {
		if err := json.Unmarshal(config, &c.Config); err != nil {
			return nil, fmt.Errorf("decoding config of connection %s: %w", c.ID, err)
		}
	}
	if c.Config == nil {
		c.Config = map[string]any{}
	}
	return &c, nil
}

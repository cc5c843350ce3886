package integrations

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/events"
)

// Cipher seals and opens secret envelopes.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypter
}

// Tester checks that a connection can reach its provider.
type Tester interface {
	TestConnection(ctx context.Context, conn *Connection, secret *string) error
}

// Service implements connection management.
type Service struct {
	store     Store
	cipher    Cipher
	resolver  *Resolver
	tester    Tester
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new connection service.
func NewService(store Store, cipher Cipher, tester Tester, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		cipher:    cipher,
		resolver:  NewResolver(store, cipher, logger),
		tester:    tester,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Resolver returns the resolver backed by this service's store and cipher.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// CreateInput is the input for Create.
type CreateInput struct {
	TenantID    string
	WorkspaceID string
	Kind        string
	AuthMethod  AuthMethod
	Status      Status
	Config      map[string]any
	Secret      *string
}

// Create stores a new connection, encrypting its secret.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Connection, error) {
	if in.TenantID == "" || in.WorkspaceID == "" {
		return nil, apperror.Validation("tenant and workspace are required")
	}
	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	if kind == "" {
		return nil, apperror.Validation("kind is required")
	}
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return nil, apperror.Validation("unknown connection status %q", in.Status)
	}
	method := in.AuthMethod
	if method == "" {
		method = AuthAPIKey
	}

	now := s.now()
	conn := &Connection{
		ID:          ulid.Make().String(),
		TenantID:    in.TenantID,
		WorkspaceID: in.WorkspaceID,
		Kind:        kind,
		AuthMethod:  method,
		Status:      status,
		Config:      in.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if conn.Config == nil {
		conn.Config = map[string]any{}
	}
	if err := s.setSecret(conn, in.Secret); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("connection created",
		"connection_id", conn.ID,
		"tenant_id", conn.TenantID,
		"workspace_id", conn.WorkspaceID,
		"kind", conn.Kind,
		"status", conn.Status,
	)
	s.publish(ctx, events.EventConnectionCreated, conn)
	return conn, nil
}

// List returns a workspace's connections.
func (s *Service) List(ctx context.Context, tenantID, workspaceID string) ([]*Connection, error) {
	if tenantID == "" || workspaceID == "" {
		return nil, apperror.Validation("tenant and workspace are required")
	}
	return s.store.List(ctx, tenantID, workspaceID)
}

// UpdateInput is the input for Update. Nil fields are left unchanged; an
// empty Secret clears the stored secret.
type UpdateInput struct {
	AuthMethod *AuthMethod
	Status     *Status
	Config     map[string]any
	Secret     *string
}

// Update patches a connection.
func (s *Service) Update(ctx context.Context, tenantID, id string, in UpdateInput) (*Connection, error) {
	conn, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, apperror.Validation("unknown connection status %q", *in.Status)
		}
		conn.Status = *in.Status
	}
	if in.AuthMethod != nil {
		conn.AuthMethod = *in.AuthMethod
	}
	if in.Config != nil {
		if conn.Config == nil {
			conn.Config = map[string]any{}
		}
		for k, v := range in.Config {
			if v == nil {
				delete(conn.Config, k)
				continue
			}
			conn.Config[k] = v
		}
	}
	if in.Secret != nil {
		if err := s.setSecret(conn, in.Secret); err != nil {
			return nil, err
		}
	}
	conn.UpdatedAt = s.now()

	if err := s.store.Update(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("connection updated",
		"connection_id", conn.ID,
		"workspace_id", conn.WorkspaceID,
		"status", conn.Status,
	)
	s.publish(ctx, events.EventConnectionUpdated, conn)
	return conn, nil
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK         bool
	Message    string
	Connection *Connection
}

// Test checks a connection against its provider. A failing active
// connection is marked invalid; a passing invalid one is reactivated.
func (s *Service) Test(ctx context.Context, tenantID, id string) (*TestResult, error) {
	resolved, err := s.resolver.ResolveByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	conn := resolved.Connection
	if conn.Status == StatusDisabled {
		return nil, apperror.Conflict("connection %s is disabled", id)
	}

	result := &TestResult{OK: true, Message: "ok", Connection: conn}
	next := conn.Status
	if testErr := s.tester.TestConnection(ctx, conn, resolved.Secret); testErr != nil {
		if apperror.IsValidation(testErr) {
			return nil, testErr
		}
		result.OK = false
		result.Message = testErr.Error()
		next = StatusInvalid
		s.logger.Warn("connection test failed",
			"connection_id", conn.ID,
			"kind", conn.Kind,
			"error", testErr,
		)
	} else if conn.Status == StatusInvalid {
		next = StatusActive
	}

	if next != conn.Status {
		conn.Status = next
		conn.UpdatedAt = s.now()
		if err := s.store.Update(ctx, conn); err != nil {
			return nil, err
		}
		s.publish(ctx, events.EventConnectionUpdated, conn)
	}
	return result, nil
}

func (s *Service) setSecret(conn *Connection, secret *string) error {
	if secret == nil || *secret == "" {
		conn.SecretEncrypted = nil
		return nil
	}
	envelope, err := s.cipher.Encrypt(*secret)
	if err != nil {
		return err
	}
	conn.SecretEncrypted = &envelope
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, conn *Connection) {
	evt, err := events.NewEvent(eventType, conn.TenantID, events.AggregateConnection, conn.ID,
		events.ConnectionChangedData{
			ConnectionID: conn.ID,
			Kind:         conn.Kind,
			Status:       string(conn.Status),
		})
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	evt.WithWorkspace(conn.WorkspaceID)
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "connection_id", conn.ID, "error", err)
	}
}

package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/database"
	"posplatform/internal/common/money"
	"posplatform/internal/payments/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `
	id, tenant_id, workspace_id, sale_id, register_id,
	amount_cents, currency, status, provider_kind, provider_ref,
	action, idempotency_key, failure_reason, paid_at, expires_at,
	raw_status, version, created_at, updated_at`

// Create inserts a new attempt. Either uniqueness constraint firing is a
// conflict.
func (s *PostgresStore) Create(ctx context.Context, a *domain.Attempt) error {
	query := `
		INSERT INTO payment_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	action, err := json.Marshal(a.Action)
	if err != nil {
		return fmt.Errorf("encoding action: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		a.ID, a.TenantID, a.WorkspaceID, database.NullString(a.SaleID), a.RegisterID,
		a.Amount.AmountMinor, string(a.Amount.Currency), string(a.Status), a.ProviderKind, a.ProviderRef,
		action, a.IdempotencyKey, database.NullString(a.FailureReason), a.PaidAt, a.ExpiresAt,
		rawJSON(a.RawStatus), a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		switch database.ConstraintName(err) {
		case "payment_attempts_provider_ref_uq":
			return apperror.Conflict("provider ref %s/%s is already bound to an attempt", a.ProviderKind, a.ProviderRef)
		default:
			return apperror.Conflict("an attempt with idempotency key %s already exists", a.IdempotencyKey)
		}
	}
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

// Get retrieves an attempt by ID within a workspace.
func (s *PostgresStore) Get(ctx context.Context, workspaceID, id string) (*domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE workspace_id = $1 AND id = $2`

	a, err := scanAttempt(s.db.QueryRow(ctx, query, workspaceID, id))
	if database.IsNoRows(err) {
		return nil, apperror.NotFound("payment attempt %s not found", id)
	}
	return a, err
}

// GetByIdempotencyKey retrieves an attempt by its idempotency key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, workspaceID, key string) (*domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE workspace_id = $1 AND idempotency_key = $2`

	a, err := scanAttempt(s.db.QueryRow(ctx, query, workspaceID, key))
	if database.IsNoRows(err) {
		return nil, apperror.NotFound("no payment attempt for idempotency key %s", key)
	}
	return a, err
}

// GetByProviderRef retrieves the attempt bound to a provider session.
func (s *PostgresStore) GetByProviderRef(ctx context.Context, workspaceID, kind, ref string) (*domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE workspace_id = $1 AND provider_kind = $2 AND provider_ref = $3`

	a, err := scanAttempt(s.db.QueryRow(ctx, query, workspaceID, kind, ref))
	if database.IsNoRows(err) {
		return nil, apperror.NotFound("no payment attempt for %s ref %s in workspace %s", kind, ref, workspaceID)
	}
	return a, err
}

// Update writes the mutable fields of an attempt guarded by its version.
func (s *PostgresStore) Update(ctx context.Context, a *domain.Attempt) error {
	query := `
		UPDATE payment_attempts SET
			status = $4, action = $5, failure_reason = $6, paid_at = $7,
			raw_status = $8, updated_at = $9, version = version + 1
		WHERE workspace_id = $1 AND id = $2 AND version = $3
	`

	action, err := json.Marshal(a.Action)
	if err != nil {
		return fmt.Errorf("encoding action: %w", err)
	}

	tag, err := s.db.Exec(ctx, query,
		a.WorkspaceID, a.ID, a.Version,
		string(a.Status), action, database.NullString(a.FailureReason), a.PaidAt,
		rawJSON(a.RawStatus), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.Conflict("payment attempt %s changed concurrently (version %d)", a.ID, a.Version)
	}
	a.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.Attempt, error) {
	var (
		a             domain.Attempt
		saleID        *string
		failureReason *string
		amount        int64
		currency      string
		status        string
		action        []byte
		raw           []byte
	)

	err := row.Scan(
		&a.ID, &a.TenantID, &a.WorkspaceID, &saleID, &a.RegisterID,
		&amount, &currency, &status, &a.ProviderKind, &a.ProviderRef,
		&action, &a.IdempotencyKey, &failureReason, &a.PaidAt, &a.ExpiresAt,
		&raw, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.SaleID = database.StringValue(saleID)
	a.FailureReason = database.StringValue(failureReason)
	a.Amount = money.New(amount, money.Currency(currency))

	// Stored values are re-validated on read.
	if a.Status, err = domain.ParseStatus(status); err != nil {
		return nil, apperror.Wrap(apperror.ErrInvariant, err, "attempt %s has corrupt status", a.ID)
	}
	if err := json.Unmarshal(action, &a.Action); err != nil {
		return nil, apperror.Wrap(apperror.ErrInvariant, err, "attempt %s has corrupt action", a.ID)
	}
	if len(raw) > 0 {
		a.RawStatus = json.RawMessage(raw)
	}
	return &a, nil
}

// rawJSON keeps NULL for absent payloads instead of the JSON literal null.
func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

package integrations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/events"
)

type testerFunc func(ctx context.Context, conn *Connection, secret *string) error

func (f testerFunc) TestConnection(ctx context.Context, conn *Connection, secret *string) error {
	return f(ctx, conn, secret)
}

type recordingPublisher struct {
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.events = append(p.events, e)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestService(t *testing.T, tester testerFunc) (*Service, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore()
	pub := &recordingPublisher{}
	if tester == nil {
		tester = func(context.Context, *Connection, *string) error { return nil }
	}
	return NewService(store, testVault(t), tester, pub, discard), store, pub
}

func TestCreateEncryptsSecret(t *testing.T) {
	svc, store, pub := newTestService(t, nil)

	conn, err := svc.Create(context.Background(), CreateInput{
		TenantID: "t1", WorkspaceID: "w1", Kind: " SumUp ",
		Config: map[string]any{"merchantCode": "M1"}, Secret: strPtr("sk_live"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sumup", conn.Kind)
	assert.Equal(t, StatusActive, conn.Status)
	require.True(t, conn.HasSecret())
	assert.NotContains(t, *conn.SecretEncrypted, "sk_live")

	resolved, err := svc.Resolver().ResolveActiveByKind(context.Background(), "t1", "w1", "sumup")
	require.NoError(t, err)
	assert.Equal(t, "sk_live", *resolved.Secret)
	assert.Equal(t, "M1", resolved.Connection.Setting("merchantCode"))

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventConnectionCreated, pub.events[0].Type)
	assert.Len(t, store.conns, 1)
}

func TestCreateSecondActiveOfKindConflicts(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	in := CreateInput{TenantID: "t1", WorkspaceID: "w1", Kind: "sumup", Secret: strPtr("a")}

	_, err := svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = svc.Create(ctx, in)
	assert.True(t, apperror.IsConflict(err))

	in.Status = StatusDisabled
	_, err = svc.Create(ctx, in)
	assert.NoError(t, err)
}

func TestUpdatePatchesConfigAndSecret(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	conn, err := svc.Create(ctx, CreateInput{
		TenantID: "t1", WorkspaceID: "w1", Kind: "adyen",
		Config: map[string]any{"merchantAccount": "A", "region": "eu"},
	})
	require.NoError(t, err)
	assert.False(t, conn.HasSecret())

	disabled := StatusDisabled
	updated, err := svc.Update(ctx, "t1", conn.ID, UpdateInput{
		Status: &disabled,
		Config: map[string]any{"merchantAccount": "B", "region": nil},
		Secret: strPtr("new-key"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, updated.Status)
	assert.Equal(t, "B", updated.Setting("merchantAccount"))
	assert.Equal(t, "", updated.Setting("region"))
	assert.True(t, updated.HasSecret())

	bad := Status("paused")
	_, err = svc.Update(ctx, "t1", conn.ID, UpdateInput{Status: &bad})
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.Update(ctx, "t1", "nope", UpdateInput{})
	assert.True(t, apperror.IsNotFound(err))
}

func TestTestMarksInvalidAndReactivates(t *testing.T) {
	fail := true
	svc, _, _ := newTestService(t, func(_ context.Context, _ *Connection, secret *string) error {
		if fail {
			return errors.New("401 from provider")
		}
		require.NotNil(t, secret)
		return nil
	})
	ctx := context.Background()
	conn, err := svc.Create(ctx, CreateInput{TenantID: "t1", WorkspaceID: "w1", Kind: "sumup", Secret: strPtr("sk")})
	require.NoError(t, err)

	res, err := svc.Test(ctx, "t1", conn.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, StatusInvalid, res.Connection.Status)

	fail = false
	res, err = svc.Test(ctx, "t1", conn.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, StatusActive, res.Connection.Status)
}

func TestTestDisabledConflicts(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	conn, err := svc.Create(ctx, CreateInput{TenantID: "t1", WorkspaceID: "w1", Kind: "sumup", Status: StatusDisabled})
	require.NoError(t, err)

	_, err = svc.Test(ctx, "t1", conn.ID)
	assert.True(t, apperror.IsConflict(err))
}

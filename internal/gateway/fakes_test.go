package gateway

import (
	"context"

	"posplatform/internal/integrations"
)

type fakeClient struct {
	kind              string
	CreateSessionFunc func(ctx context.Context, req SessionRequest) (*Session, error)
	GetStatusFunc     func(ctx context.Context, ref string) (*StatusReport, error)
}

func (f *fakeClient) Kind() string { return f.kind }

func (f *fakeClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	return f.CreateSessionFunc(ctx, req)
}

func (f *fakeClient) GetStatus(ctx context.Context, ref string) (*StatusReport, error) {
	return f.GetStatusFunc(ctx, ref)
}

type cancellingClient struct {
	*fakeClient
	cancelled []string
}

func (c *cancellingClient) CancelSession(_ context.Context, ref string) error {
	c.cancelled = append(c.cancelled, ref)
	return nil
}

type resolverFunc func(ctx context.Context, tenantID, workspaceID, kind string) (*integrations.Resolved, error)

func (f resolverFunc) ResolveActiveByKind(ctx context.Context, tenantID, workspaceID, kind string) (*integrations.Resolved, error) {
	return f(ctx, tenantID, workspaceID, kind)
}

func resolvedFor(kind, secret string) *integrations.Resolved {
	return &integrations.Resolved{
		Connection: &integrations.Connection{ID: "conn-" + kind, Kind: kind, Status: integrations.StatusActive},
		Secret:     &secret,
	}
}

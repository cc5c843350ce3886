package integrations

import (
	"context"
	"sort"

	"posplatform/internal/common/apperror"
)

// memStore is an in-memory Store enforcing the same uniqueness rule as the
// partial index on active connections.
type memStore struct {
	conns map[string]*Connection
}

func newMemStore(conns ...*Connection) *memStore {
	m := &memStore{conns: map[string]*Connection{}}
	for _, c := range conns {
		m.conns[c.ID] = c
	}
	return m
}

func (m *memStore) activeClash(c *Connection) bool {
	if c.Status != StatusActive {
		return false
	}
	for _, o := range m.conns {
		if o.ID != c.ID && o.Status == StatusActive && o.TenantID == c.TenantID &&
			o.WorkspaceID == c.WorkspaceID && o.Kind == c.Kind {
			return true
		}
	}
	return false
}

func (m *memStore) Create(_ context.Context, c *Connection) error {
	if m.activeClash(c) {
		return apperror.Conflict("an active %s connection already exists", c.Kind)
	}
	cp := *c
	m.conns[c.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, tenantID, id string) (*Connection, error) {
	c, ok := m.conns[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperror.NotFound("connection %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetActiveByKind(_ context.Context, tenantID, workspaceID, kind string) (*Connection, error) {
	for _, c := range m.conns {
		if c.TenantID == tenantID && c.WorkspaceID == workspaceID && c.Kind == kind && c.Status == StatusActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("no active %s connection", kind)
}

func (m *memStore) List(_ context.Context, tenantID, workspaceID string) ([]*Connection, error) {
	var out []*Connection
	for _, c := range m.conns {
		if c.TenantID == tenantID && c.WorkspaceID == workspaceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Update(_ context.Context, c *Connection) error {
	if _, ok := m.conns[c.ID]; !ok {
		return apperror.NotFound("connection %s not found", c.ID)
	}
	if m.activeClash(c) {
		return apperror.Conflict("an active %s connection already exists", c.Kind)
	}
	cp := *c
	m.conns[c.ID] = &cp
	return nil
}

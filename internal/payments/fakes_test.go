package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"posplatform/internal/common/apperror"
	"posplatform/internal/common/events"
	"posplatform/internal/common/metrics"
	"posplatform/internal/gateway"
	"posplatform/internal/payments/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is an in-memory Store enforcing the same uniqueness and
// version rules as the Postgres schema.
type memStore struct {
	mu       sync.Mutex
	attempts map[string]domain.Attempt

	// BeforeUpdate runs before each Update, under no lock.
	BeforeUpdate func(a *domain.Attempt)
	// CreateErr, when set, is returned by Create.
	CreateErr error
}

func newMemStore() *memStore {
	return &memStore{attempts: map[string]domain.Attempt{}}
}

func (m *memStore) Create(_ context.Context, a *domain.Attempt) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.WorkspaceID != a.WorkspaceID {
			continue
		}
		if existing.IdempotencyKey == a.IdempotencyKey {
			return apperror.Conflict("an attempt with idempotency key %s already exists", a.IdempotencyKey)
		}
		if existing.ProviderKind == a.ProviderKind && existing.ProviderRef == a.ProviderRef {
			return apperror.Conflict("provider ref already bound")
		}
	}
	m.attempts[a.ID] = *a
	return nil
}

func (m *memStore) find(match func(domain.Attempt) bool) (*domain.Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if match(a) {
			cp := a
			return &cp, true
		}
	}
	return nil, false
}

func (m *memStore) Get(_ context.Context, workspaceID, id string) (*domain.Attempt, error) {
	a, ok := m.find(func(a domain.Attempt) bool { return a.WorkspaceID == workspaceID && a.ID == id })
	if !ok {
		return nil, apperror.NotFound("payment attempt %s not found", id)
	}
	return a, nil
}

func (m *memStore) GetByIdempotencyKey(_ context.Context, workspaceID, key string) (*domain.Attempt, error) {
	a, ok := m.find(func(a domain.Attempt) bool { return a.WorkspaceID == workspaceID && a.IdempotencyKey == key })
	if !ok {
		return nil, apperror.NotFound("no payment attempt for idempotency key %s", key)
	}
	return a, nil
}

func (m *memStore) GetByProviderRef(_ context.Context, workspaceID, kind, ref string) (*domain.Attempt, error) {
	a, ok := m.find(func(a domain.Attempt) bool {
		return a.WorkspaceID == workspaceID && a.ProviderKind == kind && a.ProviderRef == ref
	})
	if !ok {
		return nil, apperror.NotFound("no payment attempt for %s ref %s", kind, ref)
	}
	return a, nil
}

func (m *memStore) Update(_ context.Context, a *domain.Attempt) error {
	if m.BeforeUpdate != nil {
		m.BeforeUpdate(a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.attempts[a.ID]
	if !ok || stored.WorkspaceID != a.WorkspaceID {
		return apperror.NotFound("payment attempt %s not found", a.ID)
	}
	if stored.Version != a.Version {
		return apperror.Conflict("payment attempt %s changed concurrently", a.ID)
	}
	a.Version++
	m.attempts[a.ID] = *a
	return nil
}

// put stores a directly, bypassing the uniqueness checks.
func (m *memStore) put(a domain.Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a
}

type fakeGateway struct {
	CreateSessionFunc func(ctx context.Context, scope gateway.Scope, req gateway.SessionRequest) (*gateway.Session, error)
	GetStatusFunc     func(ctx context.Context, scope gateway.Scope, kind, ref string) (*gateway.StatusReport, error)
	CancelSessionFunc func(ctx context.Context, scope gateway.Scope, kind, ref string) error

	createCalls int
	statusCalls int
	cancelCalls int
}

func (f *fakeGateway) CreateSession(ctx context.Context, scope gateway.Scope, req gateway.SessionRequest) (*gateway.Session, error) {
	f.createCalls++
	return f.CreateSessionFunc(ctx, scope, req)
}

func (f *fakeGateway) GetStatus(ctx context.Context, scope gateway.Scope, kind, ref string) (*gateway.StatusReport, error) {
	f.statusCalls++
	if f.GetStatusFunc == nil {
		panic("unexpected GetStatus call")
	}
	return f.GetStatusFunc(ctx, scope, kind, ref)
}

func (f *fakeGateway) CancelSession(ctx context.Context, scope gateway.Scope, kind, ref string) error {
	f.cancelCalls++
	if f.CancelSessionFunc == nil {
		return gateway.ErrCancelUnsupported
	}
	return f.CancelSessionFunc(ctx, scope, kind, ref)
}

// sumupSession returns a CreateSessionFunc that opens pending sessions
// with sequential refs.
func sumupSession() func(context.Context, gateway.Scope, gateway.SessionRequest) (*gateway.Session, error) {
	n := 0
	return func(context.Context, gateway.Scope, gateway.SessionRequest) (*gateway.Session, error) {
		n++
		return &gateway.Session{
			ProviderKind: "sumup",
			ProviderRef:  fmt.Sprintf("ref-%d", n),
			Status:       domain.StatusPending,
			Action:       domain.RedirectURL("https://x"),
		}, nil
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	svc   *Service
	store *memStore
	gw    *fakeGateway
	pub   *recordingPublisher
	clock *clock
}

func newHarness() *harness {
	h := &harness{
		store: newMemStore(),
		gw:    &fakeGateway{CreateSessionFunc: sumupSession()},
		pub:   &recordingPublisher{},
		clock: &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(h.store, h.gw, h.pub, metrics.New(), Config{StaleAfter: 15 * time.Second}, discard)
	h.svc.now = h.clock.now
	return h
}

var scope = gateway.Scope{TenantID: "t1", WorkspaceID: "w1"}

func startInput(key string, amount int64) StartInput {
	return StartInput{
		TenantID:       "t1",
		WorkspaceID:    "w1",
		RegisterID:     "r1",
		SaleID:         "s1",
		AmountCents:    amount,
		Currency:       "EUR",
		IdempotencyKey: key,
	}
}

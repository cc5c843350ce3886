package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"posplatform/internal/common/api"
	"posplatform/internal/common/middleware"
	"posplatform/internal/integrations"
)

// Handler handles connection management HTTP requests
type Handler struct {
	service *integrations.Service
	logger  *slog.Logger
}

// NewHandler creates a new connections handler
func NewHandler(service *integrations.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the connection routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateConnection)
	r.Get("/", h.ListConnections)
	r.Patch("/{id}", h.UpdateConnection)
	r.Post("/{id}/test", h.TestConnection)

	return r
}

// ConnectionResponse is the API view of a connection. Secrets are never returned.
type ConnectionResponse struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	Kind        string         `json:"kind"`
	AuthMethod  string         `json:"authMethod"`
	Status      string         `json:"status"`
	Config      map[string]any `json:"config"`
	HasSecret   bool           `json:"hasSecret"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func toResponse(c *integrations.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
		Kind:        c.Kind,
		AuthMethod:  string(c.AuthMethod),
		Status:      string(c.Status),
		Config:      c.Config,
		HasSecret:   c.HasSecret(),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// CreateConnectionRequest is the API request for creating a connection
type CreateConnectionRequest struct {
	Kind       string         `json:"kind" validate:"required,max=50"`
	AuthMethod string         `json:"authMethod" validate:"omitempty,oneof=api_key oauth2 basic none"`
	Status     string         `json:"status" validate:"omitempty,oneof=active invalid disabled"`
	Config     map[string]any `json:"config"`
	Secret     *string        `json:"secret"`
}

// CreateConnection handles POST /integrations/connections
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	conn, err := h.service.Create(r.Context(), integrations.CreateInput{
		TenantID:    middleware.GetTenantID(r.Context()),
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		Kind:        req.Kind,
		AuthMethod:  integrations.AuthMethod(req.AuthMethod),
		Status:      integrations.Status(req.Status),
		Config:      req.Config,
		Secret:      req.Secret,
	})
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusCreated, toResponse(conn))
}

// ListConnections handles GET /integrations/connections
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.service.List(r.Context(), middleware.GetTenantID(r.Context()), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}

	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toResponse(c))
	}
	api.WriteData(w, http.StatusOK, out)
}

// UpdateConnectionRequest is the API request for patching a connection
type UpdateConnectionRequest struct {
	AuthMethod *string        `json:"authMethod" validate:"omitempty,oneof=api_key oauth2 basic none"`
	Status     *string        `json:"status" validate:"omitempty,oneof=active invalid disabled"`
	Config     map[string]any `json:"config"`
	Secret     *string        `json:"secret"`
}

// UpdateConnection handles PATCH /integrations/connections/{id}
func (h *Handler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var req UpdateConnectionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	in := integrations.UpdateInput{Config: req.Config, Secret: req.Secret}
	if req.AuthMethod != nil {
		m := integrations.AuthMethod(*req.AuthMethod)
		in.AuthMethod = &m
	}
	if req.Status != nil {
		s := integrations.Status(*req.Status)
		in.Status = &s
	}

	conn, err := h.service.Update(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, toResponse(conn))
}

// TestConnectionResponse is the result of a connection test
type TestConnectionResponse struct {
	OK         bool               `json:"ok"`
	Message    string             `json:"message"`
	Connection ConnectionResponse `json:"connection"`
}

// TestConnection handles POST /integrations/connections/{id}/test
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Test(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteServiceError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, TestConnectionResponse{
		OK:         res.OK,
		Message:    res.Message,
		Connection: toResponse(res.Connection),
	})
}

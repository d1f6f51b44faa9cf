package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/middleware"
	"serialhub/internal/services"
	api "serialhub/pkg/contracts/api/v1"
)

// ClientHandler serves the admin /clients routes.
type ClientHandler struct {
	service   ClientService
	validator *middleware.RequestValidator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewClientHandler creates a new client handler
func NewClientHandler(service ClientService, validator *middleware.RequestValidator, errs *apperrors.ErrorHandler, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{
		service:   service,
		validator: validator,
		errors:    errs,
		logger:    logger.With(slog.String("handler", "clients")),
	}
}

// Routes mounts the client endpoints. Every route is admin only.
func (h *ClientHandler) Routes(g Guards) chi.Router {
	r := chi.NewRouter()
	r.Use(g.chain(g.Authenticate, g.Admin, g.Audit)...)
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/deactivate", h.Deactivate)
	return r
}

// Create handles POST /clients
func (h *ClientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateClientRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	created, err := h.service.CreateClient(r.Context(), services.CreateClientInput{
		Name:         req.Name,
		ClientNumber: req.ClientNumber,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "client created",
		slog.String("client_id", created.Client.ID.String()),
		slog.Int("client_number", created.Client.ClientNumber))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.CreateClientResponse{
		Client: toClientResponse(created.Client),
		APIKey: created.Client.ID.String() + "." + created.APIKey,
	})
}

// List handles GET /clients
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.service.ListClients(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	out := make([]api.ClientResponse, 0, len(clients))
	for i := range clients {
		out = append(out, toClientResponse(&clients[i]))
	}
	render.JSON(w, r, out)
}

// Get handles GET /clients/{id}
func (h *ClientHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	c, err := h.service.GetClient(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toClientResponse(c))
}

// Deactivate handles POST /clients/{id}/deactivate
func (h *ClientHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	c, err := h.service.DeactivateClient(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toClientResponse(c))
}

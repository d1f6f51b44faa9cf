package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/middleware"
	"serialhub/internal/services"
	api "serialhub/pkg/contracts/api/v1"
	"serialhub/pkg/contracts/domain"
)

// SerialHandler serves the /serials routes.
type SerialHandler struct {
	service   SerialService
	validator *middleware.RequestValidator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewSerialHandler creates a new serial handler
func NewSerialHandler(service SerialService, validator *middleware.RequestValidator, errs *apperrors.ErrorHandler, logger *slog.Logger) *SerialHandler {
	return &SerialHandler{
		service:   service,
		validator: validator,
		errors:    errs,
		logger:    logger.With(slog.String("handler", "serials")),
	}
}

// Routes mounts the serial endpoints under the guards.
func (h *SerialHandler) Routes(g Guards) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(g.chain(g.Public)...)
		r.Post("/validate", h.Validate)
		r.Post("/deactivate", h.Deactivate)
	})

	r.Group(func(r chi.Router) {
		r.Use(g.chain(g.Authenticate, g.Audit)...)
		r.Post("/", h.Create)
		r.Post("/bulk", h.CreateBulk)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/stats", h.Stats)

		r.Group(func(r chi.Router) {
			r.Use(g.chain(g.Admin)...)
			r.Post("/{id}/revoke", h.Revoke)
			r.Post("/{id}/renew", h.Renew)
			r.Get("/{id}/revisions", h.Revisions)
			r.Get("/{id}/usages", h.Usages)
			r.Post("/{id}/offline-token", h.OfflineToken)
		})
	})

	return r
}

// Create handles POST /serials
func (h *SerialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSerialRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	in, err := h.createInput(r, req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	s, err := h.service.CreateSerial(r.Context(), in)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toSerialResponse(s))
}

// CreateBulk handles POST /serials/bulk. All issued answers 201; any
// failure answers 207 with the per-item outcome. An item rejected before
// issuing (scope, date) fails alone; the rest are still issued.
func (h *SerialHandler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	var req api.BulkCreateSerialsRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	results := make([]api.BulkItemResult, len(req.Items))
	inputs := make([]services.CreateSerialInput, 0, len(req.Items))
	// positions maps an index of inputs back to its request item.
	positions := make([]int, 0, len(req.Items))
	for i, item := range req.Items {
		results[i].Index = i
		in, err := h.createInput(r, item)
		if err != nil {
			results[i].Error = bulkItemError(err)
			continue
		}
		inputs = append(inputs, in)
		positions = append(positions, i)
	}

	if len(inputs) > 0 {
		issued, err := h.service.CreateSerials(r.Context(), inputs)
		if err != nil {
			h.errors.HandleError(w, r, err)
			return
		}
		for _, res := range issued {
			if res.Index < 0 || res.Index >= len(positions) {
				continue
			}
			item := &results[positions[res.Index]]
			if res.Err != nil {
				item.Error = bulkItemError(res.Err)
				continue
			}
			sr := toSerialResponse(res.Serial)
			item.Serial = &sr
		}
	}

	resp := api.BulkCreateSerialsResponse{Results: results}
	for i := range results {
		switch {
		case results[i].Serial != nil:
			resp.Issued++
		case results[i].Error == nil:
			results[i].Error = bulkItemError(apperrors.ErrInternalServer)
			fallthrough
		default:
			resp.Failed++
		}
	}

	status := http.StatusCreated
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// createInput applies the caller's scope: a client may only issue
// non-demo serials for itself.
func (h *SerialHandler) createInput(r *http.Request, req api.CreateSerialRequest) (services.CreateSerialInput, error) {
	exp, err := parseDate(req.ExpirationDate)
	if err != nil {
		return services.CreateSerialInput{}, err
	}
	in := services.CreateSerialInput{
		MaxUsageCount: req.MaxUsageCount,
		Expiration:    exp,
		IsDemo:        req.IsDemo,
		Metadata:      req.Metadata,
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	if p.ClientID != uuid.Nil && !p.Admin {
		if req.IsDemo {
			return in, apperrors.ErrForbidden
		}
		if req.ClientID != "" && req.ClientID != p.ClientID.String() {
			return in, apperrors.ErrForbidden
		}
		in.ClientID = p.ClientID
		return in, nil
	}

	if req.IsDemo {
		return in, nil
	}
	if req.ClientID == "" {
		return in, apperrors.NewValidationErrors([]apperrors.ValidationError{
			{Field: "clientId", Message: "clientId is required"},
		})
	}
	// the validator already checked the uuid form
	in.ClientID = uuid.MustParse(req.ClientID)
	return in, nil
}

// Validate handles POST /serials/validate. The verdict is always in the
// body with status 200; only an unreadable body or a system fault is an error.
func (h *SerialHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateSerialRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.ValidateSerial(r.Context(), services.ValidateInput{
		SerialNumber: req.SerialNumber,
		DeviceID:     req.DeviceID,
		DeviceInfo:   req.DeviceInfo,
		SourceIP:     middleware.GetRealIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toValidateResponse(res))
}

// Deactivate handles POST /serials/deactivate
func (h *SerialHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req api.DeactivateSerialRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	n, err := h.service.ReleaseSeat(r.Context(), req.SerialNumber, req.DeviceID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.DeactivateSerialResponse{Released: n})
}

// Get handles GET /serials/{id}
func (h *SerialHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadScoped(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, toSerialResponse(s))
}

// Stats handles GET /serials/{id}/stats
func (h *SerialHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadScoped(w, r)
	if !ok {
		return
	}
	stats, err := h.service.GetUsageStats(r.Context(), s.ID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toStatsResponse(stats))
}

// loadScoped fetches the serial in the path. Clients only see their own
// serials; anything else is reported as not found.
func (h *SerialHandler) loadScoped(w http.ResponseWriter, r *http.Request) (*domain.Serial, bool) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return nil, false
	}
	s, err := h.service.GetSerial(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return nil, false
	}
	if p, _ := middleware.PrincipalFromContext(r.Context()); !p.Admin && p.ClientID != uuid.Nil {
		if s.ClientID == nil || *s.ClientID != p.ClientID {
			h.errors.HandleError(w, r, apperrors.ErrSerialNotFound)
			return nil, false
		}
	}
	return s, true
}

// Revoke handles POST /serials/{id}/revoke
func (h *SerialHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	s, err := h.service.Revoke(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toSerialResponse(s))
}

// Renew handles POST /serials/{id}/renew
func (h *SerialHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	var req api.RenewSerialRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	exp, err := parseDate(req.ExpirationDate)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	s, err := h.service.Renew(r.Context(), id, exp)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toSerialResponse(s))
}

// Revisions handles GET /serials/{id}/revisions
func (h *SerialHandler) Revisions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	revs, err := h.service.ListRevisions(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toRevisionResponses(revs))
}

// Usages handles GET /serials/{id}/usages
func (h *SerialHandler) Usages(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	limit, err := middleware.QueryInt(r, "limit", 1, 1000, 100)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	records, err := h.service.ListUsage(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if len(records) > limit {
		records = records[:limit]
	}
	render.JSON(w, r, toUsageResponses(records))
}

// OfflineToken handles POST /serials/{id}/offline-token
func (h *SerialHandler) OfflineToken(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	var req api.OfflineTokenRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	tok, err := h.service.IssueOfflineToken(r.Context(), id, req.DeviceID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.OfflineTokenResponse{
		Token:     tok.Token,
		KeyID:     tok.Claims.KeyID,
		IssuedAt:  tok.Claims.IssuedAt,
		ExpiresAt: tok.Claims.ExpiresAt,
	})
}

// SigningKey handles GET /keys/signing
func (h *SerialHandler) SigningKey(w http.ResponseWriter, r *http.Request) {
	pemBytes, kid, err := h.service.PublicKeyPEM()
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.SigningKeyResponse{
		KeyID:        kid,
		Algorithm:    "Ed25519",
		PublicKeyPEM: string(pemBytes),
	})
}

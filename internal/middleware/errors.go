package middleware

import (
	"net/http"

	"github.com/go-chi/render"

	apperrors "serialhub/internal/errors"
)

// ProblemFromStatus builds a problem document for a bare HTTP status.
func ProblemFromStatus(status int, detail, instance, traceID string) *apperrors.ProblemDetails {
	problemType := "/errors/unknown"
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		problemType = apperrors.TypeValidation
	case http.StatusUnauthorized:
		problemType = apperrors.TypeUnauthorized
	case http.StatusForbidden:
		problemType = apperrors.TypeForbidden
	case http.StatusNotFound:
		problemType = apperrors.TypeNotFound
	case http.StatusMethodNotAllowed:
		problemType = apperrors.TypeMethod
	case http.StatusTooManyRequests:
		problemType = apperrors.TypeRateLimit
	case http.StatusInternalServerError:
		problemType = apperrors.TypeInternal
	case http.StatusServiceUnavailable:
		problemType = apperrors.TypeServiceDown
	case http.StatusGatewayTimeout:
		problemType = apperrors.TypeTimeout
	}

	p := apperrors.NewProblemDetails(status, problemType, http.StatusText(status), detail, instance)
	if traceID != "" {
		p.WithExtension("trace_id", traceID)
	}
	return p
}

// writeProblem renders a problem response for the current request.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	_ = render.Render(w, r, ProblemFromStatus(status, detail, r.URL.Path, GetRequestID(r.Context())))
}

package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/middleware"
	"serialhub/internal/services"
	api "serialhub/pkg/contracts/api/v1"
	"serialhub/pkg/contracts/domain"
)

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(middleware.DateLayout)
	return &s
}

// parseDate reads a validated YYYY-MM-DD date as midnight UTC.
func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(middleware.DateLayout, *s, time.UTC)
	if err != nil {
		return nil, apperrors.InvalidParameter("expirationDate", err)
	}
	return &t, nil
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperrors.InvalidParameter(name, fmt.Errorf("must be a UUID"))
	}
	return id, nil
}

func toSerialResponse(s *domain.Serial) api.SerialResponse {
	out := api.SerialResponse{
		ID:            s.ID.String(),
		SerialNumber:  s.SerialNumber,
		ClientNumber:  s.ClientNumber,
		MaxUsageCount: s.MaxUsageCount,
		NeverExpires:  s.NeverExpires,
		IsDemo:        s.IsDemo,
		Revision:      s.Revision,
		Revoked:       s.Revoked(),
		RevokedAt:     s.RevokedAt,
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.ClientID != nil {
		id := s.ClientID.String()
		out.ClientID = &id
	}
	if !s.NeverExpires {
		out.ExpirationDate = formatDate(s.Expiration)
	}
	return out
}

func toRevisionResponses(revs []domain.SerialRevision) []api.RevisionResponse {
	out := make([]api.RevisionResponse, 0, len(revs))
	for _, rev := range revs {
		item := api.RevisionResponse{
			Revision:     rev.Revision,
			SerialNumber: rev.SerialNumber,
			NeverExpires: rev.NeverExpires,
			CreatedAt:    rev.CreatedAt,
			SupersededAt: rev.SupersededAt,
		}
		if !rev.NeverExpires {
			item.ExpirationDate = formatDate(rev.Expiration)
		}
		out = append(out, item)
	}
	return out
}

func toValidateResponse(res *services.ValidationResult) api.ValidateSerialResponse {
	out := api.ValidateSerialResponse{
		IsValid:        res.IsValid,
		Code:           res.Code,
		Reason:         res.Reason,
		IsDemo:         res.IsDemo,
		ExpirationDate: formatDate(res.Expiration),
		Refreshed:      res.Refreshed,
		Usage:          api.UsageSummary{Current: res.Usage.Current, Max: res.Usage.Max},
	}
	if res.SerialID != nil {
		id := res.SerialID.String()
		out.SerialID = &id
	}
	return out
}

func toStatsResponse(st domain.UsageStats) api.UsageStatsResponse {
	return api.UsageStatsResponse{
		SerialID:        st.SerialID.String(),
		MaxUsageCount:   st.MaxUsageCount,
		Total:           st.Total,
		Active:          st.Active,
		Revoked:         st.Revoked,
		Expired:         st.Expired,
		DistinctDevices: st.DistinctDevices,
	}
}

func toUsageResponses(records []domain.UsageRecord) []api.UsageRecordResponse {
	out := make([]api.UsageRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, api.UsageRecordResponse{
			ID:         rec.ID.String(),
			DeviceID:   rec.DeviceID,
			DeviceInfo: rec.DeviceInfo,
			SourceIP:   rec.SourceIP,
			Status:     string(rec.Status),
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
			ExpiresAt:  rec.ExpiresAt,
		})
	}
	return out
}

func toClientResponse(c *domain.Client) api.ClientResponse {
	return api.ClientResponse{
		ID:           c.ID.String(),
		Name:         c.Name,
		ClientNumber: c.ClientNumber,
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// bulkItemError describes a failed bulk item the same way a single
// create would have failed.
func bulkItemError(err error) *api.BulkItemError {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return &api.BulkItemError{Code: apiErr.ErrorCode, Title: http.StatusText(apiErr.StatusCode), Detail: apiErr.Message}
	}
	p := apperrors.MapSerialError(err, "", "")
	code, _ := p.Extensions["error_code"].(string)
	return &api.BulkItemError{Code: code, Title: p.Title, Detail: p.Detail}
}

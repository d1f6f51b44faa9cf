package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

// UsageStore is an in-process usage ledger.
type UsageStore struct {
	mu sync.RWMutex

	records  map[uuid.UUID]domain.UsageRecord
	bySerial map[uuid.UUID][]uuid.UUID
}

func NewUsageStore() *UsageStore {
	return &UsageStore{
		records:  make(map[uuid.UUID]domain.UsageRecord),
		bySerial: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *UsageStore) CountActive(_ context.Context, serialID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range s.bySerial[serialID] {
		if s.records[id].Status == domain.UsageStatusActive {
			n++
		}
	}
	return n, nil
}

func (s *UsageStore) FindActive(_ context.Context, serialID uuid.UUID, deviceID string) (*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.bySerial[serialID] {
		rec := s.records[id]
		if rec.DeviceID == deviceID && rec.Status == domain.UsageStatusActive {
			out := copyUsage(rec)
			return &out, nil
		}
	}
	return nil, apperrors.ErrUsageNotFound
}

func (s *UsageStore) Create(_ context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = copyUsage(*rec)
	s.bySerial[rec.SerialID] = append(s.bySerial[rec.SerialID], rec.ID)
	return nil
}

func (s *UsageStore) Touch(_ context.Context, id uuid.UUID, expiresAt *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != domain.UsageStatusActive {
		return apperrors.ErrUsageNotFound
	}
	rec.ExpiresAt = copyTime(expiresAt)
	rec.UpdatedAt = now
	s.records[id] = rec
	return nil
}

func (s *UsageStore) RevokeActive(_ context.Context, serialID uuid.UUID, deviceID string, now time.Time) ([]domain.UsageRecord, error) {
	return s.transition(serialID, now, domain.UsageStatusRevoked, func(rec domain.UsageRecord) bool {
		return deviceID == "" || rec.DeviceID == deviceID
	}), nil
}

func (s *UsageStore) ExpireDue(_ context.Context, now time.Time, serialID *uuid.UUID) ([]domain.UsageRecord, error) {
	lapsed := func(rec domain.UsageRecord) bool { return rec.LapsedAt(now) }
	if serialID != nil {
		return s.transition(*serialID, now, domain.UsageStatusExpired, lapsed), nil
	}

	s.mu.RLock()
	serials := make([]uuid.UUID, 0, len(s.bySerial))
	for id := range s.bySerial {
		serials = append(serials, id)
	}
	s.mu.RUnlock()

	var out []domain.UsageRecord
	for _, id := range serials {
		out = append(out, s.transition(id, now, domain.UsageStatusExpired, lapsed)...)
	}
	return out, nil
}

// transition moves matching active records of a serial to status.
func (s *UsageStore) transition(serialID uuid.UUID, now time.Time, status domain.UsageStatus, match func(domain.UsageRecord) bool) []domain.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []domain.UsageRecord
	for _, id := range s.bySerial[serialID] {
		rec := s.records[id]
		if rec.Status != domain.UsageStatusActive || !match(rec) {
			continue
		}
		rec.Status = status
		rec.UpdatedAt = now
		s.records[id] = rec
		changed = append(changed, copyUsage(rec))
	}
	return changed
}

func (s *UsageStore) Stats(_ context.Context, serialID uuid.UUID) (domain.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.UsageStats{SerialID: serialID}
	devices := make(map[string]struct{})
	for _, id := range s.bySerial[serialID] {
		rec := s.records[id]
		stats.Total++
		switch rec.Status {
		case domain.UsageStatusActive:
			stats.Active++
		case domain.UsageStatusRevoked:
			stats.Revoked++
		case domain.UsageStatusExpired:
			stats.Expired++
		}
		devices[rec.DeviceID] = struct{}{}
	}
	stats.DistinctDevices = len(devices)
	return stats, nil
}

func (s *UsageStore) List(_ context.Context, serialID uuid.UUID) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySerial[serialID]
	out := make([]domain.UsageRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, copyUsage(s.records[ids[i]]))
	}
	return out, nil
}

func copyUsage(r domain.UsageRecord) domain.UsageRecord {
	r.DeviceInfo = maps.Clone(r.DeviceInfo)
	r.ExpiresAt = copyTime(r.ExpiresAt)
	return r
}

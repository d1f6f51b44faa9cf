package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

// SerialStore keeps serials and their revisions in process.
type SerialStore struct {
	mu sync.RWMutex

	serialsByID       map[uuid.UUID]domain.Serial
	revisionsBySerial map[uuid.UUID][]domain.SerialRevision
	revisionByNumber  map[string]revisionRef
}

type revisionRef struct {
	serialID uuid.UUID
	index    int
}

func NewSerialStore() *SerialStore {
	return &SerialStore{
		serialsByID:       make(map[uuid.UUID]domain.Serial),
		revisionsBySerial: make(map[uuid.UUID][]domain.SerialRevision),
		revisionByNumber:  make(map[string]revisionRef),
	}
}

// CreateSerial stores s with its first revision. Serial numbers are unique
// across all revisions ever issued.
func (s *SerialStore) CreateSerial(_ context.Context, serial *domain.Serial, rev *domain.SerialRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisionByNumber[rev.SerialNumber]; ok {
		return apperrors.ErrSerialNumberTaken
	}
	if _, ok := s.serialsByID[serial.ID]; ok {
		return apperrors.ErrSerialNumberTaken
	}
	s.serialsByID[serial.ID] = copySerial(*serial)
	s.revisionsBySerial[serial.ID] = []domain.SerialRevision{copyRevision(*rev)}
	s.revisionByNumber[rev.SerialNumber] = revisionRef{serialID: serial.ID}
	return nil
}

func (s *SerialStore) GetSerial(_ context.Context, id uuid.UUID) (*domain.Serial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	serial, ok := s.serialsByID[id]
	if !ok {
		return nil, apperrors.ErrSerialNotFound
	}
	out := copySerial(serial)
	return &out, nil
}

// GetRevisionByNumber finds the revision that issued number, superseded or not.
func (s *SerialStore) GetRevisionByNumber(_ context.Context, number string) (*domain.SerialRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.revisionByNumber[number]
	if !ok {
		return nil, apperrors.ErrSerialNotFound
	}
	out := copyRevision(s.revisionsBySerial[ref.serialID][ref.index])
	return &out, nil
}

func (s *SerialStore) ListRevisions(_ context.Context, serialID uuid.UUID) ([]domain.SerialRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, ok := s.revisionsBySerial[serialID]
	if !ok {
		return nil, apperrors.ErrSerialNotFound
	}
	out := make([]domain.SerialRevision, 0, len(revs))
	for _, r := range revs {
		out = append(out, copyRevision(r))
	}
	return out, nil
}

// RevokeSerial sets the tombstone once. Revoking twice keeps the first time.
func (s *SerialStore) RevokeSerial(_ context.Context, id uuid.UUID, at time.Time) (*domain.Serial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serial, ok := s.serialsByID[id]
	if !ok {
		return nil, apperrors.ErrSerialNotFound
	}
	if serial.RevokedAt == nil {
		serial.RevokedAt = &at
		serial.UpdatedAt = at
		s.serialsByID[id] = serial
	}
	out := copySerial(serial)
	return &out, nil
}

// RenewSerial replaces the serial's payload fields and appends rev, marking
// the current revision superseded. rev.Revision must follow the stored one.
func (s *SerialStore) RenewSerial(_ context.Context, serial *domain.Serial, rev *domain.SerialRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.serialsByID[serial.ID]
	if !ok {
		return apperrors.ErrSerialNotFound
	}
	if current.RevokedAt != nil {
		return apperrors.ErrSerialRevoked
	}
	if current.Revision+1 != rev.Revision {
		return apperrors.ErrSerialSuperseded
	}
	if _, ok := s.revisionByNumber[rev.SerialNumber]; ok {
		return apperrors.ErrSerialNumberTaken
	}

	revs := s.revisionsBySerial[serial.ID]
	last := &revs[len(revs)-1]
	supersededAt := rev.CreatedAt
	last.SupersededAt = &supersededAt

	s.revisionsBySerial[serial.ID] = append(revs, copyRevision(*rev))
	s.revisionByNumber[rev.SerialNumber] = revisionRef{serialID: serial.ID, index: len(revs)}
	s.serialsByID[serial.ID] = copySerial(*serial)
	return nil
}

func copySerial(s domain.Serial) domain.Serial {
	s.Signature = slices.Clone(s.Signature)
	s.EncryptedBlob = slices.Clone(s.EncryptedBlob)
	s.Metadata = maps.Clone(s.Metadata)
	if s.ClientID != nil {
		id := *s.ClientID
		s.ClientID = &id
	}
	s.Expiration = copyTime(s.Expiration)
	s.RevokedAt = copyTime(s.RevokedAt)
	return s
}

func copyRevision(r domain.SerialRevision) domain.SerialRevision {
	r.Payload = slices.Clone(r.Payload)
	r.Signature = slices.Clone(r.Signature)
	r.EncryptedBlob = slices.Clone(r.EncryptedBlob)
	r.Expiration = copyTime(r.Expiration)
	r.SupersededAt = copyTime(r.SupersededAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"serialhub/pkg/contracts/domain"
)

// Store is the usage ledger. It is the single source of truth for active
// seat counts; caches are derived from it.
type Store interface {
	// CountActive returns the number of active records for a serial.
	CountActive(ctx context.Context, serialID uuid.UUID) (int, error)
	// FindActive returns the active record of deviceID, or ErrUsageNotFound.
	FindActive(ctx context.Context, serialID uuid.UUID, deviceID string) (*domain.UsageRecord, error)
	Create(ctx context.Context, rec *domain.UsageRecord) error
	// Touch moves an active record's expiry. It returns ErrUsageNotFound
	// when the record is missing or no longer active.
	Touch(ctx context.Context, id uuid.UUID, expiresAt *time.Time, now time.Time) error
	// RevokeActive moves active records of deviceID to revoked and returns
	// them. An empty deviceID matches every device of the serial.
	RevokeActive(ctx context.Context, serialID uuid.UUID, deviceID string, now time.Time) ([]domain.UsageRecord, error)
	// ExpireDue moves active records whose expiry is at or before now to
	// expired and returns them. A nil serialID covers all serials.
	ExpireDue(ctx context.Context, now time.Time, serialID *uuid.UUID) ([]domain.UsageRecord, error)
	Stats(ctx context.Context, serialID uuid.UUID) (domain.UsageStats, error)
	// List returns every record of a serial, newest first.
	List(ctx context.Context, serialID uuid.UUID) ([]domain.UsageRecord, error)
}

// SerialSource resolves serials by id. Missing serials yield ErrSerialNotFound.
type SerialSource interface {
	GetSerial(ctx context.Context, id uuid.UUID) (*domain.Serial, error)
}

// Locker provides mutual exclusion per key. Lock blocks until the lock is
// held or ctx is done, in which case it returns ctx.Err().
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LeaseLocker is a Locker whose hold can lapse before unlock, such as a
// Redis lease. lost is closed when that happens.
type LeaseLocker interface {
	LockWithLease(ctx context.Context, key string) (unlock func(), lost <-chan struct{}, err error)
}

// CountCache accelerates active-count reads. A cached value may only ever be
// higher than the truth, never lower.
type CountCache interface {
	Get(ctx context.Context, serialID uuid.UUID) (count int, ok bool, err error)
	Set(ctx context.Context, serialID uuid.UUID, count int) error
	Invalidate(ctx context.Context, serialID uuid.UUID) error
}

// Publisher receives usage events after the ledger change is committed.
type Publisher interface {
	Publish(ctx context.Context, event domain.UsageEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event domain.UsageEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event domain.UsageEvent) error {
	return f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.UsageEvent) error { return nil }

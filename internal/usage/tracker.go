package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/pkg/contracts/domain"
)

const (
	DefaultLockTimeout = 30 * time.Second
	lockKeyPrefix      = "serial:"
)

// errLeaseLost cancels a critical section whose lease lapsed.
var errLeaseLost = errors.New("serial lock lease lost")

// Config tunes the tracker.
type Config struct {
	// LockTimeout bounds the wait for a serial's lock.
	LockTimeout time.Duration
	// SeatTTL is how long an activation stays active without a refresh.
	// Zero keeps seats until revoked.
	SeatTTL time.Duration
}

// Dependencies wires the tracker. Store and Serials are required; the rest
// fall back to in-process implementations.
type Dependencies struct {
	Store     Store
	Serials   SerialSource
	Locker    Locker
	Cache     CountCache
	Publisher Publisher
	Metrics   *infrastructure.BusinessMetrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Activation is one request to occupy a seat.
type Activation struct {
	SerialID   uuid.UUID
	DeviceID   string
	DeviceInfo map[string]string
	SourceIP   string
}

// Decision is the outcome of TrackUsage. Allowed is false only when the
// serial is at capacity.
type Decision struct {
	Allowed   bool
	Refreshed bool
	Current   int
	Max       int
	Record    *domain.UsageRecord
}

// Tracker enforces per-serial activation ceilings.
type Tracker struct {
	store     Store
	serials   SerialSource
	locker    Locker
	cache     CountCache
	publisher Publisher
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	cfg       Config
}

func NewTracker(deps Dependencies, cfg Config) (*Tracker, error) {
	if deps.Store == nil {
		return nil, errors.New("usage store is required")
	}
	if deps.Serials == nil {
		return nil, errors.New("serial source is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.SeatTTL < 0 {
		cfg.SeatTTL = 0
	}

	t := &Tracker{
		store:     deps.Store,
		serials:   deps.Serials,
		locker:    deps.Locker,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    infrastructure.WithComponent(deps.Logger, "usage_tracker"),
		tracer:    otel.Tracer("serialhub/usage"),
		now:       deps.Now,
		cfg:       cfg,
	}
	if t.locker == nil {
		t.locker = NewMemoryLocker()
	}
	if t.cache == nil {
		t.cache = NewMemoryCountCache(0)
	}
	if t.publisher == nil {
		t.publisher = nopPublisher{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// TrackUsage records an activation of a device against its serial. It holds
// the serial's lock for the whole read-check-write sequence.
func (t *Tracker) TrackUsage(ctx context.Context, a Activation) (Decision, error) {
	ctx, span := t.tracer.Start(ctx, "usage.track", trace.WithAttributes(
		attribute.String("serial.id", a.SerialID.String()),
	))
	defer span.End()

	held, unlock, err := t.acquire(ctx, a.SerialID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		return Decision{}, err
	}
	defer unlock()

	decision, err := t.trackLocked(held, a)
	if lostErr := leaseLost(held); lostErr != nil {
		err = lostErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "track")
		return Decision{}, err
	}
	span.SetAttributes(
		attribute.Bool("usage.allowed", decision.Allowed),
		attribute.Int("usage.current", decision.Current),
		attribute.Int("usage.max", decision.Max),
	)
	return decision, nil
}

func (t *Tracker) trackLocked(ctx context.Context, a Activation) (Decision, error) {
	s, err := t.serials.GetSerial(ctx, a.SerialID)
	if err != nil {
		return Decision{}, err
	}
	if s.Revoked() {
		return Decision{}, apperrors.ErrSerialRevoked
	}
	limit := s.MaxUsageCount
	if s.Unlimited() {
		limit = 0
	}
	now := t.now().UTC()

	existing, err := t.store.FindActive(ctx, a.SerialID, a.DeviceID)
	switch {
	case errors.Is(err, apperrors.ErrUsageNotFound):
		existing = nil
	case err != nil:
		return Decision{}, fmt.Errorf("find active usage: %w", err)
	}

	if existing != nil && !existing.LapsedAt(now) {
		expires := t.seatExpiry(now)
		err := t.store.Touch(ctx, existing.ID, expires, now)
		switch {
		case err == nil:
			existing.ExpiresAt = expires
			existing.UpdatedAt = now
			current, err := t.activeCount(ctx, a.SerialID)
			if err != nil {
				return Decision{}, err
			}
			t.publish(ctx, domain.UsageEventRefreshed, a.SerialID, a.DeviceID, current, limit, now)
			return Decision{Allowed: true, Refreshed: true, Current: current, Max: limit, Record: existing}, nil
		case errors.Is(err, apperrors.ErrUsageNotFound):
			// The sweeper ended the seat after FindActive; compete for a new one.
			existing = nil
			_ = t.cache.Invalidate(ctx, a.SerialID)
		default:
			return Decision{}, fmt.Errorf("refresh usage: %w", err)
		}
	}

	if existing != nil {
		// The device's own seat lapsed; expire it so the new record replaces it.
		if err := t.expireSerial(ctx, a.SerialID, now); err != nil {
			return Decision{}, err
		}
	}

	if limit != 0 {
		count, err := t.activeCount(ctx, a.SerialID)
		if err != nil {
			return Decision{}, err
		}
		if count >= limit {
			// A full serial may be holding lapsed seats the sweeper has not
			// reached yet.
			if err := t.expireSerial(ctx, a.SerialID, now); err != nil {
				return Decision{}, err
			}
			count, err = t.storeCount(ctx, a.SerialID)
			if err != nil {
				return Decision{}, err
			}
		}
		if count >= limit {
			t.publish(ctx, domain.UsageEventRejected, a.SerialID, a.DeviceID, count, limit, now)
			t.logger.InfoContext(ctx, "activation rejected, serial at capacity",
				slog.String("serial_id", a.SerialID.String()),
				slog.Int("active", count),
				slog.Int("max", limit),
			)
			return Decision{Allowed: false, Current: count, Max: limit}, nil
		}
	}

	rec := &domain.UsageRecord{
		ID:         uuid.New(),
		SerialID:   a.SerialID,
		DeviceID:   a.DeviceID,
		DeviceInfo: a.DeviceInfo,
		SourceIP:   a.SourceIP,
		Status:     domain.UsageStatusActive,
		CreatedAt:  now,
		ExpiresAt:  t.seatExpiry(now),
		UpdatedAt:  now,
	}
	if err := t.store.Create(ctx, rec); err != nil {
		// The cache may now be ahead of the store; drop it.
		_ = t.cache.Invalidate(ctx, a.SerialID)
		return Decision{}, fmt.Errorf("create usage: %w", err)
	}

	current, err := t.storeCount(ctx, a.SerialID)
	if err != nil {
		return Decision{}, err
	}
	t.publish(ctx, domain.UsageEventActivated, a.SerialID, a.DeviceID, current, limit, now)
	t.logger.DebugContext(ctx, "seat activated",
		slog.String("serial_id", a.SerialID.String()),
		slog.String("usage_id", rec.ID.String()),
		slog.Int("active", current),
		slog.Int("max", limit),
	)
	return Decision{Allowed: true, Current: current, Max: limit, Record: rec}, nil
}

// RevokeUsage ends the active seat of deviceID. Revoking a device without an
// active seat is a no-op.
func (t *Tracker) RevokeUsage(ctx context.Context, serialID uuid.UUID, deviceID string) (int, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("%w: device id is required", apperrors.ErrInvalidDevice)
	}
	return t.revoke(ctx, serialID, deviceID)
}

// RevokeAllUsage ends every active seat of a serial.
func (t *Tracker) RevokeAllUsage(ctx context.Context, serialID uuid.UUID) (int, error) {
	return t.revoke(ctx, serialID, "")
}

func (t *Tracker) revoke(ctx context.Context, serialID uuid.UUID, deviceID string) (int, error) {
	ctx, span := t.tracer.Start(ctx, "usage.revoke")
	defer span.End()

	held, unlock, err := t.acquire(ctx, serialID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer unlock()

	now := t.now().UTC()
	revoked, err := t.store.RevokeActive(held, serialID, deviceID, now)
	if err != nil {
		if lostErr := leaseLost(held); lostErr != nil {
			err = lostErr
		}
		span.RecordError(err)
		return 0, fmt.Errorf("revoke usage: %w", err)
	}
	if len(revoked) == 0 {
		return 0, nil
	}
	if err := t.cache.Invalidate(ctx, serialID); err != nil {
		t.logger.WarnContext(ctx, "count cache invalidation failed",
			slog.String("serial_id", serialID.String()),
			slog.String("error", err.Error()),
		)
	}

	current, limit := t.snapshot(ctx, serialID)
	for _, rec := range revoked {
		t.publish(ctx, domain.UsageEventRevoked, serialID, rec.DeviceID, current, limit, now)
	}
	t.logger.InfoContext(ctx, "usage revoked",
		slog.String("serial_id", serialID.String()),
		slog.Int("records", len(revoked)),
	)
	return len(revoked), nil
}

// CleanupExpiredUsages expires every active seat whose TTL passed at now and
// returns how many records changed.
func (t *Tracker) CleanupExpiredUsages(ctx context.Context, now time.Time) (int, error) {
	ctx, span := t.tracer.Start(ctx, "usage.cleanup")
	defer span.End()

	expired, err := t.store.ExpireDue(ctx, now.UTC(), nil)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("expire usage: %w", err)
	}
	t.afterExpire(ctx, expired, now.UTC())
	span.SetAttributes(attribute.Int("usage.expired", len(expired)))
	return len(expired), nil
}

// expireSerial expires the lapsed seats of one serial. Callers hold its lock.
func (t *Tracker) expireSerial(ctx context.Context, serialID uuid.UUID, now time.Time) error {
	expired, err := t.store.ExpireDue(ctx, now, &serialID)
	if err != nil {
		return fmt.Errorf("expire usage: %w", err)
	}
	t.afterExpire(ctx, expired, now)
	return nil
}

func (t *Tracker) afterExpire(ctx context.Context, expired []domain.UsageRecord, now time.Time) {
	if len(expired) == 0 {
		return
	}
	touched := make(map[uuid.UUID]struct{}, len(expired))
	for _, rec := range expired {
		touched[rec.SerialID] = struct{}{}
	}
	for serialID := range touched {
		if err := t.cache.Invalidate(ctx, serialID); err != nil {
			t.logger.WarnContext(ctx, "count cache invalidation failed",
				slog.String("serial_id", serialID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, rec := range expired {
		current, limit := t.snapshot(ctx, rec.SerialID)
		t.publish(ctx, domain.UsageEventExpired, rec.SerialID, rec.DeviceID, current, limit, now)
	}
}

// GetUsageStats summarizes the ledger of a serial without locking it.
func (t *Tracker) GetUsageStats(ctx context.Context, serialID uuid.UUID) (domain.UsageStats, error) {
	s, err := t.serials.GetSerial(ctx, serialID)
	if err != nil {
		return domain.UsageStats{}, err
	}
	stats, err := t.store.Stats(ctx, serialID)
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	stats.SerialID = serialID
	stats.MaxUsageCount = s.MaxUsageCount
	if s.Unlimited() {
		stats.MaxUsageCount = 0
	}
	return stats, nil
}

// ListUsage returns the audit history of a serial, newest first.
func (t *Tracker) ListUsage(ctx context.Context, serialID uuid.UUID) ([]domain.UsageRecord, error) {
	if _, err := t.serials.GetSerial(ctx, serialID); err != nil {
		return nil, err
	}
	records, err := t.store.List(ctx, serialID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}

// acquire locks a serial and returns the context the critical section must
// run under. With a lease lock that context is cancelled if the lease is lost.
func (t *Tracker) acquire(ctx context.Context, serialID uuid.UUID) (context.Context, func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, t.cfg.LockTimeout)
	defer cancel()

	start := time.Now()
	unlock, lost, err := t.lock(lockCtx, lockKeyPrefix+serialID.String())
	wait := time.Since(start)
	if err == nil {
		infrastructure.RecordLockWait(ctx, t.metrics, wait, false)
		held, release := guard(ctx, unlock, lost)
		return held, release, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		infrastructure.RecordLockWait(ctx, t.metrics, wait, true)
		t.logger.WarnContext(ctx, "serial lock timeout",
			slog.String("serial_id", serialID.String()),
			slog.Duration("waited", wait),
		)
		return nil, nil, fmt.Errorf("%w: waited %s", apperrors.ErrLockTimeout, wait.Round(time.Millisecond))
	}
	return nil, nil, fmt.Errorf("acquire serial lock: %w", err)
}

func (t *Tracker) lock(ctx context.Context, key string) (func(), <-chan struct{}, error) {
	if ll, ok := t.locker.(LeaseLocker); ok {
		return ll.LockWithLease(ctx, key)
	}
	unlock, err := t.locker.Lock(ctx, key)
	return unlock, nil, err
}

// guard ties the critical section to the lock: a lost lease cancels the
// returned context with errLeaseLost. release unlocks exactly once.
func guard(ctx context.Context, unlock func(), lost <-chan struct{}) (context.Context, func()) {
	if lost == nil {
		return ctx, unlock
	}
	held, cancel := context.WithCancelCause(ctx)
	select {
	case <-lost:
		cancel(errLeaseLost)
	default:
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-lost:
			cancel(errLeaseLost)
		case <-stop:
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			cancel(nil)
			unlock()
		})
	}
}

// leaseLost reports a lost lease as a lock timeout so callers retry.
func leaseLost(held context.Context) error {
	if errors.Is(context.Cause(held), errLeaseLost) {
		return fmt.Errorf("%w: %w", apperrors.ErrLockTimeout, errLeaseLost)
	}
	return nil
}

// activeCount reads through the cache. A missing entry is filled from the store.
func (t *Tracker) activeCount(ctx context.Context, serialID uuid.UUID) (int, error) {
	count, ok, err := t.cache.Get(ctx, serialID)
	if err != nil {
		t.logger.WarnContext(ctx, "count cache read failed",
			slog.String("serial_id", serialID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err == nil && ok {
		return count, nil
	}
	return t.storeCount(ctx, serialID)
}

// storeCount counts in the store and refreshes the cache.
func (t *Tracker) storeCount(ctx context.Context, serialID uuid.UUID) (int, error) {
	count, err := t.store.CountActive(ctx, serialID)
	if err != nil {
		return 0, fmt.Errorf("count active usage: %w", err)
	}
	if err := t.cache.Set(ctx, serialID, count); err != nil {
		t.logger.WarnContext(ctx, "count cache write failed",
			slog.String("serial_id", serialID.String()),
			slog.String("error", err.Error()),
		)
	}
	return count, nil
}

// snapshot is a best effort view for events; failures yield zeros.
func (t *Tracker) snapshot(ctx context.Context, serialID uuid.UUID) (current, limit int) {
	if n, err := t.store.CountActive(ctx, serialID); err == nil {
		current = n
	}
	if s, err := t.serials.GetSerial(ctx, serialID); err == nil && !s.Unlimited() {
		limit = s.MaxUsageCount
	}
	return current, limit
}

func (t *Tracker) seatExpiry(now time.Time) *time.Time {
	if t.cfg.SeatTTL <= 0 {
		return nil
	}
	exp := now.Add(t.cfg.SeatTTL)
	return &exp
}

func (t *Tracker) publish(ctx context.Context, eventType string, serialID uuid.UUID, deviceID string, current, limit int, now time.Time) {
	infrastructure.RecordUsageEvent(ctx, t.metrics, eventType)
	event := domain.UsageEvent{
		Type:       eventType,
		SerialID:   serialID,
		DeviceID:   deviceID,
		Active:     current,
		Max:        limit,
		OccurredAt: now,
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.WarnContext(ctx, "usage event publish failed",
			slog.String("event_type", eventType),
			slog.String("serial_id", serialID.String()),
			slog.String("error", err.Error()),
		)
	}
}

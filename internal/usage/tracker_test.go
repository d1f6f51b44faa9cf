package usage_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/storage/memory"
	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
)

type fixture struct {
	serials *memory.SerialStore
	usages  *memory.UsageStore
	locker  *usage.MemoryLocker
	tracker *usage.Tracker
	events  *eventLog
	clock   *fakeClock
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (l *eventLog) Publish(_ context.Context, e domain.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, cfg usage.Config) *fixture {
	t.Helper()
	f := &fixture{
		serials: memory.NewSerialStore(),
		usages:  memory.NewUsageStore(),
		locker:  usage.NewMemoryLocker(),
		events:  &eventLog{},
		clock:   &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	tracker, err := usage.NewTracker(usage.Dependencies{
		Store:     f.usages,
		Serials:   f.serials,
		Locker:    f.locker,
		Cache:     usage.NewMemoryCountCache(time.Minute),
		Publisher: f.events,
		Now:       f.clock.Now,
	}, cfg)
	require.NoError(t, err)
	f.tracker = tracker
	return f
}

func (f *fixture) addSerial(t *testing.T, maxUsage int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	number := id.String()
	s := &domain.Serial{ID: id, SerialNumber: number, MaxUsageCount: maxUsage, NeverExpires: true, Revision: 1}
	rev := &domain.SerialRevision{ID: uuid.New(), SerialID: id, Revision: 1, SerialNumber: number}
	require.NoError(t, f.serials.CreateSerial(context.Background(), s, rev))
	return id
}

func (f *fixture) activate(t *testing.T, serialID uuid.UUID, device string) usage.Decision {
	t.Helper()
	d, err := f.tracker.TrackUsage(context.Background(), usage.Activation{SerialID: serialID, DeviceID: device})
	require.NoError(t, err)
	return d
}

func TestNewTracker_RequiresStores(t *testing.T) {
	_, err := usage.NewTracker(usage.Dependencies{Serials: memory.NewSerialStore()}, usage.Config{})
	assert.Error(t, err)
	_, err = usage.NewTracker(usage.Dependencies{Store: memory.NewUsageStore()}, usage.Config{})
	assert.Error(t, err)
}

func TestTrackUsage_QuotaScenario(t *testing.T) {
	f := newFixture(t, usage.Config{})
	ctx := context.Background()
	serialID := f.addSerial(t, 2)

	d := f.activate(t, serialID, "D1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Current)
	assert.Equal(t, 2, d.Max)

	d = f.activate(t, serialID, "D2")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Current)

	d = f.activate(t, serialID, "D3")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2, d.Current)

	n, err := f.tracker.RevokeUsage(ctx, serialID, "D1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d = f.activate(t, serialID, "D3")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Current)

	assert.Equal(t, []string{
		domain.UsageEventActivated,
		domain.UsageEventActivated,
		domain.UsageEventRejected,
		domain.UsageEventRevoked,
		domain.UsageEventActivated,
	}, f.events.types())
}

func TestTrackUsage_ConcurrentActivationsNeverOvershoot(t *testing.T) {
	tests := []struct {
		name  string
		max   int
		extra int
	}{
		{"single seat", 1, 15},
		{"five seats", 5, 20},
		{"many seats", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, usage.Config{})
			serialID := f.addSerial(t, tt.max)

			var (
				wg      sync.WaitGroup
				allowed atomic.Int64
				denied  atomic.Int64
				start   = make(chan struct{})
			)
			total := tt.max + tt.extra
			for i := 0; i < total; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					d, err := f.tracker.TrackUsage(context.Background(), usage.Activation{
						SerialID: serialID,
						DeviceID: uuid.NewString(),
					})
					if !assert.NoError(t, err) {
						return
					}
					if d.Allowed {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int64(tt.max), allowed.Load())
			assert.Equal(t, int64(tt.extra), denied.Load())

			active, err := f.usages.CountActive(context.Background(), serialID)
			require.NoError(t, err)
			assert.Equal(t, tt.max, active)
		})
	}
}

func TestTrackUsage_UnlimitedSerial(t *testing.T) {
	f := newFixture(t, usage.Config{})
	serialID := f.addSerial(t, 0)

	for i := 0; i < 50; i++ {
		d := f.activate(t, serialID, uuid.NewString())
		require.True(t, d.Allowed)
		assert.Equal(t, 0, d.Max)
	}
	stats, err := f.tracker.GetUsageStats(context.Background(), serialID)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Active)
	assert.Equal(t, 0, stats.MaxUsageCount)
}

func TestTrackUsage_UnlimitedSerialConcurrent(t *testing.T) {
	f := newFixture(t, usage.Config{})
	serialID := f.addSerial(t, 0)

	const total = 100
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		start   = make(chan struct{})
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := f.tracker.TrackUsage(context.Background(), usage.Activation{
				SerialID: serialID,
				DeviceID: uuid.NewString(),
			})
			if assert.NoError(t, err) && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(total), allowed.Load())
	active, err := f.usages.CountActive(context.Background(), serialID)
	require.NoError(t, err)
	assert.Equal(t, total, active)
}

// sweepingStore expires every due seat right after FindActive when armed,
// the way a sweep interleaves with an activation.
type sweepingStore struct {
	*memory.UsageStore
	armed atomic.Bool
	at    func() time.Time
}

func (s *sweepingStore) FindActive(ctx context.Context, serialID uuid.UUID, deviceID string) (*domain.UsageRecord, error) {
	rec, err := s.UsageStore.FindActive(ctx, serialID, deviceID)
	if s.armed.CompareAndSwap(true, false) {
		if _, sweepErr := s.UsageStore.ExpireDue(ctx, s.at(), nil); sweepErr != nil {
			return nil, sweepErr
		}
	}
	return rec, err
}

func TestTrackUsage_RefreshRacingSweepTakesNewSeat(t *testing.T) {
	f := newFixture(t, usage.Config{})
	store := &sweepingStore{
		UsageStore: f.usages,
		at:         func() time.Time { return f.clock.Now().Add(time.Hour) },
	}
	tracker, err := usage.NewTracker(usage.Dependencies{
		Store:   store,
		Serials: f.serials,
		Locker:  f.locker,
		Cache:   usage.NewMemoryCountCache(time.Minute),
		Now:     f.clock.Now,
	}, usage.Config{SeatTTL: time.Hour})
	require.NoError(t, err)
	serialID := f.addSerial(t, 1)
	ctx := context.Background()

	first, err := tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: "D1"})
	require.NoError(t, err)
	require.True(t, first.Allowed)

	f.clock.Advance(59 * time.Minute)
	store.armed.Store(true)
	again, err := tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: "D1"})
	require.NoError(t, err)
	assert.True(t, again.Allowed)
	assert.False(t, again.Refreshed, "the swept seat cannot be refreshed")
	assert.NotEqual(t, first.Record.ID, again.Record.ID)
	assert.Equal(t, 1, again.Current)

	held, err := f.usages.FindActive(ctx, serialID, "D1")
	require.NoError(t, err)
	assert.Equal(t, again.Record.ID, held.ID)

	other, err := tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: "D2"})
	require.NoError(t, err)
	assert.False(t, other.Allowed, "D1 holds the only seat")

	active, err := f.usages.CountActive(ctx, serialID)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestTrackUsage_ConcurrentWithSweep(t *testing.T) {
	const (
		limit   = 3
		devices = 8
		rounds  = 40
	)
	f := newFixture(t, usage.Config{SeatTTL: time.Minute})
	serialID := f.addSerial(t, limit)
	ctx := context.Background()

	// Start with a full serial whose seats are about to lapse.
	for i := 0; i < limit; i++ {
		require.True(t, f.activate(t, serialID, fmt.Sprintf("stale-%d", i)).Allowed)
	}
	f.clock.Advance(50 * time.Second)

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(2)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.clock.Advance(5 * time.Second)
			_, err := f.tracker.CleanupExpiredUsages(ctx, f.clock.Now())
			assert.NoError(t, err)
			time.Sleep(200 * time.Microsecond)
		}
	}()
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, err := f.usages.CountActive(ctx, serialID)
			if !assert.NoError(t, err) || !assert.LessOrEqual(t, n, limit) {
				return
			}
			runtime.Gosched()
		}
	}()

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				dec, err := f.tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: device})
				if !assert.NoError(t, err) || !dec.Allowed {
					continue
				}
				if !assert.NotNil(t, dec.Record) || !assert.NotNil(t, dec.Record.ExpiresAt) {
					continue
				}

				// The granted seat is either still active or was expired later
				// with exactly the lease it was granted.
				list, err := f.usages.List(ctx, serialID)
				if !assert.NoError(t, err) {
					continue
				}
				for _, rec := range list {
					if rec.ID != dec.Record.ID {
						continue
					}
					if rec.Status != domain.UsageStatusActive {
						assert.Equal(t, domain.UsageStatusExpired, rec.Status)
						if assert.NotNil(t, rec.ExpiresAt) {
							assert.True(t, rec.ExpiresAt.Equal(*dec.Record.ExpiresAt),
								"device %s was granted a seat the store had already ended", device)
						}
					}
				}
			}
		}(fmt.Sprintf("device-%d", d))
	}
	wg.Wait()
	close(stop)
	sweeps.Wait()

	n, err := f.usages.CountActive(ctx, serialID)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, limit)
}

// leaseLocker hands out leases whose lost channel is closed up front when
// dropped is set.
type leaseLocker struct {
	*usage.MemoryLocker
	dropped bool
}

func (l leaseLocker) LockWithLease(ctx context.Context, key string) (func(), <-chan struct{}, error) {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	lost := make(chan struct{})
	if l.dropped {
		close(lost)
	}
	return unlock, lost, nil
}

// ctxStore records the context state seen inside the critical section.
type ctxStore struct {
	*memory.UsageStore
	mu   sync.Mutex
	seen error
}

func (s *ctxStore) FindActive(ctx context.Context, serialID uuid.UUID, deviceID string) (*domain.UsageRecord, error) {
	s.mu.Lock()
	s.seen = ctx.Err()
	s.mu.Unlock()
	return s.UsageStore.FindActive(ctx, serialID, deviceID)
}

func TestTrackUsage_LostLeaseAbortsCriticalSection(t *testing.T) {
	tests := []struct {
		name    string
		dropped bool
	}{
		{"lease held", false},
		{"lease lost", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, usage.Config{})
			store := &ctxStore{UsageStore: f.usages}
			tracker, err := usage.NewTracker(usage.Dependencies{
				Store:   store,
				Serials: f.serials,
				Locker:  leaseLocker{MemoryLocker: usage.NewMemoryLocker(), dropped: tt.dropped},
				Now:     f.clock.Now,
			}, usage.Config{})
			require.NoError(t, err)
			serialID := f.addSerial(t, 1)

			d, err := tracker.TrackUsage(context.Background(), usage.Activation{SerialID: serialID, DeviceID: "D1"})
			if !tt.dropped {
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.NoError(t, store.seen)
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrLockTimeout)
			assert.ErrorIs(t, store.seen, context.Canceled)

			_, err = tracker.RevokeAllUsage(context.Background(), serialID)
			assert.NoError(t, err, "revoking succeeds even when the lease is gone")
		})
	}
}

func TestTrackUsage_SameDeviceRefreshesSeat(t *testing.T) {
	f := newFixture(t, usage.Config{SeatTTL: time.Hour})
	serialID := f.addSerial(t, 1)

	first := f.activate(t, serialID, "laptop")
	require.True(t, first.Allowed)
	require.NotNil(t, first.Record.ExpiresAt)

	f.clock.Advance(30 * time.Minute)
	again := f.activate(t, serialID, "laptop")
	assert.True(t, again.Allowed)
	assert.True(t, again.Refreshed)
	assert.Equal(t, 1, again.Current)
	assert.Equal(t, first.Record.ID, again.Record.ID)
	assert.True(t, again.Record.ExpiresAt.After(*first.Record.ExpiresAt))

	other := f.activate(t, serialID, "desktop")
	assert.False(t, other.Allowed, "refresh does not free a seat")
}

func TestTrackUsage_LapsedSeatsAreReclaimed(t *testing.T) {
	f := newFixture(t, usage.Config{SeatTTL: time.Hour})
	serialID := f.addSerial(t, 1)

	require.True(t, f.activate(t, serialID, "old").Allowed)
	require.False(t, f.activate(t, serialID, "new").Allowed)

	f.clock.Advance(time.Hour)
	d := f.activate(t, serialID, "new")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Current)

	stats, err := f.tracker.GetUsageStats(context.Background(), serialID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Active)
}

func TestTrackUsage_LapsedOwnSeatIsReplaced(t *testing.T) {
	f := newFixture(t, usage.Config{SeatTTL: time.Minute})
	serialID := f.addSerial(t, 1)

	first := f.activate(t, serialID, "d")
	f.clock.Advance(2 * time.Minute)
	second := f.activate(t, serialID, "d")

	assert.True(t, second.Allowed)
	assert.False(t, second.Refreshed)
	assert.NotEqual(t, first.Record.ID, second.Record.ID)
}

func TestTrackUsage_Errors(t *testing.T) {
	f := newFixture(t, usage.Config{})
	ctx := context.Background()

	_, err := f.tracker.TrackUsage(ctx, usage.Activation{SerialID: uuid.New(), DeviceID: "d"})
	assert.ErrorIs(t, err, apperrors.ErrSerialNotFound)

	serialID := f.addSerial(t, 3)
	_, err = f.serials.RevokeSerial(ctx, serialID, time.Now())
	require.NoError(t, err)
	_, err = f.tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: "d"})
	assert.ErrorIs(t, err, apperrors.ErrSerialRevoked)
}

func TestTrackUsage_LockTimeout(t *testing.T) {
	f := newFixture(t, usage.Config{LockTimeout: 20 * time.Millisecond})
	serialID := f.addSerial(t, 1)

	unlock, err := f.locker.Lock(context.Background(), "serial:"+serialID.String())
	require.NoError(t, err)
	defer unlock()

	_, err = f.tracker.TrackUsage(context.Background(), usage.Activation{SerialID: serialID, DeviceID: "d"})
	assert.ErrorIs(t, err, apperrors.ErrLockTimeout)

	other := f.addSerial(t, 1)
	assert.True(t, f.activate(t, other, "d").Allowed, "other serials are not blocked")
}

func TestTrackUsage_CallerCancellationIsNotATimeout(t *testing.T) {
	f := newFixture(t, usage.Config{LockTimeout: time.Minute})
	serialID := f.addSerial(t, 1)

	unlock, err := f.locker.Lock(context.Background(), "serial:"+serialID.String())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.tracker.TrackUsage(ctx, usage.Activation{SerialID: serialID, DeviceID: "d"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, apperrors.ErrLockTimeout))
}

func TestRevokeUsage_Idempotent(t *testing.T) {
	f := newFixture(t, usage.Config{})
	ctx := context.Background()
	serialID := f.addSerial(t, 2)
	f.activate(t, serialID, "D1")
	f.activate(t, serialID, "D2")

	n, err := f.tracker.RevokeUsage(ctx, serialID, "D1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	once, err := f.tracker.GetUsageStats(ctx, serialID)
	require.NoError(t, err)

	n, err = f.tracker.RevokeUsage(ctx, serialID, "D1")
	require.NoError(t, err)
	assert.Zero(t, n)
	twice, err := f.tracker.GetUsageStats(ctx, serialID)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, twice.Active)

	_, err = f.tracker.RevokeUsage(ctx, serialID, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidDevice)
}

func TestRevokeAllUsage(t *testing.T) {
	f := newFixture(t, usage.Config{})
	ctx := context.Background()
	serialID := f.addSerial(t, 3)
	for _, d := range []string{"a", "b", "c"} {
		f.activate(t, serialID, d)
	}

	n, err := f.tracker.RevokeAllUsage(ctx, serialID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d := f.activate(t, serialID, "d")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Current)
}

func TestCleanupExpiredUsages(t *testing.T) {
	f := newFixture(t, usage.Config{SeatTTL: time.Hour})
	ctx := context.Background()
	a := f.addSerial(t, 5)
	b := f.addSerial(t, 5)
	f.activate(t, a, "1")
	f.activate(t, a, "2")
	f.activate(t, b, "1")

	n, err := f.tracker.CleanupExpiredUsages(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.tracker.CleanupExpiredUsages(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := f.tracker.GetUsageStats(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Expired)
	assert.Zero(t, stats.Active)

	d := f.activate(t, a, "3")
	assert.Equal(t, 1, d.Current, "cache was invalidated by the sweep")
}

func TestListUsage(t *testing.T) {
	f := newFixture(t, usage.Config{})
	serialID := f.addSerial(t, 2)
	f.activate(t, serialID, "first")
	f.activate(t, serialID, "second")

	records, err := f.tracker.ListUsage(context.Background(), serialID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].DeviceID)

	_, err = f.tracker.ListUsage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrSerialNotFound)
}

func TestPublishFailureDoesNotFailActivation(t *testing.T) {
	serials := memory.NewSerialStore()
	tracker, err := usage.NewTracker(usage.Dependencies{
		Store:   memory.NewUsageStore(),
		Serials: serials,
		Publisher: usage.PublisherFunc(func(context.Context, domain.UsageEvent) error {
			return errors.New("broker down")
		}),
	}, usage.Config{})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, serials.CreateSerial(context.Background(),
		&domain.Serial{ID: id, SerialNumber: "n", MaxUsageCount: 1, Revision: 1},
		&domain.SerialRevision{ID: uuid.New(), SerialID: id, Revision: 1, SerialNumber: "n"}))

	d, err := tracker.TrackUsage(context.Background(), usage.Activation{SerialID: id, DeviceID: "d"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

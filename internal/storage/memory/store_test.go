package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

func newSerial(number string) (*domain.Serial, *domain.SerialRevision) {
	id := uuid.New()
	now := time.Now().UTC()
	s := &domain.Serial{ID: id, SerialNumber: number, MaxUsageCount: 2, Revision: 1, Metadata: map[string]any{"k": "v"}, CreatedAt: now, UpdatedAt: now}
	rev := &domain.SerialRevision{ID: uuid.New(), SerialID: id, Revision: 1, SerialNumber: number, Payload: []byte{1, 2}, CreatedAt: now}
	return s, rev
}

func TestSerialStore_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	store := NewSerialStore()
	s, rev := newSerial("AAAA")

	require.NoError(t, store.CreateSerial(ctx, s, rev))

	got, err := store.GetSerial(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", got.SerialNumber)

	got.Metadata["k"] = "changed"
	again, err := store.GetSerial(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"], "callers get copies")

	r, err := store.GetRevisionByNumber(ctx, "AAAA")
	require.NoError(t, err)
	assert.Equal(t, s.ID, r.SerialID)

	_, err = store.GetRevisionByNumber(ctx, "BBBB")
	assert.ErrorIs(t, err, apperrors.ErrSerialNotFound)

	other, otherRev := newSerial("AAAA")
	assert.ErrorIs(t, store.CreateSerial(ctx, other, otherRev), apperrors.ErrSerialNumberTaken)
}

func TestSerialStore_RenewSupersedes(t *testing.T) {
	ctx := context.Background()
	store := NewSerialStore()
	s, rev := newSerial("OLD")
	require.NoError(t, store.CreateSerial(ctx, s, rev))

	renewed := *s
	renewed.SerialNumber = "NEW"
	renewed.Revision = 2
	next := &domain.SerialRevision{ID: uuid.New(), SerialID: s.ID, Revision: 2, SerialNumber: "NEW", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.RenewSerial(ctx, &renewed, next))

	old, err := store.GetRevisionByNumber(ctx, "OLD")
	require.NoError(t, err)
	assert.True(t, old.Superseded())

	cur, err := store.GetRevisionByNumber(ctx, "NEW")
	require.NoError(t, err)
	assert.False(t, cur.Superseded())

	revs, err := store.ListRevisions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 2)

	stale := &domain.SerialRevision{ID: uuid.New(), SerialID: s.ID, Revision: 2, SerialNumber: "OTHER"}
	assert.ErrorIs(t, store.RenewSerial(ctx, &renewed, stale), apperrors.ErrSerialSuperseded)
}

func TestSerialStore_RevokeKeepsFirstTombstone(t *testing.T) {
	ctx := context.Background()
	store := NewSerialStore()
	s, rev := newSerial("AAAA")
	require.NoError(t, store.CreateSerial(ctx, s, rev))

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := store.RevokeSerial(ctx, s.ID, first)
	require.NoError(t, err)
	require.True(t, got.Revoked())

	got, err = store.RevokeSerial(ctx, s.ID, first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, got.RevokedAt.Equal(first))

	_, err = store.RevokeSerial(ctx, uuid.New(), first)
	assert.ErrorIs(t, err, apperrors.ErrSerialNotFound)
}

func TestClientStore(t *testing.T) {
	ctx := context.Background()
	store := NewClientStore()

	next, err := store.NextClientNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	a := &domain.Client{ID: uuid.New(), Name: "a", ClientNumber: 7, Active: true}
	require.NoError(t, store.CreateClient(ctx, a))
	assert.ErrorIs(t, store.CreateClient(ctx, &domain.Client{ID: uuid.New(), ClientNumber: 7}), apperrors.ErrClientNumberTaken)
	require.NoError(t, store.CreateClient(ctx, &domain.Client{ID: uuid.New(), Name: "b", ClientNumber: 3, Active: true}))

	next, err = store.NextClientNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, next)

	byNumber, err := store.GetClientByNumber(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byNumber.ID)

	updated, err := store.SetClientActive(ctx, a.ID, false, time.Now())
	require.NoError(t, err)
	assert.False(t, updated.Active)

	list, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].ClientNumber)

	_, err = store.GetClient(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrClientNotFound)
}

func TestUsageStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore()
	serialID := uuid.New()
	now := time.Now().UTC()
	soon := now.Add(time.Minute)

	for i, device := range []string{"d1", "d2", "d3"} {
		rec := &domain.UsageRecord{ID: uuid.New(), SerialID: serialID, DeviceID: device, Status: domain.UsageStatusActive, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if device == "d3" {
			rec.ExpiresAt = &soon
		}
		require.NoError(t, store.Create(ctx, rec))
	}

	n, err := store.CountActive(ctx, serialID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	revoked, err := store.RevokeActive(ctx, serialID, "d1", now)
	require.NoError(t, err)
	assert.Len(t, revoked, 1)

	revoked, err = store.RevokeActive(ctx, serialID, "d1", now)
	require.NoError(t, err)
	assert.Empty(t, revoked, "second revoke changes nothing")

	_, err = store.FindActive(ctx, serialID, "d1")
	assert.ErrorIs(t, err, apperrors.ErrUsageNotFound)

	expired, err := store.ExpireDue(ctx, now, nil)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = store.ExpireDue(ctx, soon, nil)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "d3", expired[0].DeviceID)

	stats, err := store.Stats(ctx, serialID)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStats{SerialID: serialID, Total: 3, Active: 1, Revoked: 1, Expired: 1, DistinctDevices: 3}, stats)

	list, err := store.List(ctx, serialID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "d3", list[0].DeviceID, "newest first")
}

func TestUsageStore_TouchRejectsTerminalRecords(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore()
	serialID := uuid.New()
	rec := &domain.UsageRecord{ID: uuid.New(), SerialID: serialID, DeviceID: "d", Status: domain.UsageStatusActive}
	require.NoError(t, store.Create(ctx, rec))
	_, err := store.RevokeActive(ctx, serialID, "", time.Now())
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	assert.ErrorIs(t, store.Touch(ctx, rec.ID, &later, time.Now()), apperrors.ErrUsageNotFound)

	list, err := store.List(ctx, serialID)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageStatusRevoked, list[0].Status)
	assert.Nil(t, list[0].ExpiresAt)

	assert.ErrorIs(t, store.Touch(ctx, uuid.New(), nil, time.Now()), apperrors.ErrUsageNotFound)
}

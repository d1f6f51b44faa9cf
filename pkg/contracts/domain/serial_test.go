package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerial_IsActive(t *testing.T) {
	exp := time.Date(2030, time.May, 1, 0, 0, 0, 0, time.UTC)
	revokedAt := time.Date(2029, time.January, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		serial Serial
		now    time.Time
		want   bool
	}{
		{"dated, before expiry", Serial{Expiration: &exp}, exp.Add(-time.Hour), true},
		{"dated, last day", Serial{Expiration: &exp}, exp.Add(20 * time.Hour), true},
		{"dated, after expiry", Serial{Expiration: &exp}, exp.AddDate(0, 0, 1), false},
		{"never expires", Serial{NeverExpires: true}, exp.AddDate(100, 0, 0), true},
		{"demo has no date", Serial{IsDemo: true}, exp.AddDate(100, 0, 0), true},
		{"revoked", Serial{NeverExpires: true, RevokedAt: &revokedAt}, exp, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.serial.IsActive(tt.now))
		})
	}
}

func TestSerial_Unlimited(t *testing.T) {
	assert.True(t, (&Serial{IsDemo: true, MaxUsageCount: 3}).Unlimited())
	assert.True(t, (&Serial{MaxUsageCount: 0}).Unlimited())
	assert.False(t, (&Serial{MaxUsageCount: 1}).Unlimited())
}

func TestUsageRecord_LapsedAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&UsageRecord{Status: UsageStatusActive, ExpiresAt: &past}).LapsedAt(now))
	assert.True(t, (&UsageRecord{Status: UsageStatusActive, ExpiresAt: &now}).LapsedAt(now))
	assert.False(t, (&UsageRecord{Status: UsageStatusActive, ExpiresAt: &future}).LapsedAt(now))
	assert.False(t, (&UsageRecord{Status: UsageStatusActive}).LapsedAt(now))
	assert.False(t, (&UsageRecord{Status: UsageStatusRevoked, ExpiresAt: &past}).LapsedAt(now))
}

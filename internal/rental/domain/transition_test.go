package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"reserved to active", StatusReserved, StatusActive, false},
		{"reserved to expired", StatusReserved, StatusExpired, false},
		{"reserved to cancelled", StatusReserved, StatusCancelled, false},
		{"active to suspended", StatusActive, StatusSuspended, false},
		{"active to cancelled", StatusActive, StatusCancelled, false},
		{"suspended to active", StatusSuspended, StatusActive, false},
		{"suspended to cancelled", StatusSuspended, StatusCancelled, false},
		{"same state is a no-op", StatusActive, StatusActive, false},
		{"reserved to suspended", StatusReserved, StatusSuspended, true},
		{"active to reserved", StatusActive, StatusReserved, true},
		{"active to expired", StatusActive, StatusExpired, true},
		{"cancelled is terminal", StatusCancelled, StatusActive, true},
		{"expired is terminal", StatusExpired, StatusActive, true},
		{"expired cannot cancel", StatusExpired, StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Transition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.False(t, StatusReserved.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusSuspended.IsTerminal())
}

func TestIsExpiringSoon(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	tests := []struct {
		name   string
		rental NumberRental
		want   bool
	}{
		{"inside window", NumberRental{Status: StatusActive, ExpiresAt: at(3 * 24 * time.Hour)}, true},
		{"exactly on the edge", NumberRental{Status: StatusActive, ExpiresAt: at(ExpiringSoonWindow)}, true},
		{"beyond window", NumberRental{Status: StatusActive, ExpiresAt: at(8 * 24 * time.Hour)}, false},
		{"already past", NumberRental{Status: StatusActive, ExpiresAt: at(-time.Hour)}, false},
		{"no expiry set", NumberRental{Status: StatusActive}, false},
		{"cancelled never flags", NumberRental{Status: StatusCancelled, ExpiresAt: at(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rental.IsExpiringSoon(now))
		})
	}
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	tests := []struct {
		name   string
		rental NumberRental
		want   int
	}{
		{"whole month", NumberRental{ExpiresAt: at(30 * 24 * time.Hour)}, 30},
		{"partial day rounds up", NumberRental{ExpiresAt: at(36 * time.Hour)}, 2},
		{"expires tomorrow morning", NumberRental{ExpiresAt: at(18 * time.Hour)}, 1},
		{"already past", NumberRental{ExpiresAt: at(-time.Hour)}, 0},
		{"no expiry set", NumberRental{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rental.DaysRemaining(now))
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, NumberRental{ExpiresAt: &past}.IsExpired(now))
	assert.False(t, NumberRental{ExpiresAt: &future}.IsExpired(now))
	assert.False(t, NumberRental{}.IsExpired(now))
}

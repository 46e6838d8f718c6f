package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/homelet/backend/internal/models"
)

func schedule(start time.Time, months, dueDay int) models.RentSchedule {
	return models.RentSchedule{
		ContractID:          "CT-1",
		LeaseStart:          start,
		LeaseDurationMonths: months,
		DueDayOfMonth:       dueDay,
		RentAmount:          50_000,
	}
}

func TestNextDueDate(t *testing.T) {
	t.Run("first due date in lease start month", func(t *testing.T) {
		s := schedule(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), 12, 15)

		due := NextDueDate(s, 0)
		assert.Equal(t, time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC), due)
	})

	t.Run("due day before lease start rolls to next month", func(t *testing.T) {
		s := schedule(time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC), 12, 15)

		due := NextDueDate(s, 0)
		assert.Equal(t, time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC), due)
	})

	t.Run("advances one month per committed payment", func(t *testing.T) {
		s := schedule(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), 12, 10)

		assert.Equal(t, time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC), NextDueDate(s, 0))
		assert.Equal(t, time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC), NextDueDate(s, 1))
		assert.Equal(t, time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC), NextDueDate(s, 5))
	})

	t.Run("due day 31 clamps to short months", func(t *testing.T) {
		s := schedule(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), 12, 31)

		assert.Equal(t, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), NextDueDate(s, 0))
		// February 2025 has 28 days
		assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), NextDueDate(s, 1))
		assert.Equal(t, time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC), NextDueDate(s, 2))
		// April has 30
		assert.Equal(t, time.Date(2025, time.April, 30, 0, 0, 0, 0, time.UTC), NextDueDate(s, 3))
	})

	t.Run("february clamp in a leap year", func(t *testing.T) {
		s := schedule(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), 12, 30)

		assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), NextDueDate(s, 1))
	})

	t.Run("monotonic over the whole lease", func(t *testing.T) {
		s := schedule(time.Date(2025, time.January, 25, 0, 0, 0, 0, time.UTC), 24, 31)

		prev := NextDueDate(s, 0)
		for i := 1; i < 24; i++ {
			next := NextDueDate(s, i)
			assert.True(t, next.After(prev), "payment %d: %v not after %v", i, next, prev)
			prev = next
		}
	})
}

func TestIsOverdue(t *testing.T) {
	due := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)

	assert.False(t, IsOverdue(due, due))
	assert.False(t, IsOverdue(due, due.Add(-time.Hour)))
	assert.True(t, IsOverdue(due, due.Add(time.Hour)))
}

func TestLeaseEnd(t *testing.T) {
	s := schedule(time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), 12, 15)

	assert.Equal(t, time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), LeaseEnd(s))
}

func TestPaymentsRemaining(t *testing.T) {
	s := schedule(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), 12, 1)

	assert.Equal(t, 12, PaymentsRemaining(s, 0))
	assert.Equal(t, 7, PaymentsRemaining(s, 5))
	assert.Equal(t, 0, PaymentsRemaining(s, 12))
	assert.Equal(t, 0, PaymentsRemaining(s, 15))
}

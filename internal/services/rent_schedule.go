package services

import (
	"time"

	"github.com/homelet/backend/internal/models"
)

// Due-date derivation is pure: the next due date is a function of the lease
// terms and the count of committed rent payments in the ledger. No "next due
// date" field is ever stored or mutated.

// NextDueDate returns the due date of the next unpaid rent period. The anchor
// is the due day in the lease-start month (or the following month when the
// lease starts after that day), advanced by one month per committed payment.
// A due day beyond the target month's length clamps to its last day, so the
// result is monotonically non-decreasing in the payment count.
func NextDueDate(schedule models.RentSchedule, committedPayments int) time.Time {
	start := schedule.LeaseStart.UTC()
	year, month := start.Year(), start.Month()

	first := dateWithClampedDay(year, month, schedule.DueDayOfMonth, start.Location())
	if first.Before(start) {
		year, month = nextMonth(year, month)
	}

	for i := 0; i < committedPayments; i++ {
		year, month = nextMonth(year, month)
	}

	return dateWithClampedDay(year, month, schedule.DueDayOfMonth, start.Location())
}

// IsOverdue reports whether the next due date has passed. Reminder delivery
// is the notification dispatcher's concern, not the scheduler's.
func IsOverdue(nextDueDate, now time.Time) bool {
	return now.After(nextDueDate)
}

// LeaseEnd returns the date the lease term expires.
func LeaseEnd(schedule models.RentSchedule) time.Time {
	return schedule.LeaseStart.UTC().AddDate(0, schedule.LeaseDurationMonths, 0)
}

// PaymentsRemaining returns how many rent periods of the lease term are still
// unpaid, never negative.
func PaymentsRemaining(schedule models.RentSchedule, committedPayments int) int {
	remaining := schedule.LeaseDurationMonths - committedPayments
	if remaining < 0 {
		return 0
	}
	return remaining
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func dateWithClampedDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	if day < 1 {
		day = 1
	}
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

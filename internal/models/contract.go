package models

import (
	"time"
)

// Contract statuses.
const (
	ContractStatusDraft      = "DRAFT"
	ContractStatusActive     = "ACTIVE"
	ContractStatusTerminated = "TERMINATED"
	ContractStatusExpired    = "EXPIRED"
)

// Contract is a lease agreement between a landlord and a tenant for one
// property. Rent amount is fixed for the lease term, in minor currency units.
type Contract struct {
	ID                  int       `json:"id" db:"id"`
	ContractID          string    `json:"contract_id" db:"contract_id"`
	PropertyID          string    `json:"property_id" db:"property_id"`
	LandlordAccountID   string    `json:"landlord_account_id" db:"landlord_account_id"`
	TenantAccountID     string    `json:"tenant_account_id" db:"tenant_account_id"`
	LeaseStart          time.Time `json:"lease_start" db:"lease_start"`
	LeaseDurationMonths int       `json:"lease_duration_months" db:"lease_duration_months"`
	DueDayOfMonth       int       `json:"due_day_of_month" db:"due_day_of_month"`
	RentAmount          int64     `json:"rent_amount" db:"rent_amount"`
	Status              string    `json:"status" db:"status"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// RentSchedule is the billing view of a contract. It is derived data: the
// next due date is computed from the lease terms plus the count of committed
// rent payments in the ledger, never stored as a mutable field.
type RentSchedule struct {
	ContractID          string    `json:"contract_id"`
	LeaseStart          time.Time `json:"lease_start"`
	LeaseDurationMonths int       `json:"lease_duration_months"`
	DueDayOfMonth       int       `json:"due_day_of_month"`
	RentAmount          int64     `json:"rent_amount"`
}

// Schedule extracts the billing terms of a contract.
func (c *Contract) Schedule() RentSchedule {
	return RentSchedule{
		ContractID:          c.ContractID,
		LeaseStart:          c.LeaseStart,
		LeaseDurationMonths: c.LeaseDurationMonths,
		DueDayOfMonth:       c.DueDayOfMonth,
		RentAmount:          c.RentAmount,
	}
}

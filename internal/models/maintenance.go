package models

import (
	"time"
)

// Maintenance request statuses.
const (
	MaintenanceStatusOpen       = "OPEN"
	MaintenanceStatusInProgress = "IN_PROGRESS"
	MaintenanceStatusResolved   = "RESOLVED"
	MaintenanceStatusRejected   = "REJECTED"
)

// MaintenanceRequest is a tenant-filed repair request against an active
// contract, advanced by the landlord through its statuses.
type MaintenanceRequest struct {
	ID              int       `json:"id" db:"id"`
	RequestID       string    `json:"request_id" db:"request_id"`
	ContractID      string    `json:"contract_id" db:"contract_id"`
	TenantAccountID string    `json:"tenant_account_id" db:"tenant_account_id"`
	Title           string    `json:"title" db:"title"`
	Description     string    `json:"description" db:"description"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

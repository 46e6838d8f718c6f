package models

import (
	"time"
)

// Property listing statuses.
const (
	PropertyStatusAvailable = "AVAILABLE"
	PropertyStatusRented    = "RENTED"
	PropertyStatusDelisted  = "DELISTED"
)

// Property is a landlord's rental listing. Photos are stored as paths under
// the static file root and served by the static middleware.
type Property struct {
	ID                int       `json:"id" db:"id"`
	PropertyID        string    `json:"property_id" db:"property_id"`
	LandlordAccountID string    `json:"landlord_account_id" db:"landlord_account_id"`
	Title             string    `json:"title" db:"title"`
	Description       string    `json:"description" db:"description"`
	Address           string    `json:"address" db:"address"`
	City              string    `json:"city" db:"city"`
	Bedrooms          int       `json:"bedrooms" db:"bedrooms"`
	Bathrooms         int       `json:"bathrooms" db:"bathrooms"`
	RentAmount        int64     `json:"rent_amount" db:"rent_amount"` // asking rent, minor units
	PhotoPath         string    `json:"photo_path,omitempty" db:"photo_path"`
	Status            string    `json:"status" db:"status"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

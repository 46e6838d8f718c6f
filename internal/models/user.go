package models

import "time"

// User roles.
const (
	RoleTenant   = "TENANT"
	RoleLandlord = "LANDLORD"
)

type User struct {
	ID                  int    `json:"id" example:"1"`                       // User ID
	Email               string `json:"email" example:"user@example.com"`     // User email
	FirstName           string `json:"FirstName" example:"John"`             // User first name
	LastName            string `json:"LastName" example:"Doe"`               // User last name
	AccountId           string `json:"AccountId" example:"1234567890"`       // Wallet account ID
	PhoneNumber         string `json:"PhoneNumber" example:"+2348012345678"` // Phone number
	Role                string `json:"role" example:"TENANT"`                // TENANT or LANDLORD
	PhoneVerified       bool   `json:"phone_verified"`
	FailedLoginAttempts int    `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLogin           *time.Time `json:"last_login,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

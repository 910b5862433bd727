package models

import "time"

type User struct {
	ID          int        `json:"id" example:"1"`
	Email       string     `json:"email" example:"user@example.com"`
	FirstName   string     `json:"firstName" example:"John"`
	LastName    string     `json:"lastName" example:"Doe"`
	PhoneNumber string     `json:"phoneNumber" example:"+2348012345678"`
	AccountID   string     `json:"accountId" example:"1234567890"`
	KYCTier     string     `json:"kycTier" example:"tier1"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

package model

import "time"

// User types accepted at registration.
const (
	UserTypeFarmer = "farmer"
	UserTypeBuyer  = "buyer"
)

// User represents a marketplace account (stubble seller or buyer).
type User struct {
	ID       uint   `gorm:"primaryKey"`
	FullName string `gorm:"type:varchar(191);not null"`             // display name, min length 2
	Phone    string `gorm:"type:varchar(16);uniqueIndex;not null"`  // exactly 10 digits
	Email    string `gorm:"type:varchar(191);uniqueIndex;not null"` // stored lowercase
	Location string `gorm:"type:varchar(191);not null"`
	Password string `gorm:"not null"`                  // bcrypt hash
	UserType string `gorm:"type:varchar(16);not null"` // farmer / buyer

	IsVerified bool `gorm:"default:false"` // email ownership proven
	Active     bool `gorm:"default:true"`  // deactivated accounts may not log in

	// Both code fields are set together and cleared together on verify.
	VerificationCode        *string `gorm:"type:varchar(16)"`
	VerificationCodeExpires *time.Time
	VerificationCodeSentAt  *time.Time // drives the resend cooldown

	CreatedAt time.Time
	UpdatedAt time.Time
}

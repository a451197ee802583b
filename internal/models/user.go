package models

import "time"

type SubscriptionStatus string

const (
	SubFree              SubscriptionStatus = "free"
	SubActive            SubscriptionStatus = "active"
	SubCanceled          SubscriptionStatus = "canceled"
	SubPastDue           SubscriptionStatus = "past_due"
	SubIncomplete        SubscriptionStatus = "incomplete"
	SubIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"type:varchar(128);not null" json:"-"`

	FirstName string `gorm:"type:varchar(64)" json:"first_name,omitempty"`
	LastName  string `gorm:"type:varchar(64)" json:"last_name,omitempty"`
	ImageURL  string `gorm:"type:varchar(512)" json:"image_url,omitempty"`

	// Billing provider state. Written by whatever process owns payments;
	// read here only to decide the privileged-account flag.
	StripeCustomerID     *string            `gorm:"type:varchar(64);index" json:"-"`
	StripeSubscriptionID *string            `gorm:"type:varchar(64)" json:"-"`
	StripePriceID        *string            `gorm:"type:varchar(64)" json:"-"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	SubscriptionStatus   SubscriptionStatus `gorm:"type:varchar(24);not null;default:free" json:"subscription_status"`

	MessageCountToday int        `gorm:"not null;default:0" json:"-"`
	LastMessageDate   *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Privileged reports whether the account holds an active paid entitlement.
func (u *User) Privileged() bool {
	return u.SubscriptionStatus == SubActive
}

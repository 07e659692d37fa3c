package models

import "time"

// Credentials are the provider account login. They are never validated locally.
type Credentials struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"-" yaml:"password"`
}

// Session is an authenticated provider session. A new authentication replaces
// the whole value; fields are never updated in place.
type Session struct {
	AccessToken string
	SectionID   string
	ExpiresAt   time.Time
}

// Valid reports whether the session has not yet expired at now
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Reading represents one day's water consumption window
type Reading struct {
	ID          int       `json:"id"`
	DeviceID    string    `json:"device_id"`
	Value       float64   `json:"value"`        // Raw provider figure, may be negative
	PeriodStart string    `json:"period_start"` // Provider startDate, as returned
	PeriodEnd   string    `json:"period_end"`   // Provider endDate, as returned
	FetchedAt   time.Time `json:"fetched_at"`
}

// Device is a paired water connection
type Device struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	Password          string    `json:"-"`
	SectionID         string    `json:"section_id"`
	Available         bool      `json:"available"`
	UnavailableReason string    `json:"unavailable_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Credentials returns the stored login for the device
func (d *Device) Credentials() Credentials {
	return Credentials{Email: d.Email, Password: d.Password}
}

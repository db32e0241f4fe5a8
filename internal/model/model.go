// Package model defines domain entities shared by the cache, the sync engine and the stores.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Profile defaults applied at onboarding.
const (
	DefaultProfileType = "tattoo"
	DefaultTimezone    = "Europe/Paris"
)

// Profile is the business identity of one account.
type Profile struct {
	ID          string    `json:"id"` // = owning account id
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	ProfileType string    `json:"profile_type"`
	Timezone    string    `json:"timezone"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Location resolves the profile timezone, falling back to DefaultTimezone and then UTC.
func (p Profile) Location() *time.Location {
	for _, name := range []string{p.Timezone, DefaultTimezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Service is a bookable offering. Category holds the category name.
type Service struct {
	ID              string    `json:"id"`
	ProfileID       string    `json:"profile_id"`
	Category        string    `json:"category"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Price           Cents     `json:"price"`
	IsActive        bool      `json:"is_active"`
	Position        int       `json:"position"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Duration returns the service length.
func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Category is an ordered service grouping.
type Category struct {
	ID           string    `json:"id"`
	ProfileID    string    `json:"profile_id"`
	Name         string    `json:"name"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventType distinguishes bookings from blocked time.
type EventType string

const (
	EventAppointment EventType = "appointment"
	EventBlocked     EventType = "blocked"
)

// Appointment statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// CalendarEvent is either a booking or a blocked range.
type CalendarEvent struct {
	ID                string    `json:"id"`
	ProfileID         string    `json:"profile_id"`
	Type              EventType `json:"type"`
	StartAt           time.Time `json:"start_at"`
	EndAt             time.Time `json:"end_at"`
	ServiceID         string    `json:"service_id,omitempty"`
	ClientName        string    `json:"client_name,omitempty"`
	ClientPhone       string    `json:"client_phone,omitempty"`
	ClientEmail       string    `json:"client_email,omitempty"`
	Status            string    `json:"status,omitempty"`
	CancellationToken string    `json:"cancellation_token,omitempty"`
	ServiceName       string    `json:"service_name,omitempty"`
	ServicePrice      Cents     `json:"service_price,omitempty"`
	ServiceDuration   int       `json:"service_duration,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Overlaps reports whether the event intersects [start, end).
func (e CalendarEvent) Overlaps(start, end time.Time) bool {
	return e.StartAt.Before(end) && start.Before(e.EndAt)
}

// MaxPhotos bounds the public page gallery.
const MaxPhotos = 4

// PageSettings is the public booking page of a profile.
type PageSettings struct {
	ProfileID    string          `json:"profile_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Photos       []string        `json:"photos"`
	Instagram    string          `json:"instagram,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	OpeningHours json.RawMessage `json:"opening_hours,omitempty"`
	IsPublished  bool            `json:"is_published"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Cover returns the first photo, the page cover.
func (p PageSettings) Cover() string {
	if len(p.Photos) == 0 {
		return ""
	}
	return p.Photos[0]
}

// Now returns the current time in the canonical form: UTC, second precision.
func Now() time.Time { return Canonical(time.Now()) }

// Canonical truncates t to seconds in UTC so that its RFC 3339 form sorts chronologically.
func Canonical(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }

// NewID returns a random UUIDv4 string.
func NewID() string { return uuid.Must(uuid.NewV4()).String() }

// NewToken returns a 32-char hex cancellation token.
func NewToken() string { return strings.ReplaceAll(NewID(), "-", "") }

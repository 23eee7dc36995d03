// Package session provides paid WiFi access sessions and their lifecycle.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the current status of a session.
type Status string

const (
	// StatusPending indicates the session is awaiting payment confirmation.
	StatusPending Status = "PENDING"
	// StatusActive indicates payment was confirmed and access is granted.
	StatusActive Status = "ACTIVE"
	// StatusFailed indicates the payment was cancelled or rejected.
	StatusFailed Status = "FAILED"
	// StatusRevoked indicates an operator removed access manually.
	StatusRevoked Status = "REVOKED"
	// StatusExpired indicates the purchased window has elapsed.
	StatusExpired Status = "EXPIRED"
)

// UnknownMAC is stored when the device MAC could not be resolved.
const UnknownMAC = "00:00:00:00:00:00"

var (
	// ErrNotFound is returned when no session matches a lookup.
	ErrNotFound = errors.New("session not found")
	// ErrIllegalTransition is returned when a status change is not allowed
	// from the session's current status. Nothing is modified.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// transitions lists the legal edges of the session state machine.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusFailed},
	StatusActive:  {StatusRevoked, StatusExpired},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusFailed, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Session represents a purchased, time-boxed WiFi access window.
type Session struct {
	ID            string
	Subscriber    string // normalized phone number
	Amount        int64
	CorrelationID string // provider CheckoutRequestID, empty until initiation succeeds
	Receipt       string
	IPAddress     string
	MACAddress    string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Duration returns the access window purchased by this session.
func (s *Session) Duration() time.Duration {
	return TierDuration(s.Amount)
}

// ExpiresAt returns the moment the purchased window ends.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.Duration())
}

// Expired reports whether the window has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// HasMAC reports whether a real MAC address is known for the device.
func (s *Session) HasMAC() bool {
	return s.MACAddress != "" && s.MACAddress != UnknownMAC
}

// FirewallMAC returns the MAC to hand to the firewall, substituting the sentinel.
func (s *Session) FirewallMAC() string {
	if s.MACAddress == "" {
		return UnknownMAC
	}
	return s.MACAddress
}

// RemainingTime returns the time left in the window, or zero.
func (s *Session) RemainingTime(now time.Time) time.Duration {
	if s.Status != StatusActive {
		return 0
	}
	remaining := s.ExpiresAt().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingTimeFormatted returns a human-readable remaining time string.
func (s *Session) RemainingTimeFormatted(now time.Time) string {
	remaining := s.RemainingTime(now)
	if remaining <= 0 {
		return "0s"
	}

	hours := int(remaining.Hours())
	minutes := int(remaining.Minutes()) % 60
	seconds := int(remaining.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// TierDuration maps a paid amount to its access window.
// Tiers are inclusive lower bounds evaluated highest first.
func TierDuration(amount int64) time.Duration {
	switch {
	case amount >= 250:
		return 7 * 24 * time.Hour
	case amount >= 50:
		return 24 * time.Hour
	case amount >= 10:
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

// Plan is a purchasable access package.
type Plan struct {
	ID    string `json:"id"`
	Price int64  `json:"price"`
	Label string `json:"label"`
}

// DefaultPlan is used when a request names no plan or an unknown one.
const DefaultPlan = "1hour"

// Plans lists the packages offered on the portal.
var Plans = map[string]Plan{
	"1hour":   {ID: "1hour", Price: 10, Label: "1 Hour Access"},
	"24hours": {ID: "24hours", Price: 50, Label: "24 Hours Access"},
	"1week":   {ID: "1week", Price: 250, Label: "7 Days Access"},
}

// LookupPlan returns the named plan, falling back to DefaultPlan.
func LookupPlan(id string) Plan {
	if p, ok := Plans[id]; ok {
		return p
	}
	return Plans[DefaultPlan]
}

// NormalizePhone converts local and international forms to 254XXXXXXXXX.
func NormalizePhone(raw string) string {
	phone := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	switch {
	case strings.HasPrefix(phone, "0"):
		return "254" + phone[1:]
	case strings.HasPrefix(phone, "+"):
		return phone[1:]
	default:
		return phone
	}
}

package grant

import (
	"errors"
	"fmt"
	"time"
)

// Status is the owner-controlled lifecycle state of a grant.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusRevoked  Status = "REVOKED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusRevoked:
		return true
	}
	return false
}

const (
	// MaxOTPAttempts is the number of wrong guesses that locks OTP entry.
	MaxOTPAttempts = 3
	// OTPTTL is how long an issued code stays verifiable.
	OTPTTL = 15 * time.Minute
	// SessionIdleTimeout is the inactivity window of a verified download session.
	SessionIdleTimeout = 60 * time.Minute
)

var (
	ErrInvalidTransition = errors.New("grant: invalid status transition")
	ErrExpiryNotInFuture = errors.New("grant: expiry date must be in the future")
)

// Grant is one requestor's access lifecycle against one document.
type Grant struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`

	RequestorEmail        string `json:"requestor_email"`
	RequestorName         string `json:"requestor_name,omitempty"`
	RequestorOrganization string `json:"requestor_organization,omitempty"`
	RequestPurpose        string `json:"request_purpose"`

	Status            Status     `json:"status"`
	AccessToken       string     `json:"-"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	DenialReason      string     `json:"denial_reason,omitempty"`
	ApprovalMessage   string     `json:"approval_message,omitempty"`
	RevocationMessage string     `json:"revocation_message,omitempty"`
	RequestedAt       time.Time  `json:"requested_at"`
	ActionCompletedAt *time.Time `json:"action_completed_at,omitempty"`

	OTP           string     `json:"-"`
	OTPExpiryDate *time.Time `json:"-"`
	OTPAttempts   int        `json:"otp_attempts"`

	IsVerified           bool       `json:"is_verified"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	DownloadSessionToken string     `json:"-"`
	LastActivityAt       *time.Time `json:"last_activity_at,omitempty"`

	// Version increments on every persisted write; stores use it for compare-and-swap.
	Version int64 `json:"-"`
}

// Clone returns a deep copy so callers never share time pointers with a store.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.ExpiryDate = cloneTime(g.ExpiryDate)
	out.ActionCompletedAt = cloneTime(g.ActionCompletedAt)
	out.OTPExpiryDate = cloneTime(g.OTPExpiryDate)
	out.VerifiedAt = cloneTime(g.VerifiedAt)
	out.LastActivityAt = cloneTime(g.LastActivityAt)
	return &out
}

// IsActive reports whether the grant currently allows verification and download.
func (g *Grant) IsActive(now time.Time) bool {
	if g.Status != StatusApproved {
		return false
	}
	return g.ExpiryDate == nil || !g.ExpiryDate.Before(now)
}

// IsExpired is only ever true for APPROVED grants. DENIED and REVOKED grants
// report false; callers that need "unusable for any reason" must check Status too.
func (g *Grant) IsExpired(now time.Time) bool {
	return g.Status == StatusApproved && g.ExpiryDate != nil && g.ExpiryDate.Before(now)
}

func (g *Grant) IsOTPExpired(now time.Time) bool {
	return g.OTPExpiryDate == nil || g.OTPExpiryDate.Before(now)
}

func (g *Grant) CanRequestOTP(now time.Time) bool {
	return g.Status == StatusApproved && !g.IsExpired(now)
}

func (g *Grant) CanVerifyOTP(now time.Time) bool {
	return g.OTP != "" && !g.IsOTPExpired(now) && g.OTPAttempts < MaxOTPAttempts
}

func (g *Grant) IsSessionActive(now time.Time) bool {
	if !g.IsVerified || g.IsExpired(now) || g.LastActivityAt == nil {
		return false
	}
	return now.Sub(*g.LastActivityAt) < SessionIdleTimeout
}

// RemainingOTPAttempts never goes below zero.
func (g *Grant) RemainingOTPAttempts() int {
	if n := MaxOTPAttempts - g.OTPAttempts; n > 0 {
		return n
	}
	return 0
}

// Approve moves a PENDING grant to APPROVED with the given expiry.
func (g *Grant) Approve(now, expiry time.Time, message string) error {
	if g.Status != StatusPending {
		return fmt.Errorf("%w: grant is %s", ErrInvalidTransition, g.Status)
	}
	if !expiry.After(now) {
		return ErrExpiryNotInFuture
	}
	expiry = expiry.UTC()
	g.Status = StatusApproved
	g.ExpiryDate = &expiry
	g.ApprovalMessage = message
	g.ActionCompletedAt = timePtr(now)
	return nil
}

// Deny moves a PENDING grant to DENIED.
func (g *Grant) Deny(now time.Time, reason string) error {
	if g.Status != StatusPending {
		return fmt.Errorf("%w: grant is %s", ErrInvalidTransition, g.Status)
	}
	g.Status = StatusDenied
	g.DenialReason = reason
	g.ActionCompletedAt = timePtr(now)
	return nil
}

// Revoke terminates the grant regardless of its current status.
func (g *Grant) Revoke(now time.Time, message string) {
	g.Status = StatusRevoked
	g.RevocationMessage = message
	g.ActionCompletedAt = timePtr(now)
}

// IssueOTP replaces any previous code and resets the attempt counter.
func (g *Grant) IssueOTP(now time.Time, code string) {
	g.OTP = code
	g.OTPExpiryDate = timePtr(now.Add(OTPTTL))
	g.OTPAttempts = 0
}

// RecordFailedOTP counts a wrong guess and returns the attempts left.
func (g *Grant) RecordFailedOTP() int {
	g.OTPAttempts++
	return g.RemainingOTPAttempts()
}

// StartSession marks the requestor verified and consumes the OTP.
func (g *Grant) StartSession(now time.Time, sessionToken string) {
	g.IsVerified = true
	g.VerifiedAt = timePtr(now)
	g.LastActivityAt = timePtr(now)
	g.DownloadSessionToken = sessionToken
	g.OTP = ""
}

// Touch refreshes the session inactivity window.
func (g *Grant) Touch(now time.Time) {
	g.LastActivityAt = timePtr(now)
}

func (g *Grant) ClearSession() {
	g.IsVerified = false
	g.VerifiedAt = nil
	g.DownloadSessionToken = ""
	g.LastActivityAt = nil
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

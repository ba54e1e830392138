package audit

import (
	"context"
	"errors"
	"time"
)

// Action enumerates the events recorded against a grant.
type Action string

const (
	ActionDownloadInitiated  Action = "DOWNLOAD_INITIATED"
	ActionDownloadCompleted  Action = "DOWNLOAD_COMPLETED"
	ActionDownloadFailed     Action = "DOWNLOAD_FAILED"
	ActionSessionCreated     Action = "SESSION_CREATED"
	ActionSessionExpired     Action = "SESSION_EXPIRED"
	ActionOTPRequested       Action = "OTP_REQUESTED"
	ActionOTPVerified        Action = "OTP_VERIFIED"
	ActionOTPFailed          Action = "OTP_FAILED"
	ActionVerificationFailed Action = "VERIFICATION_FAILED"
)

// Entry is one append-only download audit record.
type Entry struct {
	Sequence        uint64    `json:"sequence"`
	ID              string    `json:"id"`
	GrantID         string    `json:"grant_id"`
	DocumentID      string    `json:"document_id"`
	Action          Action    `json:"action"`
	Details         string    `json:"details,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	BytesDownloaded *int64    `json:"bytes_downloaded,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

var ErrInvalidEntry = errors.New("audit: grant_id, document_id and action are required")

// Store appends entries and pages through them by document using Sequence as cursor.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByDocument(ctx context.Context, documentID string, limit int, afterSeq uint64) ([]Entry, uint64, error)
	ListByGrant(ctx context.Context, grantID string) ([]Entry, error)
}

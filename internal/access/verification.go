package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"docgate.org/internal/audit"
	"docgate.org/internal/grant"
	"docgate.org/internal/obs"
)

// VerificationInfo is returned by InitiateVerification for display only.
type VerificationInfo struct {
	GrantID             string     `json:"grant_id"`
	RequestorEmail      string     `json:"requestor_email"`
	RequestorName       string     `json:"requestor_name,omitempty"`
	DocumentID          string     `json:"document_id"`
	DocumentName        string     `json:"document_name"`
	DocumentDescription string     `json:"document_description,omitempty"`
	ExpiryDate          *time.Time `json:"expiry_date,omitempty"`
}

type OTPResult struct {
	OTPSentTo string `json:"otp_sent_to"`
	ExpiresIn int    `json:"expires_in"`
}

type SessionResult struct {
	DownloadSessionToken string `json:"download_session_token"`
	ExpiresIn            int    `json:"expires_in"`
}

// InitiateVerification checks that the request UUID and email identify an
// active grant on a public document. It issues nothing.
func (s *Service) InitiateVerification(ctx context.Context, requestUUID, email string, meta RequestMeta) (*VerificationInfo, error) {
	g, err := s.loadByAccessToken(ctx, requestUUID, email)()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if g.Status != grant.StatusApproved {
		s.record(ctx, g, audit.ActionVerificationFailed, "grant is "+string(g.Status), meta, nil)
		return nil, badRequest("%s", statusMessage(g.Status))
	}
	if g.IsExpired(now) {
		s.record(ctx, g, audit.ActionVerificationFailed, "grant expired", meta, nil)
		return nil, badRequest("access expired on %s", g.ExpiryDate.Format(time.DateOnly))
	}
	doc, err := s.publicDocument(ctx, g.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		s.record(ctx, g, audit.ActionVerificationFailed, "document no longer available", meta, nil)
		return nil, forbidden("document is no longer available")
	}

	s.record(ctx, g, audit.ActionSessionCreated, "verification initiated", meta, nil)
	return &VerificationInfo{
		GrantID:             g.ID,
		RequestorEmail:      g.RequestorEmail,
		RequestorName:       g.RequestorName,
		DocumentID:          doc.ID,
		DocumentName:        doc.Name,
		DocumentDescription: doc.Description,
		ExpiryDate:          g.ExpiryDate,
	}, nil
}

func statusMessage(st grant.Status) string {
	switch st {
	case grant.StatusPending:
		return "access request is still pending owner review"
	case grant.StatusDenied:
		return "access request was denied"
	case grant.StatusRevoked:
		return "access to this document has been revoked"
	default:
		return fmt.Sprintf("access request is %s", strings.ToLower(string(st)))
	}
}

// RequestOTP issues a fresh code, invalidating any previous one and resetting
// the attempt counter. A verified session that has gone idle is cleared in the
// same write.
func (s *Service) RequestOTP(ctx context.Context, requestUUID, email string, meta RequestMeta) (*OTPResult, error) {
	load := s.loadByAccessToken(ctx, requestUUID, email)
	g, err := load()
	if err != nil {
		return nil, err
	}
	if !g.CanRequestOTP(s.clock()) {
		return nil, otpNotRequestable(g, s.clock())
	}
	doc, err := s.publicDocument(ctx, g.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, forbidden("document is no longer available")
	}

	code, err := s.newOTP()
	if err != nil {
		return nil, err
	}
	var sessionCleared bool
	g, err = s.mutate(ctx, load, func(g *grant.Grant) error {
		now := s.clock()
		sessionCleared = false
		if !g.CanRequestOTP(now) {
			return otpNotRequestable(g, now)
		}
		if g.IsVerified && !g.IsSessionActive(now) {
			g.ClearSession()
			sessionCleared = true
		}
		g.IssueOTP(now, code)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sessionCleared {
		s.record(ctx, g, audit.ActionSessionExpired, "inactive session cleared on OTP request", meta, nil)
	}
	s.notify(ctx, g.RequestorEmail, "Your verification code for "+doc.Name,
		fmt.Sprintf("Your one-time code is %s. It expires in %d minutes.", code, int(grant.OTPTTL/time.Minute)))
	s.record(ctx, g, audit.ActionOTPRequested, "OTP sent to "+g.RequestorEmail, meta, nil)
	obs.OTPEvent("requested")

	return &OTPResult{OTPSentTo: g.RequestorEmail, ExpiresIn: OTPExpiresIn}, nil
}

func otpNotRequestable(g *grant.Grant, now time.Time) error {
	if g.IsExpired(now) {
		return badRequest("cannot request OTP: access has expired")
	}
	return badRequest("cannot request OTP: %s", statusMessage(g.Status))
}

var (
	errOTPLocked       = errors.New("otp locked")
	errOTPUnverifiable = errors.New("otp unverifiable")
)

const tooManyAttemptsText = "too many failed attempts, request a new OTP"

// VerifyOTP checks code against the stored OTP and opens a download session on
// a match. Grant expiry is not re-checked here.
func (s *Service) VerifyOTP(ctx context.Context, requestUUID, email, code string, meta RequestMeta) (*SessionResult, error) {
	code = strings.TrimSpace(code)
	load := s.loadByAccessToken(ctx, requestUUID, email)

	var (
		wrong     bool
		remaining int
		token     string
	)
	g, err := s.mutate(ctx, load, func(g *grant.Grant) error {
		wrong, remaining, token = false, 0, ""
		now := s.clock()
		if !g.CanVerifyOTP(now) {
			if g.OTPAttempts >= grant.MaxOTPAttempts {
				return errOTPLocked
			}
			return errOTPUnverifiable
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(g.OTP)) != 1 {
			wrong = true
			remaining = g.RecordFailedOTP()
			return nil
		}
		token = s.newToken()
		g.StartSession(now, token)
		return nil
	})
	switch {
	case errors.Is(err, errOTPLocked):
		s.record(ctx, g, audit.ActionOTPFailed, "attempt limit reached", meta, nil)
		obs.OTPEvent("locked")
		return nil, conflict("%s", tooManyAttemptsText)
	case errors.Is(err, errOTPUnverifiable):
		obs.OTPEvent("unverifiable")
		return nil, badRequest("no valid OTP for this request; request a new one")
	case err != nil:
		return nil, err
	}

	if wrong {
		s.record(ctx, g, audit.ActionOTPFailed, fmt.Sprintf("invalid OTP, %d attempt(s) remaining", remaining), meta, nil)
		obs.OTPEvent("invalid")
		if remaining == 0 {
			return nil, conflict("%s", tooManyAttemptsText)
		}
		return nil, badRequest("invalid OTP, %d attempt(s) remaining", remaining)
	}

	s.record(ctx, g, audit.ActionOTPVerified, "download session issued", meta, nil)
	obs.OTPEvent("verified")
	return &SessionResult{DownloadSessionToken: token, ExpiresIn: SessionExpiresIn}, nil
}

package access

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"docgate.org/internal/catalog"
	"docgate.org/internal/grant"
	"docgate.org/internal/ids"
	"docgate.org/internal/obs"
)

const maxPurposeLen = 2000

// SubmitInput is a requestor's access request.
type SubmitInput struct {
	DocumentID   string
	Email        string
	Name         string
	Organization string
	Purpose      string
}

type SubmitResult struct {
	GrantID     string       `json:"grant_id"`
	RequestUUID string       `json:"request_uuid"`
	Status      grant.Status `json:"status"`
	StatusURL   string       `json:"status_url"`
}

// SubmitAccessRequest opens a PENDING grant against a public document.
func (s *Service) SubmitAccessRequest(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	email := strings.TrimSpace(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	purpose := strings.TrimSpace(in.Purpose)
	if purpose == "" {
		return nil, badRequest("request purpose is required")
	}
	if len(purpose) > maxPurposeLen {
		return nil, badRequest("request purpose must be at most %d characters", maxPurposeLen)
	}

	doc, err := s.publicDocument(ctx, strings.TrimSpace(in.DocumentID))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, notFound("document not found")
	}

	_, err = s.grants.FindPending(ctx, doc.ID, email)
	switch {
	case err == nil:
		return nil, conflict("a pending access request already exists for this document")
	case !errors.Is(err, grant.ErrNotFound):
		return nil, fmt.Errorf("check pending: %w", err)
	}

	g := &grant.Grant{
		ID:                    ids.New(),
		DocumentID:            doc.ID,
		RequestorEmail:        email,
		RequestorName:         strings.TrimSpace(in.Name),
		RequestorOrganization: strings.TrimSpace(in.Organization),
		RequestPurpose:        purpose,
		Status:                grant.StatusPending,
		AccessToken:           s.newToken(),
		RequestedAt:           s.clock(),
	}
	if err := s.grants.Create(ctx, g); err != nil {
		if errors.Is(err, grant.ErrDuplicatePending) {
			return nil, conflict("a pending access request already exists for this document")
		}
		return nil, fmt.Errorf("create grant: %w", err)
	}
	obs.GrantTransition(string(grant.StatusPending))

	statusURL := s.statusURL(g.AccessToken, email)
	s.notify(ctx, email, "Access request received: "+doc.Name,
		fmt.Sprintf("Your request for %q was received. Request ID: %s. Track it at %s", doc.Name, g.AccessToken, statusURL))
	s.notify(ctx, doc.OwnerEmail, "New access request: "+doc.Name,
		fmt.Sprintf("%s requested access to %q. Purpose: %s", email, doc.Name, purpose))

	return &SubmitResult{
		GrantID:     g.ID,
		RequestUUID: g.AccessToken,
		Status:      g.Status,
		StatusURL:   statusURL,
	}, nil
}

func (s *Service) statusURL(token, email string) string {
	return fmt.Sprintf("%s/v1/access-requests/%s/status?email=%s", s.baseURL, token, url.QueryEscape(email))
}

// ParseExpiry accepts RFC 3339 timestamps or YYYY-MM-DD, which means the end
// of that day in UTC.
func ParseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, badRequest("expiry date is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, badRequest("invalid expiry date %q: use YYYY-MM-DD or RFC 3339", raw)
	}
	return d.Add(24*time.Hour - time.Nanosecond), nil
}

// ApproveAccessRequest moves a PENDING grant to APPROVED.
func (s *Service) ApproveAccessRequest(ctx context.Context, grantID, expiryInput, message string) (*grant.Grant, error) {
	expiry, err := ParseExpiry(expiryInput)
	if err != nil {
		return nil, err
	}
	message = strings.TrimSpace(message)
	g, err := s.mutate(ctx, s.loadGrant(ctx, grantID), func(g *grant.Grant) error {
		return transitionError(g.Approve(s.clock(), expiry, message), g)
	})
	if err != nil {
		return nil, err
	}
	obs.GrantTransition(string(grant.StatusApproved))

	body := fmt.Sprintf("Your access request was approved until %s. Request ID: %s", expiry.Format(time.RFC3339), g.AccessToken)
	if message != "" {
		body += "\n\n" + message
	}
	s.notify(ctx, g.RequestorEmail, "Access request approved", body)
	return g, nil
}

// DenyAccessRequest moves a PENDING grant to DENIED.
func (s *Service) DenyAccessRequest(ctx context.Context, grantID, reason string) (*grant.Grant, error) {
	reason = strings.TrimSpace(reason)
	g, err := s.mutate(ctx, s.loadGrant(ctx, grantID), func(g *grant.Grant) error {
		return transitionError(g.Deny(s.clock(), reason), g)
	})
	if err != nil {
		return nil, err
	}
	obs.GrantTransition(string(grant.StatusDenied))

	body := "Your access request was denied."
	if reason != "" {
		body += " Reason: " + reason
	}
	s.notify(ctx, g.RequestorEmail, "Access request denied", body)
	return g, nil
}

// RevokeAccessGrant terminates a grant from any status.
func (s *Service) RevokeAccessGrant(ctx context.Context, grantID, message string) (*grant.Grant, error) {
	message = strings.TrimSpace(message)
	g, err := s.mutate(ctx, s.loadGrant(ctx, grantID), func(g *grant.Grant) error {
		g.Revoke(s.clock(), message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	obs.GrantTransition(string(grant.StatusRevoked))
	s.notifyRevoked(ctx, g, message)
	return g, nil
}

var errSkip = errors.New("skip")

// BulkRevokeAccess revokes every APPROVED, unexpired grant of a document and
// returns how many were revoked. Expired APPROVED grants are left as they are.
func (s *Service) BulkRevokeAccess(ctx context.Context, documentID, message string) (int, error) {
	if _, err := s.document(ctx, documentID); err != nil {
		return 0, err
	}
	grants, err := s.grants.ListByDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("list grants: %w", err)
	}
	message = strings.TrimSpace(message)
	revoked := 0
	for _, candidate := range grants {
		now := s.clock()
		if candidate.Status != grant.StatusApproved || candidate.IsExpired(now) {
			continue
		}
		g, err := s.mutate(ctx, s.loadGrant(ctx, candidate.ID), func(g *grant.Grant) error {
			now := s.clock()
			if g.Status != grant.StatusApproved || g.IsExpired(now) {
				return errSkip
			}
			g.Revoke(now, message)
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return revoked, err
		}
		revoked++
		obs.GrantTransition(string(grant.StatusRevoked))
		s.notifyRevoked(ctx, g, message)
	}
	return revoked, nil
}

func (s *Service) notifyRevoked(ctx context.Context, g *grant.Grant, message string) {
	body := "Your access to the document has been revoked."
	if message != "" {
		body += " " + message
	}
	s.notify(ctx, g.RequestorEmail, "Access revoked", body)
}

// DeleteDocument soft-deletes a document that has no active grants.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.document(ctx, documentID); err != nil {
		return err
	}
	grants, err := s.grants.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	now := s.clock()
	active := 0
	for _, g := range grants {
		if g.IsActive(now) {
			active++
		}
	}
	if active > 0 {
		return badRequest("document has %d active access grant(s); revoke access before deleting", active)
	}
	if err := s.docs.Delete(ctx, documentID, now); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return notFound("document not found")
		}
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// StatusView is what a requestor sees behind the status URL.
type StatusView struct {
	RequestUUID       string       `json:"request_uuid"`
	DocumentID        string       `json:"document_id"`
	DocumentName      string       `json:"document_name,omitempty"`
	Status            grant.Status `json:"status"`
	IsActive          bool         `json:"is_active"`
	RequestedAt       time.Time    `json:"requested_at"`
	ActionCompletedAt *time.Time   `json:"action_completed_at,omitempty"`
	ExpiryDate        *time.Time   `json:"expiry_date,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// RequestStatus looks a request up by its UUID and the exact requestor email.
func (s *Service) RequestStatus(ctx context.Context, requestUUID, email string) (*StatusView, error) {
	g, err := s.loadByAccessToken(ctx, requestUUID, email)()
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		RequestUUID:       g.AccessToken,
		DocumentID:        g.DocumentID,
		Status:            g.Status,
		IsActive:          g.IsActive(s.clock()),
		RequestedAt:       g.RequestedAt,
		ActionCompletedAt: g.ActionCompletedAt,
		ExpiryDate:        g.ExpiryDate,
	}
	switch g.Status {
	case grant.StatusApproved:
		view.Message = g.ApprovalMessage
	case grant.StatusDenied:
		view.Message = g.DenialReason
	case grant.StatusRevoked:
		view.Message = g.RevocationMessage
	}
	if d, err := s.docs.Get(ctx, g.DocumentID); err == nil {
		view.DocumentName = d.Name
	}
	return view, nil
}

// GetGrant returns one grant by id.
func (s *Service) GetGrant(ctx context.Context, grantID string) (*grant.Grant, error) {
	return s.loadGrant(ctx, grantID)()
}

// ListGrants returns every grant of a document, oldest first.
func (s *Service) ListGrants(ctx context.Context, documentID string) ([]*grant.Grant, error) {
	grants, err := s.grants.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// OwnedDocument returns the live document when ownerID owns it.
func (s *Service) OwnedDocument(ctx context.Context, ownerID, documentID string) (*catalog.Document, error) {
	d, err := s.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, forbidden("you do not own this document")
	}
	return d, nil
}

// OwnedGrant returns the grant when ownerID owns its document.
func (s *Service) OwnedGrant(ctx context.Context, ownerID, grantID string) (*grant.Grant, error) {
	g, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	d, err := s.docs.Get(ctx, g.DocumentID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, notFound("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if d.OwnerID != ownerID {
		return nil, forbidden("you do not own this document")
	}
	return g, nil
}

func (s *Service) document(ctx context.Context, id string) (*catalog.Document, error) {
	d, err := s.docs.FindDocument(ctx, strings.TrimSpace(id))
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, notFound("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return d, nil
}

func transitionError(err error, g *grant.Grant) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, grant.ErrInvalidTransition):
		return badRequest("access request is not pending (current status: %s)", g.Status)
	case errors.Is(err, grant.ErrExpiryNotInFuture):
		return badRequest("expiry date must be in the future")
	default:
		return err
	}
}

func validateEmail(email string) error {
	if email == "" {
		return badRequest("requestor email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return badRequest("invalid requestor email %q", email)
	}
	return nil
}

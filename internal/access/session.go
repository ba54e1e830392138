package access

import (
	"context"
	"errors"

	"docgate.org/internal/audit"
	"docgate.org/internal/catalog"
	"docgate.org/internal/grant"
	"docgate.org/internal/obs"
)

type SessionInfo struct {
	IsValid        bool   `json:"is_valid"`
	ExpiresIn      int    `json:"expires_in"`
	RequestorEmail string `json:"requestor_email"`
	DocumentName   string `json:"document_name"`
}

// Download is a validated transfer: the caller reads Document.StoragePath.
type Download struct {
	GrantID  string
	Document *catalog.Document
}

var (
	errSessionInactive = errors.New("session inactive")
	errDocumentGone    = errors.New("document gone")
)

// touchSession re-checks the session and document, then refreshes activity.
func (s *Service) touchSession(ctx context.Context, token string, meta RequestMeta) (*grant.Grant, *catalog.Document, error) {
	var doc *catalog.Document
	g, err := s.mutate(ctx, s.loadBySessionToken(ctx, token), func(g *grant.Grant) error {
		now := s.clock()
		if !g.IsSessionActive(now) {
			return errSessionInactive
		}
		d, err := s.publicDocument(ctx, g.DocumentID)
		if err != nil {
			return err
		}
		if d == nil {
			return errDocumentGone
		}
		doc = d
		g.Touch(now)
		return nil
	})
	switch {
	case errors.Is(err, errSessionInactive):
		s.record(ctx, g, audit.ActionSessionExpired, "session inactive", meta, nil)
		return nil, nil, forbidden("download session has expired; verify again")
	case errors.Is(err, errDocumentGone):
		s.record(ctx, g, audit.ActionSessionExpired, "document no longer available", meta, nil)
		return nil, nil, forbidden("document is no longer available")
	case err != nil:
		return nil, nil, err
	}
	return g, doc, nil
}

// ValidateDownloadSession confirms a session is usable and extends it.
func (s *Service) ValidateDownloadSession(ctx context.Context, token string, meta RequestMeta) (*SessionInfo, error) {
	g, doc, err := s.touchSession(ctx, token, meta)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		IsValid:        true,
		ExpiresIn:      SessionExpiresIn,
		RequestorEmail: g.RequestorEmail,
		DocumentName:   doc.Name,
	}, nil
}

// GetDocumentForDownload validates the session and hands back the document
// whose bytes the caller is about to send.
func (s *Service) GetDocumentForDownload(ctx context.Context, token string, meta RequestMeta) (*Download, error) {
	g, doc, err := s.touchSession(ctx, token, meta)
	if err != nil {
		return nil, err
	}
	s.record(ctx, g, audit.ActionDownloadInitiated, doc.Name, meta, nil)
	return &Download{GrantID: g.ID, Document: doc}, nil
}

// RecordDownload logs a completed transfer. Audit write failures are not returned.
func (s *Service) RecordDownload(ctx context.Context, token string, bytes int64, meta RequestMeta) error {
	g, doc, err := s.touchSession(ctx, token, meta)
	if err != nil {
		return err
	}
	n := bytes
	s.record(ctx, g, audit.ActionDownloadCompleted, doc.Name, meta, &n)
	obs.Download("completed", bytes)
	return nil
}

// RecordDownloadFailure logs a transfer that broke after validation.
func (s *Service) RecordDownloadFailure(ctx context.Context, token, reason string, meta RequestMeta) error {
	g, err := s.loadBySessionToken(ctx, token)()
	if err != nil {
		return err
	}
	s.record(ctx, g, audit.ActionDownloadFailed, reason, meta, nil)
	obs.Download("failed", 0)
	return nil
}

const (
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// AuditPage is one page of a document's audit trail.
type AuditPage struct {
	Entries []audit.Entry `json:"entries"`
	Next    uint64        `json:"next,omitempty"`
}

// ListAudit pages through a document's audit entries after the given sequence.
func (s *Service) ListAudit(ctx context.Context, documentID string, limit int, after uint64) (*AuditPage, error) {
	if limit <= 0 || limit > maxAuditPage {
		limit = defaultAuditPage
	}
	entries, last, err := s.log.ListByDocument(ctx, documentID, limit, after)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	page := &AuditPage{Entries: entries}
	if len(entries) == limit {
		page.Next = last
	}
	return page, nil
}

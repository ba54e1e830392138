package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docgate.org/internal/grant"
)

var _ grant.Store = (*GrantStore)(nil)

// GrantStore persists grants. Update is a compare-and-swap on version.
type GrantStore struct {
	db *DB
}

const grantColumns = `id, document_id, requestor_email, requestor_name, requestor_organization,
	request_purpose, status, access_token, expiry_ms, denial_reason, approval_message,
	revocation_message, requested_at_ms, action_completed_at_ms, otp, otp_expiry_ms,
	otp_attempts, is_verified, verified_at_ms, session_token, last_activity_ms, version`

func (s *GrantStore) Create(ctx context.Context, g *grant.Grant) error {
	_, err := s.db.db.ExecContext(ctx, s.db.q(`
		insert into grants (`+grantColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		g.ID, g.DocumentID, g.RequestorEmail, g.RequestorName, g.RequestorOrganization,
		g.RequestPurpose, string(g.Status), g.AccessToken, nullMillis(g.ExpiryDate), g.DenialReason,
		g.ApprovalMessage, g.RevocationMessage, toMillis(g.RequestedAt), nullMillis(g.ActionCompletedAt),
		g.OTP, nullMillis(g.OTPExpiryDate), g.OTPAttempts, g.IsVerified, nullMillis(g.VerifiedAt),
		g.DownloadSessionToken, nullMillis(g.LastActivityAt), int64(1),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return grant.ErrDuplicatePending
		}
		return fmt.Errorf("insert grant: %w", err)
	}
	g.Version = 1
	return nil
}

func (s *GrantStore) Get(ctx context.Context, id string) (*grant.Grant, error) {
	return s.one(ctx, `where id = ?`, id)
}

func (s *GrantStore) FindByAccessToken(ctx context.Context, token, email string) (*grant.Grant, error) {
	if token == "" {
		return nil, grant.ErrNotFound
	}
	return s.one(ctx, `where access_token = ? and requestor_email = ?`, token, email)
}

func (s *GrantStore) FindBySessionToken(ctx context.Context, token string) (*grant.Grant, error) {
	if token == "" {
		return nil, grant.ErrNotFound
	}
	return s.one(ctx, `where session_token = ? and is_verified = ?`, token, true)
}

func (s *GrantStore) FindPending(ctx context.Context, documentID, email string) (*grant.Grant, error) {
	return s.one(ctx, `where document_id = ? and requestor_email = ? and status = ?`,
		documentID, email, string(grant.StatusPending))
}

func (s *GrantStore) ListByDocument(ctx context.Context, documentID string) ([]*grant.Grant, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.q(`select `+grantColumns+` from grants
		where document_id = ? order by requested_at_ms asc, id asc`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	var res []*grant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (s *GrantStore) Update(ctx context.Context, g *grant.Grant) error {
	res, err := s.db.db.ExecContext(ctx, s.db.q(`
		update grants set
			status = ?, expiry_ms = ?, denial_reason = ?, approval_message = ?,
			revocation_message = ?, action_completed_at_ms = ?, otp = ?, otp_expiry_ms = ?,
			otp_attempts = ?, is_verified = ?, verified_at_ms = ?, session_token = ?,
			last_activity_ms = ?, version = version + 1
		where id = ? and version = ?`),
		string(g.Status), nullMillis(g.ExpiryDate), g.DenialReason, g.ApprovalMessage,
		g.RevocationMessage, nullMillis(g.ActionCompletedAt), g.OTP, nullMillis(g.OTPExpiryDate),
		g.OTPAttempts, g.IsVerified, nullMillis(g.VerifiedAt), g.DownloadSessionToken,
		nullMillis(g.LastActivityAt), g.ID, g.Version,
	)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	if n == 1 {
		g.Version++
		return nil
	}
	var exists int
	err = s.db.db.QueryRowContext(ctx, s.db.q(`select 1 from grants where id = ?`), g.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check grant: %w", err)
	}
	return grant.ErrStale
}

func (s *GrantStore) one(ctx context.Context, where string, args ...any) (*grant.Grant, error) {
	row := s.db.db.QueryRowContext(ctx, s.db.q(`select `+grantColumns+` from grants `+where+` limit 1`), args...)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrNotFound
	}
	return g, err
}

func scanGrant(row rowScanner) (*grant.Grant, error) {
	var (
		g                                                    grant.Grant
		status                                               string
		requestedAt                                          int64
		expiry, completed, otpExpiry, verifiedAt, lastActive sql.NullInt64
	)
	err := row.Scan(
		&g.ID, &g.DocumentID, &g.RequestorEmail, &g.RequestorName, &g.RequestorOrganization,
		&g.RequestPurpose, &status, &g.AccessToken, &expiry, &g.DenialReason, &g.ApprovalMessage,
		&g.RevocationMessage, &requestedAt, &completed, &g.OTP, &otpExpiry,
		&g.OTPAttempts, &g.IsVerified, &verifiedAt, &g.DownloadSessionToken, &lastActive, &g.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	g.Status = grant.Status(status)
	g.RequestedAt = fromMillis(requestedAt)
	g.ExpiryDate = timeFromNull(expiry)
	g.ActionCompletedAt = timeFromNull(completed)
	g.OTPExpiryDate = timeFromNull(otpExpiry)
	g.VerifiedAt = timeFromNull(verifiedAt)
	g.LastActivityAt = timeFromNull(lastActive)
	return &g, nil
}

package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"docgate.org/internal/audit"
	"docgate.org/internal/catalog"
	"docgate.org/internal/grant"
	"docgate.org/internal/notify"
)

const (
	docID = "doc-1"
	alice = "alice@x.com"
)

type fixture struct {
	svc    *Service
	grants *grant.InMemory
	docs   *catalog.InMemory
	log    *audit.InMemory
	mail   *notify.Recorder

	mu    sync.Mutex
	now   time.Time
	code  string
	token int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		grants: grant.NewInMemory(),
		docs:   catalog.NewInMemory(),
		log:    audit.NewInMemory(),
		mail:   &notify.Recorder{},
		now:    time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		code:   "123456",
	}
	err := f.docs.Create(context.Background(), &catalog.Document{
		ID: docID, OwnerID: "owner-1", OwnerEmail: "owner@example.com", Name: "Report.pdf",
		ContentType: "application/pdf", StoragePath: "/data/doc-1", IsPublic: true,
		CreatedAt: f.now, UpdatedAt: f.now,
	})
	if err != nil {
		t.Fatalf("seed document: %v", err)
	}
	base := []Option{
		WithClock(f.clock),
		WithOTPGenerator(func() (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.code, nil
		}),
		WithTokenGenerator(func() string {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.token++
			return fmt.Sprintf("tok-%04d", f.token)
		}),
		WithNotifier(f.mail),
		WithBaseURL("https://docs.example/"),
	}
	f.svc = New(f.grants, f.docs, f.log, append(base, opts...)...)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) setCode(c string) {
	f.mu.Lock()
	f.code = c
	f.mu.Unlock()
}

func (f *fixture) submit(t *testing.T, email string) *SubmitResult {
	t.Helper()
	res, err := f.svc.SubmitAccessRequest(context.Background(), SubmitInput{
		DocumentID: docID, Email: email, Name: "Alice", Purpose: "due diligence",
	})
	if err != nil {
		t.Fatalf("SubmitAccessRequest: %v", err)
	}
	return res
}

func (f *fixture) approved(t *testing.T, email string, ttl time.Duration) *SubmitResult {
	t.Helper()
	res := f.submit(t, email)
	expiry := f.clock().Add(ttl).Format(time.RFC3339)
	if _, err := f.svc.ApproveAccessRequest(context.Background(), res.GrantID, expiry, ""); err != nil {
		t.Fatalf("ApproveAccessRequest: %v", err)
	}
	return res
}

// verified walks a request all the way to an open download session.
func (f *fixture) verified(t *testing.T, email string) (*SubmitResult, string) {
	t.Helper()
	ctx := context.Background()
	res := f.approved(t, email, 48*time.Hour)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, email, RequestMeta{}); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	sess, err := f.svc.VerifyOTP(ctx, res.RequestUUID, email, f.code, RequestMeta{})
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	return res, sess.DownloadSessionToken
}

func (f *fixture) grant(t *testing.T, id string) *grant.Grant {
	t.Helper()
	g, err := f.grants.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	return g
}

func (f *fixture) actions(t *testing.T, grantID string) []audit.Action {
	t.Helper()
	entries, err := f.log.ListByGrant(context.Background(), grantID)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]audit.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func expectKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Msg == "" {
		t.Fatalf("expected *Error with message, got %T %v", err, err)
	}
}

func TestApproveOTPSessionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.submit(t, alice)
	if res.Status != grant.StatusPending || res.RequestUUID == "" {
		t.Fatalf("unexpected submit result: %+v", res)
	}
	if !strings.HasPrefix(res.StatusURL, "https://docs.example/v1/access-requests/"+res.RequestUUID+"/status?email=") {
		t.Fatalf("unexpected status url: %s", res.StatusURL)
	}

	tomorrow := f.clock().Add(24 * time.Hour).Format(time.RFC3339)
	g, err := f.svc.ApproveAccessRequest(ctx, res.GrantID, tomorrow, "enjoy")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if g.Status != grant.StatusApproved || !g.IsActive(f.clock()) {
		t.Fatalf("grant should be approved and active: %+v", g)
	}

	info, err := f.svc.InitiateVerification(ctx, res.RequestUUID, alice, RequestMeta{})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if info.DocumentName != "Report.pdf" || info.RequestorEmail != alice {
		t.Fatalf("unexpected info: %+v", info)
	}

	otp, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{})
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if otp.ExpiresIn != 900 || otp.OTPSentTo != alice {
		t.Fatalf("unexpected otp result: %+v", otp)
	}

	for i := 1; i <= 3; i++ {
		_, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "000000", RequestMeta{})
		if i < 3 {
			expectKind(t, err, ErrBadRequest)
			if !strings.Contains(err.Error(), fmt.Sprintf("%d attempt", 3-i)) {
				t.Fatalf("attempt %d: message should carry remaining count: %v", i, err)
			}
		} else {
			expectKind(t, err, ErrConflict)
		}
	}

	f.setCode("654321")
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatalf("second request otp: %v", err)
	}
	if got := f.grant(t, res.GrantID).OTPAttempts; got != 0 {
		t.Fatalf("attempts should reset, got %d", got)
	}
	msg, ok := f.mail.Last(alice)
	if !ok || !strings.Contains(msg.Body, "654321") {
		t.Fatalf("new code not delivered: %+v", msg)
	}

	sess, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "654321", RequestMeta{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sess.ExpiresIn != 3600 || sess.DownloadSessionToken == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !f.grant(t, res.GrantID).IsSessionActive(f.clock()) {
		t.Fatal("session should be active right after verification")
	}

	valid, err := f.svc.ValidateDownloadSession(ctx, sess.DownloadSessionToken, RequestMeta{})
	if err != nil || !valid.IsValid {
		t.Fatalf("validate: %+v err=%v", valid, err)
	}

	want := []audit.Action{
		audit.ActionSessionCreated, audit.ActionOTPRequested,
		audit.ActionOTPFailed, audit.ActionOTPFailed, audit.ActionOTPFailed,
		audit.ActionOTPRequested, audit.ActionOTPVerified,
	}
	got := f.actions(t, res.GrantID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("audit trail mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestFourthOTPAttemptConflictsEvenWithCorrectCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.approved(t, alice, time.Hour)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, _ = f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "999999", RequestMeta{})
	}
	_, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "123456", RequestMeta{})
	expectKind(t, err, ErrConflict)
	if got := f.grant(t, res.GrantID).OTPAttempts; got != 3 {
		t.Fatalf("locked attempts must not grow, got %d", got)
	}
	entries := f.actions(t, res.GrantID)
	if entries[len(entries)-1] != audit.ActionOTPFailed {
		t.Fatalf("locked attempt should be audited, got %v", entries)
	}

	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "123456", RequestMeta{}); err != nil {
		t.Fatalf("fresh OTP should verify: %v", err)
	}
}

func TestVerifyOTPWithoutUsableCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.approved(t, alice, 48*time.Hour)

	_, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "123456", RequestMeta{})
	expectKind(t, err, ErrBadRequest)

	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	f.advance(grant.OTPTTL + time.Second)
	_, err = f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "123456", RequestMeta{})
	expectKind(t, err, ErrBadRequest)

	_, err = f.svc.VerifyOTP(ctx, res.RequestUUID, "ALICE@x.com", "123456", RequestMeta{})
	expectKind(t, err, ErrNotFound)
}

func TestVerifyOTPSucceedsAfterGrantExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.approved(t, alice, 10*time.Minute)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	f.advance(11 * time.Minute)
	if !f.grant(t, res.GrantID).IsExpired(f.clock()) {
		t.Fatal("grant should be expired by now")
	}
	// Grant expiry is not re-checked on verification.
	sess, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "123456", RequestMeta{})
	if err != nil {
		t.Fatalf("verify after expiry: %v", err)
	}
	// The session is unusable anyway because IsSessionActive checks expiry.
	_, err = f.svc.ValidateDownloadSession(ctx, sess.DownloadSessionToken, RequestMeta{})
	expectKind(t, err, ErrForbidden)
}

func TestSessionIdleWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, token := f.verified(t, alice)

	f.advance(59 * time.Minute)
	if _, err := f.svc.ValidateDownloadSession(ctx, token, RequestMeta{}); err != nil {
		t.Fatalf("validate at 59m: %v", err)
	}
	f.advance(59 * time.Minute)
	if err := f.svc.RecordDownload(ctx, token, 10, RequestMeta{}); err != nil {
		t.Fatalf("record download at 118m: %v", err)
	}
	f.advance(grant.SessionIdleTimeout)
	_, err := f.svc.ValidateDownloadSession(ctx, token, RequestMeta{})
	expectKind(t, err, ErrForbidden)

	trail := f.actions(t, res.GrantID)
	if trail[len(trail)-1] != audit.ActionSessionExpired {
		t.Fatalf("expected SESSION_EXPIRED last, got %v", trail)
	}
	_, err = f.svc.ValidateDownloadSession(ctx, "no-such-token", RequestMeta{})
	expectKind(t, err, ErrNotFound)
}

func TestRequestOTPClearsIdleSessionFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, token := f.verified(t, alice)

	f.advance(61 * time.Minute)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}
	g := f.grant(t, res.GrantID)
	if g.IsVerified || g.DownloadSessionToken != "" || g.VerifiedAt != nil || g.LastActivityAt != nil {
		t.Fatalf("stale session not cleared: %+v", g)
	}
	trail := f.actions(t, res.GrantID)
	n := len(trail)
	if trail[n-2] != audit.ActionSessionExpired || trail[n-1] != audit.ActionOTPRequested {
		t.Fatalf("expected SESSION_EXPIRED then OTP_REQUESTED, got %v", trail)
	}
	_, err := f.svc.ValidateDownloadSession(ctx, token, RequestMeta{})
	expectKind(t, err, ErrNotFound)
}

func TestRequestOTPKeepsActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, token := f.verified(t, alice)
	f.advance(5 * time.Minute)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ValidateDownloadSession(ctx, token, RequestMeta{}); err != nil {
		t.Fatalf("active session should survive a new OTP: %v", err)
	}
}

func TestRequestOTPPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.submit(t, "pending@x.com")
	_, err := f.svc.RequestOTP(ctx, pending.RequestUUID, "pending@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)

	expired := f.approved(t, "late@x.com", time.Minute)
	f.advance(2 * time.Minute)
	_, err = f.svc.RequestOTP(ctx, expired.RequestUUID, "late@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)

	ok := f.approved(t, alice, time.Hour)
	if err := f.docs.SetVisibility(ctx, docID, false, f.clock()); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.RequestOTP(ctx, ok.RequestUUID, alice, RequestMeta{})
	expectKind(t, err, ErrForbidden)

	_, err = f.svc.RequestOTP(ctx, ok.RequestUUID, "bob@x.com", RequestMeta{})
	expectKind(t, err, ErrNotFound)
}

func TestInitiateVerificationFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InitiateVerification(ctx, "missing", alice, RequestMeta{})
	expectKind(t, err, ErrNotFound)

	pending := f.submit(t, "p@x.com")
	_, err = f.svc.InitiateVerification(ctx, pending.RequestUUID, "p@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)
	if !strings.Contains(err.Error(), "pending") {
		t.Fatalf("pending wording expected: %v", err)
	}

	denied := f.submit(t, "d@x.com")
	if _, err := f.svc.DenyAccessRequest(ctx, denied.GrantID, "no"); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.InitiateVerification(ctx, denied.RequestUUID, "d@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)
	if !strings.Contains(err.Error(), "denied") {
		t.Fatalf("denied wording expected: %v", err)
	}

	revoked := f.approved(t, "r@x.com", time.Hour)
	if _, err := f.svc.RevokeAccessGrant(ctx, revoked.GrantID, ""); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.InitiateVerification(ctx, revoked.RequestUUID, "r@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)
	if !strings.Contains(err.Error(), "revoked") {
		t.Fatalf("revoked wording expected: %v", err)
	}

	short := f.approved(t, "s@x.com", time.Minute)
	f.advance(2 * time.Minute)
	_, err = f.svc.InitiateVerification(ctx, short.RequestUUID, "s@x.com", RequestMeta{})
	expectKind(t, err, ErrBadRequest)

	hidden := f.approved(t, "h@x.com", time.Hour)
	_ = f.docs.SetVisibility(ctx, docID, false, f.clock())
	_, err = f.svc.InitiateVerification(ctx, hidden.RequestUUID, "h@x.com", RequestMeta{})
	expectKind(t, err, ErrForbidden)

	for _, id := range []string{pending.GrantID, denied.GrantID, revoked.GrantID, short.GrantID, hidden.GrantID} {
		trail := f.actions(t, id)
		if len(trail) != 1 || trail[0] != audit.ActionVerificationFailed {
			t.Fatalf("grant %s: expected one VERIFICATION_FAILED, got %v", id, trail)
		}
	}
}

func TestSubmitDuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.submit(t, alice)

	_, err := f.svc.SubmitAccessRequest(ctx, SubmitInput{DocumentID: docID, Email: alice, Purpose: "again"})
	expectKind(t, err, ErrConflict)

	if _, err := f.svc.SubmitAccessRequest(ctx, SubmitInput{DocumentID: docID, Email: "Alice@x.com", Purpose: "case differs"}); err != nil {
		t.Fatalf("emails are compared as stored: %v", err)
	}

	if _, err := f.svc.DenyAccessRequest(ctx, first.GrantID, ""); err != nil {
		t.Fatal(err)
	}
	second := f.submit(t, alice)
	if second.GrantID == first.GrantID || second.RequestUUID == first.RequestUUID {
		t.Fatal("resubmission must create an independent grant")
	}
	if f.grant(t, first.GrantID).Status != grant.StatusDenied {
		t.Fatal("first grant must stay denied")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   SubmitInput
		kind error
	}{
		{"missing email", SubmitInput{DocumentID: docID, Purpose: "x"}, ErrBadRequest},
		{"bad email", SubmitInput{DocumentID: docID, Email: "not-an-email", Purpose: "x"}, ErrBadRequest},
		{"display name form", SubmitInput{DocumentID: docID, Email: "Alice <a@x.com>", Purpose: "x"}, ErrBadRequest},
		{"missing purpose", SubmitInput{DocumentID: docID, Email: alice}, ErrBadRequest},
		{"unknown document", SubmitInput{DocumentID: "nope", Email: alice, Purpose: "x"}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SubmitAccessRequest(ctx, tc.in)
			expectKind(t, err, tc.kind)
		})
	}

	_ = f.docs.SetVisibility(ctx, docID, false, f.clock())
	_, err := f.svc.SubmitAccessRequest(ctx, SubmitInput{DocumentID: docID, Email: alice, Purpose: "x"})
	expectKind(t, err, ErrNotFound)
}

func TestSubmitNotifiesRequestorAndOwner(t *testing.T) {
	f := newFixture(t)
	f.submit(t, alice)
	if _, ok := f.mail.Last(alice); !ok {
		t.Fatal("requestor not notified")
	}
	if _, ok := f.mail.Last("owner@example.com"); !ok {
		t.Fatal("owner not notified")
	}
}

func TestNotificationFailureDoesNotFailSubmit(t *testing.T) {
	f := newFixture(t)
	f.mail.Err = errors.New("smtp down")
	f.submit(t, alice)
}

func TestApproveRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, alice)

	now := f.clock()
	for _, expiry := range []string{now.Format(time.RFC3339), now.Add(-time.Hour).Format(time.RFC3339), "2020-01-01"} {
		_, err := f.svc.ApproveAccessRequest(ctx, res.GrantID, expiry, "")
		expectKind(t, err, ErrBadRequest)
	}
	_, err := f.svc.ApproveAccessRequest(ctx, res.GrantID, "garbage", "")
	expectKind(t, err, ErrBadRequest)
	if f.grant(t, res.GrantID).Status != grant.StatusPending {
		t.Fatal("failed approvals must not change status")
	}

	if _, err := f.svc.ApproveAccessRequest(ctx, res.GrantID, now.Add(time.Second).Format(time.RFC3339), ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = f.svc.ApproveAccessRequest(ctx, res.GrantID, now.Add(time.Hour).Format(time.RFC3339), "")
	expectKind(t, err, ErrBadRequest)
	if !strings.Contains(err.Error(), "APPROVED") {
		t.Fatalf("message should name current status: %v", err)
	}
	_, err = f.svc.DenyAccessRequest(ctx, res.GrantID, "")
	expectKind(t, err, ErrBadRequest)

	_, err = f.svc.ApproveAccessRequest(ctx, "missing", "2099-01-01", "")
	expectKind(t, err, ErrNotFound)
}

func TestApproveAcceptsDateOnlyToday(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t, alice)
	today := f.clock().Format(time.DateOnly)
	g, err := f.svc.ApproveAccessRequest(context.Background(), res.GrantID, today, "")
	if err != nil {
		t.Fatalf("today's date should mean end of day: %v", err)
	}
	want := time.Date(2026, 6, 1, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	if !g.ExpiryDate.Equal(want) {
		t.Fatalf("expiry = %v, want %v", g.ExpiryDate, want)
	}
}

func TestParseExpiry(t *testing.T) {
	got, err := ParseExpiry("2026-07-04T10:00:00+02:00")
	if err != nil || !got.Equal(time.Date(2026, 7, 4, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v err=%v", got, err)
	}
	for _, bad := range []string{"", "04/07/2026", "2026-13-01"} {
		if _, err := ParseExpiry(bad); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%q: expected ErrBadRequest, got %v", bad, err)
		}
	}
}

func TestRevokeHasNoPrecondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, alice)
	if _, err := f.svc.DenyAccessRequest(ctx, res.GrantID, "no"); err != nil {
		t.Fatal(err)
	}
	g, err := f.svc.RevokeAccessGrant(ctx, res.GrantID, "cleanup")
	if err != nil || g.Status != grant.StatusRevoked || g.RevocationMessage != "cleanup" {
		t.Fatalf("revoke from DENIED: %+v err=%v", g, err)
	}
	if _, err := f.svc.RevokeAccessGrant(ctx, res.GrantID, ""); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}
	_, err = f.svc.RevokeAccessGrant(ctx, "missing", "")
	expectKind(t, err, ErrNotFound)
}

func TestBulkRevokeLeavesExpiredApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiring := f.approved(t, "short@x.com", time.Minute)
	lasting := f.approved(t, "long@x.com", 48*time.Hour)
	pending := f.submit(t, "pending@x.com")
	f.advance(2 * time.Minute)

	n, err := f.svc.BulkRevokeAccess(ctx, docID, "closing data room")
	if err != nil {
		t.Fatalf("BulkRevokeAccess: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 revoked, got %d", n)
	}
	if got := f.grant(t, lasting.GrantID); got.Status != grant.StatusRevoked || got.RevocationMessage != "closing data room" {
		t.Fatalf("unexpired grant not revoked: %+v", got)
	}
	exp := f.grant(t, expiring.GrantID)
	if exp.Status != grant.StatusApproved || exp.IsActive(f.clock()) {
		t.Fatalf("expired grant should stay APPROVED and inactive: %+v", exp)
	}
	if f.grant(t, pending.GrantID).Status != grant.StatusPending {
		t.Fatal("pending grant must be untouched")
	}

	_, err = f.svc.BulkRevokeAccess(ctx, "missing", "")
	expectKind(t, err, ErrNotFound)
}

func TestDeleteDocumentGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.approved(t, alice, time.Hour)

	err := f.svc.DeleteDocument(ctx, docID)
	expectKind(t, err, ErrBadRequest)

	if _, err := f.svc.RevokeAccessGrant(ctx, res.GrantID, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("delete after revoke: %v", err)
	}
	if _, err := f.docs.FindDocument(ctx, docID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("document should be gone, got %v", err)
	}
	expectKind(t, f.svc.DeleteDocument(ctx, docID), ErrNotFound)
}

func TestDeleteDocumentAllowedWhenGrantsExpired(t *testing.T) {
	f := newFixture(t)
	f.approved(t, alice, time.Minute)
	f.advance(time.Hour)
	if err := f.svc.DeleteDocument(context.Background(), docID); err != nil {
		t.Fatalf("expired grants must not block deletion: %v", err)
	}
}

func TestDownloadAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, token := f.verified(t, alice)
	meta := RequestMeta{IP: "203.0.113.7", UserAgent: "curl/8"}

	dl, err := f.svc.GetDocumentForDownload(ctx, token, meta)
	if err != nil {
		t.Fatalf("GetDocumentForDownload: %v", err)
	}
	if dl.Document.StoragePath != "/data/doc-1" || dl.GrantID != res.GrantID {
		t.Fatalf("unexpected download: %+v", dl)
	}
	if err := f.svc.RecordDownload(ctx, token, 2048, meta); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}
	if err := f.svc.RecordDownloadFailure(ctx, token, "disk error", meta); err != nil {
		t.Fatalf("RecordDownloadFailure: %v", err)
	}

	entries, _ := f.log.ListByGrant(ctx, res.GrantID)
	n := len(entries)
	initiated, completed, failed := entries[n-3], entries[n-2], entries[n-1]
	if initiated.Action != audit.ActionDownloadInitiated || completed.Action != audit.ActionDownloadCompleted || failed.Action != audit.ActionDownloadFailed {
		t.Fatalf("unexpected trail tail: %v %v %v", initiated.Action, completed.Action, failed.Action)
	}
	if completed.BytesDownloaded == nil || *completed.BytesDownloaded != 2048 || completed.IPAddress != meta.IP || completed.UserAgent != meta.UserAgent {
		t.Fatalf("completed entry missing metadata: %+v", completed)
	}
}

func TestDownloadForbiddenWhenDocumentHidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, token := f.verified(t, alice)
	_ = f.docs.SetVisibility(ctx, docID, false, f.clock())

	_, err := f.svc.GetDocumentForDownload(ctx, token, RequestMeta{})
	expectKind(t, err, ErrForbidden)
	expectKind(t, f.svc.RecordDownload(ctx, token, 1, RequestMeta{}), ErrForbidden)
}

type brokenAudit struct{ *audit.InMemory }

func (brokenAudit) Append(context.Context, *audit.Entry) error { return errors.New("audit db down") }

func TestAuditFailureDoesNotBlockDownload(t *testing.T) {
	f := newFixture(t)
	f.svc = New(f.grants, f.docs, brokenAudit{audit.NewInMemory()},
		WithClock(f.clock), WithNotifier(f.mail),
		WithOTPGenerator(func() (string, error) { return "123456", nil }))
	_, token := f.verified(t, alice)
	if err := f.svc.RecordDownload(context.Background(), token, 10, RequestMeta{}); err != nil {
		t.Fatalf("audit failure surfaced: %v", err)
	}
}

func TestConcurrentWrongGuessesAreAllCounted(t *testing.T) {
	f := newFixture(t, WithMaxRetries(100))
	ctx := context.Background()
	res := f.approved(t, alice, time.Hour)
	if _, err := f.svc.RequestOTP(ctx, res.RequestUUID, alice, RequestMeta{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyOTP(ctx, res.RequestUUID, alice, "000000", RequestMeta{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	conflicts := 0
	for err := range errs {
		if errors.Is(err, ErrConflict) {
			conflicts++
		} else if !errors.Is(err, ErrBadRequest) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := f.grant(t, res.GrantID).OTPAttempts; got != 3 {
		t.Fatalf("lost update: attempts = %d", got)
	}
	if conflicts != 1 {
		t.Fatalf("exactly the exhausting guess should conflict, got %d", conflicts)
	}
}

type staleStore struct {
	*grant.InMemory
	failures int
}

func (s *staleStore) Update(ctx context.Context, g *grant.Grant) error {
	if s.failures > 0 {
		s.failures--
		return grant.ErrStale
	}
	return s.InMemory.Update(ctx, g)
}

func TestMutateRetriesStaleWrites(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t, alice)
	store := &staleStore{InMemory: f.grants, failures: 2}
	svc := New(store, f.docs, f.log, WithClock(f.clock), WithNotifier(f.mail))

	if _, err := svc.ApproveAccessRequest(context.Background(), res.GrantID, "2099-01-01", ""); err != nil {
		t.Fatalf("approve should survive stale writes: %v", err)
	}

	res2 := f.submit(t, "bob@x.com")
	store.failures = 100
	_, err := svc.ApproveAccessRequest(context.Background(), res2.GrantID, "2099-01-01", "")
	expectKind(t, err, ErrConflict)
}

func TestRequestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, alice)

	view, err := f.svc.RequestStatus(ctx, res.RequestUUID, alice)
	if err != nil || view.Status != grant.StatusPending || view.DocumentName != "Report.pdf" {
		t.Fatalf("pending view: %+v err=%v", view, err)
	}
	if _, err := f.svc.DenyAccessRequest(ctx, res.GrantID, "not now"); err != nil {
		t.Fatal(err)
	}
	view, _ = f.svc.RequestStatus(ctx, res.RequestUUID, alice)
	if view.Status != grant.StatusDenied || view.Message != "not now" || view.IsActive {
		t.Fatalf("denied view: %+v", view)
	}
	_, err = f.svc.RequestStatus(ctx, res.RequestUUID, "eve@x.com")
	expectKind(t, err, ErrNotFound)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, alice)

	if _, err := f.svc.OwnedDocument(ctx, "owner-1", docID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	_, err := f.svc.OwnedDocument(ctx, "intruder", docID)
	expectKind(t, err, ErrForbidden)
	_, err = f.svc.OwnedGrant(ctx, "intruder", res.GrantID)
	expectKind(t, err, ErrForbidden)
	if g, err := f.svc.OwnedGrant(ctx, "owner-1", res.GrantID); err != nil || g.ID != res.GrantID {
		t.Fatalf("owned grant: %+v err=%v", g, err)
	}
	_, err = f.svc.OwnedDocument(ctx, "owner-1", "missing")
	expectKind(t, err, ErrNotFound)

	grants, err := f.svc.ListGrants(ctx, docID)
	if err != nil || len(grants) != 1 {
		t.Fatalf("ListGrants: %d err=%v", len(grants), err)
	}
}

func TestListAuditPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, token := f.verified(t, alice)
	for i := 0; i < 3; i++ {
		if _, err := f.svc.ValidateDownloadSession(ctx, token, RequestMeta{}); err != nil {
			t.Fatal(err)
		}
		if err := f.svc.RecordDownload(ctx, token, 1, RequestMeta{}); err != nil {
			t.Fatal(err)
		}
	}
	// OTP_REQUESTED, OTP_VERIFIED, 3x DOWNLOAD_COMPLETED
	page, err := f.svc.ListAudit(ctx, docID, 2, 0)
	if err != nil || len(page.Entries) != 2 || page.Next == 0 {
		t.Fatalf("first page: %+v err=%v", page, err)
	}
	seen := len(page.Entries)
	for page.Next != 0 {
		page, err = f.svc.ListAudit(ctx, docID, 2, page.Next)
		if err != nil {
			t.Fatal(err)
		}
		seen += len(page.Entries)
	}
	if seen != 5 {
		t.Fatalf("expected 5 entries across pages, saw %d", seen)
	}
}

func TestGenerateOTPRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateOTP()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 6 || code[0] == '0' || code < "100000" || code > "999999" {
			t.Fatalf("code out of range: %q", code)
		}
	}
}

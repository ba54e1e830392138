package access

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"docgate.org/internal/audit"
	"docgate.org/internal/catalog"
	"docgate.org/internal/grant"
	"docgate.org/internal/ids"
	"docgate.org/internal/notify"
	"docgate.org/internal/obs"
)

const (
	// OTPExpiresIn is reported to requestors in seconds.
	OTPExpiresIn = int(grant.OTPTTL / time.Second)
	// SessionExpiresIn is reported to requestors in seconds.
	SessionExpiresIn = int(grant.SessionIdleTimeout / time.Second)

	defaultMaxRetries = 5
)

// RequestMeta describes the caller of a requestor-side operation for audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service drives the grant lifecycle, OTP verification and download sessions.
type Service struct {
	grants   grant.Store
	docs     catalog.Store
	log      audit.Store
	recorder *audit.Recorder
	notifier notify.Sender

	now        func() time.Time
	newOTP     func() (string, error)
	newToken   func() string
	baseURL    string
	maxRetries int
	sinks      []func(audit.Entry)
}

type Option func(*Service)

// WithClock injects the time source used by every predicate and timestamp.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithOTPGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newOTP = fn
		}
	}
}

func WithTokenGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newToken = fn
		}
	}
}

func WithNotifier(n notify.Sender) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithBaseURL sets the public prefix of status URLs returned on submission.
func WithBaseURL(u string) Option {
	return func(s *Service) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithAuditSink receives every audit entry after it is persisted.
func WithAuditSink(fn func(audit.Entry)) Option {
	return func(s *Service) {
		if fn != nil {
			s.sinks = append(s.sinks, fn)
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(grants grant.Store, docs catalog.Store, log audit.Store, opts ...Option) *Service {
	s := &Service{
		grants:     grants,
		docs:       docs,
		log:        log,
		notifier:   notify.LogSender{},
		now:        time.Now,
		newOTP:     GenerateOTP,
		newToken:   ids.NewToken,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	recOpts := []audit.RecorderOption{audit.WithClock(s.clock)}
	for _, sink := range s.sinks {
		recOpts = append(recOpts, audit.WithSink(sink))
	}
	s.recorder = audit.NewRecorder(log, recOpts...)
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// GenerateOTP returns a uniformly random code in 100000-999999.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// mutate re-reads the grant, applies fn and writes it back with compare-and-swap,
// retrying when another writer got there first. An error from fn aborts
// without writing.
func (s *Service) mutate(ctx context.Context, load func() (*grant.Grant, error), fn func(g *grant.Grant) error) (*grant.Grant, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		g, err := load()
		if err != nil {
			return nil, err
		}
		if err := fn(g); err != nil {
			return g, err
		}
		err = s.grants.Update(ctx, g)
		if errors.Is(err, grant.ErrStale) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update grant: %w", err)
		}
		return g, nil
	}
	return nil, conflict("grant was modified concurrently, please retry")
}

func (s *Service) loadGrant(ctx context.Context, id string) func() (*grant.Grant, error) {
	return func() (*grant.Grant, error) {
		g, err := s.grants.Get(ctx, id)
		if errors.Is(err, grant.ErrNotFound) {
			return nil, notFound("access grant not found")
		}
		if err != nil {
			return nil, fmt.Errorf("load grant: %w", err)
		}
		return g, nil
	}
}

func (s *Service) loadByAccessToken(ctx context.Context, token, email string) func() (*grant.Grant, error) {
	return func() (*grant.Grant, error) {
		g, err := s.grants.FindByAccessToken(ctx, strings.TrimSpace(token), strings.TrimSpace(email))
		if errors.Is(err, grant.ErrNotFound) {
			return nil, notFound("access request not found")
		}
		if err != nil {
			return nil, fmt.Errorf("load grant: %w", err)
		}
		return g, nil
	}
}

func (s *Service) loadBySessionToken(ctx context.Context, token string) func() (*grant.Grant, error) {
	return func() (*grant.Grant, error) {
		g, err := s.grants.FindBySessionToken(ctx, strings.TrimSpace(token))
		if errors.Is(err, grant.ErrNotFound) {
			return nil, notFound("download session not found")
		}
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		return g, nil
	}
}

// publicDocument returns nil, nil when the document is gone or private.
func (s *Service) publicDocument(ctx context.Context, id string) (*catalog.Document, error) {
	d, err := s.docs.FindPublicDocument(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return d, nil
}

func (s *Service) record(ctx context.Context, g *grant.Grant, action audit.Action, details string, meta RequestMeta, bytes *int64) {
	s.recorder.Record(ctx, audit.Entry{
		GrantID:         g.ID,
		DocumentID:      g.DocumentID,
		Action:          action,
		Details:         details,
		IPAddress:       meta.IP,
		UserAgent:       meta.UserAgent,
		BytesDownloaded: bytes,
	})
}

// notify never fails the caller.
func (s *Service) notify(ctx context.Context, to, subject, body string) {
	if strings.TrimSpace(to) == "" {
		return
	}
	if err := s.notifier.Send(ctx, to, subject, body); err != nil {
		obs.Warn("notification failed", map[string]any{
			"to":      to,
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

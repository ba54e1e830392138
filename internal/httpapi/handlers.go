package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docgate.org/internal/access"
	"docgate.org/internal/auth"
	"docgate.org/internal/catalog"
	"docgate.org/internal/obs"
	"docgate.org/internal/storage"
	"docgate.org/internal/stream"
)

const serviceName = "docgate-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Access  *access.Service
	Catalog catalog.Store
	Files   *storage.Local
	Tokens  *auth.Tokens
	Owners  *auth.Directory
	Events  *stream.Hub
	Ready   readinessChecker
	Version string
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	ready   readinessChecker
	version string

	access  *access.Service
	catalog catalog.Store
	files   *storage.Local
	tokens  *auth.Tokens
	owners  *auth.Directory
	events  *stream.Hub

	now            func() time.Time
	maxUploadBytes int64
	ratePerSec     float64
	rateBurst      int
	otpPerSec      float64
	otpBurst       int
	corsOrigins    []string
}

type Option func(*API)

// WithRateLimit sets the per-IP limit applied to every route.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithOTPRateLimit sets the tighter per-IP limit of the OTP endpoints.
func WithOTPRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.otpPerSec = perSecond
		a.otpBurst = burst
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxUploadBytes = n
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(d Deps, opts ...Option) *API {
	a := &API{
		mux:            http.NewServeMux(),
		ready:          d.Ready,
		version:        d.Version,
		access:         d.Access,
		catalog:        d.Catalog,
		files:          d.Files,
		tokens:         d.Tokens,
		owners:         d.Owners,
		events:         d.Events,
		now:            time.Now,
		maxUploadBytes: 25 << 20,
		ratePerSec:     20,
		rateBurst:      40,
		otpPerSec:      0.2,
		otpBurst:       5,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	// requestor side
	a.mux.HandleFunc("GET /v1/catalog", a.handleCatalog)
	a.mux.HandleFunc("POST /v1/documents/{id}/access-requests", a.handleSubmitRequest)
	a.mux.HandleFunc("GET /v1/access-requests/{uuid}/status", a.handleRequestStatus)
	a.mux.HandleFunc("POST /v1/verification/initiate", a.handleInitiate)
	otp := func(h http.HandlerFunc) http.Handler { return RateLimit(h, a.otpBurst, a.otpPerSec) }
	a.mux.Handle("POST /v1/verification/otp", otp(a.handleRequestOTP))
	a.mux.Handle("POST /v1/verification/otp/verify", otp(a.handleVerifyOTP))
	a.mux.HandleFunc("GET /v1/download/session", a.handleValidateSession)
	a.mux.HandleFunc("GET /v1/download", a.handleDownload)

	// owner side
	upload := MaxBodyBytes(http.HandlerFunc(a.handleUpload), a.maxUploadBytes+1<<20)
	a.mux.Handle("POST /v1/documents", a.owner(upload))
	a.mux.Handle("GET /v1/documents", a.owner(http.HandlerFunc(a.handleListDocuments)))
	a.mux.Handle("POST /v1/documents/{id}/visibility", a.owner(http.HandlerFunc(a.handleVisibility)))
	a.mux.Handle("DELETE /v1/documents/{id}", a.owner(http.HandlerFunc(a.handleDeleteDocument)))
	a.mux.Handle("GET /v1/documents/{id}/grants", a.owner(http.HandlerFunc(a.handleListGrants)))
	a.mux.Handle("POST /v1/documents/{id}/revoke-all", a.owner(http.HandlerFunc(a.handleRevokeAll)))
	a.mux.Handle("GET /v1/documents/{id}/audit", a.owner(http.HandlerFunc(a.handleAudit)))
	a.mux.Handle("GET /v1/documents/{id}/events", a.owner(http.HandlerFunc(a.handleEvents)))
	a.mux.Handle("POST /v1/grants/{id}/approve", a.owner(http.HandlerFunc(a.handleApprove)))
	a.mux.Handle("POST /v1/grants/{id}/deny", a.owner(http.HandlerFunc(a.handleDeny)))
	a.mux.Handle("POST /v1/grants/{id}/revoke", a.owner(http.HandlerFunc(a.handleRevoke)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleAccessError maps the access error taxonomy onto status codes.
func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrBadRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

// decodeOptionalJSON accepts an empty body and leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func requestMeta(r *http.Request) access.RequestMeta {
	return access.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

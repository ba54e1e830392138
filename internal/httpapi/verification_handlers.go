package httpapi

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"docgate.org/internal/storage"
)

const downloadSessionHeader = "X-Download-Session"

type verificationRequest struct {
	RequestUUID string `json:"request_uuid"`
	Email       string `json:"email"`
}

type verifyOTPRequest struct {
	RequestUUID string `json:"request_uuid"`
	Email       string `json:"email"`
	OTP         string `json:"otp"`
}

func decodeVerification(w http.ResponseWriter, r *http.Request, dst *verificationRequest) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	dst.RequestUUID = strings.TrimSpace(dst.RequestUUID)
	dst.Email = strings.TrimSpace(dst.Email)
	if dst.RequestUUID == "" || dst.Email == "" {
		writeError(w, r, http.StatusBadRequest, "request_uuid and email are required")
		return false
	}
	return true
}

func (a *API) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeVerification(w, r, &req) {
		return
	}
	info, err := a.access.InitiateVerification(r.Context(), req.RequestUUID, req.Email, requestMeta(r))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeVerification(w, r, &req) {
		return
	}
	res, err := a.access.RequestOTP(r.Context(), req.RequestUUID, req.Email, requestMeta(r))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RequestUUID) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "request_uuid and email are required")
		return
	}
	res, err := a.access.VerifyOTP(r.Context(), strings.TrimSpace(req.RequestUUID), strings.TrimSpace(req.Email), req.OTP, requestMeta(r))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sessionToken reads the download session from the header, falling back to ?token=.
func sessionToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get(downloadSessionHeader)); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (a *API) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "download session token is required")
		return
	}
	info, err := a.access.ValidateDownloadSession(r.Context(), token, requestMeta(r))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDownload sends the document bytes and records the outcome.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "download session token is required")
		return
	}
	if a.files == nil {
		writeError(w, r, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}
	meta := requestMeta(r)
	dl, err := a.access.GetDocumentForDownload(r.Context(), token, meta)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}

	data, err := a.files.ReadFile(r.Context(), dl.Document.StoragePath)
	if err != nil {
		reason := "read failed"
		code, msg := http.StatusInternalServerError, "internal error"
		if errors.Is(err, storage.ErrNotFound) {
			reason = "file missing from storage"
			code, msg = http.StatusNotFound, "document file not found"
		}
		_ = a.access.RecordDownloadFailure(r.Context(), token, reason, meta)
		writeError(w, r, code, msg)
		return
	}

	w.Header().Set("Content-Type", dl.Document.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Document.Name}))
	w.Header().Set("X-Content-Checksum", "blake3="+dl.Document.Checksum)
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(data)
	if err != nil {
		_ = a.access.RecordDownloadFailure(r.Context(), token, fmt.Sprintf("client write failed after %d bytes", n), meta)
		return
	}
	_ = a.access.RecordDownload(r.Context(), token, int64(n), meta)
}

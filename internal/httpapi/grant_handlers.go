package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"docgate.org/internal/access"
	"docgate.org/internal/audit"
	"docgate.org/internal/grant"
)

type submitRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Purpose      string `json:"purpose"`
}

type approveRequest struct {
	ExpiryDate string `json:"expiry_date"`
	Message    string `json:"message"`
}

type denyRequest struct {
	Reason string `json:"reason"`
}

type revokeRequest struct {
	Message string `json:"message"`
}

type listGrantsResponse struct {
	Items []*grant.Grant `json:"items"`
}

type revokeAllResponse struct {
	DocumentID string `json:"document_id"`
	Revoked    int    `json:"revoked"`
}

func (a *API) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.access.SubmitAccessRequest(r.Context(), access.SubmitInput{
		DocumentID:   r.PathValue("id"),
		Email:        req.Email,
		Name:         req.Name,
		Organization: req.Organization,
		Purpose:      req.Purpose,
	})
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	view, err := a.access.RequestStatus(r.Context(), r.PathValue("uuid"), email)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedDocument(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	grants, err := a.access.ListGrants(r.Context(), id)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if grants == nil {
		grants = []*grant.Grant{}
	}
	writeJSON(w, http.StatusOK, listGrantsResponse{Items: grants})
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedGrant(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.access.ApproveAccessRequest(r.Context(), id, req.ExpiryDate, req.Message)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grant.approve", map[string]any{
		"grant_id":    g.ID,
		"document_id": g.DocumentID,
		"expiry_date": g.ExpiryDate,
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedGrant(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req denyRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.access.DenyAccessRequest(r.Context(), id, req.Reason)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grant.deny", map[string]any{
		"grant_id":    g.ID,
		"document_id": g.DocumentID,
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedGrant(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req revokeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.access.RevokeAccessGrant(r.Context(), id, req.Message)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grant.revoke", map[string]any{
		"grant_id":    g.ID,
		"document_id": g.DocumentID,
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedDocument(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req revokeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.access.BulkRevokeAccess(r.Context(), id, req.Message)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "grant.revoke_all", map[string]any{
		"document_id": id,
		"revoked":     n,
	})
	writeJSON(w, http.StatusOK, revokeAllResponse{DocumentID: id, Revoked: n})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedDocument(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	page, err := a.access.ListAudit(r.Context(), id, limit, after)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

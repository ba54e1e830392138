package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"docgate.org/internal/audit"
	"docgate.org/internal/catalog"
	"docgate.org/internal/ids"
	"docgate.org/internal/obs"
	"docgate.org/internal/storage"
)

type listDocumentsResponse struct {
	Items []*catalog.Document `json:"items"`
}

type visibilityRequest struct {
	IsPublic *bool `json:"is_public"`
}

// handleUpload stores a multipart "file" part and registers the document.
// Optional form fields: name, description, is_public.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if a.files == nil || a.owners == nil {
		writeError(w, r, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}
	owner, err := a.owners.Get(r.Context(), ownerID(r))
	if err != nil {
		writeError(w, r, http.StatusForbidden, "unknown owner")
		return
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart form expected")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	public := false
	if raw := strings.TrimSpace(r.FormValue("is_public")); raw != "" {
		public, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "is_public must be a boolean")
			return
		}
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := ids.New()
	obj, err := a.files.Write(r.Context(), id, file, a.maxUploadBytes)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		default:
			obs.Error("upload write failed", map[string]any{"document_id": id, "error": err.Error()})
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	now := a.now().UTC()
	doc := &catalog.Document{
		ID:          id,
		OwnerID:     owner.ID,
		OwnerEmail:  owner.Email,
		Name:        name,
		Description: strings.TrimSpace(r.FormValue("description")),
		ContentType: contentType,
		Size:        obj.Size,
		Checksum:    obj.Checksum,
		StoragePath: obj.Path,
		IsPublic:    public,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.catalog.Create(r.Context(), doc); err != nil {
		_ = a.files.Delete(r.Context(), obj.Path)
		if errors.Is(err, catalog.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "document name is required")
			return
		}
		obs.Error("document create failed", map[string]any{"document_id": id, "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "document.upload", map[string]any{
		"document_id": doc.ID,
		"size":        doc.Size,
		"is_public":   doc.IsPublic,
	})
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := a.catalog.ListByOwner(r.Context(), ownerID(r))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*catalog.Document{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{Items: docs})
}

// handleCatalog lists public documents for requestors.
func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	docs, err := a.catalog.ListPublic(r.Context())
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*catalog.Document{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{Items: docs})
}

func (a *API) handleVisibility(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedDocument(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	var req visibilityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsPublic == nil {
		writeError(w, r, http.StatusBadRequest, "is_public is required")
		return
	}
	if err := a.catalog.SetVisibility(r.Context(), id, *req.IsPublic, a.now().UTC()); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "document not found")
			return
		}
		handleAccessError(w, r, err)
		return
	}
	doc, err := a.catalog.Get(r.Context(), id)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "document.visibility", map[string]any{
		"document_id": id,
		"is_public":   *req.IsPublic,
	})
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument soft-deletes; the stored file is kept for the audit trail.
func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.access.OwnedDocument(r.Context(), ownerID(r), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	if err := a.access.DeleteDocument(r.Context(), id); err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "document.delete", map[string]any{"document_id": id})
	w.WriteHeader(http.StatusNoContent)
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/engine"
)

const maxUploadBytes = 16 << 20

// registerUploads mounts the multipart endpoints and the image reader as
// plain chi routes.
func registerUploads(r chi.Router, basePath string, e engine.Engine, log *zap.Logger) {
	h := uploadHandlers{engine: e, log: log}
	r.Post(basePath+"/tasks/{id}/selfie", h.evidence)
	r.Post(basePath+"/helper/kyc/submit", h.kyc)
	r.Get(engine.UploadPath("{id}"), h.serve)
}

type uploadHandlers struct {
	engine engine.Engine
	log    *zap.Logger
}

func (h uploadHandlers) evidence(w http.ResponseWriter, r *http.Request) {
	p, authErr := principalFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_multipart", err.Error(), nil))
		return
	}
	lat, latErr := strconv.ParseFloat(r.FormValue("lat"), 64)
	lng, lngErr := strconv.ParseFloat(r.FormValue("lng"), 64)
	if latErr != nil || lngErr != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_location", "lat and lng are required", nil))
		return
	}
	name, ct, data, err := formFile(r, "selfie")
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "missing_file", err.Error(), nil))
		return
	}
	ev := engine.Evidence{
		Stage:       domain.EvidenceStage(strings.ToUpper(r.FormValue("stage"))),
		Location:    domain.LatLng{Lat: lat, Lng: lng},
		AddressText: r.FormValue("addressText"),
		FileName:    name,
		ContentType: ct,
		Data:        data,
	}
	if raw := r.FormValue("capturedAt"); raw != "" {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			ev.CapturedAt = at
		}
	}
	task, err := h.engine.UploadEvidence(r.Context(), p, chi.URLParam(r, "id"), ev)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h uploadHandlers) kyc(w http.ResponseWriter, r *http.Request) {
	p, authErr := principalFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_multipart", err.Error(), nil))
		return
	}
	var docs [3]engine.KYCDocument
	for i, field := range []string{"idFront", "idBack", "selfie"} {
		name, ct, data, err := formFile(r, field)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "missing_file", err.Error(), map[string]any{"field": field}))
			return
		}
		docs[i] = engine.KYCDocument{FileName: name, ContentType: ct, Data: data}
	}
	prof, err := h.engine.SubmitKYC(r.Context(), p, r.FormValue("fullName"), r.FormValue("idNumber"), docs[0], docs[1], docs[2])
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (h uploadHandlers) serve(w http.ResponseWriter, r *http.Request) {
	up, err := h.engine.Upload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	w.Header().Set("Content-Type", up.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(up.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(up.Data); err != nil {
		h.log.Debug("writing upload failed", zap.String("upload", up.ID), zap.Error(err))
	}
}

func formFile(r *http.Request, field string) (string, string, []byte, error) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", "", nil, errors.New(field + " file is required")
		}
		return "", "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return "", "", nil, err
	}
	return hdr.Filename, contentType(hdr, data), data, nil
}

func contentType(hdr *multipart.FileHeader, data []byte) string {
	if ct := hdr.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return http.DetectContentType(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

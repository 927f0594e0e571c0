package api

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// UploadResponse is returned by POST /images.
type UploadResponse struct {
	ID        string                     `json:"id"`
	FileName  string                     `json:"file_name"`
	SizeBytes int64                      `json:"size_bytes"`
	CreatedAt time.Time                  `json:"created_at"`
	Pending   []simplevariants.SizeClass `json:"pending_thumbnails"`
}

// ListResponse is returned by GET /images.
type ListResponse struct {
	Images []simplevariants.ImageView `json:"images"`
}

// UploadImage accepts a multipart form with the file in the "image" field.
func (s *Server) UploadImage(w http.ResponseWriter, r *http.Request) {
	owner, ok := requesterID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "image file is required")
		return
	}
	defer file.Close()

	mimeType, ok := simplevariants.MimeTypeForFile(header.Filename)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_argument",
			fmt.Sprintf("unsupported file extension %q, allowed: .png, .jpg, .jpeg", path.Ext(header.Filename)))
		return
	}

	result, err := s.svc.Upload(r.Context(), simplevariants.UploadRequest{
		OwnerID:  owner,
		FileName: header.Filename,
		MimeType: mimeType,
		Reader:   file,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := UploadResponse{
		ID:        result.Image.ID.String(),
		FileName:  result.Image.FileName,
		SizeBytes: result.Image.SizeBytes,
		CreatedAt: result.Image.CreatedAt,
		Pending:   []simplevariants.SizeClass{},
	}
	if result.Delta != nil {
		resp.Pending = append(resp.Pending, result.Delta.Missing...)
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// ListImages returns the requester's images projected through their plan.
func (s *Server) ListImages(w http.ResponseWriter, r *http.Request) {
	owner, ok := requesterID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account ID")
		return
	}
	views, err := s.svc.GetListing(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, ListResponse{Images: views})
}

// GetThumbnail streams one thumbnail if the size is granted.
func (s *Server) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	owner, ok := requesterID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account ID")
		return
	}
	imageID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	if err != nil || !simplevariants.SizeClass(size).Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid size")
		return
	}

	rc, variant, err := s.svc.OpenThumbnail(r.Context(), owner, imageID, simplevariants.SizeClass(size))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	if variant.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(variant.SizeBytes, 10))
	}
	s.stream(w, r, rc, imageID)
}

// GetOriginal streams the uploaded file if the plan allows it.
func (s *Server) GetOriginal(w http.ResponseWriter, r *http.Request) {
	owner, ok := requesterID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account ID")
		return
	}
	imageID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	rc, image, err := s.svc.OpenOriginal(r.Context(), owner, imageID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", image.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", image.FileName))
	s.stream(w, r, rc, imageID)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, rc io.Reader, id uuid.UUID) {
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WarnContext(r.Context(), "stream interrupted", "id", id, "error", err)
	}
}

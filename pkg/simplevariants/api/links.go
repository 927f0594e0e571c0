package api

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// CreateLinkRequest is the body of POST /images/{id}/links.
type CreateLinkRequest struct {
	Duration int `json:"duration"`
}

// LinkResponse describes an issued link.
type LinkResponse struct {
	ID        string    `json:"id"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateLink renders a binary copy of the image and issues a link to it.
func (s *Server) CreateLink(w http.ResponseWriter, r *http.Request) {
	owner, ok := requesterID(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account ID")
		return
	}
	imageID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var req CreateLinkRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}

	artifact, err := s.svc.CreateLink(r.Context(), simplevariants.CreateLinkRequest{
		RequesterID:     owner,
		ImageID:         imageID,
		DurationSeconds: req.Duration,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, LinkResponse{
		ID:        artifact.ID.String(),
		Link:      s.refs.LinkRef(artifact.ID),
		ExpiresAt: artifact.ExpiresAt(),
	})
}

// GetLink streams the binary rendition behind a live link.
func (s *Server) GetLink(w http.ResponseWriter, r *http.Request) {
	linkID, ok := parseUUIDParam(w, r, "linkID")
	if !ok {
		return
	}
	rc, artifact, err := s.svc.OpenLink(r.Context(), linkID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=0")
	s.stream(w, r, rc, artifact.ID)
}

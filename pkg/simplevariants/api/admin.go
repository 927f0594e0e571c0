package api

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// RegisterSizeClassRequest is the body of POST /admin/size-classes.
type RegisterSizeClassRequest struct {
	Size int `json:"size"`
}

// CreatePlanRequest is the body of POST /admin/plans.
type CreatePlanRequest struct {
	Name              string                     `json:"name"`
	SizeClasses       []simplevariants.SizeClass `json:"size_classes"`
	AllowOriginal     bool                       `json:"allow_original"`
	AllowExpiringLink bool                       `json:"allow_expiring_link"`
}

// CreateAccountRequest is the body of POST /admin/accounts.
type CreateAccountRequest struct {
	Email  string     `json:"email"`
	Name   string     `json:"name"`
	PlanID *uuid.UUID `json:"plan_id,omitempty"`
}

// ChangePlanRequest is the body of PUT /admin/accounts/{id}/plan. A null
// plan_id removes the plan.
type ChangePlanRequest struct {
	PlanID        *uuid.UUID `json:"plan_id"`
	SkipReconcile bool       `json:"skip_reconcile"`
}

func (s *Server) RegisterSizeClass(w http.ResponseWriter, r *http.Request) {
	var req RegisterSizeClassRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	if err := s.svc.RegisterSizeClass(r.Context(), simplevariants.SizeClass(req.Size)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, req)
}

func (s *Server) ListSizeClasses(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.svc.ListSizeClassCatalog(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, map[string][]simplevariants.SizeClass{"size_classes": sizes})
}

func (s *Server) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	plan, err := s.svc.CreatePlan(r.Context(), simplevariants.CreatePlanRequest{
		Name:              req.Name,
		SizeClasses:       req.SizeClasses,
		AllowOriginal:     req.AllowOriginal,
		AllowExpiringLink: req.AllowExpiringLink,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, plan)
}

func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.ListPlans(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, map[string][]*simplevariants.Plan{"plans": plans})
}

func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	account, err := s.svc.CreateAccount(r.Context(), simplevariants.CreateAccountRequest{
		Email:  req.Email,
		Name:   req.Name,
		PlanID: req.PlanID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, account)
}

func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	account, err := s.svc.GetAccount(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, account)
}

// ChangePlan moves the account to another plan. Thumbnail generation for the
// account's images continues after the response is written.
func (s *Server) ChangePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ChangePlanRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	delta, err := s.svc.ChangePlan(r.Context(), simplevariants.ChangePlanRequest{
		AccountID:     id,
		PlanID:        req.PlanID,
		SkipReconcile: req.SkipReconcile,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, delta)
}

// ResyncAccount checks every granted size on every image of the account.
func (s *Server) ResyncAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	delta, err := s.svc.ResyncAccount(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, delta)
}

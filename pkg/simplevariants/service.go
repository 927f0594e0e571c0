package simplevariants

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Service is the entry point used by the HTTP layer and the CLI.
type Service interface {
	// Size class catalog and plans
	RegisterSizeClass(ctx context.Context, size SizeClass) error
	ListSizeClassCatalog(ctx context.Context) ([]SizeClass, error)
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	// Accounts
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]*Account, error)
	// ChangePlan persists the plan reference and, unless SkipReconcile is
	// set, schedules reconciliation of the account's images.
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*AccountDelta, error)

	// ResolveEntitlement returns the account's current entitlement, or an
	// error matching ErrNoPlan when it has none.
	ResolveEntitlement(ctx context.Context, accountID uuid.UUID) (Entitlement, error)

	// Images
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	GetImage(ctx context.Context, id uuid.UUID) (*SourceImage, error)
	GetListing(ctx context.Context, accountID uuid.UUID) ([]ImageView, error)
	OpenThumbnail(ctx context.Context, requesterID, imageID uuid.UUID, size SizeClass) (io.ReadCloser, *Variant, error)
	OpenOriginal(ctx context.Context, requesterID, imageID uuid.UUID) (io.ReadCloser, *SourceImage, error)

	// Reconciliation
	Reconcile(ctx context.Context, imageID uuid.UUID, target, previous Entitlement) (*DeltaResult, error)
	ReconcileAccount(ctx context.Context, accountID uuid.UUID) (*AccountDelta, error)
	// ResyncAccount ignores the snapshot and checks every granted size on
	// every image, resubmitting whatever is absent.
	ResyncAccount(ctx context.Context, accountID uuid.UUID) (*AccountDelta, error)

	// Expiring links
	CreateLink(ctx context.Context, req CreateLinkRequest) (*ExpiringArtifact, error)
	ResolveLink(ctx context.Context, linkID uuid.UUID) (*ExpiringArtifact, error)
	OpenLink(ctx context.Context, linkID uuid.UUID) (io.ReadCloser, *ExpiringArtifact, error)

	// Drain waits until every submitted generation unit and scheduled
	// reconciliation has finished.
	Drain(ctx context.Context) error
	// Close drains and stops the worker pool.
	Close(ctx context.Context) error
}

// CreatePlanRequest contains parameters for creating a plan
type CreatePlanRequest struct {
	Name              string
	SizeClasses       []SizeClass
	AllowOriginal     bool
	AllowExpiringLink bool
}

// CreateAccountRequest contains parameters for creating an account
type CreateAccountRequest struct {
	Email  string
	Name   string
	PlanID *uuid.UUID
}

// ChangePlanRequest moves an account to another plan. A nil PlanID removes
// the plan.
type ChangePlanRequest struct {
	AccountID     uuid.UUID
	PlanID        *uuid.UUID
	SkipReconcile bool
}

// UploadRequest contains parameters for uploading a source image
type UploadRequest struct {
	OwnerID  uuid.UUID
	FileName string
	MimeType string
	Reader   io.Reader
}

// UploadResult is returned once the image is durable. Delta lists the
// generation units that were submitted; they may still be running.
type UploadResult struct {
	Image *SourceImage
	Delta *DeltaResult
}

// CreateLinkRequest contains parameters for issuing an expiring link
type CreateLinkRequest struct {
	RequesterID     uuid.UUID
	ImageID         uuid.UUID
	DurationSeconds int
}

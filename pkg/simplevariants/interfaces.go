package simplevariants

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload uploads content directly
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// UploadWithParams uploads content with additional parameters
	UploadWithParams(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly. Missing keys return ErrBlobNotFound.
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// Repository defines the interface for catalog, image, variant, link and
// snapshot persistence. Lookups of missing rows return errors matching
// ErrNotFound.
type Repository interface {
	// Size class catalog
	CreateSizeClass(ctx context.Context, size SizeClass) error
	ListSizeClassCatalog(ctx context.Context) ([]SizeClass, error)

	// Plans
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	// Accounts
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error
	// ListAccounts pages through accounts ordered by creation time.
	ListAccounts(ctx context.Context, limit, offset int) ([]*Account, error)

	// Source images
	CreateImage(ctx context.Context, image *SourceImage) error
	GetImage(ctx context.Context, id uuid.UUID) (*SourceImage, error)
	ListImagesByOwner(ctx context.Context, ownerID uuid.UUID) ([]*SourceImage, error)

	// Variant store
	ListSizeClasses(ctx context.Context, imageID uuid.UUID) (SizeSet, error)
	ListVariants(ctx context.Context, imageID uuid.UUID) ([]*Variant, error)
	GetVariant(ctx context.Context, imageID uuid.UUID, size SizeClass) (*Variant, error)
	// UpsertVariant creates or overwrites the row for (ImageID, SizeClass).
	UpsertVariant(ctx context.Context, variant *Variant) error
	RemoveVariant(ctx context.Context, imageID uuid.UUID, size SizeClass) error

	// Expiring artifacts
	CreateArtifact(ctx context.Context, artifact *ExpiringArtifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*ExpiringArtifact, error)

	// Entitlement snapshots
	GetSnapshot(ctx context.Context, accountID uuid.UUID) (*EntitlementSnapshot, error)
	// SaveSnapshot stores the snapshot if the stored version still equals
	// snapshot.Version, then sets snapshot.Version to the new version.
	// Otherwise it returns ErrSnapshotConflict.
	SaveSnapshot(ctx context.Context, snapshot *EntitlementSnapshot) error
}

// Renderer produces derived images. Renderers are pure: the same input always
// yields the same output or the same error.
type Renderer interface {
	// Thumbnail fits the source into a size×size box without upscaling.
	Thumbnail(src io.Reader, size int) ([]byte, error)

	// Binary converts the source to a dithered 1-bit image.
	Binary(src io.Reader) ([]byte, error)
}

// ListingCache stores materialized listings per account. Entries are keyed by
// account and generation; Invalidate moves the account to a new generation so
// fills computed against an older one can never be read again.
type ListingCache interface {
	Generation(ctx context.Context, accountID uuid.UUID) (int64, error)
	Get(ctx context.Context, accountID uuid.UUID, generation int64) ([]ImageView, bool, error)
	Set(ctx context.Context, accountID uuid.UUID, generation int64, views []ImageView, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

// KeyLocker serializes work on a single key. Different keys never block each other.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventSink defines the interface for lifecycle events
type EventSink interface {
	// ImageUploaded is fired after an upload is persisted
	ImageUploaded(ctx context.Context, image *SourceImage) error

	// VariantGenerated is fired after a thumbnail is stored
	VariantGenerated(ctx context.Context, variant *Variant) error

	// GenerationFailed is fired when a generation unit gives up
	GenerationFailed(ctx context.Context, imageID uuid.UUID, size SizeClass, err error) error

	// PlanChanged is fired after an account's plan-change reconciliation is scheduled
	PlanChanged(ctx context.Context, delta *AccountDelta) error

	// LinkCreated is fired when an expiring link is issued
	LinkCreated(ctx context.Context, artifact *ExpiringArtifact) error
}

// Clock abstracts time so expiry and TTLs can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

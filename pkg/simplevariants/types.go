package simplevariants

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// MinLinkDuration and MaxLinkDuration bound ExpiringArtifact.DurationSeconds.
	MinLinkDuration = 300
	MaxLinkDuration = 30000

	// DefaultListingTTL is how long a materialized listing is served from cache.
	DefaultListingTTL = 15 * time.Minute
)

// SizeClass is a positive integer naming a square bounding box (in pixels)
// that a thumbnail variant fits into.
type SizeClass int

// Valid reports whether the size class is usable in a plan.
func (s SizeClass) Valid() bool {
	return s > 0
}

// Name is the variant name used in object keys and events, e.g. "thumbnail_200".
func (s SizeClass) Name() string {
	return fmt.Sprintf("thumbnail_%d", int(s))
}

// SizeSet is a set of size classes. The zero value is an empty set that can be
// read but not written; use NewSizeSet to build one.
type SizeSet map[SizeClass]struct{}

func NewSizeSet(sizes ...SizeClass) SizeSet {
	s := make(SizeSet, len(sizes))
	for _, size := range sizes {
		s[size] = struct{}{}
	}
	return s
}

func (s SizeSet) Has(size SizeClass) bool {
	_, ok := s[size]
	return ok
}

func (s SizeSet) Add(size SizeClass) {
	s[size] = struct{}{}
}

func (s SizeSet) Len() int {
	return len(s)
}

// Difference returns the sizes in s that are not in other.
func (s SizeSet) Difference(other SizeSet) SizeSet {
	out := make(SizeSet, len(s))
	for size := range s {
		if !other.Has(size) {
			out[size] = struct{}{}
		}
	}
	return out
}

// Intersect returns the sizes present in both s and other.
func (s SizeSet) Intersect(other SizeSet) SizeSet {
	out := make(SizeSet)
	for size := range s {
		if other.Has(size) {
			out[size] = struct{}{}
		}
	}
	return out
}

func (s SizeSet) Equal(other SizeSet) bool {
	if len(s) != len(other) {
		return false
	}
	for size := range s {
		if !other.Has(size) {
			return false
		}
	}
	return true
}

func (s SizeSet) Clone() SizeSet {
	out := make(SizeSet, len(s))
	for size := range s {
		out[size] = struct{}{}
	}
	return out
}

// Sorted returns the members in ascending order.
func (s SizeSet) Sorted() []SizeClass {
	out := make([]SizeClass, 0, len(s))
	for size := range s {
		out = append(out, size)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entitlement is the value a plan grants: which thumbnail sizes are generated
// and whether the original and expiring links may be accessed.
type Entitlement struct {
	SizeClasses       SizeSet `json:"size_classes"`
	AllowOriginal     bool    `json:"allow_original"`
	AllowExpiringLink bool    `json:"allow_expiring_link"`
}

// EmptyEntitlement grants nothing. Accounts without a plan resolve to it on reads.
func EmptyEntitlement() Entitlement {
	return Entitlement{SizeClasses: NewSizeSet()}
}

func (e Entitlement) Equal(other Entitlement) bool {
	return e.AllowOriginal == other.AllowOriginal &&
		e.AllowExpiringLink == other.AllowExpiringLink &&
		e.SizeClasses.Equal(other.SizeClasses)
}

func (e Entitlement) Clone() Entitlement {
	e.SizeClasses = e.SizeClasses.Clone()
	return e
}

// Plan is a named subscription tier.
type Plan struct {
	ID                uuid.UUID   `json:"id"`
	Name              string      `json:"name"`
	SizeClasses       []SizeClass `json:"size_classes"`
	AllowOriginal     bool        `json:"allow_original"`
	AllowExpiringLink bool        `json:"allow_expiring_link"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Entitlement returns the value granted by the plan.
func (p *Plan) Entitlement() Entitlement {
	return Entitlement{
		SizeClasses:       NewSizeSet(p.SizeClasses...),
		AllowOriginal:     p.AllowOriginal,
		AllowExpiringLink: p.AllowExpiringLink,
	}
}

// Account owns images and references at most one plan.
type Account struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	PlanID    *uuid.UUID `json:"plan_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SourceImage is an uploaded original. It is immutable once stored.
type SourceImage struct {
	ID             uuid.UUID `json:"id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	StorageBackend string    `json:"storage_backend"`
	ObjectKey      string    `json:"object_key"`
	FileName       string    `json:"file_name"`
	MimeType       string    `json:"mime_type"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Variant is a materialized thumbnail, unique per (ImageID, SizeClass).
type Variant struct {
	ImageID        uuid.UUID `json:"image_id"`
	SizeClass      SizeClass `json:"size_class"`
	StorageBackend string    `json:"storage_backend"`
	ObjectKey      string    `json:"object_key"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExpiringArtifact is a binary rendition reachable through an unguessable ID
// for DurationSeconds after CreatedAt.
type ExpiringArtifact struct {
	ID              uuid.UUID `json:"id"`
	ImageID         uuid.UUID `json:"image_id"`
	StorageBackend  string    `json:"storage_backend"`
	ObjectKey       string    `json:"object_key"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// Expired reports whether more than DurationSeconds have elapsed since
// creation. At exactly DurationSeconds the link is still valid.
func (a *ExpiringArtifact) Expired(now time.Time) bool {
	return now.Sub(a.CreatedAt) > time.Duration(a.DurationSeconds)*time.Second
}

// ExpiresAt is the last instant at which the link resolves.
func (a *ExpiringArtifact) ExpiresAt() time.Time {
	return a.CreatedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// EntitlementSnapshot records the entitlement the reconciler last acted on for
// an account. Version is bumped on every save and used for optimistic
// concurrency; a snapshot that has never been saved has Version 0.
type EntitlementSnapshot struct {
	AccountID   uuid.UUID   `json:"account_id"`
	PlanID      *uuid.UUID  `json:"plan_id,omitempty"`
	Entitlement Entitlement `json:"entitlement"`
	Version     int64       `json:"version"`
	ObservedAt  time.Time   `json:"observed_at"`
}

// ThumbnailRef points at one materialized thumbnail of a listed image.
type ThumbnailRef struct {
	SizeClass SizeClass `json:"size"`
	Ref       string    `json:"ref"`
}

// ImageView is the per-image projection returned by GetListing. It only
// contains what the account's current entitlement allows.
type ImageView struct {
	ID                      uuid.UUID      `json:"id"`
	FileName                string         `json:"file_name"`
	CreatedAt               time.Time      `json:"created_at"`
	Thumbnails              []ThumbnailRef `json:"thumbnails"`
	OriginalRef             string         `json:"original,omitempty"`
	ExpiringLinkCreationRef string         `json:"expiring_link,omitempty"`
}

// DeltaResult describes one per-image reconciliation pass.
type DeltaResult struct {
	ImageID   uuid.UUID   `json:"image_id"`
	Missing   []SizeClass `json:"missing"`
	Submitted int         `json:"submitted"`
	Removed   int         `json:"removed"`
}

// AccountDelta describes a plan-change reconciliation for one account.
// Granted and Revoked are computed at the value level from the snapshot;
// per-image work is scheduled on the worker pool and not reflected here.
type AccountDelta struct {
	AccountID      uuid.UUID   `json:"account_id"`
	PreviousPlanID *uuid.UUID  `json:"previous_plan_id,omitempty"`
	PlanID         *uuid.UUID  `json:"plan_id,omitempty"`
	Granted        []SizeClass `json:"granted"`
	Revoked        []SizeClass `json:"revoked"`
	Changed        bool        `json:"changed"`
	Images         int         `json:"images"`
	Skipped        bool        `json:"skipped,omitempty"`
}

// DowngradePolicy decides what happens to variants whose size class is no
// longer granted.
type DowngradePolicy int

const (
	// DowngradeKeep leaves variants in place; projection hides them.
	DowngradeKeep DowngradePolicy = iota
	// DowngradeRemove deletes variants outside the current entitlement.
	DowngradeRemove
)

func (p DowngradePolicy) String() string {
	switch p {
	case DowngradeRemove:
		return "remove"
	default:
		return "keep"
	}
}

// ParseDowngradePolicy accepts "keep" or "remove".
func ParseDowngradePolicy(s string) (DowngradePolicy, error) {
	switch s {
	case "", "keep":
		return DowngradeKeep, nil
	case "remove":
		return DowngradeRemove, nil
	default:
		return DowngradeKeep, fmt.Errorf("%w: unknown downgrade policy %q", ErrInvalidArgument, s)
	}
}

// ObjectMeta describes a stored blob.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// UploadParams describes a blob write.
type UploadParams struct {
	ObjectKey string
	MimeType  string
}

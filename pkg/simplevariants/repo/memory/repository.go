package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// Repository implements simplevariants.Repository using in-memory storage.
// Variant rows are guarded per image; no lock spans the whole variant table.
type Repository struct {
	mu             sync.RWMutex
	sizeClasses    map[simplevariants.SizeClass]struct{}
	plans          map[uuid.UUID]*simplevariants.Plan
	planNames      map[string]uuid.UUID
	accounts       map[uuid.UUID]*simplevariants.Account
	accountEmails  map[string]uuid.UUID
	accountNames   map[string]uuid.UUID
	images         map[uuid.UUID]*simplevariants.SourceImage
	imagesByOwner  map[uuid.UUID][]uuid.UUID
	artifacts      map[uuid.UUID]*simplevariants.ExpiringArtifact
	snapshots      map[uuid.UUID]*simplevariants.EntitlementSnapshot
	variants       sync.Map // image_id -> *imageVariants
}

type imageVariants struct {
	mu    sync.Mutex
	sizes map[simplevariants.SizeClass]*simplevariants.Variant
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		sizeClasses:   make(map[simplevariants.SizeClass]struct{}),
		plans:         make(map[uuid.UUID]*simplevariants.Plan),
		planNames:     make(map[string]uuid.UUID),
		accounts:      make(map[uuid.UUID]*simplevariants.Account),
		accountEmails: make(map[string]uuid.UUID),
		accountNames:  make(map[string]uuid.UUID),
		images:        make(map[uuid.UUID]*simplevariants.SourceImage),
		imagesByOwner: make(map[uuid.UUID][]uuid.UUID),
		artifacts:     make(map[uuid.UUID]*simplevariants.ExpiringArtifact),
		snapshots:     make(map[uuid.UUID]*simplevariants.EntitlementSnapshot),
	}
}

// Size class catalog

func (r *Repository) CreateSizeClass(ctx context.Context, size simplevariants.SizeClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sizeClasses[size]; exists {
		return fmt.Errorf("size class %d: %w", size, simplevariants.ErrAlreadyExists)
	}
	r.sizeClasses[size] = struct{}{}
	return nil
}

func (r *Repository) ListSizeClassCatalog(ctx context.Context) ([]simplevariants.SizeClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(simplevariants.SizeSet, len(r.sizeClasses))
	for size := range r.sizeClasses {
		set.Add(size)
	}
	return set.Sorted(), nil
}

// Plans

func (r *Repository) CreatePlan(ctx context.Context, plan *simplevariants.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.planNames[plan.Name]; exists {
		return fmt.Errorf("plan %q: %w", plan.Name, simplevariants.ErrAlreadyExists)
	}
	for _, size := range plan.SizeClasses {
		if _, ok := r.sizeClasses[size]; !ok {
			return fmt.Errorf("%w: size class %d is not registered", simplevariants.ErrInvalidArgument, size)
		}
	}
	r.plans[plan.ID] = copyPlan(plan)
	r.planNames[plan.Name] = plan.ID
	return nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*simplevariants.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, exists := r.plans[id]
	if !exists {
		return nil, fmt.Errorf("plan %s: %w", id, simplevariants.ErrNotFound)
	}
	return copyPlan(plan), nil
}

func (r *Repository) ListPlans(ctx context.Context) ([]*simplevariants.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*simplevariants.Plan, 0, len(r.plans))
	for _, plan := range r.plans {
		out = append(out, copyPlan(plan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func copyPlan(p *simplevariants.Plan) *simplevariants.Plan {
	c := *p
	c.SizeClasses = append([]simplevariants.SizeClass(nil), p.SizeClasses...)
	return &c
}

// Accounts

func (r *Repository) CreateAccount(ctx context.Context, account *simplevariants.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accountEmails[account.Email]; exists {
		return fmt.Errorf("account email %q: %w", account.Email, simplevariants.ErrAlreadyExists)
	}
	if _, exists := r.accountNames[account.Name]; exists {
		return fmt.Errorf("account name %q: %w", account.Name, simplevariants.ErrAlreadyExists)
	}
	r.accounts[account.ID] = copyAccount(account)
	r.accountEmails[account.Email] = account.ID
	r.accountNames[account.Name] = account.ID
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*simplevariants.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, exists := r.accounts[id]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", id, simplevariants.ErrNotFound)
	}
	return copyAccount(account), nil
}

func (r *Repository) UpdateAccount(ctx context.Context, account *simplevariants.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.accounts[account.ID]
	if !exists {
		return fmt.Errorf("account %s: %w", account.ID, simplevariants.ErrNotFound)
	}
	if account.PlanID != nil {
		if _, ok := r.plans[*account.PlanID]; !ok {
			return fmt.Errorf("plan %s: %w", *account.PlanID, simplevariants.ErrNotFound)
		}
	}
	delete(r.accountEmails, existing.Email)
	delete(r.accountNames, existing.Name)
	r.accounts[account.ID] = copyAccount(account)
	r.accountEmails[account.Email] = account.ID
	r.accountNames[account.Name] = account.ID
	return nil
}

func copyAccount(a *simplevariants.Account) *simplevariants.Account {
	c := *a
	if a.PlanID != nil {
		id := *a.PlanID
		c.PlanID = &id
	}
	return &c
}

// Source images

func (r *Repository) CreateImage(ctx context.Context, image *simplevariants.SourceImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[image.OwnerID]; !exists {
		return fmt.Errorf("owner %s: %w", image.OwnerID, simplevariants.ErrNotFound)
	}
	if _, exists := r.images[image.ID]; exists {
		return fmt.Errorf("image %s: %w", image.ID, simplevariants.ErrAlreadyExists)
	}
	imageCopy := *image
	r.images[image.ID] = &imageCopy
	r.imagesByOwner[image.OwnerID] = append(r.imagesByOwner[image.OwnerID], image.ID)
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (*simplevariants.SourceImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	image, exists := r.images[id]
	if !exists {
		return nil, fmt.Errorf("image %s: %w", id, simplevariants.ErrNotFound)
	}
	imageCopy := *image
	return &imageCopy, nil
}

// ListAccounts returns accounts oldest first.
func (r *Repository) ListAccounts(ctx context.Context, limit, offset int) ([]*simplevariants.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*simplevariants.Account, 0, len(r.accounts))
	for _, account := range r.accounts {
		all = append(all, account)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	out := []*simplevariants.Account{}
	for i := offset; i < len(all) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, copyAccount(all[i]))
	}
	return out, nil
}

// ListImagesByOwner returns the owner's images, newest first.
func (r *Repository) ListImagesByOwner(ctx context.Context, ownerID uuid.UUID) ([]*simplevariants.SourceImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.imagesByOwner[ownerID]
	out := make([]*simplevariants.SourceImage, 0, len(ids))
	for _, id := range ids {
		imageCopy := *r.images[id]
		out = append(out, &imageCopy)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Variant store

func (r *Repository) variantsOf(imageID uuid.UUID) *imageVariants {
	v, _ := r.variants.LoadOrStore(imageID, &imageVariants{sizes: make(map[simplevariants.SizeClass]*simplevariants.Variant)})
	return v.(*imageVariants)
}

func (r *Repository) ListSizeClasses(ctx context.Context, imageID uuid.UUID) (simplevariants.SizeSet, error) {
	iv := r.variantsOf(imageID)
	iv.mu.Lock()
	defer iv.mu.Unlock()

	set := make(simplevariants.SizeSet, len(iv.sizes))
	for size := range iv.sizes {
		set.Add(size)
	}
	return set, nil
}

func (r *Repository) ListVariants(ctx context.Context, imageID uuid.UUID) ([]*simplevariants.Variant, error) {
	iv := r.variantsOf(imageID)
	iv.mu.Lock()
	defer iv.mu.Unlock()

	out := make([]*simplevariants.Variant, 0, len(iv.sizes))
	for _, v := range iv.sizes {
		variantCopy := *v
		out = append(out, &variantCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SizeClass < out[j].SizeClass })
	return out, nil
}

func (r *Repository) GetVariant(ctx context.Context, imageID uuid.UUID, size simplevariants.SizeClass) (*simplevariants.Variant, error) {
	iv := r.variantsOf(imageID)
	iv.mu.Lock()
	defer iv.mu.Unlock()

	v, exists := iv.sizes[size]
	if !exists {
		return nil, fmt.Errorf("variant %s/%d: %w", imageID, size, simplevariants.ErrNotFound)
	}
	variantCopy := *v
	return &variantCopy, nil
}

func (r *Repository) UpsertVariant(ctx context.Context, variant *simplevariants.Variant) error {
	if _, err := r.GetImage(ctx, variant.ImageID); err != nil {
		return err
	}
	iv := r.variantsOf(variant.ImageID)
	iv.mu.Lock()
	defer iv.mu.Unlock()

	variantCopy := *variant
	if existing, ok := iv.sizes[variant.SizeClass]; ok {
		variantCopy.CreatedAt = existing.CreatedAt
	}
	iv.sizes[variant.SizeClass] = &variantCopy
	return nil
}

func (r *Repository) RemoveVariant(ctx context.Context, imageID uuid.UUID, size simplevariants.SizeClass) error {
	iv := r.variantsOf(imageID)
	iv.mu.Lock()
	defer iv.mu.Unlock()

	delete(iv.sizes, size)
	return nil
}

// Expiring artifacts

func (r *Repository) CreateArtifact(ctx context.Context, artifact *simplevariants.ExpiringArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[artifact.ImageID]; !exists {
		return fmt.Errorf("image %s: %w", artifact.ImageID, simplevariants.ErrNotFound)
	}
	artifactCopy := *artifact
	r.artifacts[artifact.ID] = &artifactCopy
	return nil
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (*simplevariants.ExpiringArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, exists := r.artifacts[id]
	if !exists {
		return nil, fmt.Errorf("link %s: %w", id, simplevariants.ErrNotFound)
	}
	artifactCopy := *artifact
	return &artifactCopy, nil
}

// Entitlement snapshots

func (r *Repository) GetSnapshot(ctx context.Context, accountID uuid.UUID) (*simplevariants.EntitlementSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, exists := r.snapshots[accountID]
	if !exists {
		return nil, fmt.Errorf("snapshot %s: %w", accountID, simplevariants.ErrNotFound)
	}
	return copySnapshot(snapshot), nil
}

func (r *Repository) SaveSnapshot(ctx context.Context, snapshot *simplevariants.EntitlementSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if existing, ok := r.snapshots[snapshot.AccountID]; ok {
		current = existing.Version
	}
	if current != snapshot.Version {
		return fmt.Errorf("snapshot %s at version %d, expected %d: %w", snapshot.AccountID, current, snapshot.Version, simplevariants.ErrSnapshotConflict)
	}
	stored := copySnapshot(snapshot)
	stored.Version = current + 1
	r.snapshots[snapshot.AccountID] = stored
	snapshot.Version = stored.Version
	return nil
}

func copySnapshot(s *simplevariants.EntitlementSnapshot) *simplevariants.EntitlementSnapshot {
	c := *s
	c.Entitlement = s.Entitlement.Clone()
	if c.Entitlement.SizeClasses == nil {
		c.Entitlement.SizeClasses = simplevariants.NewSizeSet()
	}
	if s.PlanID != nil {
		id := *s.PlanID
		c.PlanID = &id
	}
	return &c
}

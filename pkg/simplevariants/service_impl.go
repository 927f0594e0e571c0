package simplevariants

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants/objectkey"
	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
	"github.com/tendant/simple-variants/pkg/simplevariants/render"
)

// allowedExtensions are the upload file extensions accepted.
var allowedExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// MimeTypeForFile returns the MIME type for an accepted upload file name.
func MimeTypeForFile(fileName string) (string, bool) {
	mimeType, ok := allowedExtensions[strings.ToLower(path.Ext(fileName))]
	return mimeType, ok
}

// service implements the Service interface
type service struct {
	repository     Repository
	blobStores     map[string]BlobStore
	defaultBackend string
	eventSink      EventSink
	renderer       Renderer
	keyGenerator   objectkey.Generator
	refs           refstrategy.Strategy
	locker         KeyLocker
	listingCache   ListingCache
	listingTTL     time.Duration
	workerConfig   WorkerConfig
	policy         DowngradePolicy
	clock          Clock
	logger         *slog.Logger
	metrics        *Metrics

	entitlements *entitlementModel
	generator    *generator
	pool         *pool
	listing      *listing
	reconciler   *reconciler
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore adds a blob storage backend
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		if s.blobStores == nil {
			s.blobStores = make(map[string]BlobStore)
		}
		s.blobStores[name] = store
	}
}

// WithDefaultStorageBackend names the backend new blobs are written to
func WithDefaultStorageBackend(name string) Option {
	return func(s *service) {
		s.defaultBackend = name
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithRenderer replaces the default nfnt/resize based renderer
func WithRenderer(renderer Renderer) Option {
	return func(s *service) {
		s.renderer = renderer
	}
}

// WithObjectKeyGenerator sets how blob keys are laid out
func WithObjectKeyGenerator(generator objectkey.Generator) Option {
	return func(s *service) {
		s.keyGenerator = generator
	}
}

// WithRefStrategy sets how listing references are generated
func WithRefStrategy(strategy refstrategy.Strategy) Option {
	return func(s *service) {
		s.refs = strategy
	}
}

// WithKeyLocker sets the per-variant lock implementation. Use a distributed
// locker when several processes share one repository.
func WithKeyLocker(locker KeyLocker) Option {
	return func(s *service) {
		s.locker = locker
	}
}

// WithListingCache sets the listing cache
func WithListingCache(cache ListingCache) Option {
	return func(s *service) {
		s.listingCache = cache
	}
}

// WithListingTTL sets how long listings stay cached
func WithListingTTL(ttl time.Duration) Option {
	return func(s *service) {
		s.listingTTL = ttl
	}
}

// WithWorkerConfig sizes the generation worker pool
func WithWorkerConfig(cfg WorkerConfig) Option {
	return func(s *service) {
		s.workerConfig = cfg
	}
}

// WithDowngradePolicy sets what happens to variants that are no longer granted
func WithDowngradePolicy(policy DowngradePolicy) Option {
	return func(s *service) {
		s.policy = policy
	}
}

// WithClock sets the time source
func WithClock(clock Clock) Option {
	return func(s *service) {
		s.clock = clock
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(metrics *Metrics) Option {
	return func(s *service) {
		s.metrics = metrics
	}
}

// New creates a new service instance with the given options and starts its
// worker pool. Call Close to stop it.
func New(options ...Option) (Service, error) {
	s := &service{
		blobStores:   make(map[string]BlobStore),
		listingTTL:   DefaultListingTTL,
		workerConfig: DefaultWorkerConfig(),
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if len(s.blobStores) == 0 {
		return nil, fmt.Errorf("at least one blob store is required")
	}
	if s.defaultBackend == "" {
		if len(s.blobStores) != 1 {
			return nil, fmt.Errorf("default storage backend is required when more than one blob store is configured")
		}
		for name := range s.blobStores {
			s.defaultBackend = name
		}
	}
	if _, ok := s.blobStores[s.defaultBackend]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrStorageBackendNotFound, s.defaultBackend)
	}

	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.renderer == nil {
		s.renderer = render.New()
	}
	if s.keyGenerator == nil {
		s.keyGenerator = objectkey.NewRecommendedGenerator()
	}
	if s.refs == nil {
		s.refs = refstrategy.NewAPIStrategy("/api/v1")
	}
	if s.locker == nil {
		s.locker = NewMemoryKeyLocker()
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.listingCache == nil {
		s.listingCache = NewMemoryListingCache(s.clock)
	}
	if s.listingTTL <= 0 {
		s.listingTTL = DefaultListingTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.workerConfig = s.workerConfig.withDefaults()

	s.entitlements = &entitlementModel{repository: s.repository}
	s.listing = &listing{
		repository:   s.repository,
		cache:        s.listingCache,
		entitlements: s.entitlements,
		refs:         s.refs,
		ttl:          s.listingTTL,
		metrics:      s.metrics,
		logger:       s.logger,
	}
	s.generator = &generator{
		repository: s.repository,
		blobs:      &blobStores{stores: s.blobStores, defaultName: s.defaultBackend},
		renderer:   s.renderer,
		keys:       s.keyGenerator,
		locks:      s.locker,
		events:     s.eventSink,
		metrics:    s.metrics,
		clock:      s.clock,
		logger:     s.logger,
		invalidate: s.listing.invalidate,
	}
	s.pool = newPool(s.workerConfig, s.generator, s.eventSink, s.metrics, s.logger)
	s.reconciler = &reconciler{
		repository:   s.repository,
		entitlements: s.entitlements,
		pool:         s.pool,
		generator:    s.generator,
		listing:      s.listing,
		policy:       s.policy,
		fanOut:       s.workerConfig.FanOut,
		events:       s.eventSink,
		metrics:      s.metrics,
		clock:        s.clock,
		logger:       s.logger,
	}
	s.listing.repair = s.reconciler.repairImage

	return s, nil
}

// Catalog operations

func (s *service) RegisterSizeClass(ctx context.Context, size SizeClass) error {
	if !size.Valid() {
		return fmt.Errorf("%w: size class must be positive, got %d", ErrInvalidArgument, size)
	}
	if err := s.repository.CreateSizeClass(ctx, size); err != nil {
		return fmt.Errorf("register size class %d: %w", size, err)
	}
	return nil
}

func (s *service) ListSizeClassCatalog(ctx context.Context) ([]SizeClass, error) {
	return s.repository.ListSizeClassCatalog(ctx)
}

func (s *service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: plan name is required", ErrInvalidArgument)
	}

	catalog, err := s.repository.ListSizeClassCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("list size classes: %w", err)
	}
	registered := NewSizeSet(catalog...)
	sizes := NewSizeSet()
	for _, size := range req.SizeClasses {
		if !registered.Has(size) {
			return nil, fmt.Errorf("%w: size class %d is not registered", ErrInvalidArgument, size)
		}
		sizes.Add(size)
	}

	now := s.clock.Now()
	plan := &Plan{
		ID:                uuid.New(),
		Name:              name,
		SizeClasses:       sizes.Sorted(),
		AllowOriginal:     req.AllowOriginal,
		AllowExpiringLink: req.AllowExpiringLink,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repository.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan %q: %w", name, err)
	}
	return plan, nil
}

func (s *service) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	plan, err := s.repository.GetPlan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return plan, nil
}

func (s *service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.repository.ListPlans(ctx)
}

// Account operations

func (s *service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidArgument, req.Email)
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" {
		return nil, fmt.Errorf("%w: account name is required", ErrInvalidArgument)
	}
	if req.PlanID != nil {
		if _, err := s.repository.GetPlan(ctx, *req.PlanID); err != nil {
			return nil, fmt.Errorf("plan %s: %w", *req.PlanID, err)
		}
	}

	now := s.clock.Now()
	account := &Account{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		PlanID:    req.PlanID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repository.CreateAccount(ctx, account); err != nil {
		return nil, &AccountError{AccountID: account.ID, Op: "create", Err: err}
	}

	// First observation of the account's entitlement.
	_, ent, err := s.entitlements.forRead(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	s.reconciler.saveSnapshot(ctx, &EntitlementSnapshot{AccountID: account.ID, PlanID: account.PlanID, Entitlement: ent})
	return account, nil
}

func (s *service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	account, err := s.repository.GetAccount(ctx, id)
	if err != nil {
		return nil, &AccountError{AccountID: id, Op: "get", Err: err}
	}
	return account, nil
}

func (s *service) ListAccounts(ctx context.Context, limit, offset int) ([]*Account, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset cannot be negative", ErrInvalidArgument)
	}
	accounts, err := s.repository.ListAccounts(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (s *service) ChangePlan(ctx context.Context, req ChangePlanRequest) (*AccountDelta, error) {
	account, err := s.repository.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, &AccountError{AccountID: req.AccountID, Op: "change_plan", Err: err}
	}
	if req.PlanID != nil {
		if _, err := s.repository.GetPlan(ctx, *req.PlanID); err != nil {
			return nil, &AccountError{AccountID: req.AccountID, Op: "change_plan", Err: err}
		}
	}

	previous := account.PlanID
	account.PlanID = req.PlanID
	account.UpdatedAt = s.clock.Now()
	if err := s.repository.UpdateAccount(ctx, account); err != nil {
		return nil, &AccountError{AccountID: req.AccountID, Op: "change_plan", Err: err}
	}
	// The projection depends on the entitlement, so the cached listing is
	// stale as soon as the plan reference changes.
	if err := s.listing.invalidate(ctx, account.ID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "account plan changed", "account_id", account.ID, "previous_plan_id", previous, "plan_id", req.PlanID, "skip_reconcile", req.SkipReconcile)
	if req.SkipReconcile {
		return &AccountDelta{AccountID: account.ID, PreviousPlanID: previous, PlanID: req.PlanID, Skipped: true}, nil
	}
	return s.reconciler.reconcileAccount(ctx, account.ID, false)
}

func (s *service) ResolveEntitlement(ctx context.Context, accountID uuid.UUID) (Entitlement, error) {
	_, ent, err := s.entitlements.resolve(ctx, accountID)
	return ent, err
}

// Image operations

func (s *service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	mimeType, ok := MimeTypeForFile(req.FileName)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported file extension %q, allowed: .png, .jpg, .jpeg", ErrInvalidArgument, path.Ext(req.FileName))
	}
	if req.Reader == nil {
		return nil, fmt.Errorf("%w: image data is required", ErrInvalidArgument)
	}
	if req.MimeType == "" {
		req.MimeType = mimeType
	}

	_, ent, err := s.entitlements.forWrite(ctx, req.OwnerID, "upload")
	if err != nil {
		return nil, err
	}

	image := &SourceImage{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		StorageBackend: s.defaultBackend,
		FileName:       path.Base(req.FileName),
		MimeType:       req.MimeType,
	}
	image.ObjectKey = s.keyGenerator.OriginalKey(image.ID, req.FileName)

	store := s.blobStores[s.defaultBackend]
	counter := &countingReader{r: req.Reader}
	if err := store.UploadWithParams(ctx, counter, UploadParams{ObjectKey: image.ObjectKey, MimeType: image.MimeType}); err != nil {
		return nil, &ImageError{ImageID: image.ID, Op: "upload", Err: &StorageError{Backend: s.defaultBackend, Key: image.ObjectKey, Op: "upload", Err: err}}
	}
	image.SizeBytes = counter.n
	image.CreatedAt = s.clock.Now()

	if err := s.repository.CreateImage(ctx, image); err != nil {
		return nil, &ImageError{ImageID: image.ID, Op: "upload", Err: err}
	}

	// The image row is durable before any unit referencing it is submitted.
	delta, err := s.reconciler.reconcileImage(ctx, image.ID, ent)
	if err != nil {
		s.logger.ErrorContext(ctx, "reconcile after upload failed", "image_id", image.ID, "owner_id", image.OwnerID, "error", err)
	}

	if err := s.listing.invalidate(ctx, image.OwnerID); err != nil {
		return nil, err
	}

	if err := s.eventSink.ImageUploaded(ctx, image); err != nil {
		s.logger.WarnContext(ctx, "upload event failed", "image_id", image.ID, "error", err)
	}
	return &UploadResult{Image: image, Delta: delta}, nil
}

func (s *service) GetImage(ctx context.Context, id uuid.UUID) (*SourceImage, error) {
	image, err := s.repository.GetImage(ctx, id)
	if err != nil {
		return nil, &ImageError{ImageID: id, Op: "get", Err: err}
	}
	return image, nil
}

func (s *service) GetListing(ctx context.Context, accountID uuid.UUID) ([]ImageView, error) {
	return s.listing.get(ctx, accountID)
}

// ownedImage loads an image and checks the requester owns it.
func (s *service) ownedImage(ctx context.Context, requesterID, imageID uuid.UUID, op string) (*SourceImage, error) {
	image, err := s.repository.GetImage(ctx, imageID)
	if err != nil {
		return nil, &ImageError{ImageID: imageID, Op: op, Err: err}
	}
	if image.OwnerID != requesterID {
		return nil, &ImageError{ImageID: imageID, Op: op, Err: fmt.Errorf("%w: not the owner", ErrForbidden)}
	}
	return image, nil
}

func (s *service) OpenThumbnail(ctx context.Context, requesterID, imageID uuid.UUID, size SizeClass) (io.ReadCloser, *Variant, error) {
	image, err := s.ownedImage(ctx, requesterID, imageID, "open_thumbnail")
	if err != nil {
		return nil, nil, err
	}
	_, ent, err := s.entitlements.forRead(ctx, image.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	if !ent.SizeClasses.Has(size) {
		return nil, nil, &ImageError{ImageID: imageID, Op: "open_thumbnail", Err: fmt.Errorf("%w: size %d not granted", ErrForbidden, size)}
	}
	variant, err := s.repository.GetVariant(ctx, imageID, size)
	if err != nil {
		return nil, nil, &ImageError{ImageID: imageID, Op: "open_thumbnail", Err: err}
	}
	rc, err := s.download(ctx, variant.StorageBackend, variant.ObjectKey)
	if err != nil {
		return nil, nil, &ImageError{ImageID: imageID, Op: "open_thumbnail", Err: err}
	}
	return rc, variant, nil
}

func (s *service) OpenOriginal(ctx context.Context, requesterID, imageID uuid.UUID) (io.ReadCloser, *SourceImage, error) {
	image, err := s.ownedImage(ctx, requesterID, imageID, "open_original")
	if err != nil {
		return nil, nil, err
	}
	_, ent, err := s.entitlements.forRead(ctx, image.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	if !ent.AllowOriginal {
		return nil, nil, &ImageError{ImageID: imageID, Op: "open_original", Err: fmt.Errorf("%w: original not granted", ErrForbidden)}
	}
	rc, err := s.download(ctx, image.StorageBackend, image.ObjectKey)
	if err != nil {
		return nil, nil, &ImageError{ImageID: imageID, Op: "open_original", Err: err}
	}
	return rc, image, nil
}

func (s *service) download(ctx context.Context, backend, key string) (io.ReadCloser, error) {
	store, name, err := s.generator.blobs.get(backend)
	if err != nil {
		return nil, err
	}
	rc, err := store.Download(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, &StorageError{Backend: name, Key: key, Op: "download", Err: err}
	}
	return rc, nil
}

// Reconciliation

// Reconcile submits whatever target grants that the image lacks. previous
// narrows nothing at this level: a size it already granted may still be
// absent after its unit gave up, and is submitted again.
func (s *service) Reconcile(ctx context.Context, imageID uuid.UUID, target, previous Entitlement) (*DeltaResult, error) {
	if _, err := s.repository.GetImage(ctx, imageID); err != nil {
		return nil, &ImageError{ImageID: imageID, Op: "reconcile", Err: err}
	}
	if target.SizeClasses == nil {
		target.SizeClasses = NewSizeSet()
	}
	if err := s.checkRegistered(ctx, target.SizeClasses); err != nil {
		return nil, &ImageError{ImageID: imageID, Op: "reconcile", Err: err}
	}
	return s.reconciler.reconcileImage(ctx, imageID, target)
}

// checkRegistered fails with ErrInvalidArgument on the first size that is
// not in the catalog.
func (s *service) checkRegistered(ctx context.Context, sizes SizeSet) error {
	if sizes.Len() == 0 {
		return nil
	}
	catalog, err := s.repository.ListSizeClassCatalog(ctx)
	if err != nil {
		return fmt.Errorf("list size classes: %w", err)
	}
	unknown := sizes.Difference(NewSizeSet(catalog...))
	if unknown.Len() > 0 {
		return fmt.Errorf("%w: size class %d is not registered", ErrInvalidArgument, unknown.Sorted()[0])
	}
	return nil
}

func (s *service) ReconcileAccount(ctx context.Context, accountID uuid.UUID) (*AccountDelta, error) {
	return s.reconciler.reconcileAccount(ctx, accountID, false)
}

func (s *service) ResyncAccount(ctx context.Context, accountID uuid.UUID) (*AccountDelta, error) {
	return s.reconciler.reconcileAccount(ctx, accountID, true)
}

// Lifecycle

func (s *service) Drain(ctx context.Context) error {
	return s.pool.drain(ctx)
}

func (s *service) Close(ctx context.Context) error {
	return s.pool.close(ctx)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

package simplevariants

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
)

const (
	listingBuildConcurrency = 8
	listingBuildTimeout     = 30 * time.Second
)

// MemoryListingCache is an in-process ListingCache.
type MemoryListingCache struct {
	mu          sync.Mutex
	clock       Clock
	generations map[uuid.UUID]int64
	entries     map[listingKey]listingEntry
}

type listingKey struct {
	accountID  uuid.UUID
	generation int64
}

type listingEntry struct {
	views     []ImageView
	expiresAt time.Time
}

// NewMemoryListingCache creates a cache; a nil clock uses wall time.
func NewMemoryListingCache(clock Clock) *MemoryListingCache {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryListingCache{
		clock:       clock,
		generations: make(map[uuid.UUID]int64),
		entries:     make(map[listingKey]listingEntry),
	}
}

func (c *MemoryListingCache) Generation(ctx context.Context, accountID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[accountID], nil
}

func (c *MemoryListingCache) Get(ctx context.Context, accountID uuid.UUID, generation int64) ([]ImageView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := listingKey{accountID, generation}
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return cloneViews(entry.views), true, nil
}

func (c *MemoryListingCache) Set(ctx context.Context, accountID uuid.UUID, generation int64, views []ImageView, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A fill for a generation that has already been invalidated is dropped.
	if generation != c.generations[accountID] {
		return nil
	}
	c.entries[listingKey{accountID, generation}] = listingEntry{
		views:     cloneViews(views),
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

func (c *MemoryListingCache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.generations[accountID]
	delete(c.entries, listingKey{accountID, gen})
	c.generations[accountID] = gen + 1
	return nil
}

// listing serves GetListing through the cache, collapsing concurrent misses
// for the same account generation into a single build.
type listing struct {
	repository   Repository
	cache        ListingCache
	entitlements *entitlementModel
	refs         refstrategy.Strategy
	ttl          time.Duration
	group        singleflight.Group
	metrics      *Metrics
	logger       *slog.Logger

	// repair is handed every image whose granted sizes are not all stored.
	repair func(imageID uuid.UUID, granted SizeSet)
}

func (l *listing) get(ctx context.Context, accountID uuid.UUID) ([]ImageView, error) {
	if _, err := l.repository.GetAccount(ctx, accountID); err != nil {
		return nil, &AccountError{AccountID: accountID, Op: "get_listing", Err: err}
	}

	gen, err := l.cache.Generation(ctx, accountID)
	if err != nil {
		l.logger.WarnContext(ctx, "listing cache unavailable, building uncached", "account_id", accountID, "error", err)
		l.metrics.ListingRequests.WithLabelValues("error").Inc()
		return l.build(ctx, accountID)
	}

	views, ok, err := l.cache.Get(ctx, accountID, gen)
	if err != nil {
		l.logger.WarnContext(ctx, "listing cache read failed", "account_id", accountID, "error", err)
	}
	if ok {
		l.metrics.ListingRequests.WithLabelValues("hit").Inc()
		return views, nil
	}
	l.metrics.ListingRequests.WithLabelValues("miss").Inc()

	// The shared build outlives any single caller; each caller still stops
	// waiting when its own context ends.
	ch := l.group.DoChan(fmt.Sprintf("%s:%d", accountID, gen), func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listingBuildTimeout)
		defer cancel()

		views, err := l.build(bctx, accountID)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(bctx, accountID, gen, views, l.ttl); err != nil {
			l.logger.WarnContext(bctx, "listing cache write failed", "account_id", accountID, "error", err)
		}
		return views, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneViews(res.Val.([]ImageView)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate must complete before the mutation that caused it is reported
// to the caller.
func (l *listing) invalidate(ctx context.Context, accountID uuid.UUID) error {
	if err := l.cache.Invalidate(ctx, accountID); err != nil {
		return &AccountError{AccountID: accountID, Op: "invalidate_listing", Err: err}
	}
	return nil
}

func (l *listing) build(ctx context.Context, accountID uuid.UUID) ([]ImageView, error) {
	_, ent, err := l.entitlements.forRead(ctx, accountID)
	if err != nil {
		return nil, err
	}
	images, err := l.repository.ListImagesByOwner(ctx, accountID)
	if err != nil {
		return nil, &AccountError{AccountID: accountID, Op: "list_images", Err: err}
	}

	views := make([]ImageView, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listingBuildConcurrency)
	for i, image := range images {
		g.Go(func() error {
			variants, err := l.repository.ListVariants(gctx, image.ID)
			if err != nil {
				return &ImageError{ImageID: image.ID, Op: "list_variants", Err: err}
			}
			views[i] = projectImage(image, variants, ent, l.refs)
			if l.repair != nil && len(views[i].Thumbnails) < ent.SizeClasses.Len() {
				l.repair(image.ID, ent.SizeClasses)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// projectImage keeps only what ent grants. Thumbnails are listed in
// ascending size order.
func projectImage(image *SourceImage, variants []*Variant, ent Entitlement, refs refstrategy.Strategy) ImageView {
	view := ImageView{
		ID:         image.ID,
		FileName:   image.FileName,
		CreatedAt:  image.CreatedAt,
		Thumbnails: make([]ThumbnailRef, 0, len(variants)),
	}
	for _, v := range variants {
		if !ent.SizeClasses.Has(v.SizeClass) {
			continue
		}
		view.Thumbnails = append(view.Thumbnails, ThumbnailRef{
			SizeClass: v.SizeClass,
			Ref:       refs.ThumbnailRef(image.ID, int(v.SizeClass), v.ObjectKey),
		})
	}
	sort.Slice(view.Thumbnails, func(i, j int) bool {
		return view.Thumbnails[i].SizeClass < view.Thumbnails[j].SizeClass
	})
	if ent.AllowOriginal {
		view.OriginalRef = refs.OriginalRef(image.ID, image.ObjectKey)
	}
	if ent.AllowExpiringLink {
		view.ExpiringLinkCreationRef = refs.LinkCreationRef(image.ID)
	}
	return view
}

func cloneViews(views []ImageView) []ImageView {
	if views == nil {
		return nil
	}
	out := make([]ImageView, len(views))
	for i, v := range views {
		out[i] = v
		out[i].Thumbnails = make([]ThumbnailRef, len(v.Thumbnails))
		copy(out[i].Thumbnails, v.Thumbnails)
	}
	return out
}

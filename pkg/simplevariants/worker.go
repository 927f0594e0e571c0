package simplevariants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/tendant/simple-variants/pkg/simplevariants/objectkey"
)

// WorkerConfig sizes the generation worker pool.
type WorkerConfig struct {
	// Workers is the number of goroutines rendering variants.
	Workers int
	// QueueSize bounds the number of queued generation units; Submit blocks
	// while the queue is full.
	QueueSize int
	// MaxAttempts bounds tries per unit, including the first.
	MaxAttempts uint
	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// FanOut bounds how many images of one account are reconciled at once
	// after a plan change.
	FanOut int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:        4,
		QueueSize:      256,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		FanOut:         8,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.FanOut <= 0 {
		c.FanOut = d.FanOut
	}
	return c
}

// blobStores resolves named storage backends.
type blobStores struct {
	stores      map[string]BlobStore
	defaultName string
}

func (b *blobStores) get(name string) (BlobStore, string, error) {
	if name == "" {
		name = b.defaultName
	}
	store, ok := b.stores[name]
	if !ok {
		return nil, name, fmt.Errorf("%w: %s", ErrStorageBackendNotFound, name)
	}
	return store, name, nil
}

// generator renders and stores variants. Every write to a variant row happens
// while holding that row's key lock.
type generator struct {
	repository Repository
	blobs      *blobStores
	renderer   Renderer
	keys       objectkey.Generator
	locks      KeyLocker
	events     EventSink
	metrics    *Metrics
	clock      Clock
	logger     *slog.Logger
	invalidate func(ctx context.Context, accountID uuid.UUID) error
}

// generate renders one thumbnail unless it already exists. created is false
// when another unit got there first.
func (g *generator) generate(ctx context.Context, imageID uuid.UUID, size SizeClass) (variant *Variant, created bool, err error) {
	unlock, err := g.locks.Lock(ctx, variantLockKey(imageID, size))
	if err != nil {
		return nil, false, transient(imageID, size, err)
	}
	defer unlock()

	existing, err := g.repository.GetVariant(ctx, imageID, size)
	if err == nil {
		g.metrics.GenerationSkipped.Inc()
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, transient(imageID, size, err)
	}

	image, source, err := g.readSource(ctx, imageID, size)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	data, err := g.renderer.Thumbnail(bytes.NewReader(source), int(size))
	if err != nil {
		return nil, false, terminal(imageID, size, err)
	}

	store, backend, err := g.blobs.get("")
	if err != nil {
		return nil, false, terminal(imageID, size, err)
	}
	key := g.keys.ThumbnailKey(imageID, int(size))
	if err := store.UploadWithParams(ctx, bytes.NewReader(data), UploadParams{ObjectKey: key, MimeType: "image/png"}); err != nil {
		return nil, false, transient(imageID, size, &StorageError{Backend: backend, Key: key, Op: "upload", Err: err})
	}

	now := g.clock.Now()
	variant = &Variant{
		ImageID:        imageID,
		SizeClass:      size,
		StorageBackend: backend,
		ObjectKey:      key,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.repository.UpsertVariant(ctx, variant); err != nil {
		return nil, false, transient(imageID, size, err)
	}
	g.metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	g.metrics.VariantsGenerated.Inc()

	if err := g.events.VariantGenerated(ctx, variant); err != nil {
		g.logger.WarnContext(ctx, "variant event failed", "image_id", imageID, "size", int(size), "error", err)
	}
	if err := g.invalidate(ctx, image.OwnerID); err != nil {
		g.logger.WarnContext(ctx, "listing invalidation failed", "account_id", image.OwnerID, "error", err)
	}
	return variant, true, nil
}

// readSource loads the image row and its original bytes. A missing row or
// blob is terminal; anything else may succeed later.
func (g *generator) readSource(ctx context.Context, imageID uuid.UUID, size SizeClass) (*SourceImage, []byte, error) {
	image, err := g.repository.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, terminal(imageID, size, err)
		}
		return nil, nil, transient(imageID, size, err)
	}

	store, backend, err := g.blobs.get(image.StorageBackend)
	if err != nil {
		return nil, nil, terminal(imageID, size, err)
	}
	rc, err := store.Download(ctx, image.ObjectKey)
	if err != nil {
		serr := &StorageError{Backend: backend, Key: image.ObjectKey, Op: "download", Err: err}
		if errors.Is(err, ErrBlobNotFound) {
			return nil, nil, terminal(imageID, size, serr)
		}
		return nil, nil, transient(imageID, size, serr)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, transient(imageID, size, &StorageError{Backend: backend, Key: image.ObjectKey, Op: "read", Err: err})
	}
	return image, data, nil
}

// remove deletes a variant row and its blob. The blob delete is best effort.
func (g *generator) remove(ctx context.Context, imageID uuid.UUID, size SizeClass) (bool, error) {
	unlock, err := g.locks.Lock(ctx, variantLockKey(imageID, size))
	if err != nil {
		return false, err
	}
	defer unlock()

	variant, err := g.repository.GetVariant(ctx, imageID, size)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := g.repository.RemoveVariant(ctx, imageID, size); err != nil {
		return false, err
	}
	if store, backend, err := g.blobs.get(variant.StorageBackend); err == nil {
		if err := store.Delete(ctx, variant.ObjectKey); err != nil {
			g.logger.WarnContext(ctx, "variant blob delete failed", "backend", backend, "object_key", variant.ObjectKey, "error", err)
		}
	}
	g.metrics.VariantsRemoved.Inc()
	return true, nil
}

// generateBinary renders a 1-bit copy of the image and stores it as a new
// artifact with a fresh random ID.
func (g *generator) generateBinary(ctx context.Context, imageID uuid.UUID, durationSeconds int) (*ExpiringArtifact, error) {
	_, source, err := g.readSource(ctx, imageID, 0)
	if err != nil {
		return nil, err
	}
	data, err := g.renderer.Binary(bytes.NewReader(source))
	if err != nil {
		return nil, terminal(imageID, 0, err)
	}

	store, backend, err := g.blobs.get("")
	if err != nil {
		return nil, terminal(imageID, 0, err)
	}
	artifact := &ExpiringArtifact{
		ID:              uuid.New(),
		ImageID:         imageID,
		StorageBackend:  backend,
		DurationSeconds: durationSeconds,
	}
	artifact.ObjectKey = g.keys.ArtifactKey(artifact.ID)
	if err := store.UploadWithParams(ctx, bytes.NewReader(data), UploadParams{ObjectKey: artifact.ObjectKey, MimeType: "image/png"}); err != nil {
		return nil, transient(imageID, 0, &StorageError{Backend: backend, Key: artifact.ObjectKey, Op: "upload", Err: err})
	}
	// The lifetime starts once the artifact is durable.
	artifact.CreatedAt = g.clock.Now()
	if err := g.repository.CreateArtifact(ctx, artifact); err != nil {
		return nil, transient(imageID, 0, err)
	}
	return artifact, nil
}

type generationTask struct {
	imageID uuid.UUID
	size    SizeClass
}

// pool runs generation units submitted by the reconciler. Submission never
// waits for completion; Drain does.
type pool struct {
	cfg       WorkerConfig
	generator *generator
	tasks     chan generationTask
	pending   *tracker
	events    EventSink
	metrics   *Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	queued    map[generationTask]struct{}
}

func newPool(cfg WorkerConfig, gen *generator, events EventSink, metrics *Metrics, logger *slog.Logger) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		cfg:       cfg,
		generator: gen,
		tasks:     make(chan generationTask, cfg.QueueSize),
		pending:   &tracker{},
		events:    events,
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queued:    make(map[generationTask]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// submit enqueues one unit, blocking while the queue is full. It reports
// false without error when the same unit is already queued or running.
func (p *pool) submit(ctx context.Context, task generationTask) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, ErrPoolClosed
	}
	if !p.claim(task) {
		return false, nil
	}

	p.pending.add()
	p.metrics.GenerationInFlight.Inc()
	select {
	case p.tasks <- task:
		return true, nil
	case <-ctx.Done():
	case <-p.ctx.Done():
	}
	p.release(task)
	p.pending.done()
	p.metrics.GenerationInFlight.Dec()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, ErrPoolClosed
}

func (p *pool) claim(task generationTask) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if _, ok := p.queued[task]; ok {
		return false
	}
	p.queued[task] = struct{}{}
	return true
}

func (p *pool) release(task generationTask) {
	p.pendingMu.Lock()
	delete(p.queued, task)
	p.pendingMu.Unlock()
}

// goBackground runs fn on its own goroutine with the pool's lifetime context.
// Drain and close wait for it.
func (p *pool) goBackground(fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.pending.add()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.done()
		fn(p.ctx)
	}()
	return nil
}

func (p *pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(task)
		p.release(task)
		p.metrics.GenerationInFlight.Dec()
		p.pending.done()
	}
}

func (p *pool) process(task generationTask) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	operation := func() (*Variant, error) {
		v, _, err := p.generator.generate(p.ctx, task.imageID, task.size)
		if err != nil && IsTerminal(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		p.metrics.GenerationRetries.Inc()
		p.logger.Debug("retrying variant generation", "image_id", task.imageID, "size", int(task.size), "next", next, "error", err)
	}

	_, err := backoff.Retry(p.ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return
	}

	kind := "transient"
	switch {
	case IsTerminal(err):
		kind = "terminal"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}
	p.metrics.GenerationFailures.WithLabelValues(kind).Inc()
	p.logger.Error("variant generation failed", "image_id", task.imageID, "size", int(task.size), "kind", kind, "error", err)
	if err := p.events.GenerationFailed(p.ctx, task.imageID, task.size, err); err != nil {
		p.logger.Warn("generation failure event failed", "image_id", task.imageID, "error", err)
	}
}

func (p *pool) drain(ctx context.Context) error {
	return p.pending.wait(ctx)
}

// close drains outstanding work until ctx is done, then cancels whatever is
// left and stops the workers.
func (p *pool) close(ctx context.Context) error {
	drainErr := p.drain(ctx)
	if drainErr != nil {
		p.cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return drainErr
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	return drainErr
}

// tracker counts outstanding units and background jobs.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package simplevariants_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/clock"
	"github.com/tendant/simple-variants/pkg/simplevariants/render"
	"github.com/tendant/simple-variants/pkg/simplevariants/repo/memory"
	memorystorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/memory"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc      simplevariants.Service
	repo     *memory.Repository
	blobs    *memorystorage.Backend
	clock    *clock.Fake
	metrics  *simplevariants.Metrics
	renderer *countingRenderer
	events   *recordingSink
}

// setupTestService wires a service on in-memory backends with fast retries.
// Extra options are applied last and may replace any default.
func setupTestService(t *testing.T, opts ...simplevariants.Option) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:     memory.New(),
		blobs:    memorystorage.New(),
		clock:    clock.NewFake(testEpoch),
		metrics:  simplevariants.NewMetrics(prometheus.NewRegistry()),
		renderer: &countingRenderer{inner: render.New()},
		events:   &recordingSink{},
	}

	options := []simplevariants.Option{
		simplevariants.WithRepository(env.repo),
		simplevariants.WithBlobStore("memory", env.blobs),
		simplevariants.WithClock(env.clock),
		simplevariants.WithMetrics(env.metrics),
		simplevariants.WithRenderer(env.renderer),
		simplevariants.WithEventSink(env.events),
		simplevariants.WithWorkerConfig(simplevariants.WorkerConfig{
			Workers:        4,
			QueueSize:      64,
			MaxAttempts:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			FanOut:         4,
		}),
	}
	svc, err := simplevariants.New(append(options, opts...)...)
	require.NoError(t, err)
	env.svc = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return env
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.svc.Drain(ctx))
}

func (e *testEnv) registerSizes(t *testing.T, sizes ...simplevariants.SizeClass) {
	t.Helper()
	for _, size := range sizes {
		require.NoError(t, e.svc.RegisterSizeClass(context.Background(), size))
	}
}

func (e *testEnv) createPlan(t *testing.T, name string, sizes []simplevariants.SizeClass, allowOriginal, allowLink bool) *simplevariants.Plan {
	t.Helper()
	plan, err := e.svc.CreatePlan(context.Background(), simplevariants.CreatePlanRequest{
		Name:              name,
		SizeClasses:       sizes,
		AllowOriginal:     allowOriginal,
		AllowExpiringLink: allowLink,
	})
	require.NoError(t, err)
	return plan
}

func (e *testEnv) createAccount(t *testing.T, name string, plan *simplevariants.Plan) *simplevariants.Account {
	t.Helper()
	req := simplevariants.CreateAccountRequest{Email: name + "@example.com", Name: name}
	if plan != nil {
		req.PlanID = &plan.ID
	}
	account, err := e.svc.CreateAccount(context.Background(), req)
	require.NoError(t, err)
	return account
}

func (e *testEnv) upload(t *testing.T, owner uuid.UUID, fileName string) *simplevariants.SourceImage {
	t.Helper()
	result, err := e.svc.Upload(context.Background(), simplevariants.UploadRequest{
		OwnerID:  owner,
		FileName: fileName,
		Reader:   bytes.NewReader(pngBytes(t, 400, 300)),
	})
	require.NoError(t, err)
	return result.Image
}

func (e *testEnv) sizesOf(t *testing.T, imageID uuid.UUID) []simplevariants.SizeClass {
	t.Helper()
	sizes, err := e.repo.ListSizeClasses(context.Background(), imageID)
	require.NoError(t, err)
	return sizes.Sorted()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sizes(s ...simplevariants.SizeClass) []simplevariants.SizeClass {
	return s
}

type countingRenderer struct {
	inner      simplevariants.Renderer
	thumbnails atomic.Int32
	binaries   atomic.Int32
}

func (r *countingRenderer) Thumbnail(src io.Reader, size int) ([]byte, error) {
	r.thumbnails.Add(1)
	return r.inner.Thumbnail(src, size)
}

func (r *countingRenderer) Binary(src io.Reader) ([]byte, error) {
	r.binaries.Add(1)
	return r.inner.Binary(src)
}

type recordingSink struct {
	simplevariants.NoopEventSink

	mu       sync.Mutex
	failures []error
	plans    []*simplevariants.AccountDelta
}

func (s *recordingSink) GenerationFailed(ctx context.Context, imageID uuid.UUID, size simplevariants.SizeClass, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
	return nil
}

func (s *recordingSink) PlanChanged(ctx context.Context, delta *simplevariants.AccountDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, delta)
	return nil
}

func (s *recordingSink) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

// flakyStore fails the first failures thumbnail uploads.
type flakyStore struct {
	*memorystorage.Backend
	failures atomic.Int32
}

var errFlaky = errors.New("connection reset")

func (f *flakyStore) UploadWithParams(ctx context.Context, reader io.Reader, params simplevariants.UploadParams) error {
	if strings.HasPrefix(params.ObjectKey, "thumbnails/") && f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return f.Backend.UploadWithParams(ctx, reader, params)
}

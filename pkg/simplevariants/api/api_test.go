package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/api"
	"github.com/tendant/simple-variants/pkg/simplevariants/clock"
	"github.com/tendant/simple-variants/pkg/simplevariants/repo/memory"
	memorystorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/memory"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	svc     simplevariants.Service
	auth    *jwtauth.JWTAuth
	clock   *clock.Fake
	admin   string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	fake := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	svc, err := simplevariants.New(
		simplevariants.WithRepository(memory.New()),
		simplevariants.WithBlobStore("memory", memorystorage.New()),
		simplevariants.WithClock(fake),
		simplevariants.WithMetrics(simplevariants.NewMetrics(reg)),
		simplevariants.WithWorkerConfig(simplevariants.WorkerConfig{
			Workers:        2,
			QueueSize:      32,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			FanOut:         2,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	auth := api.NewAuth("test-secret")
	handler, err := api.NewRouter(api.Config{Service: svc, Auth: auth, Gatherer: reg})
	require.NoError(t, err)

	s := &testServer{t: t, handler: handler, svc: svc, auth: auth, clock: fake}
	s.admin = s.token(map[string]interface{}{"sub": uuid.NewString(), "admin": true})
	return s
}

func (s *testServer) token(claims map[string]interface{}) string {
	s.t.Helper()
	_, tok, err := s.auth.Encode(claims)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) tokenFor(accountID string) string {
	return s.token(map[string]interface{}{"sub": accountID})
}

func (s *testServer) do(method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	return s.do(method, path, token, &buf, "application/json")
}

func (s *testServer) upload(token, fileName string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", fileName)
	require.NoError(s.t, err)
	_, err = part.Write(pngBytes(s.t, 320, 240))
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())
	return s.do(http.MethodPost, "/api/v1/images", token, &buf, mw.FormDataContentType())
}

func (s *testServer) drain() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(s.t, s.svc.Drain(ctx))
}

// seedAccount registers sizes 64 and 128, a plan with the given flags and an
// account on it, all through the admin routes.
func (s *testServer) seedAccount(name string, allowOriginal, allowLink bool) (accountID string, token string) {
	s.t.Helper()
	for _, size := range []int{64, 128} {
		rec := s.doJSON(http.MethodPost, "/api/v1/admin/size-classes", s.admin, map[string]int{"size": size})
		if rec.Code != http.StatusConflict {
			require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
		}
	}

	rec := s.doJSON(http.MethodPost, "/api/v1/admin/plans", s.admin, api.CreatePlanRequest{
		Name:              name + "-plan",
		SizeClasses:       []simplevariants.SizeClass{64, 128},
		AllowOriginal:     allowOriginal,
		AllowExpiringLink: allowLink,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan simplevariants.Plan
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &plan))

	rec = s.doJSON(http.MethodPost, "/api/v1/admin/accounts", s.admin, api.CreateAccountRequest{
		Email:  name + "@example.com",
		Name:   name,
		PlanID: &plan.ID,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var account simplevariants.Account
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &account))

	return account.ID.String(), s.tokenFor(account.ID.String())
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupServer(t)

	rec := s.do(http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simplevariants_variants_generated_total")
}

func TestUploadListAndDownload(t *testing.T) {
	s := setupServer(t)
	_, token := s.seedAccount("alice", false, false)

	rec := s.upload(token, "beach.png")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var uploaded api.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	assert.Equal(t, "beach.png", uploaded.FileName)
	assert.Equal(t, []simplevariants.SizeClass{64, 128}, uploaded.Pending)
	s.drain()

	rec = s.do(http.MethodGet, "/api/v1/images", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing api.ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Images, 1)
	view := listing.Images[0]
	assert.Equal(t, uploaded.ID, view.ID.String())
	require.Len(t, view.Thumbnails, 2)
	assert.Equal(t, "/api/v1/images/"+uploaded.ID+"/thumbnails/64", view.Thumbnails[0].Ref)
	assert.Empty(t, view.OriginalRef)
	assert.Empty(t, view.ExpiringLinkCreationRef)

	rec = s.do(http.MethodGet, view.Thumbnails[1].Ref, token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	thumb, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 128, thumb.Bounds().Dx())
	assert.Equal(t, 96, thumb.Bounds().Dy())

	rec = s.do(http.MethodGet, "/api/v1/images/"+uploaded.ID+"/thumbnails/256", token, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/images/"+uploaded.ID+"/original", token, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginalAllowed(t *testing.T) {
	s := setupServer(t)
	_, token := s.seedAccount("bob", true, false)

	rec := s.upload(token, "scan.JPG")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var uploaded api.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = s.do(http.MethodGet, "/api/v1/images/"+uploaded.ID+"/original", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, int(uploaded.SizeBytes), rec.Body.Len())
}

func TestExpiringLinks(t *testing.T) {
	s := setupServer(t)
	_, token := s.seedAccount("carol", false, true)

	rec := s.upload(token, "doc.png")
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded api.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	linksPath := "/api/v1/images/" + uploaded.ID + "/links"

	rec = s.doJSON(http.MethodPost, linksPath, token, api.CreateLinkRequest{Duration: 300})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var link api.LinkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, "/api/v1/links/"+link.ID, link.Link)

	// The link endpoint needs no token.
	rec = s.do(http.MethodGet, link.Link, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(rec.Body)
	require.NoError(t, err)

	s.clock.Advance(300 * time.Second)
	rec = s.do(http.MethodGet, link.Link, "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(time.Second)
	rec = s.do(http.MethodGet, link.Link, "", nil, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "expired", errorCode(t, rec))

	tests := []struct {
		name     string
		duration int
	}{
		{"below minimum", 299},
		{"above maximum", 30001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.doJSON(http.MethodPost, linksPath, token, api.CreateLinkRequest{Duration: tt.duration})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_argument", errorCode(t, rec))
		})
	}

	rec = s.do(http.MethodGet, "/api/v1/links/"+uuid.NewString(), "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkRequiresEntitlement(t *testing.T) {
	s := setupServer(t)
	_, token := s.seedAccount("dave", false, false)

	rec := s.upload(token, "a.png")
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded api.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = s.doJSON(http.MethodPost, "/api/v1/images/"+uploaded.ID+"/links", token, api.CreateLinkRequest{Duration: 600})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOwnership(t *testing.T) {
	s := setupServer(t)
	_, owner := s.seedAccount("erin", true, true)
	_, other := s.seedAccount("frank", true, true)

	rec := s.upload(owner, "mine.png")
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded api.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	s.drain()

	paths := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"thumbnail", http.MethodGet, "/api/v1/images/" + uploaded.ID + "/thumbnails/64", nil},
		{"original", http.MethodGet, "/api/v1/images/" + uploaded.ID + "/original", nil},
		{"link", http.MethodPost, "/api/v1/images/" + uploaded.ID + "/links", api.CreateLinkRequest{Duration: 600}},
	}
	for _, tt := range paths {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.doJSON(tt.method, tt.path, other, tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestRequestErrors(t *testing.T) {
	s := setupServer(t)
	_, token := s.seedAccount("gina", false, false)
	noPlan := s.doJSON(http.MethodPost, "/api/v1/admin/accounts", s.admin, api.CreateAccountRequest{Email: "henry@example.com", Name: "henry"})
	require.Equal(t, http.StatusCreated, noPlan.Code)
	var henry simplevariants.Account
	require.NoError(t, json.Unmarshal(noPlan.Body.Bytes(), &henry))

	t.Run("missing token", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/images", "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token with non-uuid subject", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/images", s.tokenFor("alice"), nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		rec := s.upload(token, "anim.gif")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), ".gif")
	})

	t.Run("missing file field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("name", "x"))
		require.NoError(t, mw.Close())
		rec := s.do(http.MethodPost, "/api/v1/images", token, &buf, mw.FormDataContentType())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("upload without plan", func(t *testing.T) {
		rec := s.upload(s.tokenFor(henry.ID.String()), "x.png")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid image id", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/images/not-a-uuid/original", token, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown image", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/images/"+uuid.NewString()+"/original", token, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid size", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/images/"+uuid.NewString()+"/thumbnails/zero", token, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminRoutes(t *testing.T) {
	s := setupServer(t)
	accountID, token := s.seedAccount("ivan", false, false)

	t.Run("non-admin token", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/admin/plans", token, nil, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("duplicate account", func(t *testing.T) {
		rec := s.doJSON(http.MethodPost, "/api/v1/admin/accounts", s.admin, api.CreateAccountRequest{Email: "IVAN@example.com", Name: "other"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "already_exists", errorCode(t, rec))
	})

	t.Run("plan with unregistered size", func(t *testing.T) {
		rec := s.doJSON(http.MethodPost, "/api/v1/admin/plans", s.admin, api.CreatePlanRequest{Name: "odd", SizeClasses: []simplevariants.SizeClass{999}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/v1/admin/plans", s.admin, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ivan-plan")

		rec = s.do(http.MethodGet, "/api/v1/admin/size-classes", s.admin, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"size_classes":[64,128]}`, rec.Body.String())
	})

	t.Run("change plan", func(t *testing.T) {
		rec := s.upload(token, "before.png")
		require.Equal(t, http.StatusCreated, rec.Code)
		s.drain()

		rec = s.doJSON(http.MethodPost, "/api/v1/admin/size-classes", s.admin, map[string]int{"size": 256})
		require.Equal(t, http.StatusCreated, rec.Code)
		rec = s.doJSON(http.MethodPost, "/api/v1/admin/plans", s.admin, api.CreatePlanRequest{
			Name:        "big",
			SizeClasses: []simplevariants.SizeClass{64, 128, 256},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		var big simplevariants.Plan
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &big))

		rec = s.doJSON(http.MethodPut, "/api/v1/admin/accounts/"+accountID+"/plan", s.admin, api.ChangePlanRequest{PlanID: &big.ID})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var delta simplevariants.AccountDelta
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &delta))
		assert.Equal(t, []simplevariants.SizeClass{256}, delta.Granted)
		assert.Equal(t, 1, delta.Images)
		s.drain()

		rec = s.do(http.MethodGet, "/api/v1/images", token, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var listing api.ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
		require.Len(t, listing.Images, 1)
		assert.Len(t, listing.Images[0].Thumbnails, 3)

		rec = s.do(http.MethodPost, "/api/v1/admin/accounts/"+accountID+"/resync", s.admin, nil, "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown account", func(t *testing.T) {
		rec := s.doJSON(http.MethodPut, "/api/v1/admin/accounts/"+uuid.NewString()+"/plan", s.admin, api.ChangePlanRequest{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "not_found"))
	})
}

package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhost/imagehost/internal/analysis"
)

type memRepo struct {
	mu          sync.Mutex
	images      map[string]Image
	order       []string
	createCalls int
	createErr   error
	seq         int
}

func newMemRepo() *memRepo {
	return &memRepo{images: map[string]Image{}}
}

func (r *memRepo) Create(_ context.Context, img *Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	r.seq++
	img.ID = fmt.Sprintf("img-%d", r.seq)
	img.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.images[img.ID] = *img
	r.order = append(r.order, img.ID)
	return nil
}

func (r *memRepo) Delete(_ context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok || img.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(r.images, id)
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (*Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &img, nil
}

func (r *memRepo) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*Image, error) {
	img, err := r.FindByID(ctx, id)
	if err != nil || img.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return img, nil
}

func (r *memRepo) ListByOwner(_ context.Context, ownerID string) ([]Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Image{}
	for _, id := range r.order {
		if img, ok := r.images[id]; ok && img.OwnerID == ownerID {
			out = append(out, img)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	uploadErr    error
	presignErr   error
	deleteErr    error
	presigns     int
	deletes      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (s *fakeStore) Upload(_ context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return "https://bucket.example/" + key, nil
}

func (s *fakeStore) PresignURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presigns++
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return fmt.Sprintf("https://signed.example/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, key)
	return nil
}

type fakeAnalyzer struct {
	result *analysis.Result
	err    error
	panics bool
	inputs []analysis.Input
}

func (a *fakeAnalyzer) Analyze(_ context.Context, in analysis.Input) (*analysis.Result, error) {
	a.inputs = append(a.inputs, in)
	if a.panics {
		panic("provider exploded")
	}
	return a.result, a.err
}

type fakeCache struct {
	urls    map[string]string
	ttls    map[string]time.Duration
	getErr  error
	evicted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{urls: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.getErr != nil {
		return "", false, c.getErr
	}
	u, ok := c.urls[key]
	return u, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, url string, ttl time.Duration) error {
	c.urls[key] = url
	c.ttls[key] = ttl
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	delete(c.urls, key)
	c.evicted = append(c.evicted, key)
	return nil
}

var fixedNow = time.Unix(1700000000, 0)

func newTestService(repo Repository, store *fakeStore, analyzer Analyzer, opts ...Option) *Service {
	base := []Option{WithClock(func() time.Time { return fixedNow })}
	svc := NewService(repo, store, analyzer, append(base, opts...)...)
	svc.token = func() string { return "0123456789abcdef0123456789abcdef" }
	return svc
}

func uploadReq(body string) UploadRequest {
	return UploadRequest{
		OwnerID:     "owner-a",
		Filename:    "cat.png",
		ContentType: "image/png",
		Body:        strings.NewReader(body),
	}
}

func TestUploadStoresDescription(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	analyzer := &fakeAnalyzer{result: &analysis.Result{Description: "a cat", Concepts: []analysis.Concept{}}}
	svc := newTestService(repo, store, analyzer)

	res, err := svc.Upload(context.Background(), uploadReq("pngdata"))
	require.NoError(t, err)
	require.NotNil(t, res.Image)

	img := res.Image
	assert.Equal(t, "img-1", img.ID)
	assert.Equal(t, "owner-a/1700000000_0123456789abcdef0123456789abcdef_cat.png", img.StorageKey)
	assert.Equal(t, int64(7), img.SizeBytes)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, "cat.png", img.OriginalFilename)
	require.NotNil(t, img.AIDescription)
	assert.Equal(t, "a cat", *img.AIDescription)

	assert.Equal(t, []byte("pngdata"), store.objects[img.StorageKey])
	assert.Equal(t, "image/png", store.contentTypes[img.StorageKey])

	require.Len(t, analyzer.inputs, 1)
	assert.Equal(t, []byte("pngdata"), analyzer.inputs[0].Bytes)
	assert.Equal(t, "https://signed.example/"+img.StorageKey+"?ttl=3600", analyzer.inputs[0].URL)
}

func TestUploadSucceedsDespiteAnalysisFailure(t *testing.T) {
	tests := []struct {
		name     string
		analyzer Analyzer
	}{
		{name: "fallback result", analyzer: &fakeAnalyzer{result: analysis.Fallback("Image analysis service is not available")}},
		{name: "fallback with description", analyzer: &fakeAnalyzer{result: &analysis.Result{Description: "stale", UsingFallback: true}}},
		{name: "error", analyzer: &fakeAnalyzer{err: errors.New("provider down")}},
		{name: "panic", analyzer: &fakeAnalyzer{panics: true}},
		{name: "no analyzer", analyzer: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			svc := newTestService(repo, newFakeStore(), tt.analyzer)

			res, err := svc.Upload(context.Background(), uploadReq("data"))
			require.NoError(t, err)
			require.NotNil(t, res.Image)
			assert.Nil(t, res.Image.AIDescription)
			assert.Equal(t, 1, repo.createCalls)
		})
	}
}

func TestUploadReportsAnalysisErrorOnResult(t *testing.T) {
	svc := newTestService(newMemRepo(), newFakeStore(), &fakeAnalyzer{panics: true})

	res, err := svc.Upload(context.Background(), uploadReq("data"))
	require.NoError(t, err)
	require.Error(t, res.AnalysisErr)
	assert.Contains(t, res.AnalysisErr.Error(), "provider exploded")
}

func TestUploadFailsAtomicallyOnStorageFailure(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	store.uploadErr = errors.New("bucket quota exceeded")
	analyzer := &fakeAnalyzer{result: &analysis.Result{Description: "a cat"}}
	svc := newTestService(repo, store, analyzer)

	res, err := svc.Upload(context.Background(), uploadReq("data"))
	require.Nil(t, res)
	require.Error(t, err)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpUpload, se.Op)
	assert.Equal(t, "Image upload failed: bucket quota exceeded", err.Error())
	assert.Zero(t, repo.createCalls)
	assert.Empty(t, analyzer.inputs)
	assert.Zero(t, store.presigns)
}

func TestUploadContinuesWithoutPresignedURL(t *testing.T) {
	store := newFakeStore()
	store.presignErr = errors.New("signer unavailable")
	analyzer := &fakeAnalyzer{result: &analysis.Result{Description: "a dog"}}
	svc := newTestService(newMemRepo(), store, analyzer)

	res, err := svc.Upload(context.Background(), uploadReq("data"))
	require.NoError(t, err)
	require.Error(t, res.PresignErr)
	require.Len(t, analyzer.inputs, 1)
	assert.Empty(t, analyzer.inputs[0].URL)
	assert.Equal(t, []byte("data"), analyzer.inputs[0].Bytes)
	require.NotNil(t, res.Image.AIDescription)
}

func TestUploadPropagatesPersistenceFailure(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = errors.New("connection reset")
	svc := newTestService(repo, newFakeStore(), &fakeAnalyzer{result: analysis.Fallback("x")})

	_, err := svc.Upload(context.Background(), uploadReq("data"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

// ctxRepo refuses to persist once the caller's context is done.
type ctxRepo struct {
	*memRepo
}

func (r ctxRepo) Create(ctx context.Context, img *Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memRepo.Create(ctx, img)
}

type cancellingAnalyzer struct {
	cancel context.CancelFunc
	ctxErr error
}

func (a *cancellingAnalyzer) Analyze(ctx context.Context, _ analysis.Input) (*analysis.Result, error) {
	a.cancel()
	a.ctxErr = ctx.Err()
	return analysis.Fallback("client went away"), nil
}

func TestUploadPersistsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, store := newMemRepo(), newFakeStore()
	analyzer := &cancellingAnalyzer{cancel: cancel}
	svc := newTestService(ctxRepo{repo}, store, analyzer)

	res, err := svc.Upload(ctx, uploadReq("data"))
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	require.Error(t, ctx.Err())
	assert.NoError(t, analyzer.ctxErr)
	assert.Len(t, store.objects, 1)
	assert.Len(t, repo.images, 1)
	assert.Contains(t, store.objects, res.Image.StorageKey)
}

func TestUploadValidation(t *testing.T) {
	svc := newTestService(newMemRepo(), newFakeStore(), nil)

	req := uploadReq("data")
	req.OwnerID = ""
	_, err := svc.Upload(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidUpload)
	assert.EqualError(t, err, "invalid upload: owner is required")

	req = uploadReq("data")
	req.Body = nil
	_, err = svc.Upload(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidUpload)
	assert.EqualError(t, err, "invalid upload: file is required")

	_, err = svc.Upload(context.Background(), uploadReq(""))
	require.ErrorIs(t, err, ErrInvalidUpload)
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	svc := newTestService(repo, store, nil, WithMaxBytes(4))

	_, err := svc.Upload(context.Background(), UploadRequest{
		OwnerID:     "owner-a",
		Filename:    "big.png",
		ContentType: "image/png",
		Body:        bytes.NewReader(make([]byte, 5)),
	})
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, store.objects)
	assert.Zero(t, repo.createCalls)

	res, err := svc.Upload(context.Background(), UploadRequest{
		OwnerID:     "owner-a",
		Filename:    "ok.png",
		ContentType: "image/png",
		Body:        bytes.NewReader(make([]byte, 4)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Image.SizeBytes)
}

func TestStorageKeysAreDistinct(t *testing.T) {
	svc := NewService(newMemRepo(), newFakeStore(), nil)
	a := svc.storageKey("owner", "x.png")
	b := svc.storageKey("owner", "x.png")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "owner/"))
	assert.True(t, strings.HasSuffix(a, "_x.png"))
}

func seedImage(t *testing.T, svc *Service, owner string) *Image {
	t.Helper()
	req := uploadReq("data")
	req.OwnerID = owner
	res, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)
	return res.Image
}

func TestOwnershipIsolation(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	svc := newTestService(repo, store, nil)
	ctx := context.Background()

	owned := seedImage(t, svc, "owner-b")

	_, err := svc.Get(ctx, "owner-a", owned.ID)
	require.ErrorIs(t, err, ErrNotFound)

	err = svc.Delete(ctx, "owner-a", owned.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "Unauthorized to delete this image.", err.Error())
	assert.Zero(t, store.deletes)

	got, err := svc.Get(ctx, "owner-b", owned.ID)
	require.NoError(t, err)
	assert.Equal(t, owned.ID, got.ID)

	list, err := svc.List(ctx, "owner-a")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteNotFound(t *testing.T) {
	svc := newTestService(newMemRepo(), newFakeStore(), nil)
	err := svc.Delete(context.Background(), "owner-a", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Image not found.", err.Error())
}

func TestDeleteKeepsRecordWhenStorageFails(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	svc := newTestService(repo, store, nil)
	ctx := context.Background()

	img := seedImage(t, svc, "owner-a")
	store.deleteErr = errors.New("access denied")

	err := svc.Delete(ctx, "owner-a", img.ID)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "S3 delete failed: access denied", err.Error())

	list, err := svc.List(ctx, "owner-a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, img.ID, list[0].ID)
}

func TestDeleteRemovesObjectThenRecord(t *testing.T) {
	repo, store := newMemRepo(), newFakeStore()
	cache := newFakeCache()
	svc := newTestService(repo, store, nil, WithURLCache(cache))
	ctx := context.Background()

	img := seedImage(t, svc, "owner-a")
	require.NoError(t, svc.Delete(ctx, "owner-a", img.ID))

	assert.NotContains(t, store.objects, img.StorageKey)
	_, err := svc.Get(ctx, "owner-a", img.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{img.StorageKey}, cache.evicted)
}

func TestListReturnsOwnedImagesInOrder(t *testing.T) {
	svc := newTestService(newMemRepo(), newFakeStore(), nil)
	first := seedImage(t, svc, "owner-a")
	seedImage(t, svc, "owner-b")
	second := seedImage(t, svc, "owner-a")

	list, err := svc.List(context.Background(), "owner-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestDisplayURLUsesCache(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	svc := newTestService(newMemRepo(), store, nil, WithURLCache(cache), WithDisplayTTL(10*time.Minute))
	img := &Image{StorageKey: "owner-a/1_x_cat.png"}

	u, err := svc.DisplayURL(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/owner-a/1_x_cat.png?ttl=600", u)
	assert.Equal(t, 5*time.Minute, cache.ttls[img.StorageKey])

	again, err := svc.DisplayURL(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, u, again)
	assert.Equal(t, 1, store.presigns)
}

func TestDisplayURLIgnoresCacheFailure(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	svc := newTestService(newMemRepo(), store, nil, WithURLCache(cache))

	u, err := svc.DisplayURL(context.Background(), &Image{StorageKey: "k"})
	require.NoError(t, err)
	assert.NotEmpty(t, u)
}

func TestUploadMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("test", reg)
	require.NoError(t, err)

	store := newFakeStore()
	svc := newTestService(newMemRepo(), store, &fakeAnalyzer{result: &analysis.Result{Description: "a cat"}}, WithMetrics(m))
	ctx := context.Background()

	_, err = svc.Upload(ctx, uploadReq("data"))
	require.NoError(t, err)

	store.uploadErr = errors.New("down")
	_, err = svc.Upload(ctx, uploadReq("data"))
	require.Error(t, err)

	require.ErrorIs(t, svc.Delete(ctx, "owner-a", "nope"), ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues(outcomeStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues(outcomeStorageFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analysis.WithLabelValues(analysisDescribed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deletes.WithLabelValues("not_found")))

	again, err := NewMetrics("test", reg)
	require.NoError(t, err)
	assert.Same(t, m.uploads, again.uploads)
}

package image

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhost/imagehost/internal/analysis"
	"github.com/lumenhost/imagehost/internal/middleware"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type handlerFixture struct {
	repo    *memRepo
	store   *fakeStore
	svc     *Service
	handler http.Handler
}

func newHandlerFixture(t *testing.T, opts ...Option) *handlerFixture {
	t.Helper()
	repo, store := newMemRepo(), newFakeStore()
	svc := newTestService(repo, store, &fakeAnalyzer{result: &analysis.Result{Description: "a cat"}}, opts...)
	return &handlerFixture{
		repo:    repo,
		store:   store,
		svc:     svc,
		handler: NewHandler(svc, nil).Routes(),
	}
}

func (f *handlerFixture) do(t *testing.T, req *http.Request, owner string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	if owner != "" {
		req = req.WithContext(middleware.WithUserID(req.Context(), owner))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func multipartUpload(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandlerUpload(t *testing.T) {
	f := newHandlerFixture(t)

	rec, env := f.do(t, multipartUpload(t, "file", "cat.png", "image/png", []byte("pngdata")), "owner-a")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, env.Success)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "img-1", got["id"])
	assert.Equal(t, "cat.png", got["originalFilename"])
	assert.Equal(t, "owner-a", got["ownerId"])
	assert.Equal(t, 7.0, got["sizeBytes"])
	assert.Equal(t, "image/png", got["contentType"])
	assert.Equal(t, "a cat", got["aiDescription"])
	assert.Contains(t, got["url"], "https://signed.example/owner-a/")
	assert.NotContains(t, got, "storageKey")
}

func TestHandlerUploadRequiresFile(t *testing.T) {
	f := newHandlerFixture(t)

	rec, env := f.do(t, multipartUpload(t, "photo", "cat.png", "image/png", []byte("x")), "owner-a")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file provided.", env.Error)
	assert.Zero(t, f.repo.createCalls)
}

func TestHandlerUploadHidesValidatorDetails(t *testing.T) {
	f := newHandlerFixture(t)
	name := strings.Repeat("a", 252) + ".png"

	rec, env := f.do(t, multipartUpload(t, "file", name, "image/png", []byte("x")), "owner-a")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid upload: filename is too long", env.Error)
	assert.NotContains(t, env.Error, "UploadRequest")
	assert.Empty(t, f.store.objects)
}

func TestHandlerUploadTooLarge(t *testing.T) {
	f := newHandlerFixture(t, WithMaxBytes(16))

	rec, env := f.do(t, multipartUpload(t, "file", "big.png", "image/png", make([]byte, 64)), "owner-a")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, env.Success)
	assert.Empty(t, f.store.objects)
}

func TestIsBodyTooLarge(t *testing.T) {
	wrapped := fmt.Errorf("multipart: NextPart: %w", &http.MaxBytesError{Limit: 16})
	assert.True(t, isBodyTooLarge(wrapped))
	assert.False(t, isBodyTooLarge(errors.New("request body too large")))
}

func TestHandlerUploadStorageFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.uploadErr = errors.New("bucket missing")

	rec, env := f.do(t, multipartUpload(t, "file", "cat.png", "image/png", []byte("x")), "owner-a")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Image upload failed: bucket missing", env.Error)
}

func TestHandlerRequiresIdentity(t *testing.T) {
	f := newHandlerFixture(t)
	rec, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerGetAndList(t *testing.T) {
	f := newHandlerFixture(t)
	img := seedImage(t, f.svc, "owner-a")

	rec, env := f.do(t, httptest.NewRequest(http.MethodGet, "/"+img.ID, nil), "owner-a")
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, img.ID, view["id"])

	rec, env = f.do(t, httptest.NewRequest(http.MethodGet, "/"+img.ID, nil), "owner-b")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Image not found.", env.Error)

	rec, env = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), "owner-a")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	rec, env = f.do(t, httptest.NewRequest(http.MethodGet, "/", nil), "owner-b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestHandlerDelete(t *testing.T) {
	f := newHandlerFixture(t)
	img := seedImage(t, f.svc, "owner-a")

	rec, env := f.do(t, httptest.NewRequest(http.MethodDelete, "/"+img.ID, nil), "owner-b")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Unauthorized to delete this image.", env.Error)

	f.store.deleteErr = errors.New("timeout")
	rec, env = f.do(t, httptest.NewRequest(http.MethodDelete, "/"+img.ID, nil), "owner-a")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "S3 delete failed: timeout", env.Error)

	f.store.deleteErr = nil
	rec, env = f.do(t, httptest.NewRequest(http.MethodDelete, "/"+img.ID, nil), "owner-a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Image deleted successfully."}`, string(env.Data))

	rec, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/"+img.ID, nil), "owner-a")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

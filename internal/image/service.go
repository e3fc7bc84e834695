package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhost/imagehost/internal/analysis"
	"github.com/lumenhost/imagehost/internal/storage"
)

const (
	// AnalysisURLTTL is the lifetime of the presigned URL handed to the vision provider.
	AnalysisURLTTL = 3600 * time.Second

	DefaultMaxBytes   int64 = 10 << 20
	DefaultDisplayTTL       = time.Hour
)

// Analyzer produces an analysis result for an uploaded image.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// UploadRequest is a validated image upload.
type UploadRequest struct {
	OwnerID     string    `validate:"required"`
	Filename    string    `validate:"required,max=255"`
	ContentType string    `validate:"required"`
	Body        io.Reader `validate:"required"`
}

// UploadResult carries the stored image and the soft failures met along the way.
type UploadResult struct {
	Image       *Image
	Analysis    *analysis.Result
	AnalysisErr error
	PresignErr  error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithURLCache caches presigned display URLs.
func WithURLCache(c URLCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMetrics records pipeline outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxBytes caps the size of a single upload.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithDisplayTTL sets the lifetime of presigned URLs returned to clients.
func WithDisplayTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.displayTTL = ttl
		}
	}
}

// WithClock overrides the time source used for storage keys.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service orchestrates image uploads, reads and deletes.
type Service struct {
	repo     Repository
	store    storage.Storage
	analyzer Analyzer

	cache      URLCache
	metrics    *Metrics
	log        *zap.Logger
	validate   *validator.Validate
	maxBytes   int64
	displayTTL time.Duration
	now        func() time.Time
	token      func() string
}

// NewService creates an image Service. analyzer may be nil, in which case
// every upload is stored without a description.
func NewService(repo Repository, store storage.Storage, analyzer Analyzer, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		store:      store,
		analyzer:   analyzer,
		log:        zap.NewNop(),
		validate:   validator.New(),
		maxBytes:   DefaultMaxBytes,
		displayTTL: DefaultDisplayTTL,
		now:        time.Now,
		token:      randomToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxBytes is the largest accepted upload.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Upload stores the image, asks the analyzer for a description and persists the
// record. Only validation, storage and persistence failures are returned as
// errors; analysis problems are reported on the result.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := s.validate.Struct(req); err != nil {
		s.log.Warn("upload rejected", zap.String("owner_id", req.OwnerID), zap.Error(err))
		s.metrics.upload(outcomeInvalid)
		return nil, fmt.Errorf("%w: %s", ErrInvalidUpload, validationMessage(err))
	}

	key := s.storageKey(req.OwnerID, req.Filename)
	log := s.log.With(zap.String("owner_id", req.OwnerID), zap.String("key", key))

	data, err := io.ReadAll(io.LimitReader(req.Body, s.maxBytes+1))
	if err != nil {
		log.Warn("read upload body failed", zap.Error(err))
		s.metrics.upload(outcomeInvalid)
		return nil, fmt.Errorf("%w: could not read file", ErrInvalidUpload)
	}
	if int64(len(data)) > s.maxBytes {
		s.metrics.upload(outcomeTooLarge)
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		s.metrics.upload(outcomeInvalid)
		return nil, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	size := int64(len(data))

	if _, err := s.store.Upload(ctx, key, bytes.NewReader(data), size, req.ContentType); err != nil {
		log.Error("storage upload failed", zap.Error(err))
		s.metrics.upload(outcomeStorageFailed)
		return nil, &StorageError{Op: OpUpload, Err: err}
	}

	// The object exists now; a disconnecting client must not leave it without a record.
	ctx = context.WithoutCancel(ctx)

	result := &UploadResult{}

	analysisURL, err := s.store.PresignURL(ctx, key, AnalysisURLTTL)
	if err != nil {
		log.Warn("presign for analysis failed", zap.Error(err))
		result.PresignErr = err
		analysisURL = ""
	}

	result.Analysis, result.AnalysisErr = s.analyze(ctx, analysis.Input{Bytes: data, URL: analysisURL})

	img := &Image{
		StorageKey:       key,
		OriginalFilename: req.Filename,
		OwnerID:          req.OwnerID,
		SizeBytes:        size,
		ContentType:      req.ContentType,
	}
	switch {
	case result.AnalysisErr != nil:
		log.Warn("image analysis failed", zap.Error(result.AnalysisErr))
		s.metrics.analyzed(analysisError)
	case result.Analysis.Described():
		desc := result.Analysis.Description
		img.AIDescription = &desc
		log.Info("generated ai description", zap.String("description", desc))
		s.metrics.analyzed(analysisDescribed)
	default:
		if result.Analysis != nil {
			log.Warn("image analysis fell back", zap.String("error", result.Analysis.Error))
		}
		s.metrics.analyzed(analysisFallback)
	}

	if err := s.repo.Create(ctx, img); err != nil {
		log.Error("persist image failed", zap.Error(err))
		s.metrics.upload(outcomePersistFailed)
		return nil, fmt.Errorf("persist image: %w", err)
	}

	s.metrics.upload(outcomeStored)
	result.Image = img
	return result, nil
}

// analyze runs the analyzer and turns a panic into an error.
func (s *Service) analyze(ctx context.Context, in analysis.Input) (res *analysis.Result, err error) {
	if s.analyzer == nil {
		return analysis.Fallback("Image analysis service is not available"), nil
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("analyzer panic: %v", r)
		}
	}()
	return s.analyzer.Analyze(ctx, in)
}

// Delete removes an image owned by ownerID. The record is kept when the object
// cannot be removed from storage.
func (s *Service) Delete(ctx context.Context, ownerID, id string) (err error) {
	defer func() { s.metrics.deleted(err) }()

	img, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if img.OwnerID != ownerID {
		return ErrUnauthorized
	}

	if err := s.store.Delete(ctx, img.StorageKey); err != nil {
		s.log.Error("storage delete failed", zap.String("id", id), zap.String("key", img.StorageKey), zap.Error(err))
		return &StorageError{Op: OpDelete, Err: err}
	}

	if err := s.repo.Delete(ctx, img.ID, ownerID); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, img.StorageKey); err != nil {
			s.log.Warn("evict cached url failed", zap.String("key", img.StorageKey), zap.Error(err))
		}
	}
	return nil
}

// Get returns an image only when ownerID owns it; otherwise ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Image, error) {
	return s.repo.FindByIDAndOwner(ctx, id, ownerID)
}

// List returns all images owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID string) ([]Image, error) {
	images, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// DisplayURL returns a presigned URL for showing img to its owner.
func (s *Service) DisplayURL(ctx context.Context, img *Image) (string, error) {
	if s.cache != nil {
		u, ok, err := s.cache.Get(ctx, img.StorageKey)
		if err != nil {
			s.log.Warn("read cached url failed", zap.String("key", img.StorageKey), zap.Error(err))
		} else if ok {
			return u, nil
		}
	}

	u, err := s.store.PresignURL(ctx, img.StorageKey, s.displayTTL)
	if err != nil {
		return "", fmt.Errorf("presign display url: %w", err)
	}

	if s.cache != nil {
		// Expire well before the signature does.
		if err := s.cache.Set(ctx, img.StorageKey, u, s.displayTTL/2); err != nil {
			s.log.Warn("cache url failed", zap.String("key", img.StorageKey), zap.Error(err))
		}
	}
	return u, nil
}

// IsNotFound reports whether err means the image is missing or not visible.
func (s *Service) IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (s *Service) storageKey(ownerID, filename string) string {
	return fmt.Sprintf("%s/%d_%s_%s", ownerID, s.now().Unix(), s.token(), filename)
}

var uploadFieldNames = map[string]string{
	"OwnerID":     "owner",
	"Filename":    "filename",
	"ContentType": "content type",
	"Body":        "file",
}

// validationMessage turns validator output into text fit for clients.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "malformed request"
	}
	fe := ve[0]
	name, ok := uploadFieldNames[fe.StructField()]
	if !ok {
		name = strings.ToLower(fe.StructField())
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "max":
		return name + " is too long"
	default:
		return name + " is invalid"
	}
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

package image

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumenhost/imagehost/internal/logging"
	"github.com/lumenhost/imagehost/internal/middleware"
	"github.com/lumenhost/imagehost/internal/response"
)

const (
	formField = "file"

	// multipartOverhead allows for boundaries and part headers on top of the file.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
)

// View is an image as returned to its owner, with a short-lived display URL.
type View struct {
	Image
	URL string `json:"url,omitempty"`
}

// Handler holds HTTP handlers for image endpoints.
type Handler struct {
	svc *Service
	log *zap.Logger
}

// NewHandler creates a new image Handler.
func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logging.OrNop(log)}
}

// Routes returns the image router. uploadMiddleware wraps only the upload route.
func (h *Handler) Routes(uploadMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(uploadMiddleware...).Post("/upload", h.Upload)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	return r
}

// Upload godoc
//
//	@Summary		Upload an image
//	@Description	Stores the image, asks the vision provider for a description and returns the new asset.
//	@Tags			images
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			file	formData	file	true	"Image file"
//	@Success		201		{object}	response.Envelope{data=View}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		413		{object}	response.Envelope
//	@Failure		429		{object}	response.Envelope
//	@Failure		502		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/images/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			response.TooLarge(w, ErrTooLarge.Error())
			return
		}
		response.BadRequest(w, "No file provided.")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(formField)
	if err != nil {
		response.BadRequest(w, "No file provided.")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	res, err := h.svc.Upload(r.Context(), UploadRequest{
		OwnerID:     ownerID,
		Filename:    header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.Created(w, h.view(r.Context(), res.Image))
}

// List godoc
//
//	@Summary		List images
//	@Description	Returns every image owned by the caller.
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	response.Envelope{data=[]View}
//	@Failure		401	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/images [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	images, err := h.svc.List(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]View, 0, len(images))
	for i := range images {
		views = append(views, h.view(r.Context(), &images[i]))
	}
	response.OK(w, views)
}

// Get godoc
//
//	@Summary		Get an image
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Image ID"
//	@Success		200	{object}	response.Envelope{data=View}
//	@Failure		401	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/images/{id} [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	img, err := h.svc.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, h.view(r.Context(), img))
}

// Delete godoc
//
//	@Summary		Delete an image
//	@Description	Removes the stored object, then the record. The record is kept if storage deletion fails.
//	@Tags			images
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"Image ID"
//	@Success		200	{object}	response.Envelope{data=response.Message}
//	@Failure		401	{object}	response.Envelope
//	@Failure		403	{object}	response.Envelope
//	@Failure		404	{object}	response.Envelope
//	@Failure		502	{object}	response.Envelope
//	@Router			/images/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.UserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	if err := h.svc.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, response.Message{Message: "Image deleted successfully."})
}

func (h *Handler) view(ctx context.Context, img *Image) View {
	v := View{Image: *img}
	u, err := h.svc.DisplayURL(ctx, img)
	if err != nil {
		h.log.Warn("display url unavailable", zap.String("id", img.ID), zap.Error(err))
		return v
	}
	v.URL = u
	return v
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var se *StorageError
	switch {
	case errors.Is(err, ErrInvalidUpload):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrTooLarge):
		response.TooLarge(w, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, ErrNotFound.Error())
	case errors.Is(err, ErrUnauthorized):
		response.Forbidden(w, ErrUnauthorized.Error())
	case errors.As(err, &se):
		response.BadGateway(w, se.Error())
	default:
		h.log.Error("image request failed", zap.Error(err))
		response.InternalError(w)
	}
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

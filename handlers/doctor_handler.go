package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/media"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/store"
)

const (
	doctorsCacheKey = "doctors:list"
	doctorsCacheTTL = 5 * time.Minute
)

type DoctorHandler struct {
	logger  *zap.Logger
	doctors DoctorStore
	photos  PhotoStorage
	cache   *cache.Cache
	gate    *auth.Gate
}

type CreateDoctorRequest struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	Specialty     string `json:"specialty" validate:"required"`
	Qualification string `json:"qualification"`
	Fee           int64  `json:"fee" validate:"gte=0"`
}

// NewDoctorHandler builds the handler. photos may be nil when object
// storage is not configured; uploads then report StoreUnavailable.
func NewDoctorHandler(logger *zap.Logger, doctors DoctorStore, photos PhotoStorage, c *cache.Cache, gate *auth.Gate) *DoctorHandler {
	return &DoctorHandler{
		logger:  logger,
		doctors: doctors,
		photos:  photos,
		cache:   c,
		gate:    gate,
	}
}

func (h *DoctorHandler) ListDoctors(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var doctors []models.Doctor
	if err := h.cache.Get(ctx, doctorsCacheKey, &doctors); err == nil {
		return c.JSON(doctors)
	} else if !errors.Is(err, cache.ErrMiss) {
		h.logger.Warn("doctor cache read failed", zap.Error(err))
	}

	doctors, err := h.doctors.List(ctx)
	if err != nil {
		h.logger.Error("failed to list doctors", zap.Error(err))
		return err
	}
	if doctors == nil {
		doctors = []models.Doctor{}
	}
	if err := h.cache.Set(ctx, doctorsCacheKey, doctors, doctorsCacheTTL); err != nil {
		h.logger.Warn("doctor cache write failed", zap.Error(err))
	}
	return c.JSON(doctors)
}

// CreateDoctor adds a doctor. Admin only.
func (h *DoctorHandler) CreateDoctor(c *fiber.Ctx) error {
	if err := h.gate.AuthorizeRole(middleware.Claims(c), models.RoleAdmin); err != nil {
		return err
	}

	var req CreateDoctorRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}

	d := &models.Doctor{
		ID:            uuid.New().String(),
		Name:          strings.TrimSpace(req.Name),
		Email:         models.NormalizeEmail(req.Email),
		Specialty:     strings.TrimSpace(req.Specialty),
		Qualification: strings.TrimSpace(req.Qualification),
		Fee:           req.Fee,
		CreatedAt:     time.Now().UTC(),
	}
	ctx := c.UserContext()
	if err := h.doctors.Insert(ctx, d); err != nil {
		h.logger.Error("failed to insert doctor", zap.String("email", d.Email), zap.Error(err))
		return err
	}
	h.invalidate(c)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"acknowledged": true, "insertedId": d.ID})
}

// UploadPhoto replaces a doctor's photo with a normalized 512x512 JPEG.
// Admins can upload for anyone; doctors only for their own record.
func (h *DoctorHandler) UploadPhoto(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if err := h.gate.AuthorizeRole(claims, models.RoleAdmin, models.RoleDoctor); err != nil {
		return err
	}

	ctx := c.UserContext()
	id := c.Params("id")
	d, err := h.doctors.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.Newf(apierr.NotFound, "doctor %s does not exist", id)
	}
	if err != nil {
		return err
	}
	if claims.Role == models.RoleDoctor {
		if err := h.gate.AuthorizeOwner(claims, d.Email); err != nil {
			return err
		}
	}

	if h.photos == nil {
		return apierr.New(apierr.StoreUnavailable, "photo storage is not configured")
	}

	file, err := c.FormFile("photo")
	if err != nil {
		return badRequest("no file uploaded")
	}
	if file.Size > media.MaxFileSize {
		return badRequest(fmt.Sprintf("file size exceeds maximum limit of %d MB", media.MaxFileSize/(1024*1024)))
	}
	if !media.AllowedExt(file.Filename) {
		return badRequest("only JPG and PNG files are allowed")
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", zap.Error(err))
		return apierr.Wrap(err, apierr.Internal, "failed to process uploaded file")
	}
	defer src.Close()

	name, err := h.photos.Upload(ctx, src)
	if errors.Is(err, media.ErrInvalidImage) {
		return badRequest("invalid image format")
	}
	if err != nil {
		h.logger.Error("failed to store photo", zap.String("doctor", id), zap.Error(err))
		return apierr.Wrap(err, apierr.StoreUnavailable, "failed to store image")
	}

	url := media.URL(name)
	if err := h.doctors.SetPhoto(ctx, id, url); err != nil {
		return err
	}
	h.invalidate(c)

	h.logger.Info("doctor photo updated", zap.String("doctor", id), zap.String("file", name))
	return c.JSON(fiber.Map{"photoUrl": url})
}

// ServePhoto streams a stored photo. Public.
func (h *DoctorHandler) ServePhoto(c *fiber.Ctx) error {
	name := c.Params("filename")
	if !media.ValidName(name) {
		return apierr.New(apierr.NotFound, "photo not found")
	}
	if h.photos == nil {
		return apierr.New(apierr.StoreUnavailable, "photo storage is not configured")
	}

	obj, info, err := h.photos.Open(c.UserContext(), name)
	if errors.Is(err, media.ErrNotFound) {
		return apierr.New(apierr.NotFound, "photo not found")
	}
	if err != nil {
		h.logger.Error("failed to open photo", zap.String("file", name), zap.Error(err))
		return apierr.Wrap(err, apierr.StoreUnavailable, "failed to read image")
	}

	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.SendStream(obj, int(info.Size))
}

func (h *DoctorHandler) invalidate(c *fiber.Ctx) {
	if err := h.cache.Delete(c.UserContext(), doctorsCacheKey); err != nil {
		h.logger.Warn("doctor cache invalidation failed", zap.Error(err))
	}
}

package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
)

const (
	treatmentsCacheKey = "treatments:list"
	treatmentsCacheTTL = 10 * time.Minute
)

// CatalogHandler serves prescriptions and the treatment catalog.
type CatalogHandler struct {
	logger  *zap.Logger
	catalog CatalogStore
	cache   *cache.Cache
	gate    *auth.Gate
}

type CreatePrescriptionRequest struct {
	PatientEmail string            `json:"patientEmail" validate:"required,email"`
	Medicines    []models.Medicine `json:"medicines" validate:"required,min=1,dive"`
	Notes        string            `json:"notes"`
}

type CreateTreatmentRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Price       int64    `json:"price" validate:"gte=0"`
	Slots       []string `json:"slots"`
}

func NewCatalogHandler(logger *zap.Logger, catalog CatalogStore, c *cache.Cache, gate *auth.Gate) *CatalogHandler {
	return &CatalogHandler{logger: logger, catalog: catalog, cache: c, gate: gate}
}

// ListPrescriptions returns the caller's prescriptions. Doctors and admins
// see every prescription, or one patient's with ?email=.
func (h *CatalogHandler) ListPrescriptions(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return h.gate.AuthorizeRole(claims)
	}
	patient := models.NormalizeEmail(c.Query("email"))

	if err := h.gate.AuthorizeRole(claims, models.RoleDoctor, models.RoleAdmin); err != nil {
		// Patients only get their own.
		if patient != "" {
			if err := h.gate.AuthorizeOwner(claims, patient); err != nil {
				return err
			}
		}
		patient = models.NormalizeEmail(claims.Email)
	}

	out, err := h.catalog.Prescriptions(c.UserContext(), patient)
	if err != nil {
		h.logger.Error("failed to list prescriptions", zap.Error(err))
		return err
	}
	if out == nil {
		out = []models.Prescription{}
	}
	return c.JSON(out)
}

func (h *CatalogHandler) CreatePrescription(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if err := h.gate.AuthorizeRole(claims, models.RoleDoctor, models.RoleAdmin); err != nil {
		return err
	}

	var req CreatePrescriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}

	p := &models.Prescription{
		ID:           uuid.New().String(),
		PatientEmail: models.NormalizeEmail(req.PatientEmail),
		DoctorEmail:  models.NormalizeEmail(claims.Email),
		Medicines:    req.Medicines,
		Notes:        strings.TrimSpace(req.Notes),
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.catalog.InsertPrescription(c.UserContext(), p); err != nil {
		h.logger.Error("failed to insert prescription", zap.Error(err))
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"acknowledged": true, "insertedId": p.ID})
}

// ListTreatments is public and cached.
func (h *CatalogHandler) ListTreatments(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var out []models.Treatment
	if err := h.cache.Get(ctx, treatmentsCacheKey, &out); err == nil {
		return c.JSON(out)
	} else if !errors.Is(err, cache.ErrMiss) {
		h.logger.Warn("treatment cache read failed", zap.Error(err))
	}

	out, err := h.catalog.Treatments(ctx)
	if err != nil {
		h.logger.Error("failed to list treatments", zap.Error(err))
		return err
	}
	if out == nil {
		out = []models.Treatment{}
	}
	if err := h.cache.Set(ctx, treatmentsCacheKey, out, treatmentsCacheTTL); err != nil {
		h.logger.Warn("treatment cache write failed", zap.Error(err))
	}
	return c.JSON(out)
}

func (h *CatalogHandler) CreateTreatment(c *fiber.Ctx) error {
	if err := h.gate.AuthorizeRole(middleware.Claims(c), models.RoleAdmin); err != nil {
		return err
	}

	var req CreateTreatmentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}

	t := &models.Treatment{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Price:       req.Price,
		Slots:       req.Slots,
	}
	ctx := c.UserContext()
	if err := h.catalog.InsertTreatment(ctx, t); err != nil {
		h.logger.Error("failed to insert treatment", zap.Error(err))
		return err
	}
	if err := h.cache.Delete(ctx, treatmentsCacheKey); err != nil {
		h.logger.Warn("treatment cache invalidation failed", zap.Error(err))
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"acknowledged": true, "insertedId": t.ID})
}

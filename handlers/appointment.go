package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
)

type AppointmentHandler struct {
	logger   *zap.Logger
	bookings BookingStore
	gate     *auth.Gate
}

type BookAppointmentRequest struct {
	// Email is optional; when present it must be the caller's.
	Email       string    `json:"email" validate:"omitempty,email"`
	DoctorID    string    `json:"doctorId" validate:"required"`
	DoctorName  string    `json:"doctorName"`
	Treatment   string    `json:"treatment"`
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
	Price       int64     `json:"price" validate:"gte=0"`
}

func NewAppointmentHandler(logger *zap.Logger, bookings BookingStore, gate *auth.Gate) *AppointmentHandler {
	return &AppointmentHandler{logger: logger, bookings: bookings, gate: gate}
}

// Book creates a booked appointment owned by the caller.
func (h *AppointmentHandler) Book(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}

	var req BookAppointmentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}
	if req.Email != "" {
		if err := h.gate.AuthorizeOwner(claims, req.Email); err != nil {
			return err
		}
	}

	a := &models.Appointment{
		ID:          uuid.New().String(),
		Email:       models.NormalizeEmail(claims.Email),
		DoctorID:    strings.TrimSpace(req.DoctorID),
		DoctorName:  strings.TrimSpace(req.DoctorName),
		Treatment:   strings.TrimSpace(req.Treatment),
		ScheduledAt: req.ScheduledAt.UTC(),
		Price:       req.Price,
		Status:      models.AppointmentBooked,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.bookings.Insert(c.UserContext(), a); err != nil {
		h.logger.Error("failed to book appointment", zap.String("email", a.Email), zap.Error(err))
		return err
	}

	h.logger.Info("appointment booked",
		zap.String("id", a.ID),
		zap.String("email", a.Email),
		zap.String("doctor", a.DoctorID))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"acknowledged": true, "insertedId": a.ID})
}

// List returns the appointments of ?email=, defaulting to the caller.
func (h *AppointmentHandler) List(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	owner := models.NormalizeEmail(c.Query("email", claims.Email))
	if err := h.gate.AuthorizeOwnerOrRole(claims, owner, models.RoleAdmin); err != nil {
		return err
	}

	out, err := h.bookings.FindByOwner(c.UserContext(), owner)
	if err != nil {
		h.logger.Error("failed to list appointments", zap.String("email", owner), zap.Error(err))
		return err
	}
	if out == nil {
		out = []models.Appointment{}
	}
	return c.JSON(out)
}

// Cancel deletes one of the caller's booked appointments. Appointments
// already claimed or settled are left alone and deletedCount is 0.
func (h *AppointmentHandler) Cancel(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return badRequest("appointment id is required")
	}

	owner := models.NormalizeEmail(claims.Email)
	n, err := h.bookings.DeleteMany(c.UserContext(), owner, []string{id})
	if err != nil {
		h.logger.Error("failed to cancel appointment", zap.String("id", id), zap.Error(err))
		return err
	}
	return c.JSON(fiber.Map{"acknowledged": true, "deletedCount": n})
}

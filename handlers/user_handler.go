package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/store"
)

type UserHandler struct {
	logger *zap.Logger
	users  UserStore
	gate   *auth.Gate
}

type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl"`
}

func NewUserHandler(logger *zap.Logger, users UserStore, gate *auth.Gate) *UserHandler {
	return &UserHandler{logger: logger, users: users, gate: gate}
}

// ListUsers returns every user. Admin only.
func (h *UserHandler) ListUsers(c *fiber.Ctx) error {
	if err := h.gate.AuthorizeRole(middleware.Claims(c), models.RoleAdmin); err != nil {
		return err
	}
	users, err := h.users.List(c.UserContext())
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		return err
	}
	return c.JSON(users)
}

// CreateUser registers a patient. Registering an existing email is not an
// error; the response just carries a null insertedId.
func (h *UserHandler) CreateUser(c *fiber.Ctx) error {
	var req CreateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}

	u := &models.User{
		ID:        uuid.New().String(),
		Email:     models.NormalizeEmail(req.Email),
		Name:      strings.TrimSpace(req.Name),
		PhotoURL:  req.PhotoURL,
		Role:      models.RolePatient,
		CreatedAt: time.Now().UTC(),
	}

	ctx := c.UserContext()
	if _, err := h.users.FindByEmail(ctx, u.Email); err == nil {
		return c.JSON(fiber.Map{"message": "user already exists", "insertedId": nil})
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := h.users.Insert(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return c.JSON(fiber.Map{"message": "user already exists", "insertedId": nil})
		}
		h.logger.Error("failed to insert user", zap.String("email", u.Email), zap.Error(err))
		return err
	}

	h.logger.Info("user registered", zap.String("email", u.Email))
	return c.JSON(fiber.Map{"acknowledged": true, "insertedId": u.ID})
}

// MakeAdmin grants the admin role.
func (h *UserHandler) MakeAdmin(c *fiber.Ctx) error {
	return h.setRole(c, models.RoleAdmin)
}

// MakeDoctor grants the doctor role.
func (h *UserHandler) MakeDoctor(c *fiber.Ctx) error {
	return h.setRole(c, models.RoleDoctor)
}

func (h *UserHandler) setRole(c *fiber.Ctx, role models.Role) error {
	claims := middleware.Claims(c)
	if err := h.gate.AuthorizeRole(claims, models.RoleAdmin); err != nil {
		return err
	}
	id := c.Params("id")
	if id == "" {
		return badRequest("user id is required")
	}

	err := h.users.SetRole(c.UserContext(), id, role)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.Newf(apierr.NotFound, "user %s does not exist", id)
	}
	if err != nil {
		h.logger.Error("failed to set role", zap.String("id", id), zap.Error(err))
		return err
	}

	h.logger.Info("role granted",
		zap.String("id", id),
		zap.String("role", string(role)),
		zap.String("by", claims.Email))
	return c.JSON(fiber.Map{"modifiedCount": 1})
}

// IsAdmin answers {admin: bool} for the caller's own email.
func (h *UserHandler) IsAdmin(c *fiber.Ctx) error {
	ok, err := h.hasRole(c, models.RoleAdmin)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"admin": ok})
}

// IsDoctor answers {doctor: bool} for the caller's own email.
func (h *UserHandler) IsDoctor(c *fiber.Ctx) error {
	ok, err := h.hasRole(c, models.RoleDoctor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"doctor": ok})
}

func (h *UserHandler) hasRole(c *fiber.Ctx, role models.Role) (bool, error) {
	email := models.NormalizeEmail(c.Params("email"))
	if err := h.gate.AuthorizeOwner(middleware.Claims(c), email); err != nil {
		return false, err
	}
	u, err := h.users.FindByEmail(c.UserContext(), email)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == role, nil
}

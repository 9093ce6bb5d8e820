package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/store"
)

type AuthHandler struct {
	logger *zap.Logger
	issuer TokenIssuer
	users  UserStore
}

type TokenRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func NewAuthHandler(logger *zap.Logger, issuer TokenIssuer, users UserStore) *AuthHandler {
	return &AuthHandler{logger: logger, issuer: issuer, users: users}
}

// IssueToken signs an access token for the given email. The role comes
// from the user record; unknown emails get the patient role.
func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(err)
	}
	email := models.NormalizeEmail(req.Email)

	role := models.RolePatient
	u, err := h.users.FindByEmail(c.UserContext(), email)
	switch {
	case err == nil:
		if parsed, perr := models.ParseRole(string(u.Role)); perr == nil {
			role = parsed
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	token, err := h.issuer.Issue(c.UserContext(), email, role)
	if err != nil {
		h.logger.Error("failed to issue token", zap.String("email", email), zap.Error(err))
		return apierr.Wrap(err, apierr.Internal, "failed to issue token")
	}
	return c.JSON(TokenResponse{Token: token})
}

// Logout revokes the caller's token.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	if err := h.issuer.Revoke(c.UserContext(), claims.ID); err != nil {
		h.logger.Error("failed to revoke token", zap.String("email", claims.Email), zap.Error(err))
		return apierr.Wrap(err, apierr.Internal, "failed to revoke token")
	}
	return c.JSON(fiber.Map{"message": "logged out"})
}

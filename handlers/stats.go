package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
)

const (
	statsCacheKey = "admin:stats"
	statsCacheTTL = 30 * time.Second
)

type StatsHandler struct {
	logger   *zap.Logger
	users    UserStore
	doctors  DoctorStore
	bookings BookingStore
	ledger   LedgerStore
	cache    *cache.Cache
	gate     *auth.Gate
}

func NewStatsHandler(logger *zap.Logger, users UserStore, doctors DoctorStore, bookings BookingStore,
	ledger LedgerStore, c *cache.Cache, gate *auth.Gate) *StatsHandler {
	return &StatsHandler{
		logger:   logger,
		users:    users,
		doctors:  doctors,
		bookings: bookings,
		ledger:   ledger,
		cache:    c,
		gate:     gate,
	}
}

// AdminStats reports collection counts and committed revenue.
func (h *StatsHandler) AdminStats(c *fiber.Ctx) error {
	if err := h.gate.AuthorizeRole(middleware.Claims(c), models.RoleAdmin); err != nil {
		return err
	}
	ctx := c.UserContext()

	var stats models.Stats
	if err := h.cache.Get(ctx, statsCacheKey, &stats); err == nil {
		return c.JSON(stats)
	} else if !errors.Is(err, cache.ErrMiss) {
		h.logger.Warn("stats cache read failed", zap.Error(err))
	}

	stats, err := h.collect(ctx)
	if err != nil {
		h.logger.Error("failed to collect stats", zap.Error(err))
		return err
	}
	if err := h.cache.Set(ctx, statsCacheKey, stats, statsCacheTTL); err != nil {
		h.logger.Warn("stats cache write failed", zap.Error(err))
	}
	return c.JSON(stats)
}

func (h *StatsHandler) collect(ctx context.Context) (models.Stats, error) {
	var (
		s   models.Stats
		err error
	)
	if s.Users, err = h.users.Count(ctx); err != nil {
		return s, err
	}
	if s.Doctors, err = h.doctors.Count(ctx); err != nil {
		return s, err
	}
	if s.Appointments, err = h.bookings.Count(ctx); err != nil {
		return s, err
	}
	if s.Revenue, err = h.ledger.Revenue(ctx); err != nil {
		return s, err
	}
	return s, nil
}

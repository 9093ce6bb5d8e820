package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/media"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/payments"
)

// Deps is what the routes are built from. Photos and Intents may be nil.
type Deps struct {
	Logger   *zap.Logger
	Users    UserStore
	Doctors  DoctorStore
	Catalog  CatalogStore
	Bookings BookingStore
	Ledger   LedgerStore
	Settler  Settler
	Photos   PhotoStorage
	Intents  payments.IntentCreator
	Issuer   *auth.Issuer
	Cache    *cache.Cache
	Limiter  *middleware.RateLimiter
}

func Register(app *fiber.App, d Deps) {
	logger := d.Logger
	gate := auth.NewGate(d.Issuer, logger)
	requireAuth := middleware.Auth(gate)
	limited := middleware.RateLimit(d.Limiter)

	authHandler := NewAuthHandler(logger, d.Issuer, d.Users)
	userHandler := NewUserHandler(logger, d.Users, gate)
	doctorHandler := NewDoctorHandler(logger, d.Doctors, d.Photos, d.Cache, gate)
	catalogHandler := NewCatalogHandler(logger, d.Catalog, d.Cache, gate)
	appointmentHandler := NewAppointmentHandler(logger, d.Bookings, gate)
	paymentHandler := NewPaymentHandler(logger, d.Intents, d.Ledger, gate)
	settlementHandler := NewSettlementHandler(logger, d.Settler, gate)
	statsHandler := NewStatsHandler(logger, d.Users, d.Doctors, d.Bookings, d.Ledger, d.Cache, gate)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("savvy care server is running")
	})

	app.Post("/jwt", limited, authHandler.IssueToken)
	app.Post("/logout", requireAuth, authHandler.Logout)

	users := app.Group("/users")
	users.Get("/", requireAuth, userHandler.ListUsers)
	users.Post("/", limited, userHandler.CreateUser)
	users.Patch("/admin/:id", requireAuth, userHandler.MakeAdmin)
	users.Patch("/doctor/:id", requireAuth, userHandler.MakeDoctor)
	users.Get("/admin/:email", requireAuth, userHandler.IsAdmin)
	users.Get("/doctor/:email", requireAuth, userHandler.IsDoctor)

	app.Get("/doctors", doctorHandler.ListDoctors)
	app.Post("/doctors", requireAuth, doctorHandler.CreateDoctor)
	app.Post("/doctors/:id/photo", requireAuth, doctorHandler.UploadPhoto)
	app.Get(strings.TrimSuffix(media.PublicPath, "/")+"/:filename", doctorHandler.ServePhoto)

	app.Get("/prescriptions", requireAuth, catalogHandler.ListPrescriptions)
	app.Post("/prescriptions", requireAuth, catalogHandler.CreatePrescription)
	app.Get("/treatments", catalogHandler.ListTreatments)
	app.Post("/treatments", requireAuth, catalogHandler.CreateTreatment)

	app.Post("/appointments", requireAuth, appointmentHandler.Book)
	app.Get("/appointments", requireAuth, appointmentHandler.List)
	app.Delete("/appointments/:id", requireAuth, appointmentHandler.Cancel)

	app.Post("/create-payment-intent", requireAuth, paymentHandler.CreateIntent)
	app.Get("/payments/:email", requireAuth, paymentHandler.History)

	// /payments is the legacy settlement path.
	app.Post("/settlements", requireAuth, settlementHandler.Settle)
	app.Post("/payments", requireAuth, settlementHandler.Settle)
	app.Post("/settlements/:paymentId/reconcile", requireAuth, settlementHandler.Reconcile)

	app.Get("/admin-stats", requireAuth, statsHandler.AdminStats)
}

package handlers

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/settlement"
)

// The handlers depend on these narrow views of the stores so tests can
// run them against Bolt or in-memory fakes.

type UserStore interface {
	Insert(ctx context.Context, u *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	SetRole(ctx context.Context, id string, role models.Role) error
	Count(ctx context.Context) (int64, error)
}

type DoctorStore interface {
	Insert(ctx context.Context, d *models.Doctor) error
	Get(ctx context.Context, id string) (*models.Doctor, error)
	List(ctx context.Context) ([]models.Doctor, error)
	SetPhoto(ctx context.Context, id, url string) error
	Count(ctx context.Context) (int64, error)
}

type CatalogStore interface {
	InsertPrescription(ctx context.Context, p *models.Prescription) error
	Prescriptions(ctx context.Context, patient string) ([]models.Prescription, error)
	InsertTreatment(ctx context.Context, t *models.Treatment) error
	Treatments(ctx context.Context) ([]models.Treatment, error)
}

type BookingStore interface {
	Insert(ctx context.Context, a *models.Appointment) error
	FindByOwner(ctx context.Context, owner string) ([]models.Appointment, error)
	DeleteMany(ctx context.Context, owner string, ids []string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type LedgerStore interface {
	FindByOwner(ctx context.Context, owner string) ([]models.Payment, error)
	Revenue(ctx context.Context) (int64, error)
}

type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	Reconcile(ctx context.Context, paymentID string) (*settlement.Result, error)
	Payment(ctx context.Context, paymentID string) (*models.Payment, error)
}

type PhotoStorage interface {
	Upload(ctx context.Context, r io.Reader) (string, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, minio.ObjectInfo, error)
}

type TokenIssuer interface {
	Issue(ctx context.Context, email string, role models.Role) (string, error)
	Revoke(ctx context.Context, jti string) error
}

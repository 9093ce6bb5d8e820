package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/media"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/payments"
	"github.com/savvycare/backend/settlement"
	"github.com/savvycare/backend/store"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemUsers() *memUsers { return &memUsers{users: map[string]*models.User{}} }

func (m *memUsers) Insert(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.users {
		if x.Email == u.Email {
			return store.ErrDuplicate
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) List(context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *memUsers) SetRole(_ context.Context, id string, role models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *memUsers) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

type memDoctors struct {
	mu      sync.Mutex
	doctors map[string]*models.Doctor
	lists   int
}

func newMemDoctors() *memDoctors { return &memDoctors{doctors: map[string]*models.Doctor{}} }

func (m *memDoctors) Insert(_ context.Context, d *models.Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.doctors[d.ID] = &cp
	return nil
}

func (m *memDoctors) Get(_ context.Context, id string) (*models.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDoctors) List(context.Context) ([]models.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	out := make([]models.Doctor, 0, len(m.doctors))
	for _, d := range m.doctors {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memDoctors) SetPhoto(_ context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return store.ErrNotFound
	}
	d.PhotoURL = url
	return nil
}

func (m *memDoctors) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.doctors)), nil
}

type memCatalog struct {
	mu            sync.Mutex
	prescriptions []models.Prescription
	treatments    []models.Treatment
}

func (m *memCatalog) InsertPrescription(_ context.Context, p *models.Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prescriptions = append(m.prescriptions, *p)
	return nil
}

func (m *memCatalog) Prescriptions(_ context.Context, patient string) ([]models.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Prescription
	for _, p := range m.prescriptions {
		if patient == "" || p.PatientEmail == patient {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memCatalog) InsertTreatment(_ context.Context, t *models.Treatment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treatments = append(m.treatments, *t)
	return nil
}

func (m *memCatalog) Treatments(context.Context) ([]models.Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Treatment(nil), m.treatments...), nil
}

// memPhotos normalizes like the MinIO store but keeps objects in memory.
type memPhotos struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memPhotos) Upload(_ context.Context, r io.Reader) (string, error) {
	data, err := media.Normalize(r)
	if err != nil {
		return "", err
	}
	name := uuid.New().String() + ".jpg"
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return name, nil
}

func (m *memPhotos) Open(_ context.Context, name string) (io.ReadCloser, minio.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, minio.ObjectInfo{}, media.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), minio.ObjectInfo{Key: name, Size: int64(len(data))}, nil
}

type fakeIntents struct {
	amount   int64
	currency string
	err      error
}

func (f *fakeIntents) CreateIntent(_ context.Context, amount int64, currency string) (*payments.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.amount, f.currency = amount, currency
	return &payments.Intent{ID: "pi_test", ClientSecret: "pi_test_secret", Amount: amount, Currency: currency}, nil
}

// countingSettler records calls and can replace Settle's outcome.
type countingSettler struct {
	Settler
	mu      sync.Mutex
	settles int
	settle  func(req settlement.Request) (*settlement.Result, error)
}

func (s *countingSettler) Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error) {
	s.mu.Lock()
	s.settles++
	fn := s.settle
	s.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return s.Settler.Settle(ctx, req)
}

func (s *countingSettler) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settles
}

type testEnv struct {
	t        *testing.T
	app      *fiber.App
	issuer   *auth.Issuer
	users    *memUsers
	doctors  *memDoctors
	catalog  *memCatalog
	photos   *memPhotos
	intents  *fakeIntents
	bookings *store.BoltBookings
	ledger   *store.BoltLedger
	settler  *countingSettler
	redis    *miniredis.Miniredis
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "handlers.db"), store.DefaultRetryConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.NewCache(rdb, "test:")

	limiter := middleware.NewRateLimiter(1000, 1000)
	t.Cleanup(limiter.Stop)

	env := &testEnv{
		t:        t,
		issuer:   auth.NewIssuer("handler-secret", time.Hour, c),
		users:    newMemUsers(),
		doctors:  newMemDoctors(),
		catalog:  &memCatalog{},
		photos:   &memPhotos{objects: map[string][]byte{}},
		intents:  &fakeIntents{},
		bookings: db.Bookings(),
		ledger:   db.Ledger(),
		redis:    mr,
	}
	coord := settlement.NewCoordinator(env.bookings, env.ledger, db, logger, settlement.Options{})
	env.settler = &countingSettler{Settler: coord}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logger)})
	app.Use(middleware.RecoveryMiddleware(logger))
	Register(app, Deps{
		Logger:   logger,
		Users:    env.users,
		Doctors:  env.doctors,
		Catalog:  env.catalog,
		Bookings: env.bookings,
		Ledger:   env.ledger,
		Settler:  env.settler,
		Photos:   env.photos,
		Intents:  env.intents,
		Issuer:   env.issuer,
		Cache:    c,
		Limiter:  limiter,
	})
	env.app = app
	return env
}

func (e *testEnv) token(email string, role models.Role) string {
	e.t.Helper()
	tok, err := e.issuer.Issue(context.Background(), email, role)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) book(owner string, ids ...string) {
	e.t.Helper()
	for _, id := range ids {
		require.NoError(e.t, e.bookings.Insert(context.Background(), &models.Appointment{
			ID:          id,
			Email:       owner,
			DoctorID:    "d1",
			ScheduledAt: time.Now().Add(24 * time.Hour).UTC(),
			Status:      models.AppointmentBooked,
			CreatedAt:   time.Now().UTC(),
		}))
	}
}

type response struct {
	status int
	raw    []byte
}

func (r response) json(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.raw, v), string(r.raw))
}

func (r response) body(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	r.json(t, &m)
	return m
}

func (e *testEnv) do(method, path, token string, body any) response {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return e.send(req, token)
}

func (e *testEnv) send(req *http.Request, token string) response {
	e.t.Helper()
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return response{status: resp.StatusCode, raw: raw}
}

package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockUsers struct{ mock.Mock }

func (m *mockUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if u, _ := args.Get(0).(*domain.User); u != nil {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

// memStore mirrors the conditional writes of the DynamoDB repo.
type memStore struct {
	mu   sync.Mutex
	rows map[string]domain.EmailReservation
}

func newMemStore() *memStore { return &memStore{rows: map[string]domain.EmailReservation{}} }

func (s *memStore) Create(_ context.Context, res *domain.EmailReservation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[res.Email]; ok {
		if !(cur.Status == domain.ReservationPending && cur.ExpiresAt <= now.Unix()) {
			return domain.ErrEmailAlreadyExists
		}
	}
	s.rows[res.Email] = *res
	return nil
}

func (s *memStore) Get(_ context.Context, email string) (*domain.EmailReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cur, nil
}

func (s *memStore) Confirm(_ context.Context, email, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[email]
	if !ok || cur.UserID != userID {
		return domain.ErrEmailAlreadyExists
	}
	if cur.ConfirmedAt == nil {
		cur.ConfirmedAt = &now
	}
	cur.Status = domain.ReservationConfirmed
	cur.ExpiresAt = 0
	s.rows[email] = cur
	return nil
}

func (s *memStore) DeletePending(_ context.Context, email, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[email]
	if !ok || cur.UserID != userID || cur.Status != domain.ReservationPending {
		return domain.ErrNotFound
	}
	delete(s.rows, email)
	return nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time) ([]domain.EmailReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailReservation
	for _, r := range s.rows {
		if r.Status == domain.ReservationPending && r.ExpiresAt <= now.Unix() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) DeleteExpired(_ context.Context, email string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[email]
	if !ok || cur.Status != domain.ReservationPending || cur.ExpiresAt > now.Unix() {
		return false, nil
	}
	delete(s.rows, email)
	return true, nil
}

// --- helpers ---

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func noUsers() *mockUsers {
	u := &mockUsers{}
	u.On("GetByEmail", mock.Anything, mock.Anything).Return(nil, domain.ErrUserNotFound)
	return u
}

func newSvc(store Store, users UserLookup, c *clock) Service {
	return NewService(ServiceDeps{Store: store, Users: users, DefaultTTL: 10 * time.Minute, Now: c.Now})
}

// --- tests ---

func TestReserve_NormalizesAndStoresPending(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)

	res, err := svc.Reserve(context.Background(), ReserveRequest{Email: "  New@Ex.com ", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "new@ex.com", res.Email)
	assert.Equal(t, domain.ReservationPending, res.Status)
	assert.Equal(t, c.Now().Add(10*time.Minute).Unix(), res.ExpiresAt)
	assert.Nil(t, res.ConfirmedAt)
}

func TestReserve_TwiceWhilePendingFails(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u2", SignupType: domain.SignupTypeEmailOTP, SessionID: "s2"})
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyExists)
}

func TestReserve_ReclaimsExpiredPending(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	require.NoError(t, err)
	c.Advance(2 * time.Minute)

	res, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u2", SignupType: domain.SignupTypeEmailOTP, SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "u2", res.UserID)
}

func TestReserve_ConfirmedNeverReclaimed(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "a@b.com", "u1")
	require.NoError(t, err)
	c.Advance(24 * time.Hour)

	_, err = svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u2", SignupType: domain.SignupTypeEmailOTP, SessionID: "s2"})
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyExists)
}

func TestReserve_ExistingUserRejectedBeforeWrite(t *testing.T) {
	users := &mockUsers{}
	users.On("GetByEmail", mock.Anything, "a@b.com").Return(&domain.User{UserID: "u0"}, nil)
	store := newMemStore()
	svc := newSvc(store, users, newClock())

	_, err := svc.Reserve(context.Background(), ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyExists)
	assert.Empty(t, store.rows)
}

func TestReserve_UserLookupFailurePropagates(t *testing.T) {
	users := &mockUsers{}
	users.On("GetByEmail", mock.Anything, "a@b.com").Return(nil, errors.New("timeout"))
	svc := newSvc(newMemStore(), users, newClock())

	_, err := svc.Reserve(context.Background(), ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrEmailAlreadyExists)
}

func TestReserve_ConcurrentCallersOnlyOneWins(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), ReserveRequest{Email: "race@b.com", UserID: "u", SignupType: domain.SignupTypeEmailOTP, SessionID: "s"}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConfirm_IsIdempotentAndValidForever(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	require.NoError(t, err)
	first, err := svc.Confirm(ctx, "a@b.com", "u1")
	require.NoError(t, err)
	c.Advance(time.Hour)
	second, err := svc.Confirm(ctx, "a@b.com", "u1")
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationConfirmed, second.Status)
	assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)
	assert.True(t, second.IsValid(c.Now().Add(365*24*time.Hour)))
}

func TestConfirm_ForeignUserFails(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "a@b.com", "intruder")
	assert.ErrorIs(t, err, domain.ErrEmailAlreadyExists)
}

func TestIsAvailable(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	ok, err := svc.IsAvailable(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	require.NoError(t, err)
	ok, err = svc.IsAvailable(ctx, "A@B.com")
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(2 * time.Minute)
	ok, err = svc.IsAvailable(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, ok, "expired pending reservation does not block")
}

func TestIsAvailable_ExistingUser(t *testing.T) {
	users := &mockUsers{}
	users.On("GetByEmail", mock.Anything, "a@b.com").Return(&domain.User{UserID: "u0"}, nil)
	svc := newSvc(newMemStore(), users, newClock())

	ok, err := svc.IsAvailable(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelease_OnlyDropsOwnPending(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "a@b.com", "other"))
	_, err = svc.Get(ctx, "a@b.com")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "a@b.com", "u1"))
	_, err = svc.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReservedUserID_RejectsExpired(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{Email: "a@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	require.NoError(t, err)
	id, err := svc.ReservedUserID(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	c.Advance(time.Hour)
	_, err = svc.ReservedUserID(ctx, "a@b.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, noUsers(), c)
	ctx := context.Background()

	_, _ = svc.Reserve(ctx, ReserveRequest{Email: "old@b.com", UserID: "u1", SignupType: domain.SignupTypeEmailOTP, SessionID: "s1", TTL: time.Minute})
	_, _ = svc.Reserve(ctx, ReserveRequest{Email: "kept@b.com", UserID: "u2", SignupType: domain.SignupTypeEmailOTP, SessionID: "s2", TTL: time.Minute})
	_, err := svc.Confirm(ctx, "kept@b.com", "u2")
	require.NoError(t, err)
	c.Advance(5 * time.Minute)
	_, _ = svc.Reserve(ctx, ReserveRequest{Email: "fresh@b.com", UserID: "u3", SignupType: domain.SignupTypeEmailOTP, SessionID: "s3"})

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, store.rows, "old@b.com")
	assert.Contains(t, store.rows, "kept@b.com")
	assert.Contains(t, store.rows, "fresh@b.com")
}

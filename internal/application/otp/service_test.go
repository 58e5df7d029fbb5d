package otp

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
	"golang.org/x/crypto/bcrypt"
)

// --- fakes ---

type memStore struct {
	mu   sync.Mutex
	rows map[string]domain.OneTimeCode
}

func newMemStore() *memStore { return &memStore{rows: map[string]domain.OneTimeCode{}} }

func key(r, p string) string { return r + "|" + p }

func (s *memStore) Put(_ context.Context, c *domain.OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key(c.Recipient, c.Purpose)] = *c
	return nil
}

func (s *memStore) Get(_ context.Context, r, p string) (*domain.OneTimeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key(r, p)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (s *memStore) Delete(_ context.Context, r, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key(r, p))
	return nil
}

func (s *memStore) Consume(_ context.Context, r, p, h string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key(r, p)]
	if !ok || c.CodeHash != h || c.Attempts >= maxAttempts {
		return domain.ErrNotFound
	}
	delete(s.rows, key(r, p))
	return nil
}

func (s *memStore) IncrementAttempts(_ context.Context, r, p, h string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key(r, p)]
	if !ok || c.CodeHash != h {
		return 0, domain.ErrNotFound
	}
	c.Attempts++
	s.rows[key(r, p)] = c
	return c.Attempts, nil
}

// staleReadStore answers the first Get with a snapshot taken earlier, as if the row
// was read before other verifications wrote to it.
type staleReadStore struct {
	*memStore
	stale *domain.OneTimeCode
}

func (s *staleReadStore) Get(ctx context.Context, r, p string) (*domain.OneTimeCode, error) {
	if s.stale != nil {
		c := *s.stale
		s.stale = nil
		return &c, nil
	}
	return s.memStore.Get(ctx, r, p)
}

// barrierStore holds the first n readers until all of them have read, and holds every
// Consume until release is closed.
type barrierStore struct {
	*memStore
	n       int32
	reads   atomic.Int32
	readers sync.WaitGroup
	release chan struct{}
}

func newBarrierStore(m *memStore, n int) *barrierStore {
	b := &barrierStore{memStore: m, n: int32(n), release: make(chan struct{})}
	b.readers.Add(n)
	return b
}

func (s *barrierStore) Get(ctx context.Context, r, p string) (*domain.OneTimeCode, error) {
	c, err := s.memStore.Get(ctx, r, p)
	if s.reads.Add(1) <= s.n {
		s.readers.Done()
		s.readers.Wait()
	}
	return c, err
}

func (s *barrierStore) Consume(ctx context.Context, r, p, h string, maxAttempts int) error {
	<-s.release
	return s.memStore.Consume(ctx, r, p, h, maxAttempts)
}

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Allow(ctx context.Context, purpose, recipient string, now time.Time) (bool, error) {
	args := m.Called(ctx, purpose, recipient, now)
	return args.Bool(0), args.Error(1)
}

func allowAll() *mockLimiter {
	l := &mockLimiter{}
	l.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	return l
}

// --- helpers ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func newSvc(store Store, lim DailyLimiter, c *clock, mutate ...func(*ServiceDeps)) Service {
	deps := ServiceDeps{
		Store:       store,
		Limiter:     lim,
		MaxAttempts: 5,
		Cooldown:    time.Minute,
		DefaultTTL:  10 * time.Minute,
		HashCost:    bcrypt.MinCost,
		Now:         c.Now,
	}
	for _, m := range mutate {
		m(&deps)
	}
	return NewService(deps)
}

func issue(t *testing.T, svc Service, recipient string) *Issued {
	t.Helper()
	out, err := svc.Issue(context.Background(), IssueRequest{
		Recipient: recipient,
		Purpose:   domain.PurposeEmailSignup,
		SessionID: "sess-1",
		Metadata:  map[string]string{"name": "Alice"},
	})
	require.NoError(t, err)
	return out
}

func verify(t *testing.T, svc Service, recipient, code string) *Verification {
	t.Helper()
	v, err := svc.Verify(context.Background(), VerifyRequest{Recipient: recipient, Purpose: domain.PurposeEmailSignup, Code: code})
	require.NoError(t, err)
	return v
}

func wrong(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// --- tests ---

func TestIssue_StoresHashNotPlaintext(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, allowAll(), c)

	out := issue(t, svc, "a@b.com")
	assert.Len(t, out.Code, 6)
	assert.Equal(t, c.Now().Add(10*time.Minute), out.ExpiresAt)

	rec := store.rows[key("a@b.com", domain.PurposeEmailSignup)]
	assert.NotEqual(t, out.Code, rec.CodeHash)
	assert.NotContains(t, rec.CodeHash, out.Code)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "Alice", rec.Metadata["name"])
	assert.Greater(t, rec.TTL, rec.ExpiresAt)
}

func TestVerify_CodeIsSingleUse(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock())
	out := issue(t, svc, "a@b.com")

	v := verify(t, svc, "a@b.com", out.Code)
	assert.Equal(t, domain.OTPValid, v.Result)
	assert.Equal(t, "sess-1", v.Record.SessionID)

	v = verify(t, svc, "a@b.com", out.Code)
	assert.Equal(t, domain.OTPNotFound, v.Result)
	assert.ErrorIs(t, v.Result.Err(), domain.ErrOTPNotFound)
}

func TestVerify_LocksAfterMaxAttempts(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock())
	out := issue(t, svc, "a@b.com")

	for i := 1; i < 5; i++ {
		assert.Equal(t, domain.OTPInvalid, verify(t, svc, "a@b.com", wrong(out.Code)).Result, "attempt %d", i)
	}
	assert.Equal(t, domain.OTPLocked, verify(t, svc, "a@b.com", wrong(out.Code)).Result)

	v := verify(t, svc, "a@b.com", out.Code)
	assert.Equal(t, domain.OTPLocked, v.Result, "correct code after lockout")
	assert.ErrorIs(t, v.Result.Err(), domain.ErrOTPMaxAttemptsExceeded)
}

func TestVerify_StaleReadCannotConsumeLockedCode(t *testing.T) {
	store := newMemStore()
	c := newClock()
	svc := newSvc(store, allowAll(), c)
	out := issue(t, svc, "a@b.com")
	snapshot, err := store.Get(context.Background(), "a@b.com", domain.PurposeEmailSignup)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		verify(t, svc, "a@b.com", wrong(out.Code))
	}

	stale := newSvc(&staleReadStore{memStore: store, stale: snapshot}, allowAll(), c)
	v := verify(t, stale, "a@b.com", out.Code)
	assert.Equal(t, domain.OTPLocked, v.Result)
	assert.Contains(t, store.rows, key("a@b.com", domain.PurposeEmailSignup), "locked code not consumed")
}

func TestVerify_CorrectCodeAfterConcurrentWrongGuessesIsLocked(t *testing.T) {
	mem := newMemStore()
	c := newClock()
	out := issue(t, newSvc(mem, allowAll(), c), "a@b.com")

	const wrongGuesses = 6
	store := newBarrierStore(mem, wrongGuesses+1)
	svc := newSvc(store, allowAll(), c)

	var wrongs sync.WaitGroup
	for i := 0; i < wrongGuesses; i++ {
		wrongs.Add(1)
		go func() {
			defer wrongs.Done()
			_, _ = svc.Verify(context.Background(), VerifyRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup, Code: wrong(out.Code)})
		}()
	}

	result := make(chan domain.OTPResult, 1)
	go func() {
		v, err := svc.Verify(context.Background(), VerifyRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup, Code: out.Code})
		if err != nil {
			result <- ""
			return
		}
		result <- v.Result
	}()

	wrongs.Wait()
	close(store.release)
	assert.Equal(t, domain.OTPLocked, <-result)
}

func TestVerify_ExpiredNeverValid(t *testing.T) {
	store, c := newMemStore(), newClock()
	svc := newSvc(store, allowAll(), c)
	out := issue(t, svc, "a@b.com")

	c.Advance(11 * time.Minute)
	v := verify(t, svc, "a@b.com", out.Code)
	assert.Equal(t, domain.OTPExpired, v.Result)
	assert.Empty(t, store.rows, "expired record deleted")
}

func TestVerify_SessionMismatchIsInvalid(t *testing.T) {
	store := newMemStore()
	svc := newSvc(store, allowAll(), newClock())
	out := issue(t, svc, "a@b.com")

	v, err := svc.Verify(context.Background(), VerifyRequest{
		Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup, Code: out.Code, SessionID: "other",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OTPInvalid, v.Result)
	assert.NotEmpty(t, store.rows, "code not consumed")
}

func TestVerify_ConcurrentSubmissionsOnlyOneWins(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock())
	out := issue(t, svc, "a@b.com")

	var valid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.Verify(context.Background(), VerifyRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup, Code: out.Code})
			if err == nil && v.Result == domain.OTPValid {
				valid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), valid.Load())
}

func TestVerify_AdminBypass(t *testing.T) {
	store := newMemStore()
	svc := newSvc(store, allowAll(), newClock(), func(d *ServiceDeps) {
		d.AdminBypass = true
		d.AdminEmails = []string{"admin@ex.com"}
	})
	issue(t, svc, "admin@ex.com")

	v := verify(t, svc, "admin@ex.com", "not-the-code")
	assert.Equal(t, domain.OTPValid, v.Result)
	assert.True(t, v.Bypassed)
	assert.Empty(t, store.rows, "record cleared on bypass")

	v = verify(t, svc, "admin@ex.com", "anything")
	assert.Equal(t, domain.OTPValid, v.Result, "bypass works without a record")
}

func TestVerify_LockoutTakesPrecedenceOverBypass(t *testing.T) {
	store := newMemStore()
	svc := newSvc(store, allowAll(), newClock(), func(d *ServiceDeps) {
		d.AdminBypass = true
		d.AdminEmails = []string{"admin@ex.com"}
	})
	issue(t, svc, "admin@ex.com")
	k := key("admin@ex.com", domain.PurposeEmailSignup)
	rec := store.rows[k]
	rec.Attempts = 5
	store.rows[k] = rec

	assert.Equal(t, domain.OTPLocked, verify(t, svc, "admin@ex.com", "x").Result)
}

func TestVerify_BypassDisabledByDefault(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock(), func(d *ServiceDeps) {
		d.AdminEmails = []string{"admin@ex.com"}
	})
	out := issue(t, svc, "admin@ex.com")
	assert.Equal(t, domain.OTPInvalid, verify(t, svc, "admin@ex.com", wrong(out.Code)).Result)
}

func TestIssue_CooldownRejectsResend(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock())
	issue(t, svc, "a@b.com")

	_, err := svc.Issue(context.Background(), IssueRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup})
	assert.ErrorIs(t, err, domain.ErrOTPRateLimited)
}

func TestIssue_ResendAfterCooldownReplacesCode(t *testing.T) {
	c := newClock()
	svc := newSvc(newMemStore(), allowAll(), c)
	first := issue(t, svc, "a@b.com")

	c.Advance(61 * time.Second)
	second := issue(t, svc, "a@b.com")

	if first.Code != second.Code {
		assert.Equal(t, domain.OTPInvalid, verify(t, svc, "a@b.com", first.Code).Result)
	}
	assert.Equal(t, domain.OTPValid, verify(t, svc, "a@b.com", second.Code).Result)
}

func TestIssue_DailyCapRejects(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Allow", mock.Anything, domain.PurposeEmailSignup, "a@b.com", mock.Anything).Return(false, nil)
	store := newMemStore()
	svc := newSvc(store, lim, newClock())

	_, err := svc.Issue(context.Background(), IssueRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup})
	assert.ErrorIs(t, err, domain.ErrOTPRateLimited)
	assert.Empty(t, store.rows)
}

func TestIssue_LimiterFailureFailsClosed(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("redis down"))
	store := newMemStore()
	svc := newSvc(store, lim, newClock())

	_, err := svc.Issue(context.Background(), IssueRequest{Recipient: "a@b.com", Purpose: domain.PurposeEmailSignup})
	assert.Error(t, err)
	assert.Empty(t, store.rows)
}

func TestDiscardAndHasPending(t *testing.T) {
	svc := newSvc(newMemStore(), allowAll(), newClock())
	ctx := context.Background()
	issue(t, svc, "a@b.com")

	ok, err := svc.HasPending(ctx, "a@b.com", domain.PurposeEmailSignup)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Discard(ctx, "a@b.com", domain.PurposeEmailSignup))
	ok, err = svc.HasPending(ctx, "a@b.com", domain.PurposeEmailSignup)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateCode_FixedLength(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, err := generateCode()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, c)
	}
}

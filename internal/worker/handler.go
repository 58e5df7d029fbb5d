package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/infrastructure/queue"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type UserStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

type ReservationSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type HandlerDeps struct {
	Users        UserStore
	Reservations ReservationSweeper
	TrialDays    int
	Logger       *zap.Logger
	Now          func() time.Time
}

// Handler runs the background tasks enqueued by the API process.
type Handler struct {
	users        UserStore
	reservations ReservationSweeper
	trial        time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func NewHandler(deps HandlerDeps) *Handler {
	h := &Handler{
		users:        deps.Users,
		reservations: deps.Reservations,
		trial:        time.Duration(deps.TrialDays) * 24 * time.Hour,
		log:          logger.OrNop(deps.Logger).Named("worker"),
		now:          deps.Now,
	}
	if h.trial <= 0 {
		h.trial = 30 * 24 * time.Hour
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeTrialInitialize, h.HandleTrialInitialize)
	mux.HandleFunc(queue.TypeReservationSweep, h.HandleReservationSweep)
}

// HandleTrialInitialize moves a freshly created free account onto the trial tier.
// Accounts that already left the free tier are left alone.
func (h *Handler) HandleTrialInitialize(ctx context.Context, t *asynq.Task) error {
	var payload queue.TrialInitializePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	u, err := h.users.Get(ctx, payload.UserID)
	if errors.Is(err, domain.ErrUserNotFound) || errors.Is(err, domain.ErrNotFound) {
		h.log.Warn("trial initialization for unknown user", zap.String("user_id", payload.UserID))
		return fmt.Errorf("user %s: %w", payload.UserID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if u.SubscriptionTier != domain.TierFree {
		h.log.Info("trial already initialized", zap.String("user_id", u.UserID), zap.String("tier", u.SubscriptionTier))
		return nil
	}

	now := h.now().UTC()
	ends := now.Add(h.trial)
	if err := h.users.Update(ctx, u.UserID, map[string]interface{}{
		"subscription_tier": domain.TierTrial,
		"trial_ends_at":     ends,
		"updated_at":        now,
	}); err != nil {
		h.log.Error("trial initialization failed", zap.String("user_id", u.UserID), zap.Error(err))
		return err
	}
	h.log.Info("trial initialized", zap.String("user_id", u.UserID), zap.Time("trial_ends_at", ends))
	return nil
}

func (h *Handler) HandleReservationSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.reservations.SweepExpired(ctx)
	if err != nil {
		h.log.Error("reservation sweep failed", zap.Int("removed", n), zap.Error(err))
		return err
	}
	if n > 0 {
		h.log.Info("expired reservations removed", zap.Int("removed", n))
	}
	return nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/config"
	"github.com/hibiken/asynq"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SweepSchedule is how often abandoned reservations are reclaimed.
const SweepSchedule = "@every 5m"

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func NewClient(cfg *config.Config) *asynq.Client {
	return asynq.NewClient(redisOpt(cfg))
}

func NewServer(cfg *config.Config, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
	})
}

// NewScheduler returns a scheduler with the periodic reservation sweep registered.
func NewScheduler(cfg *config.Config, loc *time.Location) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(redisOpt(cfg), &asynq.SchedulerOpts{Location: loc})
	if _, err := s.Register(SweepSchedule, NewReservationSweepTask(), asynq.Queue(QueueLow)); err != nil {
		return nil, fmt.Errorf("register reservation sweep: %w", err)
	}
	return s, nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer publishes background work for the API process.
type Enqueuer struct {
	client enqueuer
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueTrialInit schedules trial initialization once per user. The task is never
// retried; a failed run is logged by the worker and dropped.
func (e *Enqueuer) EnqueueTrialInit(ctx context.Context, userID string) error {
	task, err := NewTrialInitializeTask(TrialInitializePayload{UserID: userID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(0),
		asynq.TaskID(TypeTrialInitialize+":"+userID),
		asynq.Timeout(30*time.Second),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TypeTrialInitialize, err)
	}
	return nil
}

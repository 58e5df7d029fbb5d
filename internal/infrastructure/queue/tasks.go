package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names
const (
	TypeTrialInitialize  = "trial:initialize"
	TypeReservationSweep = "reservation:sweep"
)

type TrialInitializePayload struct {
	UserID      string    `json:"user_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewTrialInitializeTask(payload TrialInitializePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTrialInitialize, data), nil
}

// The sweep has no payload; it scans for every expired reservation.
func NewReservationSweepTask() *asynq.Task {
	return asynq.NewTask(TypeReservationSweep, nil)
}

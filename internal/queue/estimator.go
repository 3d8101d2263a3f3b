// Package queue computes a waiting appointment's place in its doctor's queue.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
)

// DefaultSlotMinutes is the time assumed per appointment ahead in the queue.
const DefaultSlotMinutes = 15

var ErrNotWaiting = fmt.Errorf("%w: queue position exists only for waiting appointments", apperr.ErrInvalidState)

// WaitingCounter counts a doctor's waiting appointments scheduled strictly
// before a given instant.
type WaitingCounter interface {
	CountWaitingBefore(ctx context.Context, doctorID string, before time.Time) (int64, error)
}

// Estimate is a 1-based queue position and the wait it implies.
type Estimate struct {
	Position             int `json:"current_position"`
	EstimatedWaitMinutes int `json:"estimated_time"`
}

// Estimator recomputes positions on every call; nothing is cached.
type Estimator struct {
	counter     WaitingCounter
	slotMinutes int
}

func NewEstimator(counter WaitingCounter, slotMinutes int) *Estimator {
	if slotMinutes <= 0 {
		slotMinutes = DefaultSlotMinutes
	}
	return &Estimator{counter: counter, slotMinutes: slotMinutes}
}

// Position returns the appointment's 1-based ordinal among its doctor's
// waiting appointments.
func (e *Estimator) Position(ctx context.Context, a *models.Appointment) (int, error) {
	if a.Status != models.StatusWaiting {
		return 0, ErrNotWaiting
	}
	ahead, err := e.counter.CountWaitingBefore(ctx, a.DoctorID, a.ScheduledTime)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return int(ahead) + 1, nil
}

func (e *Estimator) Estimate(ctx context.Context, a *models.Appointment) (Estimate, error) {
	pos, err := e.Position(ctx, a)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{Position: pos, EstimatedWaitMinutes: pos * e.slotMinutes}, nil
}

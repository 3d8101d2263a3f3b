package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/store"
	"github.com/Legion808/klinika/internal/testutil"
)

func TestEstimate_PositionsIncreaseFromOne(t *testing.T) {
	db := testutil.NewDB(t)
	repo := store.NewGormRepository(db)
	doctor := testutil.CreateUser(t, db, models.RoleDoctor, "Dr. House")
	other := testutil.CreateUser(t, db, models.RoleDoctor, "Dr. Wilson")
	patient := testutil.CreateUser(t, db, models.RolePatient, "Lena")
	ctx := context.Background()

	var queue []*models.Appointment
	for _, m := range []int{45, 0, 30, 15} {
		a := &models.Appointment{DoctorID: doctor.ID, PatientID: patient.ID, ScheduledTime: testutil.At(m)}
		require.NoError(t, repo.CreateAppointment(ctx, a))
		queue = append(queue, a)
	}
	// Another doctor's queue does not count.
	require.NoError(t, repo.CreateAppointment(ctx, &models.Appointment{
		DoctorID: other.ID, PatientID: patient.ID, ScheduledTime: testutil.At(-60),
	}))

	est := NewEstimator(repo, 15)
	want := map[string]int{queue[1].ID: 1, queue[3].ID: 2, queue[2].ID: 3, queue[0].ID: 4}
	for _, a := range queue {
		got, err := est.Estimate(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, want[a.ID], got.Position)
		assert.Equal(t, got.Position*15, got.EstimatedWaitMinutes)
	}

	started, err := repo.TransitionAppointment(ctx, queue[1].ID, models.StatusWaiting, models.StatusInProgress)
	require.NoError(t, err)
	got, err := est.Estimate(ctx, queue[3])
	require.NoError(t, err)
	assert.Equal(t, 1, got.Position, "in-progress appointments leave the waiting queue")

	_, err = est.Estimate(ctx, started)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

type countFunc func() (int64, error)

func (f countFunc) CountWaitingBefore(context.Context, string, time.Time) (int64, error) {
	return f()
}

func TestEstimate_CounterError(t *testing.T) {
	boom := errors.New("db down")
	est := NewEstimator(countFunc(func() (int64, error) { return 0, boom }), 0)

	_, err := est.Estimate(context.Background(), &models.Appointment{Status: models.StatusWaiting})
	assert.ErrorIs(t, err, boom)
}

func TestEstimate_DefaultSlot(t *testing.T) {
	est := NewEstimator(countFunc(func() (int64, error) { return 3, nil }), 0)

	got, err := est.Estimate(context.Background(), &models.Appointment{Status: models.StatusWaiting})
	require.NoError(t, err)
	assert.Equal(t, Estimate{Position: 4, EstimatedWaitMinutes: 60}, got)
}

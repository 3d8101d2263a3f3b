package appointment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/directory"
	"github.com/Legion808/klinika/internal/lock"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/queue"
	"github.com/Legion808/klinika/internal/realtime"
	"github.com/Legion808/klinika/internal/store"
	"github.com/Legion808/klinika/internal/testutil"
)

type sentEvent struct {
	key string
	ev  realtime.Event
}

type recorder struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recorder) Notify(ev realtime.Event, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.sent = append(r.sent, sentEvent{key: k, ev: ev})
	}
}

func (r *recorder) to(key string, eventType string) []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.Event
	for _, s := range r.sent {
		if s.key == key && s.ev.Type == eventType {
			out = append(out, s.ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	events  *recorder
	doctor  models.Identity
	patient models.Identity
	other   models.Identity
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	repo := store.NewGormRepository(db)
	dir, err := directory.New(repo, 16)
	require.NoError(t, err)
	events := &recorder{}

	doctor := testutil.CreateUser(t, db, models.RoleDoctor, "Dr. Karimova")
	patient := testutil.CreateUser(t, db, models.RolePatient, "Aziz Rahimov")
	other := testutil.CreateUser(t, db, models.RolePatient, "Malika Saidova")

	svc := NewService(repo, lock.NewLocalLocker(), dir, queue.NewEstimator(repo, 15), events,
		realtime.NewMetrics(prometheus.NewRegistry()), zerolog.Nop(), opts)
	return &fixture{
		db:      db,
		svc:     svc,
		events:  events,
		doctor:  models.Identity{ID: doctor.ID, Role: models.RoleDoctor},
		patient: models.Identity{ID: patient.ID, Role: models.RolePatient},
		other:   models.Identity{ID: other.ID, Role: models.RolePatient},
	}
}

func (f *fixture) book(t *testing.T, who models.Identity, minutes int) *models.Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), who, who.ID, f.doctor.ID, testutil.At(minutes))
	require.NoError(t, err)
	return a
}

func TestBook_NotifiesDoctor(t *testing.T) {
	f := newFixture(t, Options{})

	a := f.book(t, f.patient, 60)

	assert.Equal(t, models.StatusWaiting, a.Status)
	got := f.events.to(realtime.DoctorKey(f.doctor.ID), realtime.EventNewAppointment)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].Fields["appointment_id"])
	assert.Equal(t, "Aziz Rahimov", got[0].Fields["patient_name"])
	assert.Equal(t, "2031-03-14T10:00:00Z", got[0].Fields["scheduled_time"])

	updates := f.events.to(realtime.PatientKey(f.patient.ID), realtime.EventAppointmentUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].Fields["current_position"])
	assert.Equal(t, 15, updates[0].Fields["estimated_time"])
}

func TestBook_SameTimeConflicts(t *testing.T) {
	f := newFixture(t, Options{})
	f.book(t, f.patient, 0)

	_, err := f.svc.Book(context.Background(), f.other, f.other.ID, f.doctor.ID, testutil.At(0))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// Sub-second differences collapse onto the same slot.
	_, err = f.svc.Book(context.Background(), f.other, f.other.ID, f.doctor.ID, testutil.At(0).Add(300*time.Millisecond))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	f.book(t, f.other, 60)
}

func TestBook_ConcurrentSameSlotOnlyOneWins(t *testing.T) {
	f := newFixture(t, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(context.Background(), f.patient, "", f.doctor.ID, testutil.At(0))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, wins)
}

func TestBook_CollisionWindow(t *testing.T) {
	f := newFixture(t, Options{CollisionWindow: 30 * time.Minute})
	f.book(t, f.patient, 0)

	_, err := f.svc.Book(context.Background(), f.other, f.other.ID, f.doctor.ID, testutil.At(20))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = f.svc.Book(context.Background(), f.other, f.other.ID, f.doctor.ID, testutil.At(-30))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	f.book(t, f.other, 31)
}

func TestBook_CancelledSlotIsFree(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.book(t, f.patient, 0)
	_, err := f.svc.Cancel(context.Background(), a.ID, f.patient)
	require.NoError(t, err)

	f.book(t, f.other, 0)
}

func TestBook_Rejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Book(ctx, f.patient, f.patient.ID, f.other.ID, testutil.At(0))
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a patient is not a doctor")

	_, err = f.svc.Book(ctx, f.patient, f.other.ID, f.doctor.ID, testutil.At(0))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Book(ctx, f.doctor, f.patient.ID, f.doctor.ID, testutil.At(0))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	admin := models.Identity{ID: "admin-1", Role: models.RoleAdmin}
	_, err = f.svc.Book(ctx, admin, f.doctor.ID, f.doctor.ID, testutil.At(0))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", f.doctor.ID).Update("is_active", false).Error)
	_, err = f.svc.Book(ctx, f.patient, f.patient.ID, f.doctor.ID, testutil.At(0))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBook_AdminForPatient(t *testing.T) {
	f := newFixture(t, Options{})
	admin := models.Identity{ID: "admin-1", Role: models.RoleAdmin}

	a, err := f.svc.Book(context.Background(), admin, f.patient.ID, f.doctor.ID, testutil.At(0))
	require.NoError(t, err)
	assert.Equal(t, f.patient.ID, a.PatientID)
}

func TestCancel_TwiceFailsSecond(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.book(t, f.patient, 0)
	f.events.reset()

	got, err := f.svc.Cancel(context.Background(), a.ID, f.patient)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Len(t, f.events.to(realtime.PatientKey(f.patient.ID), realtime.EventAppointmentCancelled), 1)
	assert.Len(t, f.events.to(realtime.DoctorKey(f.doctor.ID), realtime.EventAppointmentCancelled), 1)

	_, err = f.svc.Cancel(context.Background(), a.ID, f.doctor)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancel_InProgressIsNotWaiting(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.book(t, f.patient, 0)
	_, err := f.svc.MarkInProgress(ctx, store.NewGormRepository(f.db), a.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, a.ID, f.patient)
	assert.ErrorIs(t, err, ErrNotWaiting)
	assert.NotErrorIs(t, err, ErrClosed)

	_, err = f.svc.Reschedule(ctx, a.ID, f.patient, testutil.At(60))
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.book(t, f.patient, 0)

	_, err := f.svc.Cancel(context.Background(), a.ID, f.other)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Cancel(context.Background(), "missing", f.patient)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Cancel(context.Background(), a.ID, models.Identity{ID: "admin-1", Role: models.RoleAdmin})
	assert.NoError(t, err)
}

func TestCancel_RefreshesRemainingQueue(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.book(t, f.patient, 0)
	f.book(t, f.other, 15)
	f.events.reset()

	_, err := f.svc.Cancel(context.Background(), first.ID, f.patient)
	require.NoError(t, err)

	updates := f.events.to(realtime.PatientKey(f.other.ID), realtime.EventAppointmentUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].Fields["current_position"])
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.book(t, f.patient, 0)
	f.events.reset()

	_, err := f.svc.UpdateStatus(ctx, a.ID, f.patient, models.StatusInProgress)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.UpdateStatus(ctx, a.ID, f.doctor, models.StatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.UpdateStatus(ctx, a.ID, f.doctor, "lost")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	got, err := f.svc.UpdateStatus(ctx, a.ID, f.doctor, models.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	for _, key := range []string{realtime.PatientKey(f.patient.ID), realtime.DoctorKey(f.doctor.ID)} {
		got := f.events.to(key, realtime.EventAppointmentStatusUpdate)
		require.Len(t, got, 1, key)
		assert.Equal(t, models.StatusCancelled, got[0].Fields["status"])
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.book(t, f.patient, 0)
	f.book(t, f.other, 30)

	_, err := f.svc.Reschedule(ctx, a.ID, f.patient, testutil.At(30))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.svc.Reschedule(ctx, a.ID, f.patient, testutil.At(0))
	require.NoError(t, err, "moving onto its own slot is not a conflict")
	assert.True(t, got.ScheduledTime.Equal(testutil.At(0)))

	got, err = f.svc.Reschedule(ctx, a.ID, f.patient, testutil.At(45))
	require.NoError(t, err)
	assert.True(t, got.ScheduledTime.Equal(testutil.At(45)))

	pos, err := f.svc.QueuePosition(ctx, a.ID, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Position)

	_, err = f.svc.Reschedule(ctx, a.ID, f.other, testutil.At(90))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Cancel(ctx, a.ID, f.patient)
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, a.ID, f.patient, testutil.At(90))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestMarkTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.book(t, f.patient, 0)
	repo := store.NewGormRepository(f.db)

	_, err := f.svc.MarkCompleted(ctx, repo, a.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := f.svc.MarkInProgress(ctx, repo, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)

	got, err = f.svc.MarkCompleted(ctx, repo, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestSendQueueSnapshot_Patient(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	late := f.book(t, f.patient, 60)
	early := f.book(t, f.patient, 0)
	f.book(t, f.other, 30)
	_, err := f.svc.MarkInProgress(ctx, store.NewGormRepository(f.db), early.ID)
	require.NoError(t, err)

	f.events.reset()
	require.NoError(t, f.svc.SendQueueSnapshot(ctx, f.patient, "patient_session"))
	events := f.events.to("patient_session", realtime.EventAppointmentUpdate)
	require.Len(t, events, 2)

	assert.Equal(t, early.ID, events[0].Fields["appointment_id"])
	assert.Equal(t, models.StatusInProgress, events[0].Fields["status"])
	assert.NotContains(t, events[0].Fields, "current_position")

	assert.Equal(t, late.ID, events[1].Fields["appointment_id"])
	assert.Equal(t, 2, events[1].Fields["current_position"])
	assert.Equal(t, 30, events[1].Fields["estimated_time"])
}

func TestSendQueueSnapshot_DoctorSeesToday(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.now = func() time.Time { return testutil.At(-120) }
	f.book(t, f.patient, 0)
	f.book(t, f.other, 60)
	f.book(t, f.patient, 24*60)

	f.events.reset()
	require.NoError(t, f.svc.SendQueueSnapshot(context.Background(), f.doctor, "doctor_session"))
	assert.Len(t, f.events.to("doctor_session", realtime.EventAppointmentUpdate), 2)
}

func TestQueuePosition_StrictlyIncreasing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var booked []*models.Appointment
	for i, who := range []models.Identity{f.patient, f.other, f.patient, f.other} {
		booked = append(booked, f.book(t, who, i*15))
	}

	for i, a := range booked {
		who := f.patient
		if a.PatientID == f.other.ID {
			who = f.other
		}
		est, err := f.svc.QueuePosition(ctx, a.ID, who)
		require.NoError(t, err)
		assert.Equal(t, i+1, est.Position)
		assert.Equal(t, est.Position*15, est.EstimatedWaitMinutes)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.book(t, f.patient, 0)
	f.book(t, f.other, 15)
	c := f.book(t, f.patient, 30)
	_, err := f.svc.Cancel(ctx, c.ID, f.patient)
	require.NoError(t, err)

	mine, err := f.svc.List(ctx, f.patient, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	waiting := models.StatusWaiting
	mine, err = f.svc.List(ctx, f.patient, ListFilter{Status: &waiting})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.svc.List(ctx, f.doctor, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func lastUpdates(r *recorder) map[string]realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]realtime.Event)
	for _, s := range r.sent {
		if s.ev.Type != realtime.EventAppointmentUpdate {
			continue
		}
		id, _ := s.ev.Fields["appointment_id"].(string)
		out[s.key+"/"+id] = s.ev
	}
	return out
}

func TestRefreshQueue_FinalUpdateMatchesPosition(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const n = 12
	patients := make([]models.Identity, n)
	for i := range patients {
		u := testutil.CreateUser(t, f.db, models.RolePatient, fmt.Sprintf("Patient %02d", i))
		patients[i] = models.Identity{ID: u.ID, Role: models.RolePatient}
	}

	var wg sync.WaitGroup
	for i, who := range patients {
		wg.Add(1)
		go func(i int, who models.Identity) {
			defer wg.Done()
			a, err := f.svc.Book(ctx, who, who.ID, f.doctor.ID, testutil.At((n-i)*15))
			if !assert.NoError(t, err) {
				return
			}
			if i%3 == 0 {
				_, err = f.svc.Cancel(ctx, a.ID, who)
				assert.NoError(t, err)
			}
		}(i, who)
	}
	wg.Wait()

	waiting, err := store.NewGormRepository(f.db).ListAppointments(ctx, store.AppointmentFilter{
		DoctorID: f.doctor.ID,
		Statuses: []models.AppointmentStatus{models.StatusWaiting},
	})
	require.NoError(t, err)
	require.Len(t, waiting, n-n/3)

	last := lastUpdates(f.events)
	for _, a := range waiting {
		est, err := f.svc.QueuePosition(ctx, a.ID, models.Identity{ID: a.PatientID, Role: models.RolePatient})
		require.NoError(t, err)

		ev, ok := last[realtime.PatientKey(a.PatientID)+"/"+a.ID]
		require.True(t, ok, a.ID)
		assert.Equal(t, est.Position, ev.Fields["current_position"], a.ID)
		assert.Equal(t, est.EstimatedWaitMinutes, ev.Fields["estimated_time"], a.ID)
	}
}

func TestSendQueueSnapshot_PerDoctorAndAdmin(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	second := testutil.CreateUser(t, f.db, models.RoleDoctor, "Dr. Yusupov")

	mine := f.book(t, f.patient, 30)
	f.book(t, f.other, 0)
	elsewhere, err := f.svc.Book(ctx, f.patient, f.patient.ID, second.ID, testutil.At(0))
	require.NoError(t, err)
	f.events.reset()

	require.NoError(t, f.svc.SendQueueSnapshot(ctx, f.patient, "patient_session"))
	got := f.events.to("patient_session", realtime.EventAppointmentUpdate)
	require.Len(t, got, 2)
	byID := map[any]realtime.Event{}
	for _, ev := range got {
		byID[ev.Fields["appointment_id"]] = ev
	}
	assert.Equal(t, 2, byID[mine.ID].Fields["current_position"])
	assert.Equal(t, 1, byID[elsewhere.ID].Fields["current_position"])
	assert.Empty(t, f.events.to(realtime.PatientKey(f.other.ID), realtime.EventAppointmentUpdate))

	f.events.reset()
	f.svc.now = func() time.Time { return testutil.At(-60) }
	require.NoError(t, f.svc.SendQueueSnapshot(ctx, f.doctor, "doctor_session"))
	assert.Len(t, f.events.to("doctor_session", realtime.EventAppointmentUpdate), 2)

	f.events.reset()
	require.NoError(t, f.svc.SendQueueSnapshot(ctx, models.Identity{ID: "admin-1", Role: models.RoleAdmin}, "user_admin-1"))
	assert.Empty(t, f.events.sent)
}

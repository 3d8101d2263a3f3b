// Package appointment implements the appointment lifecycle:
// waiting -> in_progress -> completed, and waiting -> cancelled.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/lock"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/queue"
	"github.com/Legion808/klinika/internal/realtime"
	"github.com/Legion808/klinika/internal/store"
)

var (
	ErrSlotTaken         = fmt.Errorf("%w: doctor already has an appointment at this time", apperr.ErrConflict)
	ErrNotWaiting        = fmt.Errorf("%w: appointment is not waiting", apperr.ErrInvalidState)
	ErrTransitionDenied  = fmt.Errorf("%w: status can only be changed to cancelled", apperr.ErrInvalidState)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this appointment", apperr.ErrForbidden)
	ErrPatientTransition = fmt.Errorf("%w: patients may only cancel", apperr.ErrForbidden)
	ErrBookForOther      = fmt.Errorf("%w: patients may only book for themselves", apperr.ErrForbidden)
	ErrPatientNotFound   = fmt.Errorf("patient %w", apperr.ErrNotFound)
	ErrClosed            = fmt.Errorf("%w: appointment is already completed or cancelled", apperr.ErrInvalidState)
)

// Notifier queues events for delivery to session keys after a commit.
type Notifier interface {
	Notify(ev realtime.Event, keys ...string)
}

// Directory resolves doctors and display names.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	ActiveDoctor(ctx context.Context, doctorID string) (*models.User, error)
}

type Options struct {
	// CollisionWindow widens the booking conflict check to +/- the window.
	// Zero means only an identical scheduled time conflicts.
	CollisionWindow time.Duration
	// Location decides what "today" means for a doctor's queue snapshot.
	Location *time.Location
}

type Service struct {
	repo      store.Repository
	locker    lock.Locker
	refresh   *lock.LocalLocker
	dir       Directory
	estimator *queue.Estimator
	notifier  Notifier
	metrics   *realtime.Metrics
	log       zerolog.Logger
	opts      Options
	now       func() time.Time
}

func NewService(
	repo store.Repository,
	locker lock.Locker,
	dir Directory,
	estimator *queue.Estimator,
	notifier Notifier,
	metrics *realtime.Metrics,
	log zerolog.Logger,
	opts Options,
) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		refresh:   lock.NewLocalLocker(),
		dir:       dir,
		estimator: estimator,
		notifier:  notifier,
		metrics:   metrics,
		log:       log.With().Str("component", "appointments").Logger(),
		opts:      opts,
		now:       time.Now,
	}
}

func canAccess(a *models.Appointment, who models.Identity) bool {
	return who.IsAdmin() || a.IsParticipant(who.ID)
}

// requireWaiting fails with ErrClosed for completed or cancelled
// appointments and ErrNotWaiting for one already in progress.
func requireWaiting(a *models.Appointment) error {
	switch {
	case a.Status.Terminal():
		return fmt.Errorf("%w (%s)", ErrClosed, a.Status)
	case a.Status != models.StatusWaiting:
		return ErrNotWaiting
	}
	return nil
}

func refreshKey(doctorID string) string {
	return "refresh:" + doctorID
}

func (s *Service) lockKey(doctorID string, at time.Time) string {
	if s.opts.CollisionWindow > 0 {
		return "booking:" + doctorID
	}
	return "booking:" + doctorID + ":" + strconv.FormatInt(at.Unix(), 10)
}

// checkSlot fails with ErrSlotTaken when another non-terminal appointment of
// the doctor sits inside the collision window around at.
func (s *Service) checkSlot(ctx context.Context, doctorID string, at time.Time, excludeID string) error {
	hit, err := s.repo.FindSlotConflict(ctx, doctorID, at.Add(-s.opts.CollisionWindow), at.Add(s.opts.CollisionWindow), excludeID)
	if err != nil {
		return err
	}
	if hit != nil {
		return ErrSlotTaken
	}
	return nil
}

// Book creates a waiting appointment. Patients book for themselves, admins
// for any patient.
func (s *Service) Book(ctx context.Context, requester models.Identity, patientID, doctorID string, scheduledTime time.Time) (*models.Appointment, error) {
	switch {
	case requester.Role == models.RolePatient && patientID == "":
		patientID = requester.ID
	case requester.Role == models.RolePatient && patientID != requester.ID:
		return nil, ErrBookForOther
	case requester.Role == models.RoleDoctor:
		return nil, fmt.Errorf("%w: doctors cannot book appointments", apperr.ErrForbidden)
	}

	patient, err := s.repo.GetUser(ctx, patientID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if patient.Role != models.RolePatient {
		return nil, ErrPatientNotFound
	}
	if _, err := s.dir.ActiveDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	at := scheduledTime.UTC().Truncate(time.Second)
	appt := &models.Appointment{
		PatientID:     patientID,
		DoctorID:      doctorID,
		ScheduledTime: at,
		Status:        models.StatusWaiting,
	}

	err = s.locker.WithLock(ctx, s.lockKey(doctorID, at), func(lockCtx context.Context) error {
		if err := s.checkSlot(lockCtx, doctorID, at, ""); err != nil {
			return err
		}
		return s.repo.CreateAppointment(lockCtx, appt)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition("appointment", string(models.StatusWaiting))
	s.log.Info().Str("appointment_id", appt.ID).Str("doctor_id", doctorID).Time("scheduled_time", at).Msg("appointment booked")

	name, err := s.dir.DisplayName(ctx, patientID)
	if err != nil {
		s.log.Warn().Err(err).Str("patient_id", patientID).Msg("resolve patient name")
	}
	s.notifier.Notify(realtime.NewAppointment(appt, name), realtime.DoctorKey(doctorID))
	s.RefreshQueue(ctx, doctorID)
	return appt, nil
}

func (s *Service) load(ctx context.Context, id string, requester models.Identity) (*models.Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(a, requester) {
		return nil, ErrNotParticipant
	}
	return a, nil
}

func (s *Service) cancel(ctx context.Context, id string, requester models.Identity) (*models.Appointment, error) {
	a, err := s.load(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if err := requireWaiting(a); err != nil {
		return nil, err
	}
	updated, err := s.repo.TransitionAppointment(ctx, a.ID, models.StatusWaiting, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	s.metrics.Transition("appointment", string(models.StatusCancelled))
	s.log.Info().Str("appointment_id", a.ID).Str("by", requester.ID).Msg("appointment cancelled")
	return updated, nil
}

// Cancel moves a waiting appointment to cancelled and tells both participants.
func (s *Service) Cancel(ctx context.Context, id string, requester models.Identity) (*models.Appointment, error) {
	a, err := s.cancel(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(realtime.AppointmentCancelled(a), realtime.PatientKey(a.PatientID), realtime.DoctorKey(a.DoctorID))
	s.RefreshQueue(ctx, a.DoctorID)
	return a, nil
}

// UpdateStatus is the external status-change entry point. Only cancellation
// is reachable here; in_progress and completed follow consultation start and end.
func (s *Service) UpdateStatus(ctx context.Context, id string, requester models.Identity, status models.AppointmentStatus) (*models.Appointment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidInput, status)
	}
	a, err := s.load(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if requester.Role == models.RolePatient && status != models.StatusCancelled {
		return nil, ErrPatientTransition
	}
	if status != models.StatusCancelled {
		return nil, ErrTransitionDenied
	}

	updated, err := s.cancel(ctx, a.ID, requester)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(realtime.AppointmentStatusUpdate(updated), realtime.PatientKey(updated.PatientID), realtime.DoctorKey(updated.DoctorID))
	s.RefreshQueue(ctx, updated.DoctorID)
	return updated, nil
}

// Reschedule moves a waiting appointment to a new time under the same
// conflict rule as Book.
func (s *Service) Reschedule(ctx context.Context, id string, requester models.Identity, scheduledTime time.Time) (*models.Appointment, error) {
	a, err := s.load(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if err := requireWaiting(a); err != nil {
		return nil, err
	}

	at := scheduledTime.UTC().Truncate(time.Second)
	var updated *models.Appointment
	err = s.locker.WithLock(ctx, s.lockKey(a.DoctorID, at), func(lockCtx context.Context) error {
		if err := s.checkSlot(lockCtx, a.DoctorID, at, a.ID); err != nil {
			return err
		}
		var err error
		updated, err = s.repo.RescheduleAppointment(lockCtx, a.ID, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("appointment_id", a.ID).Time("scheduled_time", at).Msg("appointment rescheduled")
	s.notifier.Notify(realtime.AppointmentStatusUpdate(updated), realtime.PatientKey(updated.PatientID), realtime.DoctorKey(updated.DoctorID))
	s.RefreshQueue(ctx, updated.DoctorID)
	return updated, nil
}

// MarkInProgress and MarkCompleted run inside the consultation lifecycle's
// transaction; tx must be the transaction-bound repository.
func (s *Service) MarkInProgress(ctx context.Context, tx store.Repository, id string) (*models.Appointment, error) {
	return tx.TransitionAppointment(ctx, id, models.StatusWaiting, models.StatusInProgress)
}

func (s *Service) MarkCompleted(ctx context.Context, tx store.Repository, id string) (*models.Appointment, error) {
	return tx.TransitionAppointment(ctx, id, models.StatusInProgress, models.StatusCompleted)
}

// RefreshQueue pushes a fresh position to every waiting patient of the
// doctor. Refreshes for one doctor run one at a time and read the queue
// inside the lock, so the last update a patient receives reflects the
// latest commit. Failures are logged; the triggering operation has committed.
func (s *Service) RefreshQueue(ctx context.Context, doctorID string) {
	ctx = context.WithoutCancel(ctx)
	err := s.refresh.WithLock(ctx, refreshKey(doctorID), func(ctx context.Context) error {
		waiting, err := s.repo.ListAppointments(ctx, store.AppointmentFilter{
			DoctorID: doctorID,
			Statuses: []models.AppointmentStatus{models.StatusWaiting},
		})
		if err != nil {
			return err
		}
		for i := range waiting {
			a := &waiting[i]
			ev, err := s.snapshotEvent(ctx, a)
			if err != nil {
				s.log.Warn().Err(err).Str("appointment_id", a.ID).Msg("refresh queue position")
				continue
			}
			s.notifier.Notify(ev, realtime.PatientKey(a.PatientID))
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("refresh queue")
	}
}

func (s *Service) snapshotEvent(ctx context.Context, a *models.Appointment) (realtime.Event, error) {
	if a.Status != models.StatusWaiting {
		return realtime.AppointmentUpdate(a, 0, 0), nil
	}
	est, err := s.estimator.Estimate(ctx, a)
	if err != nil {
		return realtime.Event{}, err
	}
	return realtime.AppointmentUpdate(a, est.Position, est.EstimatedWaitMinutes), nil
}

func (s *Service) todayFilter(doctorID string) store.AppointmentFilter {
	now := s.now().In(s.opts.Location)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.opts.Location)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return store.AppointmentFilter{
		DoctorID: doctorID,
		Statuses: models.ActiveStatuses,
		From:     &start,
		To:       &end,
	}
}

func (s *Service) events(ctx context.Context, filter store.AppointmentFilter) ([]realtime.Event, error) {
	list, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, err
	}
	events := make([]realtime.Event, 0, len(list))
	for i := range list {
		ev, err := s.snapshotEvent(ctx, &list[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// SendQueueSnapshot queues the appointment_update events for a caller
// opening the queue channel on key. Patients get all their active
// appointments, doctors get today's, admins get none. Each doctor's part is
// read and queued under that doctor's refresh lock, so it can neither
// overtake nor be overtaken by a concurrent RefreshQueue. key must already
// be registered.
func (s *Service) SendQueueSnapshot(ctx context.Context, who models.Identity, key string) error {
	send := func(doctorID string, filter store.AppointmentFilter) error {
		return s.refresh.WithLock(ctx, refreshKey(doctorID), func(ctx context.Context) error {
			events, err := s.events(ctx, filter)
			if err != nil {
				return err
			}
			for _, ev := range events {
				s.notifier.Notify(ev, key)
			}
			return nil
		})
	}

	switch who.Role {
	case models.RolePatient:
		active, err := s.repo.ListAppointments(ctx, store.AppointmentFilter{PatientID: who.ID, Statuses: models.ActiveStatuses})
		if err != nil {
			return err
		}
		seen := make(map[string]struct{})
		for _, a := range active {
			if _, ok := seen[a.DoctorID]; ok {
				continue
			}
			seen[a.DoctorID] = struct{}{}
			err := send(a.DoctorID, store.AppointmentFilter{
				PatientID: who.ID,
				DoctorID:  a.DoctorID,
				Statuses:  models.ActiveStatuses,
			})
			if err != nil {
				return err
			}
		}
	case models.RoleDoctor:
		return send(who.ID, s.todayFilter(who.ID))
	}
	return nil
}

// Get returns an appointment visible to the requester.
func (s *Service) Get(ctx context.Context, id string, requester models.Identity) (*models.Appointment, error) {
	return s.load(ctx, id, requester)
}

// ListFilter narrows List for the requester's own appointments.
type ListFilter struct {
	Status *models.AppointmentStatus
	From   *time.Time
	To     *time.Time
}

// List returns the requester's appointments ordered by scheduled time.
// Admins see every appointment.
func (s *Service) List(ctx context.Context, requester models.Identity, f ListFilter) ([]models.Appointment, error) {
	filter := store.AppointmentFilter{From: f.From, To: f.To}
	switch requester.Role {
	case models.RolePatient:
		filter.PatientID = requester.ID
	case models.RoleDoctor:
		filter.DoctorID = requester.ID
	}
	if f.Status != nil {
		filter.Statuses = []models.AppointmentStatus{*f.Status}
	}
	return s.repo.ListAppointments(ctx, filter)
}

// QueuePosition returns the live position and estimated wait of a waiting appointment.
func (s *Service) QueuePosition(ctx context.Context, id string, requester models.Identity) (queue.Estimate, error) {
	a, err := s.load(ctx, id, requester)
	if err != nil {
		return queue.Estimate{}, err
	}
	return s.estimator.Estimate(ctx, a)
}

// Package consultation implements the consultation lifecycle tied one-to-one
// to an appointment, and the chat message contract within it.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/lock"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/realtime"
	"github.com/Legion808/klinika/internal/store"
)

var (
	ErrNotParticipant = fmt.Errorf("%w: not a participant of this consultation", apperr.ErrForbidden)
	ErrNotDoctor      = fmt.Errorf("%w: only the appointment's doctor can end the consultation", apperr.ErrForbidden)
	ErrNotStartable   = fmt.Errorf("%w: consultation can only start from a waiting appointment", apperr.ErrInvalidState)
	ErrAlreadyStarted = fmt.Errorf("%w: consultation already exists for this appointment", apperr.ErrConflict)
	// ErrUnknownConsultation is both not-found and an invalid state for ending.
	ErrUnknownConsultation = fmt.Errorf("%w: %w", store.ErrConsultationNotFound, apperr.ErrInvalidState)
	ErrEmptyMessage        = fmt.Errorf("%w: message body is empty", apperr.ErrInvalidInput)
	ErrUnknownType         = fmt.Errorf("%w: consultation type must be chat or video", apperr.ErrInvalidInput)
)

// Notifier queues events for delivery to session keys after a commit.
type Notifier interface {
	Notify(ev realtime.Event, keys ...string)
}

// Names resolves display names for message events.
type Names interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Appointments is the slice of the appointment lifecycle a consultation drives.
type Appointments interface {
	MarkInProgress(ctx context.Context, tx store.Repository, id string) (*models.Appointment, error)
	MarkCompleted(ctx context.Context, tx store.Repository, id string) (*models.Appointment, error)
	RefreshQueue(ctx context.Context, doctorID string)
}

type Service struct {
	repo         store.Repository
	appointments Appointments
	names        Names
	notifier     Notifier
	chat         *lock.LocalLocker
	metrics      *realtime.Metrics
	log          zerolog.Logger
	now          func() time.Time
}

func NewService(repo store.Repository, appointments Appointments, names Names, notifier Notifier, metrics *realtime.Metrics, log zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		appointments: appointments,
		names:        names,
		notifier:     notifier,
		chat:         lock.NewLocalLocker(),
		metrics:      metrics,
		log:          log.With().Str("component", "consultations").Logger(),
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Start opens the consultation for a waiting appointment and moves the
// appointment to in_progress in the same transaction.
func (s *Service) Start(ctx context.Context, appointmentID string, requester models.Identity, typ models.ConsultationType) (*models.Consultation, error) {
	if typ == "" {
		typ = models.ConsultationChat
	}
	if typ != models.ConsultationChat && typ != models.ConsultationVideo {
		return nil, ErrUnknownType
	}

	a, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !a.IsParticipant(requester.ID) {
		return nil, ErrNotParticipant
	}
	if a.Status != models.StatusWaiting {
		existing, err := s.repo.GetConsultationByAppointment(ctx, a.ID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyStarted, existing.ID)
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
		return nil, ErrNotStartable
	}

	c := &models.Consultation{
		AppointmentID: a.ID,
		Type:          typ,
		StartedAt:     s.now(),
	}
	err = s.repo.Transaction(ctx, func(tx store.Repository) error {
		if _, err := s.appointments.MarkInProgress(ctx, tx, a.ID); err != nil {
			return err
		}
		if err := tx.CreateConsultation(ctx, c); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return ErrAlreadyStarted
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition("appointment", string(models.StatusInProgress))
	s.metrics.Transition("consultation", "active")
	s.log.Info().Str("consultation_id", c.ID).Str("appointment_id", a.ID).Msg("consultation started")

	s.notifier.Notify(realtime.ConsultationStarted(c), realtime.PatientKey(a.PatientID), realtime.DoctorKey(a.DoctorID))
	s.appointments.RefreshQueue(ctx, a.DoctorID)
	return c, nil
}

// End closes the consultation and completes its appointment. Only the
// appointment's doctor may end it, and only once.
func (s *Service) End(ctx context.Context, consultationID string, requester models.Identity, notes *string) (*models.Consultation, error) {
	c, err := s.repo.GetConsultation(ctx, consultationID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrUnknownConsultation
		}
		return nil, err
	}
	a, err := s.repo.GetAppointment(ctx, c.AppointmentID)
	if err != nil {
		return nil, err
	}
	if requester.ID != a.DoctorID {
		return nil, ErrNotDoctor
	}
	if !c.Active() {
		return nil, store.ErrConsultationEnded
	}

	var ended *models.Consultation
	err = s.repo.Transaction(ctx, func(tx store.Repository) error {
		var err error
		ended, err = tx.EndConsultation(ctx, c.ID, s.now(), notes)
		if err != nil {
			return err
		}
		_, err = s.appointments.MarkCompleted(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition("appointment", string(models.StatusCompleted))
	s.metrics.Transition("consultation", "ended")
	s.log.Info().Str("consultation_id", c.ID).Msg("consultation ended")

	s.notifier.Notify(realtime.ConsultationEnded(ended), realtime.PatientKey(a.PatientID), realtime.ChatKey(c.ID, a.PatientID))
	return ended, nil
}

// Participant loads a consultation and its appointment, failing unless who
// is the patient or the doctor.
func (s *Service) Participant(ctx context.Context, consultationID string, who models.Identity) (*models.Consultation, *models.Appointment, error) {
	c, err := s.repo.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.repo.GetAppointment(ctx, c.AppointmentID)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsParticipant(who.ID) {
		return nil, nil, ErrNotParticipant
	}
	return c, a, nil
}

func counterpart(a *models.Appointment, userID string) string {
	if userID == a.PatientID {
		return a.DoctorID
	}
	return a.PatientID
}

// AppendMessage stores a chat line after every earlier one and forwards it
// to the other participant's chat session.
func (s *Service) AppendMessage(ctx context.Context, consultationID string, sender models.Identity, body string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	c, a, err := s.Participant(ctx, consultationID, sender)
	if err != nil {
		return nil, err
	}
	if !c.Active() {
		return nil, store.ErrConsultationEnded
	}

	name := s.displayName(ctx, sender.ID)
	msg := &models.Message{
		ConsultationID: c.ID,
		SenderID:       sender.ID,
		Body:           body,
	}
	err = s.chat.WithLock(ctx, chatLockKey(c.ID), func(ctx context.Context) error {
		msg.Timestamp = s.now()
		if err := s.repo.AppendMessage(ctx, msg); err != nil {
			return err
		}
		s.notifier.Notify(realtime.NewMessage(msg, name), realtime.ChatKey(c.ID, counterpart(a, sender.ID)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func chatLockKey(consultationID string) string {
	return "chat:" + consultationID
}

// ReplayHistory runs attach, which registers the caller's chat session, and
// queues every stored message to forKey oldest first. Both happen under the
// lock AppendMessage holds across its commit and notify, so each message
// reaches the new session exactly once, either as history or as new_message,
// and in order.
func (s *Service) ReplayHistory(ctx context.Context, consultationID, forKey string, attach func()) error {
	return s.chat.WithLock(ctx, chatLockKey(consultationID), func(ctx context.Context) error {
		if attach != nil {
			attach()
		}
		msgs, err := s.repo.ListMessages(ctx, consultationID)
		if err != nil {
			return err
		}
		names := make(map[string]string, 2)
		for i := range msgs {
			m := &msgs[i]
			name, ok := names[m.SenderID]
			if !ok {
				name = s.displayName(ctx, m.SenderID)
				names[m.SenderID] = name
			}
			s.notifier.Notify(realtime.HistoryMessage(m, name), forKey)
		}
		return nil
	})
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	name, err := s.names.DisplayName(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("resolve sender name")
	}
	return name
}

// Get returns a consultation visible to the requester.
func (s *Service) Get(ctx context.Context, consultationID string, requester models.Identity) (*models.Consultation, error) {
	if requester.IsAdmin() {
		return s.repo.GetConsultation(ctx, consultationID)
	}
	c, _, err := s.Participant(ctx, consultationID, requester)
	return c, err
}

// List returns the requester's consultations, newest first.
func (s *Service) List(ctx context.Context, requester models.Identity) ([]models.Consultation, error) {
	var filter store.ConsultationFilter
	switch requester.Role {
	case models.RolePatient:
		filter.PatientID = requester.ID
	case models.RoleDoctor:
		filter.DoctorID = requester.ID
	}
	return s.repo.ListConsultations(ctx, filter)
}

// Messages returns the chat history in delivery order.
func (s *Service) Messages(ctx context.Context, consultationID string, requester models.Identity) ([]models.Message, error) {
	if _, err := s.Get(ctx, consultationID, requester); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, consultationID)
}

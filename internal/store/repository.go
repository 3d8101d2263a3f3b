// Package store is the persistence collaborator of the queue core. Every
// status change goes through a compare-and-set update so that concurrent
// conflicting transitions on one record cannot both succeed.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
)

var (
	ErrUserNotFound         = fmt.Errorf("user %w", apperr.ErrNotFound)
	ErrDoctorNotFound       = fmt.Errorf("doctor %w", apperr.ErrNotFound)
	ErrAppointmentNotFound  = fmt.Errorf("appointment %w", apperr.ErrNotFound)
	ErrConsultationNotFound = fmt.Errorf("consultation %w", apperr.ErrNotFound)

	// ErrStaleStatus means the record no longer had the expected status at commit time.
	ErrStaleStatus       = fmt.Errorf("%w: appointment status changed concurrently", apperr.ErrInvalidState)
	ErrConsultationEnded = fmt.Errorf("%w: consultation has already ended", apperr.ErrInvalidState)
)

// AppointmentFilter narrows ListAppointments. Zero values are ignored.
type AppointmentFilter struct {
	PatientID string
	DoctorID  string
	Statuses  []models.AppointmentStatus
	From      *time.Time
	To        *time.Time
}

// ConsultationFilter narrows ListConsultations to one participant.
type ConsultationFilter struct {
	PatientID string
	DoctorID  string
}

// Repository contains all DB interactions needed by the lifecycle services.
type Repository interface {
	// Transaction runs fn against a repository bound to one database transaction.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetActiveDoctor(ctx context.Context, id string) (*models.User, error)
	ListActiveDoctors(ctx context.Context) ([]models.User, error)
	CreateUser(ctx context.Context, u *models.User) error

	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	CreateAppointment(ctx context.Context, appt *models.Appointment) error
	// FindSlotConflict returns a non-terminal appointment of doctorID scheduled
	// within [from, to], ignoring excludeID, or nil when the range is free.
	FindSlotConflict(ctx context.Context, doctorID string, from, to time.Time, excludeID string) (*models.Appointment, error)
	TransitionAppointment(ctx context.Context, id string, from, to models.AppointmentStatus) (*models.Appointment, error)
	RescheduleAppointment(ctx context.Context, id string, scheduledTime time.Time) (*models.Appointment, error)
	CountWaitingBefore(ctx context.Context, doctorID string, before time.Time) (int64, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]models.Appointment, error)

	GetConsultation(ctx context.Context, id string) (*models.Consultation, error)
	GetConsultationByAppointment(ctx context.Context, appointmentID string) (*models.Consultation, error)
	CreateConsultation(ctx context.Context, c *models.Consultation) error
	EndConsultation(ctx context.Context, id string, endedAt time.Time, notes *string) (*models.Consultation, error)
	ListConsultations(ctx context.Context, filter ConsultationFilter) ([]models.Consultation, error)

	// AppendMessage stores msg after every earlier message of its consultation.
	// It fails with ErrConsultationEnded once the consultation has ended.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, consultationID string) ([]models.Message, error)
}

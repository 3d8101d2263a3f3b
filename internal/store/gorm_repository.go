package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
)

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Helpers

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Users

func (r *GormRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

// CreateUser inserts u. Emails are stored lower-cased; a duplicate email or
// username is reported as a conflict.
func (r *GormRepository) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: user with this email or username already exists", apperr.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *GormRepository) ListActiveDoctors(ctx context.Context) ([]models.User, error) {
	var doctors []models.User
	err := r.db.WithContext(ctx).
		Where("role = ? AND is_active = ?", models.RoleDoctor, true).
		Order("full_name ASC, username ASC").
		Find(&doctors).Error
	return doctors, err
}

func (r *GormRepository) GetActiveDoctor(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).
		Where("id = ? AND role = ? AND is_active = ?", id, models.RoleDoctor, true).
		First(&u).Error
	if err != nil {
		return nil, notFound(err, ErrDoctorNotFound)
	}
	return &u, nil
}

// Appointments

func (r *GormRepository) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrAppointmentNotFound)
	}
	return &a, nil
}

func (r *GormRepository) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	if appt.Status == "" {
		appt.Status = models.StatusWaiting
	}
	if err := r.db.WithContext(ctx).Create(appt).Error; err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *GormRepository) FindSlotConflict(ctx context.Context, doctorID string, from, to time.Time, excludeID string) (*models.Appointment, error) {
	q := r.db.WithContext(ctx).
		Where("doctor_id = ? AND status IN ?", doctorID, models.ActiveStatuses).
		Where("scheduled_time >= ? AND scheduled_time <= ?", from, to)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}

	var a models.Appointment
	err := q.Order("scheduled_time asc").Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check slot conflict: %w", err)
	}
	return &a, nil
}

func (r *GormRepository) TransitionAppointment(ctx context.Context, id string, from, to models.AppointmentStatus) (*models.Appointment, error) {
	res := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": now()})
	if res.Error != nil {
		return nil, fmt.Errorf("update appointment status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetAppointment(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStaleStatus
	}
	return r.GetAppointment(ctx, id)
}

func (r *GormRepository) RescheduleAppointment(ctx context.Context, id string, scheduledTime time.Time) (*models.Appointment, error) {
	res := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("id = ? AND status = ?", id, models.StatusWaiting).
		Updates(map[string]any{"scheduled_time": scheduledTime, "updated_at": now()})
	if res.Error != nil {
		return nil, fmt.Errorf("reschedule appointment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetAppointment(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStaleStatus
	}
	return r.GetAppointment(ctx, id)
}

func (r *GormRepository) CountWaitingBefore(ctx context.Context, doctorID string, before time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("doctor_id = ? AND status = ? AND scheduled_time < ?", doctorID, models.StatusWaiting, before).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count waiting appointments: %w", err)
	}
	return n, nil
}

func (r *GormRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]models.Appointment, error) {
	q := r.db.WithContext(ctx).Model(&models.Appointment{})
	if filter.PatientID != "" {
		q = q.Where("patient_id = ?", filter.PatientID)
	}
	if filter.DoctorID != "" {
		q = q.Where("doctor_id = ?", filter.DoctorID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.From != nil {
		q = q.Where("scheduled_time >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("scheduled_time <= ?", *filter.To)
	}

	var out []models.Appointment
	if err := q.Order("scheduled_time asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return out, nil
}

// Consultations

func (r *GormRepository) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	var c models.Consultation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrConsultationNotFound)
	}
	return &c, nil
}

func (r *GormRepository) GetConsultationByAppointment(ctx context.Context, appointmentID string) (*models.Consultation, error) {
	var c models.Consultation
	if err := r.db.WithContext(ctx).First(&c, "appointment_id = ?", appointmentID).Error; err != nil {
		return nil, notFound(err, ErrConsultationNotFound)
	}
	return &c, nil
}

func (r *GormRepository) CreateConsultation(ctx context.Context, c *models.Consultation) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: consultation already exists for appointment", apperr.ErrConflict)
		}
		return fmt.Errorf("create consultation: %w", err)
	}
	return nil
}

func (r *GormRepository) EndConsultation(ctx context.Context, id string, endedAt time.Time, notes *string) (*models.Consultation, error) {
	updates := map[string]any{"ended_at": endedAt, "updated_at": now()}
	if notes != nil {
		updates["notes"] = *notes
	}

	res := r.db.WithContext(ctx).Model(&models.Consultation{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("end consultation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetConsultation(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConsultationEnded
	}
	return r.GetConsultation(ctx, id)
}

func (r *GormRepository) ListConsultations(ctx context.Context, filter ConsultationFilter) ([]models.Consultation, error) {
	q := r.db.WithContext(ctx).Model(&models.Consultation{}).
		Joins("JOIN appointments ON appointments.id = consultations.appointment_id")
	if filter.PatientID != "" {
		q = q.Where("appointments.patient_id = ?", filter.PatientID)
	}
	if filter.DoctorID != "" {
		q = q.Where("appointments.doctor_id = ?", filter.DoctorID)
	}

	var out []models.Consultation
	if err := q.Order("consultations.started_at desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return out, nil
}

// Messages

func (r *GormRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Bumping the counter locks the consultation row, which serializes
		// appends against each other and against EndConsultation.
		res := tx.Model(&models.Consultation{}).
			Where("id = ? AND ended_at IS NULL", msg.ConsultationID).
			Update("message_count", gorm.Expr("message_count + ?", 1))
		if res.Error != nil {
			return fmt.Errorf("lock consultation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var c models.Consultation
			if err := tx.First(&c, "id = ?", msg.ConsultationID).Error; err != nil {
				return notFound(err, ErrConsultationNotFound)
			}
			return ErrConsultationEnded
		}

		var c models.Consultation
		if err := tx.Select("message_count").First(&c, "id = ?", msg.ConsultationID).Error; err != nil {
			return fmt.Errorf("read message count: %w", err)
		}
		msg.Seq = c.MessageCount

		if msg.Timestamp.IsZero() {
			msg.Timestamp = now()
		}
		var last models.Message
		err := tx.Where("consultation_id = ?", msg.ConsultationID).Order("seq desc").Take(&last).Error
		switch {
		case err == nil:
			if msg.Timestamp.Before(last.Timestamp) {
				msg.Timestamp = last.Timestamp
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("read last message: %w", err)
		}

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) ListMessages(ctx context.Context, consultationID string) ([]models.Message, error) {
	var out []models.Message
	err := r.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}}).
		Order("seq asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

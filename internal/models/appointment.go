package models

import (
	"time"
)

// AppointmentStatus represents the status of an appointment
type AppointmentStatus string

const (
	StatusWaiting    AppointmentStatus = "waiting"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses never change again
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ActiveStatuses are the non-terminal statuses that occupy a doctor's slot
var ActiveStatuses = []AppointmentStatus{StatusWaiting, StatusInProgress}

// Appointment is a patient's place in a doctor's queue
type Appointment struct {
	BaseModel
	PatientID     string            `gorm:"size:36;index;not null" json:"patient_id"`
	DoctorID      string            `gorm:"size:36;index:idx_doctor_time;not null" json:"doctor_id"`
	ScheduledTime time.Time         `gorm:"index:idx_doctor_time;not null" json:"scheduled_time"`
	Status        AppointmentStatus `gorm:"size:20;default:'waiting';index" json:"status"`
}

// IsParticipant reports whether userID is the appointment's patient or doctor
func (a *Appointment) IsParticipant(userID string) bool {
	return userID == a.PatientID || userID == a.DoctorID
}

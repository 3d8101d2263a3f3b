package models

import (
	"time"
)

// ConsultationType is the medium of a consultation
type ConsultationType string

const (
	ConsultationChat  ConsultationType = "chat"
	ConsultationVideo ConsultationType = "video"
)

// Consultation is created once per appointment when it moves to in-progress
type Consultation struct {
	BaseModel
	AppointmentID string           `gorm:"size:36;uniqueIndex;not null" json:"appointment_id"`
	Type          ConsultationType `gorm:"size:10;not null" json:"type"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	Notes         *string          `gorm:"type:text" json:"notes,omitempty"`
	MessageCount  int64            `gorm:"not null;default:0" json:"-"`
}

// Active is true until the consultation has been ended
func (c *Consultation) Active() bool {
	return c.EndedAt == nil
}

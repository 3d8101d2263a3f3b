package models

import (
	"time"
)

// Message is an append-only chat line inside a consultation.
// Seq breaks timestamp ties in insertion order.
type Message struct {
	BaseModel
	ConsultationID string    `gorm:"size:36;index:idx_consultation_order;not null" json:"consultation_id"`
	SenderID       string    `gorm:"size:36;not null" json:"sender_id"`
	Body           string    `gorm:"column:message;type:text;not null" json:"message"`
	Timestamp      time.Time `gorm:"index:idx_consultation_order" json:"timestamp"`
	Seq            int64     `gorm:"index:idx_consultation_order;not null" json:"-"`
}

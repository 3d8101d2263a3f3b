package realtime

import (
	"encoding/json"
	"time"

	"github.com/Legion808/klinika/internal/models"
)

// Event types pushed over the queue and chat channels.
const (
	EventNewAppointment          = "new_appointment"
	EventAppointmentStatusUpdate = "appointment_status_update"
	EventAppointmentCancelled    = "appointment_cancelled"
	EventAppointmentUpdate       = "appointment_update"
	EventConsultationStarted     = "consultation_started"
	EventConsultationEnded       = "consultation_ended"
	EventNewMessage              = "new_message"
	EventHistoryMessage          = "history_message"
)

// Event is serialized as one flat JSON object: {"type": ..., <fields>}.
type Event struct {
	Type   string
	Fields map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func NewAppointment(a *models.Appointment, patientName string) Event {
	return Event{Type: EventNewAppointment, Fields: map[string]any{
		"appointment_id": a.ID,
		"patient_name":   patientName,
		"scheduled_time": formatTime(a.ScheduledTime),
	}}
}

func AppointmentStatusUpdate(a *models.Appointment) Event {
	return Event{Type: EventAppointmentStatusUpdate, Fields: map[string]any{
		"appointment_id": a.ID,
		"status":         a.Status,
	}}
}

func AppointmentCancelled(a *models.Appointment) Event {
	return Event{Type: EventAppointmentCancelled, Fields: map[string]any{
		"appointment_id": a.ID,
	}}
}

// AppointmentUpdate is the queue snapshot for one appointment. Position and
// estimate are included only for waiting appointments with a position.
func AppointmentUpdate(a *models.Appointment, position, estimatedMinutes int) Event {
	fields := map[string]any{
		"appointment_id": a.ID,
		"status":         a.Status,
		"scheduled_time": formatTime(a.ScheduledTime),
	}
	if a.Status == models.StatusWaiting && position > 0 {
		fields["current_position"] = position
		fields["estimated_time"] = estimatedMinutes
	}
	return Event{Type: EventAppointmentUpdate, Fields: fields}
}

func ConsultationStarted(c *models.Consultation) Event {
	return Event{Type: EventConsultationStarted, Fields: map[string]any{
		"consultation_id":   c.ID,
		"appointment_id":    c.AppointmentID,
		"consultation_type": c.Type,
	}}
}

func ConsultationEnded(c *models.Consultation) Event {
	return Event{Type: EventConsultationEnded, Fields: map[string]any{
		"consultation_id": c.ID,
		"appointment_id":  c.AppointmentID,
	}}
}

func messageFields(m *models.Message, senderName string) map[string]any {
	return map[string]any{
		"message_id":  m.ID,
		"sender_id":   m.SenderID,
		"sender_name": senderName,
		"message":     m.Body,
		"timestamp":   formatTime(m.Timestamp),
	}
}

func NewMessage(m *models.Message, senderName string) Event {
	return Event{Type: EventNewMessage, Fields: messageFields(m, senderName)}
}

func HistoryMessage(m *models.Message, senderName string) Event {
	return Event{Type: EventHistoryMessage, Fields: messageFields(m, senderName)}
}

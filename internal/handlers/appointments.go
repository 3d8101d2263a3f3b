package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Legion808/klinika/internal/appointment"
	"github.com/Legion808/klinika/internal/middleware"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/utils"
)

// AppointmentHandler handles appointment related requests.
type AppointmentHandler struct {
	svc *appointment.Service
}

// NewAppointmentHandler creates a new AppointmentHandler.
func NewAppointmentHandler(svc *appointment.Service) *AppointmentHandler {
	return &AppointmentHandler{svc: svc}
}

// BookAppointmentRequest represents the request body for booking an appointment.
// PatientID is only read for admins; patients always book for themselves.
type BookAppointmentRequest struct {
	DoctorID      string    `json:"doctor_id" validate:"required"`
	PatientID     string    `json:"patient_id"`
	ScheduledTime time.Time `json:"scheduled_time" validate:"required"`
}

// CreateAppointment books a waiting appointment with a doctor.
func (h *AppointmentHandler) CreateAppointment(c *gin.Context) {
	var req BookAppointmentRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	caller, ok := middleware.IdentityFromContext(c)
	if !ok {
		utils.Unauthorized(c, "User not authenticated")
		return
	}

	if req.ScheduledTime.Before(time.Now()) {
		utils.BadRequest(c, "Appointment time must be in the future.")
		return
	}

	patientID := req.PatientID
	if caller.Role == models.RolePatient {
		patientID = caller.ID
	}

	appt, err := h.svc.Book(c.Request.Context(), caller, patientID, req.DoctorID, req.ScheduledTime)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Appointment booked successfully", appt)
}

// GetMyAppointments lists the caller's appointments ordered by scheduled time.
// Query: status, start_date, end_date (RFC 3339 or YYYY-MM-DD).
func (h *AppointmentHandler) GetMyAppointments(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	var filter appointment.ListFilter
	if s := c.Query("status"); s != "" {
		status := models.AppointmentStatus(s)
		if !status.Valid() {
			utils.BadRequest(c, "Invalid status filter")
			return
		}
		filter.Status = &status
	}
	from, err := parseDateParam(c.Query("start_date"), false)
	if err != nil {
		utils.BadRequest(c, "Invalid start_date")
		return
	}
	to, err := parseDateParam(c.Query("end_date"), true)
	if err != nil {
		utils.BadRequest(c, "Invalid end_date")
		return
	}
	filter.From, filter.To = from, to

	list, err := h.svc.List(c.Request.Context(), caller, filter)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointments fetched successfully", list)
}

// GetAppointmentByID handles fetching a single appointment by its ID.
// Accessible by involved patient, doctor, or an admin.
func (h *AppointmentHandler) GetAppointmentByID(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	appt, err := h.svc.Get(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment fetched successfully", appt)
}

// GetQueuePosition returns the live queue position of a waiting appointment.
func (h *AppointmentHandler) GetQueuePosition(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	est, err := h.svc.QueuePosition(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Queue position fetched successfully", est)
}

// UpdateAppointmentStatusRequest represents the request body for updating an appointment's status.
type UpdateAppointmentStatusRequest struct {
	Status models.AppointmentStatus `json:"status" validate:"required,oneof=waiting in_progress completed cancelled"`
}

// UpdateAppointmentStatus handles updating the status of an appointment.
func (h *AppointmentHandler) UpdateAppointmentStatus(c *gin.Context) {
	var req UpdateAppointmentStatusRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	caller, _ := middleware.IdentityFromContext(c)

	appt, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), caller, req.Status)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment status updated successfully", appt)
}

// CancelAppointment cancels a waiting appointment.
func (h *AppointmentHandler) CancelAppointment(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	appt, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment cancelled successfully", appt)
}

// RescheduleAppointmentRequest represents the request body for rescheduling an appointment.
type RescheduleAppointmentRequest struct {
	ScheduledTime time.Time `json:"scheduled_time" validate:"required"`
}

// RescheduleAppointment moves a waiting appointment to a new time.
func (h *AppointmentHandler) RescheduleAppointment(c *gin.Context) {
	var req RescheduleAppointmentRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	if req.ScheduledTime.Before(time.Now()) {
		utils.BadRequest(c, "New appointment time must be in the future.")
		return
	}
	caller, _ := middleware.IdentityFromContext(c)

	appt, err := h.svc.Reschedule(c.Request.Context(), c.Param("id"), caller, req.ScheduledTime)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Appointment rescheduled successfully", appt)
}

// parseDateParam accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func parseDateParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

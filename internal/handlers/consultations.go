package handlers

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/Legion808/klinika/internal/consultation"
	"github.com/Legion808/klinika/internal/middleware"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/utils"
)

// ConsultationHandler handles consultation and chat requests.
type ConsultationHandler struct {
	svc *consultation.Service
}

func NewConsultationHandler(svc *consultation.Service) *ConsultationHandler {
	return &ConsultationHandler{svc: svc}
}

type StartConsultationRequest struct {
	Type models.ConsultationType `json:"type" validate:"omitempty,oneof=chat video"`
}

type EndConsultationRequest struct {
	Notes *string `json:"notes" validate:"omitempty,max=4000"`
}

type SendMessageRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// bindOptional binds a JSON body that may be absent.
func bindOptional(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		utils.BadRequest(c, "Invalid request payload: "+err.Error())
		return false
	}
	if err := utils.Validate(obj); err != nil {
		utils.BadRequest(c, "Validation failed: "+utils.FormatValidationError(err))
		return false
	}
	return true
}

// StartConsultation opens a consultation for a waiting appointment.
func (h *ConsultationHandler) StartConsultation(c *gin.Context) {
	var req StartConsultationRequest
	if !bindOptional(c, &req) {
		return
	}
	caller, _ := middleware.IdentityFromContext(c)

	cons, err := h.svc.Start(c.Request.Context(), c.Param("appointment_id"), caller, req.Type)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Consultation started successfully", cons)
}

// EndConsultation ends a consultation; doctor only.
func (h *ConsultationHandler) EndConsultation(c *gin.Context) {
	var req EndConsultationRequest
	if !bindOptional(c, &req) {
		return
	}
	caller, _ := middleware.IdentityFromContext(c)

	cons, err := h.svc.End(c.Request.Context(), c.Param("id"), caller, req.Notes)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Consultation ended successfully", cons)
}

func (h *ConsultationHandler) GetMyConsultations(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	list, err := h.svc.List(c.Request.Context(), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Consultations fetched successfully", list)
}

func (h *ConsultationHandler) GetConsultationByID(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	cons, err := h.svc.Get(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Consultation fetched successfully", cons)
}

// GetMessages returns the chat history in delivery order.
func (h *ConsultationHandler) GetMessages(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	msgs, err := h.svc.Messages(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Messages fetched successfully", msgs)
}

// SendMessage appends a chat line over REST; the other participant receives
// it on their chat channel.
func (h *ConsultationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	caller, _ := middleware.IdentityFromContext(c)

	msg, err := h.svc.AppendMessage(c.Request.Context(), c.Param("id"), caller, req.Message)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Created(c, "Message sent successfully", msg)
}

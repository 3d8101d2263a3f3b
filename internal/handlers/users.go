package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Legion808/klinika/internal/utils"
)

// UserHandler handles user directory requests.
type UserHandler struct {
	users UserStore
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users UserStore) *UserHandler {
	return &UserHandler{users: users}
}

// DoctorSummary is the public view of a bookable doctor.
type DoctorSummary struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Username string `json:"username"`
}

// GetDoctors lists the active doctors patients can book with.
func (h *UserHandler) GetDoctors(c *gin.Context) {
	doctors, err := h.users.ListActiveDoctors(c.Request.Context())
	if err != nil {
		utils.FromError(c, err)
		return
	}

	out := make([]DoctorSummary, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, DoctorSummary{ID: d.ID, FullName: d.DisplayName(), Username: d.Username})
	}
	utils.Success(c, "Doctors fetched successfully", out)
}

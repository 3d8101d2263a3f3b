package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/middleware"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/utils"
)

// UserStore is the read side of the user store used for sign-in and lookups.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListActiveDoctors(ctx context.Context) ([]models.User, error)
}

// AuthHandler issues access tokens for the live channels and REST API.
type AuthHandler struct {
	users    UserStore
	secret   string
	tokenTTL time.Duration
}

func NewAuthHandler(users UserStore, secret string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{users: users, secret: secret, tokenTTL: tokenTTL}
}

// LoginRequest represents the request body for user login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse represents the response body for successful login.
type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresIn   int64        `json:"expires_in"`
	User        *models.User `json:"user"`
}

// Login handles user login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			utils.Unauthorized(c, "Invalid email or password")
		} else {
			utils.FromError(c, err)
		}
		return
	}

	if !user.IsActive || !user.CheckPassword(req.Password) {
		utils.Unauthorized(c, "Invalid email or password")
		return
	}

	token, err := utils.GenerateAccessToken(user, h.secret, h.tokenTTL)
	if err != nil {
		utils.FromError(c, err)
		return
	}

	utils.Success(c, "Login successful", LoginResponse{
		AccessToken: token,
		ExpiresIn:   int64(h.tokenTTL.Seconds()),
		User:        user,
	})
}

// GetProfile returns the authenticated user.
func (h *AuthHandler) GetProfile(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	user, err := h.users.GetUser(c.Request.Context(), caller.ID)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Profile fetched successfully", user)
}

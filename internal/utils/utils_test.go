package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("appointment %w", apperr.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: nope", apperr.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: not waiting", apperr.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: slot taken", apperr.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: empty", apperr.ErrInvalidInput), http.StatusBadRequest},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestTokenRoundTrip(t *testing.T) {
	user := &models.User{BaseModel: models.BaseModel{ID: "u-1"}, Role: models.RoleDoctor}

	token, err := GenerateAccessToken(user, "s3cret", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "u-1", Role: models.RoleDoctor}, claims.Identity())

	_, err = ValidateToken(token, "other")
	assert.Error(t, err)

	expired, err := GenerateAccessToken(user, "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, "s3cret")
	assert.Error(t, err)

	bogus := &models.User{BaseModel: models.BaseModel{ID: "u-2"}, Role: "nurse"}
	token, err = GenerateAccessToken(bogus, "s3cret", time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(token, "s3cret")
	assert.Error(t, err)
}

func TestFormatValidationError(t *testing.T) {
	type req struct {
		DoctorID string `validate:"required"`
		Message  string `validate:"max=3"`
	}
	err := Validate(req{Message: "toolong"})
	require.Error(t, err)
	msg := FormatValidationError(err)
	assert.Contains(t, msg, "DoctorID is required")
	assert.Contains(t, msg, "Message must satisfy max=3")
}

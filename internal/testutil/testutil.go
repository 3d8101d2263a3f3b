// Package testutil builds throwaway SQLite databases and fixtures for tests.
package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Legion808/klinika/internal/models"
)

// NewDB opens a private in-memory database with the schema migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + uuid.NewString()[:8]
	db, err := models.InitDB(models.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CreateUser inserts an active user with the given role.
func CreateUser(t *testing.T, db *gorm.DB, role models.Role, fullName string) *models.User {
	t.Helper()

	handle := string(role) + "-" + uuid.NewString()[:8]
	u := &models.User{
		Username: handle,
		Email:    handle + "@klinika.test",
		FullName: fullName,
		Role:     role,
		IsActive: true,
	}
	require.NoError(t, u.SetPassword("password123"))
	require.NoError(t, db.Create(u).Error)
	return u
}

// At returns a fixed UTC instant offset by the given number of minutes, on a
// day far enough in the future to never collide with "today".
func At(minutes int) time.Time {
	return time.Date(2031, 3, 14, 9, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

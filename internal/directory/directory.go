// Package directory resolves user identifiers to display names for event
// payloads. Names are cached; doctor activity checks always hit the store.
package directory

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
)

// UserSource loads user profiles from the external user store.
type UserSource interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetActiveDoctor(ctx context.Context, id string) (*models.User, error)
}

type Directory struct {
	users UserSource
	names *lru.Cache[string, string]
}

func New(users UserSource, size int) (*Directory, error) {
	if size <= 0 {
		size = 1024
	}
	names, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create name cache: %w", err)
	}
	return &Directory{users: users, names: names}, nil
}

// DisplayName returns the user's full name, or username when none is set.
// Unknown users resolve to an empty name.
func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	if name, ok := d.names.Get(userID); ok {
		return name, nil
	}
	u, err := d.users.GetUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	name := u.DisplayName()
	d.names.Add(userID, name)
	return name, nil
}

// ActiveDoctor returns the doctor only if the id resolves to an active user
// with the doctor role.
func (d *Directory) ActiveDoctor(ctx context.Context, doctorID string) (*models.User, error) {
	return d.users.GetActiveDoctor(ctx, doctorID)
}

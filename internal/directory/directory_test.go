package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Legion808/klinika/internal/apperr"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/store"
	"github.com/Legion808/klinika/internal/testutil"
)

type countingSource struct {
	store.Repository
	calls int
}

func (c *countingSource) GetUser(ctx context.Context, id string) (*models.User, error) {
	c.calls++
	return c.Repository.GetUser(ctx, id)
}

func TestDisplayName_CachesLookups(t *testing.T) {
	db := testutil.NewDB(t)
	u := testutil.CreateUser(t, db, models.RolePatient, "Nodira Yusupova")
	src := &countingSource{Repository: store.NewGormRepository(db)}
	dir, err := New(src, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		name, err := dir.DisplayName(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Nodira Yusupova", name)
	}
	assert.Equal(t, 1, src.calls)
}

func TestDisplayName_UnknownUser(t *testing.T) {
	db := testutil.NewDB(t)
	dir, err := New(store.NewGormRepository(db), 0)
	require.NoError(t, err)

	name, err := dir.DisplayName(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestActiveDoctor(t *testing.T) {
	db := testutil.NewDB(t)
	doctor := testutil.CreateUser(t, db, models.RoleDoctor, "Dr. Ivanov")
	patient := testutil.CreateUser(t, db, models.RolePatient, "Timur")
	dir, err := New(store.NewGormRepository(db), 4)
	require.NoError(t, err)

	got, err := dir.ActiveDoctor(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, doctor.ID, got.ID)

	_, err = dir.ActiveDoctor(context.Background(), patient.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

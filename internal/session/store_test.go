package session

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/secret"
)

func TestStore_SaveReplacesByEmailAndSorts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	secrets := secret.NewMemory()
	s, err := Open(ctx, secrets, zaptest.NewLogger(t))
	require.NoError(t, err)

	b, err := s.Save(ctx, model.Account{Email: "b@x.io", Store: "143441"})
	require.NoError(t, err)
	_, err = s.Save(ctx, model.Account{Email: "a@x.io", Store: "143444"})
	require.NoError(t, err)

	again, err := s.Save(ctx, model.Account{Email: "b@x.io", Store: "143441", PasswordToken: "tok"})
	require.NoError(t, err)
	require.Equal(t, b.ID, again.ID)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "a@x.io", list[0].Email)
	require.Equal(t, "tok", list[1].PasswordToken)

	reopened, err := Open(ctx, secrets, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, list, reopened.List())

	require.Equal(t, []string{"GB", "US"}, s.Regions())
	require.Len(t, s.Eligible("US"), 1)
}

func TestStore_WithAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, secret.NewMemory(), zaptest.NewLogger(t))
	require.NoError(t, err)
	a, err := s.Save(ctx, model.Account{Email: "a@x.io"})
	require.NoError(t, err)

	err = s.WithAccount(ctx, a.ID, func(_ context.Context, acc *model.Account) error {
		acc.PasswordToken = "rotated"
		acc.ID = uuid.Must(uuid.NewV4())
		return nil
	})
	require.NoError(t, err)
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", got.PasswordToken)

	boom := errors.New("boom")
	err = s.WithAccount(ctx, a.ID, func(_ context.Context, acc *model.Account) error {
		acc.PasswordToken = "lost"
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ = s.Get(a.ID)
	require.Equal(t, "rotated", got.PasswordToken)

	err = s.WithAccount(ctx, a.ID, func(ctx context.Context, _ *model.Account) error {
		return s.Delete(ctx, a.ID)
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_WithAccountRefusesStaleCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, secret.NewMemory(), zaptest.NewLogger(t))
	require.NoError(t, err)
	a, err := s.Save(ctx, model.Account{Email: "a@x.io", PasswordToken: "old"})
	require.NoError(t, err)

	err = s.WithAccount(ctx, a.ID, func(ctx context.Context, acc *model.Account) error {
		// a rotation lands while this update waits on the network
		if err := s.WithAccount(ctx, a.ID, func(_ context.Context, fresh *model.Account) error {
			fresh.PasswordToken = "new"
			return nil
		}); err != nil {
			return err
		}
		acc.PasswordToken = "stale"
		return nil
	})
	require.ErrorIs(t, err, errs.ErrConflict)
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.PasswordToken)

	// a sign-in replacing the record also wins over an in-flight update
	err = s.WithAccount(ctx, a.ID, func(ctx context.Context, acc *model.Account) error {
		if _, err := s.Save(ctx, model.Account{Email: "a@x.io", PasswordToken: "signed-in"}); err != nil {
			return err
		}
		acc.PasswordToken = "stale"
		return nil
	})
	require.ErrorIs(t, err, errs.ErrConflict)
	got, _ = s.Get(a.ID)
	require.Equal(t, "signed-in", got.PasswordToken)

	// once nothing interferes, commits go through again
	require.NoError(t, s.WithAccount(ctx, a.ID, func(_ context.Context, acc *model.Account) error {
		acc.PasswordToken = "rotated"
		return nil
	}))
	got, _ = s.Get(a.ID)
	require.Equal(t, "rotated", got.PasswordToken)
}

func TestDeviceIdentifier_Persisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	secrets := secret.NewMemory()
	log := zaptest.NewLogger(t)

	id, err := DeviceIdentifier(ctx, secrets, log)
	require.NoError(t, err)
	require.Len(t, id, 12)

	again, err := DeviceIdentifier(ctx, secrets, log)
	require.NoError(t, err)
	require.Equal(t, id, again)

	require.NoError(t, secrets.Set(ctx, secret.KeyDeviceIdentifier, []byte("001122334455")))
	fixed, err := DeviceIdentifier(ctx, secrets, log)
	require.NoError(t, err)
	require.Equal(t, "001122334455", fixed)
}

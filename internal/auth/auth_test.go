package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/amanthanvi/lockbox/internal/crypto"
	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/amanthanvi/lockbox/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateEnrollsThenVerifies(t *testing.T) {
	t.Parallel()

	store := newAuthTestStore(t)
	svc := mustNewService(t, store.Master)
	ctx := context.Background()

	state, err := svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnset, state)

	result, err := svc.Authenticate(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, ResultEnrolled, result)

	hash, ok, err := store.Master.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crypto.HashString("secret"), hash)

	state, err = svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSet, state)

	_, err = svc.Authenticate(ctx, "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	result, err = svc.Authenticate(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, ResultAuthenticated, result)
}

func TestAuthenticateFailureDoesNotReenroll(t *testing.T) {
	t.Parallel()

	store := newAuthTestStore(t)
	svc := mustNewService(t, store.Master)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "secret")
	require.NoError(t, err)
	for range 3 {
		_, err = svc.Authenticate(ctx, "guess")
		require.ErrorIs(t, err, ErrAuthenticationFailed)
	}

	hash, _, err := store.Master.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, crypto.HashString("secret"), hash)

	accounts, err := store.Accounts.List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
}

func TestAuthenticateRejectsBlankCandidate(t *testing.T) {
	t.Parallel()

	store := newAuthTestStore(t)
	svc := mustNewService(t, store.Master)
	ctx := context.Background()

	for _, candidate := range []string{"", "   ", "\t\n"} {
		_, err := svc.Authenticate(ctx, candidate)
		require.ErrorIs(t, err, ErrValidation)
	}

	state, err := svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnset, state)
}

func TestAuthenticateSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first := openAuthTestStore(t, dir)
	_, err := mustNewService(t, first.Master).Authenticate(ctx, "secret")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openAuthTestStore(t, dir)
	t.Cleanup(func() { _ = second.Close() })
	result, err := mustNewService(t, second.Master).Authenticate(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, ResultAuthenticated, result)
}

func TestAuthenticatePropagatesRepositoryErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	svc := mustNewService(t, &stubMaster{fetchErr: boom})

	_, err := svc.Authenticate(context.Background(), "secret")
	require.ErrorIs(t, err, boom)

	_, err = svc.State(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestNewRejectsNilRepository(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

type stubMaster struct {
	fetchErr error
}

func (s *stubMaster) Fetch(context.Context) (string, bool, error) {
	return "", false, s.fetchErr
}

func (s *stubMaster) Set(context.Context, string) error {
	return nil
}

func mustNewService(t *testing.T, repo storage.MasterRepository) *Service {
	t.Helper()
	svc, err := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func newAuthTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store := openAuthTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openAuthTestStore(t *testing.T, dir string) *storage.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := keystore.New(filepath.Join(dir, "keys"), logger)
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(dir, "Accounts.db"), keys, storage.WithLogger(logger))
	require.NoError(t, err)
	return store
}

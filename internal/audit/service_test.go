package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/amanthanvi/lockbox/internal/storage"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("operation failed")

func TestVaultSessionChainVerifies(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	for _, event := range []Event{
		VaultInitEvent("6f1c9f5e-8a0e-4c1b-9d55-0b1e3c7a2f10"),
		AccountEvent(ActionAccountCreate, 2, "a1b2c3d4e5f6071", nil),
		FieldUpdateEvent(2, "notes", nil),
		RevealAllEvent(1, nil),
		AuthFailureEvent("account ls"),
		KeyGCEvent([]string{"00000000000000b", "00000000000000a"}, nil),
		ExportEvent("0b8f4a52-2d1c-4d4e-9c3a-4f7d7e2e6a11", 3, nil),
		AccountEvent(ActionAccountDelete, 2, "a1b2c3d4e5f6071", nil),
	} {
		require.NoError(t, svc.Record(ctx, event))
	}

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 8, verify.EventCount)
	require.Len(t, verify.ChainTip, 64)

	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 8)

	kinds := make([]TargetKind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	require.Equal(t, []TargetKind{
		TargetVault, TargetAccount, TargetAccount, TargetAccount,
		TargetVault, TargetKey, TargetExport, TargetAccount,
	}, kinds)

	require.Equal(t, "2", events[1].Target)
	require.Equal(t, []string{"a1b2c3d4e5f6071"}, events[1].Details.KeyIDs)
	require.Equal(t, storage.FieldNotes, events[2].Details.Field)
	require.Equal(t, AllAccounts, events[3].Target)
	require.Equal(t, ResultError, events[4].Result)
	require.Equal(t, "account ls", events[4].Details.Command)
	require.Equal(t, []string{"00000000000000a", "00000000000000b"}, events[5].Details.KeyIDs)
	require.Equal(t, 2, events[5].Details.Count)
	require.Equal(t, events[0].EventHash, events[1].PrevHash)
	require.Empty(t, events[0].PrevHash)
}

func TestFieldUpdateEventKeepsOnlyKnownFields(t *testing.T) {
	t.Parallel()

	ok := FieldUpdateEvent(4, " PASSWORD ", nil)
	require.Equal(t, storage.FieldPassword, ok.Details.Field)
	require.Equal(t, ResultSuccess, ok.Result)
	require.Equal(t, "4", ok.Target)

	bad := FieldUpdateEvent(4, "hunter2", errFailed)
	require.Empty(t, bad.Details.Field)
	require.Equal(t, ResultError, bad.Result)
}

func TestAccountEventWithoutIDHasNoTarget(t *testing.T) {
	t.Parallel()

	event := AccountEvent(ActionAccountCreate, 0, "", errFailed)
	require.Empty(t, event.Target)
	require.Empty(t, event.Details.KeyIDs)
	require.Equal(t, ResultError, event.Result)
}

func TestRecordRejectsMalformedEvents(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	cases := []struct {
		name  string
		event Event
		want  error
	}{
		{"unknown action", Event{Action: "account.copy", Result: ResultSuccess}, ErrUnknownAction},
		{"missing result", Event{Action: ActionVaultInit}, ErrInvalidEvent},
		{"non numeric account", Event{Action: ActionAccountDelete, Target: "abc", Result: ResultSuccess}, ErrInvalidEvent},
		{"zero account", Event{Action: ActionAccountDelete, Target: "0", Result: ResultSuccess}, ErrInvalidEvent},
		{"bad key id", KeyGCEvent([]string{"../etc/passwd"}, nil), ErrInvalidEvent},
	}
	for _, tc := range cases {
		err := svc.Record(ctx, tc.event)
		require.ErrorIsf(t, err, tc.want, tc.name)
	}

	tip, err := store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Empty(t, tip)
}

func TestVerifyReportsFirstAlteredEvent(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)
	events := recordAccountLifecycle(t, ctx, svc)

	_, err := store.DB().Exec(`UPDATE audit_events SET target_id = '9' WHERE id = ?`, events[1].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Equal(t, events[1].ID, verify.BrokenAt)
	require.Equal(t, 2, verify.EventCount)
	require.Contains(t, verify.Error, "event hash does not match")
	require.Equal(t, events[0].EventHash, verify.ChainTip)
}

func TestVerifyRejectsRelabelledKind(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)
	events := recordAccountLifecycle(t, ctx, svc)

	_, err := store.DB().Exec(`UPDATE audit_events SET target_type = 'key' WHERE id = ?`, events[2].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Equal(t, events[2].ID, verify.BrokenAt)
	require.Contains(t, verify.Error, "target kind")
}

func TestVerifyDetectsDeletedFirstEvent(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)
	events := recordAccountLifecycle(t, ctx, svc)

	_, err := store.DB().Exec(`DELETE FROM audit_events WHERE id = ?`, events[0].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Equal(t, events[1].ID, verify.BrokenAt)
	require.Contains(t, verify.Error, "previous hash")
}

func TestVerifyDetectsTruncatedTail(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)
	events := recordAccountLifecycle(t, ctx, svc)

	_, err := store.DB().Exec(`DELETE FROM audit_events WHERE id = ?`, events[len(events)-1].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Zero(t, verify.BrokenAt)
	require.Contains(t, verify.Error, "chain tip")
}

func TestVerifyEmptyChain(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newAuditTestStore(t))
	verify, err := svc.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Zero(t, verify.EventCount)
	require.Empty(t, verify.ChainTip)
}

func TestVerifyWalksEveryPage(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	total := 2*verifyPageSize + 3
	for i := 1; i <= total; i++ {
		require.NoError(t, svc.Record(ctx, AccountEvent(ActionAccountReveal, int64(i), "", nil)))
	}

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, total, verify.EventCount)
}

func TestChainResumesAfterReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store := openAuditTestStore(t, dir)
	recordAccountLifecycle(t, ctx, newTestService(t, store))
	require.NoError(t, store.Close())

	store = openAuditTestStore(t, dir)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	svc := newTestService(t, store)
	require.NoError(t, svc.Record(ctx, AccountEvent(ActionAccountCreate, 5, "fedcba987654321", nil)))

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 5, verify.EventCount)
}

func TestConcurrentRecordKeepsChainLinear(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)

	var wg sync.WaitGroup
	errs := make(chan error, 24)
	for i := 1; i <= 24; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- svc.Record(ctx, AccountEvent(ActionAccountReveal, id, "", nil))
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 24, verify.EventCount)

	tip, err := store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, verify.ChainTip, tip)
}

func TestListFiltersByActionTargetAndTime(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	svc := newTestService(t, store)
	events := recordAccountLifecycle(t, ctx, svc)

	updates, err := svc.List(ctx, Filter{Action: ActionAccountUpdate})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, storage.FieldWebsite, updates[0].Details.Field)

	forSeven, err := svc.List(ctx, Filter{Target: "7"})
	require.NoError(t, err)
	require.Len(t, forSeven, 3)

	since := events[2].At
	late, err := svc.List(ctx, Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, late, 2)

	until := events[0].At
	early, err := svc.List(ctx, Filter{Until: &until, Limit: 10})
	require.NoError(t, err)
	require.Len(t, early, 1)
	require.Equal(t, ActionVaultInit, early[0].Action)
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	action, err := ParseAction(" Account.Delete ")
	require.NoError(t, err)
	require.Equal(t, ActionAccountDelete, action)
	require.Equal(t, TargetAccount, action.Kind())

	_, err = ParseAction("account.copy")
	require.ErrorIs(t, err, ErrUnknownAction)

	for _, action := range AllActions {
		parsed, err := ParseAction(string(action))
		require.NoError(t, err)
		require.Equal(t, action, parsed)
	}
}

func TestResultOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, ResultSuccess, ResultOf(nil))
	require.Equal(t, ResultError, ResultOf(errFailed))
}

// recordAccountLifecycle records init, create, update and delete of account 7
// one minute apart and returns them as stored.
func recordAccountLifecycle(t *testing.T, ctx context.Context, svc *Service) []RecordedEvent {
	t.Helper()

	for _, event := range []Event{
		VaultInitEvent("5d0b7a2e-3f64-4a8e-b1c2-9e8f7a6b5c4d"),
		AccountEvent(ActionAccountCreate, 7, "0123456789abcde", nil),
		FieldUpdateEvent(7, "website", nil),
		AccountEvent(ActionAccountDelete, 7, "0123456789abcde", nil),
	} {
		require.NoError(t, svc.Record(ctx, event))
	}

	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 4)
	return events
}

func newTestService(t *testing.T, store *storage.Store) *Service {
	t.Helper()

	var (
		mu   sync.Mutex
		tick = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Minute)
		return tick
	}

	svc, err := NewService(context.Background(), store.Audit, WithClock(clock))
	require.NoError(t, err)
	return svc
}

func newAuditTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store := openAuditTestStore(t, t.TempDir())
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func openAuditTestStore(t *testing.T, dir string) *storage.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys, err := keystore.New(filepath.Join(dir, "keys"), logger)
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(dir, "Accounts.db"), keys, storage.WithLogger(logger))
	require.NoError(t, err)
	return store
}

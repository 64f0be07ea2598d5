package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditAppendMovesChainTip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	tip, err := store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Empty(t, tip)

	event := &AuditEvent{Action: "account.create", TargetType: "account", TargetID: "1", Result: "success", EventHash: "h1"}
	require.NoError(t, store.Audit.AppendWithTip(ctx, event, "h1"))
	require.Positive(t, event.ID)
	require.Equal(t, "{}", event.DetailsJSON)
	require.False(t, event.CreatedAt.IsZero())

	tip, err = store.Audit.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, "h1", tip)
}

func TestAuditAppendRejectsMissingAction(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	err := store.Audit.AppendWithTip(context.Background(), &AuditEvent{}, "x")
	require.True(t, errors.Is(err, ErrValidation))

	tip, err := store.Audit.ChainTip(context.Background())
	require.NoError(t, err)
	require.Empty(t, tip)
}

func TestAuditListFilters(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inputs := []AuditEvent{
		{Action: "account.create", TargetID: "1", CreatedAt: base},
		{Action: "account.update", TargetID: "1", CreatedAt: base.Add(time.Minute)},
		{Action: "account.create", TargetID: "2", CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range inputs {
		event := inputs[i]
		event.TargetType = "account"
		event.Result = "success"
		require.NoError(t, store.Audit.AppendWithTip(ctx, &event, "tip"))
	}

	all, err := store.Audit.List(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "account.create", all[0].Action)
	require.True(t, all[0].CreatedAt.Equal(base))

	creates, err := store.Audit.List(ctx, AuditFilter{Action: "account.create"})
	require.NoError(t, err)
	require.Len(t, creates, 2)

	byTarget, err := store.Audit.List(ctx, AuditFilter{TargetID: "1"})
	require.NoError(t, err)
	require.Len(t, byTarget, 2)

	since := base.Add(time.Minute)
	recent, err := store.Audit.List(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "account.update", recent[0].Action)

	until := base
	early, err := store.Audit.List(ctx, AuditFilter{Until: &until})
	require.NoError(t, err)
	require.Len(t, early, 1)

	limited, err := store.Audit.List(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	next, err := store.Audit.List(ctx, AuditFilter{AfterID: limited[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, "account.update", next[0].Action)
}

func TestStoreSchemaVersion(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion(), version)
}

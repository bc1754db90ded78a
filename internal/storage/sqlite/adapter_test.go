package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/config"
	"metering-gateway/internal/storage"
)

func setupAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(&Config{DatabasePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func seedAccount(t *testing.T, store storage.Storage, id, status string, usagePoints ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, &storage.Account{ID: id, Status: status}))
	if len(usagePoints) > 0 {
		require.NoError(t, store.SaveUsagePoints(ctx, id, usagePoints))
	}
}

func TestNewAdapter_RequiresPath(t *testing.T) {
	_, err := NewAdapter(&Config{})
	assert.Error(t, err)
}

func TestNewStorage_UsesRegisteredFactory(t *testing.T) {
	store, err := storage.NewStorage(&config.Config{DatabaseType: "sqlite", DatabasePath: ":memory:"})
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Health(context.Background()))

	_, err = storage.NewStorage(&config.Config{DatabaseType: "mysql"})
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestAdapter_Accounts(t *testing.T) {
	store := setupAdapter(t)
	ctx := context.Background()

	seedAccount(t, store, "acc-1", storage.StatusActive)

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, account.IsActive())
	assert.False(t, account.CreatedAt.IsZero())

	require.NoError(t, store.UpsertAccount(ctx, &storage.Account{ID: "acc-1", Status: storage.StatusInactive}))
	account, err = store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, account.IsActive())

	_, err = store.GetAccount(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestAdapter_GetAccountByInstance(t *testing.T) {
	store := setupAdapter(t)
	ctx := context.Background()

	seedAccount(t, store, "acc-1", storage.StatusActive)
	require.NoError(t, store.CreateInstance(ctx, &storage.Instance{ID: "inst-1", AccountID: "acc-1"}))

	account, err := store.GetAccountByInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)

	_, err = store.GetAccountByInstance(ctx, "inst-unknown")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestAdapter_UsagePoints(t *testing.T) {
	store := setupAdapter(t)
	ctx := context.Background()
	seedAccount(t, store, "acc-1", storage.StatusActive)

	require.NoError(t, store.SaveUsagePoints(ctx, "acc-1", []string{"16401220101758", "16401220101710"}))
	// Saving again keeps existing links.
	require.NoError(t, store.SaveUsagePoints(ctx, "acc-1", []string{"16401220101758"}))

	ids, err := store.ListUsagePoints(ctx, "acc-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"16401220101758", "16401220101710"}, ids)

	require.NoError(t, store.DeleteUsagePoints(ctx, "acc-1"))
	ids, err = store.ListUsagePoints(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAdapter_ListSyncableAccounts(t *testing.T) {
	store := setupAdapter(t)
	ctx := context.Background()

	seedAccount(t, store, "acc-b", storage.StatusActive, "PDL-B")
	seedAccount(t, store, "acc-a", storage.StatusActive, "PDL-A1", "PDL-A2")
	seedAccount(t, store, "acc-inactive", storage.StatusInactive, "PDL-C")
	seedAccount(t, store, "acc-unlinked", storage.StatusActive)

	accounts, err := store.ListSyncableAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc-a", accounts[0].ID)
	assert.Equal(t, "acc-b", accounts[1].ID)
}

func TestAdapter_SaveReadingIsIdempotent(t *testing.T) {
	store := setupAdapter(t)
	ctx := context.Background()

	reading := &storage.MeterReading{
		AccountID:    "acc-1",
		UsagePointID: "PDL1",
		Endpoint:     "daily_consumption",
		Start:        "2024-03-09",
		End:          "2024-03-10",
		Payload:      []byte(`{"v":1}`),
		FetchedAt:    time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveReading(ctx, reading))

	replay := *reading
	replay.Payload = []byte(`{"v":2}`)
	replay.FetchedAt = reading.FetchedAt.Add(time.Hour)
	require.NoError(t, store.SaveReading(ctx, &replay))

	readings, err := store.ListReadings(ctx, "acc-1", "PDL1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.JSONEq(t, `{"v":2}`, string(readings[0].Payload))
	assert.Equal(t, "2024-03-10", readings[0].End)
	assert.True(t, replay.FetchedAt.Equal(readings[0].FetchedAt))
}

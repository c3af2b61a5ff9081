//go:build integration

package publisher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a PostgreSQL container for ledger tests.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgresql://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	cleanup := func() { _ = container.Terminate(ctx) }
	return dsn, cleanup
}

func newTestStore(t *testing.T) *Store {
	dsn, cleanup := setupPostgresContainer(t)
	t.Cleanup(cleanup)

	store, err := NewStore(dsn, 5, 20, time.Hour)
	require.NoError(t, err)
	return store
}

func TestLedger_Integration_CreateAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &Publisher{Name: "Acme", Domain: "HTTPS://www.Example.COM/"}
	require.NoError(t, store.Create(ctx, p))
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.APIKey)
	assert.Equal(t, "example.com", p.Domain)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	bySuffix, err := store.GetByDomain(ctx, "info.example.com", true)
	require.NoError(t, err)
	assert.Equal(t, p.ID, bySuffix.ID)

	_, err = store.GetByDomain(ctx, "info.example.com", false)
	assert.Error(t, err)

	byKey, err := store.GetByAPIKey(ctx, p.APIKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byKey.ID)
	assert.NotNil(t, byKey.LastActiveAt)
}

func TestLedger_Integration_RegenerateAPIKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &Publisher{Name: "Acme", Domain: "example.com"}
	require.NoError(t, store.Create(ctx, p))
	oldKey := p.APIKey

	newKey, err := store.RegenerateAPIKey(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = store.GetByAPIKey(ctx, oldKey)
	assert.Error(t, err, "old key must be invalid immediately")

	byNew, err := store.GetByAPIKey(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byNew.ID)
}

func TestLedger_Integration_SlotReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	limit := 2
	p := &Publisher{Name: "Capped", Domain: "capped.com"}
	p.Config.MaxTotalBlogs = &limit
	require.NoError(t, store.Create(ctx, p))

	require.NoError(t, store.ReserveBlogSlot(ctx, p.ID))
	require.NoError(t, store.ReserveBlogSlot(ctx, p.ID))

	err := store.ReserveBlogSlot(ctx, p.ID)
	assert.ErrorIs(t, err, ErrUsageLimitExceeded)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.BlogSlotsReserved)

	// Release one as processed with 3 questions.
	require.NoError(t, store.ReleaseBlogSlot(ctx, p.ID, true, 3))
	got, err = store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BlogSlotsReserved)
	assert.Equal(t, 1, got.TotalBlogsProcessed)
	assert.Equal(t, 3, got.TotalQuestionsGenerated)

	// Processed blog still counts against the cap.
	err = store.ReserveBlogSlot(ctx, p.ID)
	assert.ErrorIs(t, err, ErrUsageLimitExceeded)
}

func TestLedger_Integration_NoLimitPublisher(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &Publisher{Name: "Unlimited", Domain: "unlimited.com"}
	require.NoError(t, store.Create(ctx, p))

	// Null cap: reserve succeeds without side effects.
	require.NoError(t, store.ReserveBlogSlot(ctx, p.ID))
	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BlogSlotsReserved)
}

func TestLedger_Integration_ConcurrentReleasesDoNotUnderflow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	limit := 50
	p := &Publisher{Name: "Busy", Domain: "busy.com"}
	p.Config.MaxTotalBlogs = &limit
	require.NoError(t, store.Create(ctx, p))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, store.ReserveBlogSlot(ctx, p.ID))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(processed bool) {
			defer wg.Done()
			assert.NoError(t, store.ReleaseBlogSlot(ctx, p.ID, processed, 2))
		}(i%2 == 0)
	}
	wg.Wait()

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BlogSlotsReserved, "every reserve has exactly one release")
	assert.Equal(t, n/2, got.TotalBlogsProcessed)
	assert.Equal(t, n, got.TotalQuestionsGenerated)
}

func TestLedger_Integration_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := &Publisher{Name: "P", Domain: fmt.Sprintf("p%d.com", i)}
		if i == 2 {
			p.Status = StatusTrial
		}
		require.NoError(t, store.Create(ctx, p))
	}

	all, total, err := store.List(ctx, "", 1, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, all, 3)

	trials, total, err := store.List(ctx, StatusTrial, 1, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, trials, 1)
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreAndGetActiveSession covers storing a session and reading it back.
func TestStoreAndGetActiveSession(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	stored, err := g.StoreSession(ctx, "U1", "2024-03-15", map[string]any{"dept": "ok"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	got, err := g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "2024-03-15", got.ContextDate)
	assert.True(t, got.IsActive)
	assert.JSONEq(t, `{"dept":"ok"}`, string(got.PrimaryPayload))
	assert.Nil(t, got.SupplementaryPayload)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))
}

// TestStoreSessionDeactivatesPrevious checks that a newer session supersedes the older one.
func TestStoreSessionDeactivatesPrevious(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	first, err := g.StoreSession(ctx, "U1", "2024-03-15", map[string]any{}, nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := g.StoreSession(ctx, "U1", "2024-04-01", map[string]any{}, nil)
	require.NoError(t, err)

	active, err := g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, "2024-04-01", active.ContextDate)

	old, err := g.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.True(t, old.UpdatedAt.After(old.CreatedAt))
}

// TestSingleActiveSessionInvariant checks exactly one active session after each store.
func TestSingleActiveSessionInvariant(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.StoreSession(ctx, "U1", fmt.Sprintf("2024-03-%02d", i+1), map[string]int{"step": i}, nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		assert.Equal(t, 1, countActive(t, g, "U1"), "after store %d", i)
	}

	_, err := g.StoreSession(ctx, "U2", "2024-03-15", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, countActive(t, g, "U1"))
	assert.Equal(t, 1, countActive(t, g, "U2"))
}

// TestConcurrentStoreSession hammers one user from many goroutines.
func TestConcurrentStoreSession(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.StoreSession(ctx, "U1", "2024-03-15", map[string]int{"writer": i}, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, countActive(t, g, "U1"))
}

// TestStoreSessionRetriesActiveConflict simulates a writer that commits an
// active row for the same user between our deactivation and insert. The
// first attempt hits the one-active index; the retry succeeds.
func TestStoreSessionRetriesActiveConflict(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	_, err := g.StoreSession(ctx, "U1", "2024-03-15", nil, nil)
	require.NoError(t, err)

	_, err = g.db.Exec(`CREATE TRIGGER competing_writer AFTER UPDATE ON user_sessions
		WHEN OLD.is_active = 1 AND NEW.is_active = 0
		BEGIN
			INSERT INTO user_sessions (` + sessionColumns + `)
			VALUES ('competing', NEW.user_id, NEW.context_date, NULL, NULL, NEW.updated_at, NEW.updated_at, 1);
		END`)
	require.NoError(t, err)

	attempts := 0
	g.newID = func() string {
		attempts++
		if attempts == 2 {
			_, err := g.db.Exec(`DROP TRIGGER competing_writer`)
			require.NoError(t, err)
		}
		return uuid.NewString()
	}

	s, err := g.StoreSession(ctx, "U1", "2024-04-01", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	active, err := g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)
	assert.Equal(t, 1, countActive(t, g, "U1"))

	_, err = g.GetSession(ctx, "competing")
	assert.ErrorIs(t, err, ErrNotFound, "competing row rolled back with the failed attempt")
}

// TestStoreSessionGivesUpOnPersistentConflict stops after the attempt limit.
func TestStoreSessionGivesUpOnPersistentConflict(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	first, err := g.StoreSession(ctx, "U1", "2024-03-15", nil, nil)
	require.NoError(t, err)

	attempts := 0
	g.newID = func() string {
		attempts++
		return first.ID
	}

	_, err = g.StoreSession(ctx, "U2", "2024-03-15", nil, nil)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
	assert.Equal(t, storeSessionAttempts, attempts)
	assert.Zero(t, countActive(t, g, "U2"))
}

func TestStoreSessionSupplementaryPayload(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	supplementary := json.RawMessage(`{"file":"bom.xlsx","rows":42}`)
	_, err := g.StoreSession(ctx, "U1", "2024-03-15", nil, supplementary)
	require.NoError(t, err)

	got, err := g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(got.PrimaryPayload))
	assert.JSONEq(t, string(supplementary), string(got.SupplementaryPayload))
}

func TestStoreSessionValidation(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		userID        string
		contextDate   string
		primary       any
		supplementary any
	}{
		{name: "empty user", userID: "", contextDate: "2024-03-15"},
		{name: "blank user", userID: "   ", contextDate: "2024-03-15"},
		{name: "empty date", userID: "U1", contextDate: ""},
		{name: "unencodable payload", userID: "U1", contextDate: "2024-03-15", primary: map[string]any{"ch": make(chan int)}},
		{name: "invalid raw json", userID: "U1", contextDate: "2024-03-15", supplementary: json.RawMessage(`{nope`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.StoreSession(ctx, tt.userID, tt.contextDate, tt.primary, tt.supplementary)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	assert.Equal(t, 0, countActive(t, g, "U1"))
}

func TestGetActiveSessionNotFound(t *testing.T) {
	g, _ := openTestGateway(t)

	_, err := g.GetActiveSession(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestGetSessionNotFound(t *testing.T) {
	g, _ := openTestGateway(t)

	_, err := g.GetSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestUpdateSession applies a partial update and verifies untouched fields survive.
func TestUpdateSession(t *testing.T) {
	g, clock := openTestGateway(t)
	ctx := context.Background()

	stored, err := g.StoreSession(ctx, "U1", "2024-03-15", map[string]any{"dept": "ok"}, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	updated, err := g.UpdateSession(ctx, "U1", SessionUpdate{
		SupplementaryPayload: map[string]any{"file": "ppap.csv"},
	})
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "2024-03-15", got.ContextDate)
	assert.JSONEq(t, `{"dept":"ok"}`, string(got.PrimaryPayload))
	assert.JSONEq(t, `{"file":"ppap.csv"}`, string(got.SupplementaryPayload))
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))
	assert.True(t, got.CreatedAt.Equal(stored.CreatedAt))

	date := "2024-05-01"
	updated, err = g.UpdateSession(ctx, "U1", SessionUpdate{ContextDate: &date, PrimaryPayload: map[string]any{"dept": "late"}})
	require.NoError(t, err)
	assert.True(t, updated)

	got, err = g.GetActiveSession(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", got.ContextDate)
	assert.JSONEq(t, `{"dept":"late"}`, string(got.PrimaryPayload))
}

func TestUpdateSessionWithoutActiveSession(t *testing.T) {
	g, _ := openTestGateway(t)

	date := "2024-05-01"
	updated, err := g.UpdateSession(context.Background(), "U9", SessionUpdate{ContextDate: &date})
	assert.NoError(t, err)
	assert.False(t, updated)
}

func TestUpdateSessionValidation(t *testing.T) {
	g, _ := openTestGateway(t)

	blank := " "
	_, err := g.UpdateSession(context.Background(), "U1", SessionUpdate{ContextDate: &blank})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = g.UpdateSession(context.Background(), "", SessionUpdate{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCountActiveUsers(t *testing.T) {
	g, _ := openTestGateway(t)
	ctx := context.Background()

	for _, u := range []string{"U1", "U1", "U2", "U3"} {
		_, err := g.StoreSession(ctx, u, "2024-03-15", nil, nil)
		require.NoError(t, err)
	}

	n, err := g.CountActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

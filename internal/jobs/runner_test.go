package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medsched/internal/schedule"
)

type fakeScheduler struct {
	mu           sync.Mutex
	materialized []string
	pending      map[string]int
	failUser     string
}

func (f *fakeScheduler) Materialize(_ context.Context, userID string) (schedule.MaterializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == f.failUser {
		return schedule.MaterializeResult{}, errors.New("boom")
	}
	f.materialized = append(f.materialized, userID)
	return schedule.MaterializeResult{Generated: 1, Inserted: 1}, nil
}

func (f *fakeScheduler) Pending(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == f.failUser {
		return 0, errors.New("boom")
	}
	return f.pending[userID], nil
}

func testConfig(users ...string) Config {
	return Config{
		MaterializeSpec: "0 * * * *",
		RefreshSpec:     "@every 1h",
		Users:           users,
		Location:        time.UTC,
	}
}

func TestNewRunner_RejectsBadSpecs(t *testing.T) {
	cfg := testConfig()
	cfg.MaterializeSpec = "every now and then"
	_, err := NewRunner(cfg, &fakeScheduler{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.RefreshSpec = ""
	_, err = NewRunner(cfg, &fakeScheduler{})
	assert.Error(t, err)

	_, err = NewRunner(testConfig(), nil)
	assert.Error(t, err)
}

func TestRunner_RunOnce(t *testing.T) {
	fake := &fakeScheduler{pending: map[string]int{"u1": 2, "u3": 1}, failUser: "u2"}
	var (
		mu       sync.Mutex
		notified = map[string]int{}
	)
	cfg := testConfig("u1", "u2", "u3")
	cfg.OnPending = func(user string, n int) {
		mu.Lock()
		notified[user] = n
		mu.Unlock()
	}

	r, err := NewRunner(cfg, fake)
	require.NoError(t, err)
	r.RunOnce()

	assert.Equal(t, []string{"u1", "u3"}, fake.materialized)
	assert.Equal(t, map[string]int{"u1": 2, "u3": 1}, r.PendingCounts())
	assert.Equal(t, map[string]int{"u1": 2, "u3": 1}, notified)

	counts := r.PendingCounts()
	counts["u1"] = 99
	assert.Equal(t, 2, r.PendingCounts()["u1"])
}

func TestRunner_StartStop(t *testing.T) {
	fake := &fakeScheduler{pending: map[string]int{"u1": 1}}
	r, err := NewRunner(testConfig("u1"), fake)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())
	assert.Equal(t, []string{"u1"}, fake.materialized)

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop()

	// Stopped runners skip further passes.
	r.MaterializeAll()
	assert.Equal(t, []string{"u1"}, fake.materialized)
}

func TestRunner_Restart(t *testing.T) {
	fake := &fakeScheduler{pending: map[string]int{"u1": 1}}
	r, err := NewRunner(testConfig("u1"), fake)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	r.Stop()
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.True(t, r.IsRunning())
	assert.Equal(t, []string{"u1", "u1"}, fake.materialized)

	r.MaterializeAll()
	assert.Equal(t, []string{"u1", "u1", "u1"}, fake.materialized)
}

func TestRunner_RunOnceWithoutStart(t *testing.T) {
	fake := &fakeScheduler{pending: map[string]int{"u1": 3}}
	r, err := NewRunner(testConfig("u1"), fake)
	require.NoError(t, err)

	r.RunOnce()
	assert.Equal(t, []string{"u1"}, fake.materialized)
	assert.Equal(t, map[string]int{"u1": 3}, r.PendingCounts())
	assert.False(t, r.IsRunning())
}

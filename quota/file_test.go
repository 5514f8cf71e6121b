package quota_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/modelgate/quota"
)

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := quota.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	want := quota.State{
		Used:          7,
		Limit:         50,
		LastRequestAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		ResetAt:       time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		Metrics: quota.Counters{
			TotalRequests:      9,
			SuccessfulRequests: 7,
			FailedRequests:     2,
			QuotaExceeded:      1,
			LastReset:          time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		LastSaved: time.Date(2026, 3, 10, 12, 0, 1, 0, time.UTC),
	}

	require.NoError(t, store.Save(want))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestFileStore_MissingFileIsNotAnError(t *testing.T) {
	store, err := quota.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_DocumentLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := quota.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(quota.State{Used: 3, Limit: 50}))

	data, err := os.ReadFile(filepath.Join(dir, "quota-state.json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"used", "limit", "lastRequestAt", "resetAt", "metrics", "lastSaved"} {
		assert.Contains(t, doc, key)
	}
	metrics, ok := doc["metrics"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"totalRequests", "successfulRequests", "failedRequests", "quotaExceeded", "lastReset"} {
		assert.Contains(t, metrics, key)
	}

	// Atomic rewrite leaves no temp file behind.
	_, err = os.Stat(filepath.Join(dir, "quota-state.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_LockExcludesSecondOwner(t *testing.T) {
	dir := t.TempDir()
	store, err := quota.NewFileStore(dir)
	require.NoError(t, err)

	_, err = quota.NewFileStore(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, store.Close())

	store2, err := quota.NewFileStore(dir)
	require.NoError(t, err)
	defer store2.Close()
}

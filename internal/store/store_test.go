package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, KeySessionState)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, KeySessionState, []byte(`{"sessionId":"a"}`), 1000))

	got, ok, err := s.Get(ctx, KeySessionState)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"sessionId":"a"}`, string(got))

	// Overwrite replaces.
	require.NoError(t, s.Put(ctx, KeySessionState, []byte(`{"sessionId":"b"}`), 2000))
	got, ok, err = s.Get(ctx, KeySessionState)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"sessionId":"b"}`, string(got))
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KeyBufferData, []byte(`[]`), 1))
	require.NoError(t, s.Delete(ctx, KeyBufferData))

	_, ok, err := s.Get(ctx, KeyBufferData)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, "missing"))
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, KeySessionState, []byte("persisted"), 1))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, ok, err := s2.Get(ctx, KeySessionState)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(got))
}

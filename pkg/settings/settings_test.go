package settings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	assert.False(t, Exists(path))

	want := &AgentSettings{
		AgentID:    "agent-1",
		AgentName:  "build-box-1",
		PoolID:     "pool-default",
		ServerURL:  "https://example.invalid",
		WorkFolder: dir,
		RunOnce:    true,
	}
	require.NoError(t, want.Save(path))
	assert.True(t, Exists(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRemoveSettings(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	s := &AgentSettings{AgentID: "agent-1"}
	require.NoError(t, s.Save(path))
	require.NoError(t, Remove(path))
	assert.False(t, Exists(path))

	// removing a non-existent file is not an error
	require.NoError(t, Remove(path))
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()

	loaded, err := LoadSession(dir)
	require.NoError(t, err)
	assert.Nil(t, loaded, "no session file should report nil, not an error")

	sess := &Session{
		SessionID: "sess-1",
		AgentID:   "agent-1",
		Token:     "tok-abc",
		CreatedAt: time.Now().Truncate(time.Second),
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, SaveSession(dir, sess))

	got, err := LoadSession(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Equal(t, sess.Token, got.Token)

	require.NoError(t, DeleteSessionFile(dir))
	got, err = LoadSession(dir)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionPathLayout(t *testing.T) {
	dir := "/work"
	assert.Equal(t, filepath.Join(dir, ".agent", "session.json"), SessionPath(dir))
}

package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Session is the Listener's current registration with the control plane,
// created by CreateSession, refreshed in place by KeepAlive, and deleted on
// every clean exit (DeleteSession is always called before the
// Listener process exits, whether it is shutting down or self-updating).
type Session struct {
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionPath returns the session file path for a given work folder.
func SessionPath(workFolder string) string {
	return filepath.Join(workFolder, ".agent", "session.json")
}

// SaveSession persists sess to the work folder's session file.
func SaveSession(workFolder string, sess *Session) error {
	path := SessionPath(workFolder)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("settings: create session directory: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("settings: write session: %w", err)
	}
	return nil
}

// LoadSession reads a previously saved session, if any. A missing file is
// not an error: it means the Listener has no outstanding session, which is
// the normal state right after DeleteSession or before the first
// CreateSession.
func LoadSession(workFolder string) (*Session, error) {
	data, err := os.ReadFile(SessionPath(workFolder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("settings: parse session: %w", err)
	}
	return &sess, nil
}

// DeleteSessionFile removes the work folder's session file. Callers should
// invoke this after the control plane confirms the session is deleted,
// regardless of whether that call itself succeeded, so a crashed Listener
// never starts back up believing it still holds a session the control
// plane has already discarded.
func DeleteSessionFile(workFolder string) error {
	if err := os.Remove(SessionPath(workFolder)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("settings: remove session: %w", err)
	}
	return nil
}

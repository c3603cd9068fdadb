package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// NewPipeName generates a process-unique socket path for role (a direction
// label such as "listener-to-worker" or "worker-to-listener"), derived from
// the current PID plus a random suffix so two
// Workers spawned in quick succession by the same Listener never collide
// even if a prior socket file was not cleaned up.
func NewPipeName(role string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("ipc: generate pipe suffix: %w", err)
	}
	name := fmt.Sprintf("%s-%d-%s.sock", role, os.Getpid(), hex.EncodeToString(suffix))
	return filepath.Join(os.TempDir(), "fleetagent-ipc", name), nil
}

// Listen creates the server side of an IPC channel at path, restricting its
// permissions to the owning user where the platform honors Unix file modes.
// Any stale socket file left behind by a crashed prior process at the same
// path is removed first, since a fresh process-unique name should never
// collide with a live listener.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("ipc: create socket directory: %w", err)
	}
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("ipc: restrict socket permissions: %w", err)
	}
	return l, nil
}

// Dial connects to the server side of an IPC channel at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return conn, nil
}

// RemovePipe deletes the socket file at path, ignoring a not-exist error.
// Callers use this during cleanup after the listener side is closed.
func RemovePipe(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

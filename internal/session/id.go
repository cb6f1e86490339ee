package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// idFileName is the file under the state directory holding the session id.
const idFileName = "session_id"

// NewID generates a fresh opaque session identifier.
func NewID() string {
	return uuid.New().String()
}

// LoadOrCreateID returns the session id stored in stateDir, creating and
// persisting a new one on first use. The id stays stable across restarts so
// server-side history can be correlated.
func LoadOrCreateID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, idFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read session id: %w", err)
	}

	return ResetID(stateDir)
}

// ResetID replaces the stored session id with a new one.
func ResetID(stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}

	id := NewID()
	path := filepath.Join(stateDir, idFileName)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session id: %w", err)
	}
	return id, nil
}

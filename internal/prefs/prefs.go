// Package prefs persists the client's display name and last room between
// runs. Nothing here is sent to the relay except as the self-asserted user
// field of outgoing messages.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sillycats/presence/internal/protocol"
)

const (
	appDir   = "sillycats"
	fileName = "prefs.json"
)

// Prefs is the persisted client state.
type Prefs struct {
	Name string `json:"name"`
	Room string `json:"room,omitempty"`
}

// DefaultPath returns the prefs file location under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("prefs: locate config dir: %w", err)
	}
	return filepath.Join(dir, appDir, fileName), nil
}

// Load reads prefs from path. A missing file yields zero Prefs and no error.
func Load(path string) (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("prefs: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("prefs: decode %s: %w", path, err)
	}
	p.Name = protocol.NormalizeName(p.Name)
	return p, nil
}

// Save writes p to path, creating the directory if needed. The file is
// replaced atomically.
func Save(path string, p Prefs) error {
	p.Name = protocol.NormalizeName(p.Name)
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("prefs: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, fileName+".*")
	if err != nil {
		return fmt.Errorf("prefs: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("prefs: replace %s: %w", path, err)
	}
	return nil
}

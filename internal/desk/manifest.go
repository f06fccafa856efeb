package desk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Manifest records the boundaries a session was created with.
type Manifest struct {
	SessionID  string     `json:"session_id"`
	Desk       string     `json:"desk"`
	Boundaries Boundaries `json:"boundaries"`
	Knowledge  []string   `json:"knowledge"`
	CreatedAt  time.Time  `json:"created_at"`
}

func ManifestPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// WriteManifest writes the manifest for sessionID once. An existing
// manifest is left untouched and its path returned.
func WriteManifest(dir, sessionID string, d Desk, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest directory %s: %w", dir, err)
	}
	path := ManifestPath(dir, sessionID)
	payload, err := json.MarshalIndent(Manifest{
		SessionID:  sessionID,
		Desk:       d.Name,
		Boundaries: Boundaries{
			Writable: nonNil(d.Boundaries.Writable),
			Readable: nonNil(d.Boundaries.Readable),
			Blocked:  nonNil(d.Boundaries.Blocked),
		},
		Knowledge:  nonNil(d.Knowledge),
		CreatedAt:  now.UTC(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	if err := createOnce(path, bytes.NewReader(append(payload, '\n'))); err != nil {
		if errors.Is(err, os.ErrExist) {
			return path, nil
		}
		return "", err
	}
	return path, nil
}

// createOnce writes src to a new file at path. A partially written file is
// removed so a retry can create it again.
func createOnce(path string, src io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create manifest %s: %w", path, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close manifest %s: %w", path, err)
	}
	return nil
}

func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const metadataFile = "workspace.json"

// Metadata is the minimal per-workspace descriptor kept next to the state DB.
type Metadata struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// ensureMetadata loads workspace.json from the state directory, writing it
// on first open. The name defaults to the workspace root's basename.
func ensureMetadata(stateDir, name string) (*Metadata, error) {
	path := filepath.Join(stateDir, metadataFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataFile, err)
		}
		return &meta, nil
	case !os.IsNotExist(err):
		return nil, err
	}

	meta := &Metadata{Name: name, Created: time.Now().UTC()}
	data, err = json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", metadataFile, err)
	}
	return meta, nil
}

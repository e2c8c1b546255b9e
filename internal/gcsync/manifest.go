package gcsync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"workbridge/internal/logging"
)

// ManifestName is the per-work-root sync state file.
const ManifestName = ".gcs-manifest.json"

// ManifestEntry tracks one synced file: the remote generation last seen
// and the local (mtime, size) fingerprint written alongside it.
type ManifestEntry struct {
	RemoteGen  int64 `json:"remoteGen"`
	LocalMtime int64 `json:"localMtime"`
	LocalSize  int64 `json:"localSize"`
}

// Manifest maps object names to their sync state.
type Manifest map[string]ManifestEntry

// LoadManifest reads the manifest at the work root. A missing or corrupt
// file yields an empty manifest; corruption is logged, never fatal, since
// the next run re-derives state from generations.
func LoadManifest(workRoot string, logger *logging.Logger) Manifest {
	path := filepath.Join(workRoot, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("Manifest at %s is corrupt, starting empty: %v", path, err)
		return Manifest{}
	}
	if m == nil {
		m = Manifest{}
	}
	return m
}

// Save writes the manifest atomically via a temp file and rename.
func (m Manifest) Save(workRoot string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(workRoot, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

package gcsync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"workbridge/internal/errors"
	"workbridge/internal/logging"
	"workbridge/internal/protocol"
)

// Stats summarizes one sync run.
type Stats struct {
	ScannedRemote int `json:"scannedRemote"`
	Downloaded    int `json:"downloaded"`
	Uploaded      int `json:"uploaded"`
	Conflicts     int `json:"conflicts"`
}

// ControlLine renders the stats as a push-stream control frame.
func (s Stats) ControlLine() protocol.ControlLine {
	return protocol.ControlLine{
		Type:          "gcs_sync",
		ScannedRemote: s.ScannedRemote,
		Downloaded:    s.Downloaded,
		Uploaded:      s.Uploaded,
		Conflicts:     s.Conflicts,
	}
}

// Options tunes a sync engine.
type Options struct {
	// Prefix scopes the engine to bucket objects under this path.
	Prefix string
	// DownloadConcurrency bounds parallel downloads. Minimum 1.
	DownloadConcurrency int
	// EnableUpload turns on the local-to-remote pass.
	EnableUpload bool
}

// Engine mirrors one work root against one object-store prefix. Runs on
// the same engine serialize; triggers that arrive while a run is active
// coalesce into at most one follow-up run.
type Engine struct {
	store    ObjectStore
	workRoot string
	opts     Options
	logger   *logging.Logger

	runMu      sync.Mutex
	pendingMu  sync.Mutex
	pending    bool
	manifestMu sync.Mutex
}

// NewEngine creates a sync engine for a work root.
func NewEngine(store ObjectStore, workRoot string, opts Options) *Engine {
	if opts.DownloadConcurrency < 1 {
		opts.DownloadConcurrency = 1
	}
	return &Engine{
		store:    store,
		workRoot: workRoot,
		opts:     opts,
		logger:   logging.NewComponentLogger("SyncEngine"),
	}
}

// Sync runs one full reconcile: download pass, then upload pass when
// enabled. Concurrent callers serialize; a call that finds a run already
// active coalesces into a single follow-up run after it.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	e.pendingMu.Lock()
	if e.pending {
		// A run is queued already; this trigger is covered by it.
		e.pendingMu.Unlock()
		return Stats{}, nil
	}
	e.pending = true
	e.pendingMu.Unlock()

	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.pendingMu.Lock()
	e.pending = false
	e.pendingMu.Unlock()

	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) (Stats, error) {
	var stats Stats
	started := time.Now()

	manifest := LoadManifest(e.workRoot, e.logger)

	if err := e.downloadPass(ctx, manifest, &stats); err != nil {
		return stats, err
	}
	if e.opts.EnableUpload {
		if err := e.uploadPass(ctx, manifest, &stats); err != nil {
			return stats, err
		}
	}

	if err := manifest.Save(e.workRoot); err != nil {
		return stats, fmt.Errorf("save manifest: %w", err)
	}

	e.logger.Info("Sync of %s done in %s: scanned=%d downloaded=%d uploaded=%d conflicts=%d",
		e.workRoot, time.Since(started).Round(time.Millisecond),
		stats.ScannedRemote, stats.Downloaded, stats.Uploaded, stats.Conflicts)
	return stats, nil
}

// downloadPass fetches every remote object whose generation moved past the
// manifest's record.
func (e *Engine) downloadPass(ctx context.Context, manifest Manifest, stats *Stats) error {
	objects, err := e.store.List(ctx, e.opts.Prefix)
	if err != nil {
		return fmt.Errorf("list remote objects: %w", err)
	}
	stats.ScannedRemote = len(objects)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.opts.DownloadConcurrency)

	var mu sync.Mutex
	downloaded := 0
	conflicts := 0

	for _, obj := range objects {
		if obj.Folder() {
			continue
		}
		relName := e.relName(obj.Name)
		if relName == "" || relName == ManifestName {
			continue
		}

		e.manifestMu.Lock()
		current, ok := manifest[obj.Name]
		e.manifestMu.Unlock()
		if ok && current.RemoteGen == obj.Generation {
			continue
		}

		obj := obj
		group.Go(func() error {
			clobbered := e.localModified(relName, current, ok)
			entry, err := e.downloadOne(groupCtx, obj, relName)
			if err != nil {
				return err
			}
			e.manifestMu.Lock()
			manifest[obj.Name] = *entry
			e.manifestMu.Unlock()
			mu.Lock()
			downloaded++
			if clobbered {
				conflicts++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	stats.Downloaded = downloaded
	stats.Conflicts += conflicts
	return nil
}

// localModified reports whether the local copy diverged from the
// manifest's record of it. A download over such a file loses the local
// edit, so the run surfaces it as a conflict.
func (e *Engine) localModified(relName string, entry ManifestEntry, tracked bool) bool {
	local, err := e.resolveLocal(relName)
	if err != nil {
		return false
	}
	info, err := os.Stat(local)
	if err != nil {
		return false
	}
	if !tracked {
		return true
	}
	return info.ModTime().UnixMilli() != entry.LocalMtime || info.Size() != entry.LocalSize
}

func (e *Engine) downloadOne(ctx context.Context, obj ObjectInfo, relName string) (*ManifestEntry, error) {
	local, err := e.resolveLocal(relName)
	if err != nil {
		return nil, err
	}

	reader, generation, err := e.store.Download(ctx, obj.Name)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", obj.Name, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, fmt.Errorf("prepare directory for %s: %w", relName, err)
	}

	tmp := local + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", relName, err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", relName, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, err
	}
	if generation == 0 {
		generation = obj.Generation
	}
	return &ManifestEntry{
		RemoteGen:  generation,
		LocalMtime: info.ModTime().UnixMilli(),
		LocalSize:  info.Size(),
	}, nil
}

// uploadPass pushes local files whose fingerprint moved since the last
// run, skipping anything the remote side changed underneath us.
func (e *Engine) uploadPass(ctx context.Context, manifest Manifest, stats *Stats) error {
	return filepath.WalkDir(e.workRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.workRoot, p)
		if err != nil {
			return err
		}
		relName := filepath.ToSlash(rel)
		if relName == ManifestName || strings.HasSuffix(relName, ".tmp") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		objectName := e.objectName(relName)
		e.manifestMu.Lock()
		entry, tracked := manifest[objectName]
		e.manifestMu.Unlock()
		if tracked && entry.LocalMtime == info.ModTime().UnixMilli() && entry.LocalSize == info.Size() {
			return nil
		}

		updated, conflict, err := e.uploadOne(ctx, p, objectName, entry, tracked, info)
		if err != nil {
			return err
		}
		if conflict {
			stats.Conflicts++
			return nil
		}
		e.manifestMu.Lock()
		manifest[objectName] = *updated
		e.manifestMu.Unlock()
		stats.Uploaded++
		return nil
	})
}

func (e *Engine) uploadOne(ctx context.Context, localPath, objectName string, entry ManifestEntry, tracked bool, info fs.FileInfo) (*ManifestEntry, bool, error) {
	remote, err := e.store.Attrs(ctx, objectName)
	switch {
	case err == nil:
		if !tracked {
			// Someone else created this object; never clobber it.
			e.logger.Warn("Conflict on %s: remote exists with no manifest entry", objectName)
			return nil, true, nil
		}
		if remote.Generation != entry.RemoteGen {
			e.logger.Warn("Conflict on %s: remote generation %d moved past manifest %d",
				objectName, remote.Generation, entry.RemoteGen)
			return nil, true, nil
		}
	case errors.IsNotFound(err):
		// Absent remotely: create (ifGenerationMatch=0) regardless of any
		// stale manifest entry.
		entry.RemoteGen = 0
	default:
		return nil, false, fmt.Errorf("check remote %s: %w", objectName, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	generation, err := e.store.Upload(ctx, objectName, f, entry.RemoteGen)
	if err != nil {
		if IsPrecondition(err) || errors.KindOf(err) == errors.KindAuth {
			// Lost the race, or the per-stream credential cannot create;
			// either way this object is skipped, not the run.
			e.logger.Warn("Conflict uploading %s: %v", objectName, err)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("upload %s: %w", objectName, err)
	}

	return &ManifestEntry{
		RemoteGen:  generation,
		LocalMtime: info.ModTime().UnixMilli(),
		LocalSize:  info.Size(),
	}, false, nil
}

// resolveLocal maps a remote-relative name into the work root, rejecting
// escapes the same way tool paths are rejected.
func (e *Engine) resolveLocal(relName string) (string, error) {
	resolved := filepath.Join(e.workRoot, filepath.FromSlash(relName))
	cleanRoot := filepath.Clean(e.workRoot)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("object name %q escapes work root", relName)
	}
	return resolved, nil
}

func (e *Engine) relName(objectName string) string {
	if e.opts.Prefix == "" {
		return objectName
	}
	return strings.TrimPrefix(strings.TrimPrefix(objectName, e.opts.Prefix), "/")
}

func (e *Engine) objectName(relName string) string {
	if e.opts.Prefix == "" {
		return relName
	}
	return path.Join(e.opts.Prefix, relName)
}

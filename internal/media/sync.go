package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/pkg/file"
	"github.com/subtrackd/subtrackd/pkg/log"
)

var mediaExts = []string{
	".mkv", ".mp4", ".m4v", ".mov", ".avi", ".wmv", ".flv", ".webm",
	".ts", ".m2ts", ".mts", ".mpg", ".mpeg",
}

// EmbeddedStore persists probe results for a media item.
type EmbeddedStore interface {
	ReplaceEmbedded(ctx context.Context, mediaID int64, kind model.MediaKind, subs []model.EmbeddedSubtitle) error
	SetIndexedAt(ctx context.Context, mediaID int64, kind model.MediaKind, at time.Time) error
}

// ResolveMediaFile locates the container file for a media row, tolerating
// a stored filename without extension.
func ResolveMediaFile(dir, baseName string) (string, error) {
	direct := filepath.Join(dir, baseName)
	if info, err := os.Stat(direct); err == nil && !info.IsDir() {
		return direct, nil
	}

	for _, ext := range mediaExts {
		candidate := filepath.Join(dir, baseName+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	// last resort: any media file sharing the base name prefix
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read media directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !isMediaExt(ext) {
			continue
		}
		if file.BaseName(name) == baseName {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("media file not found for %s in %s", baseName, dir)
}

func isMediaExt(ext string) bool {
	for _, e := range mediaExts {
		if e == ext {
			return true
		}
	}
	return false
}

// SyncEmbedded resolves the on-disk file for a media item, probes its
// subtitle streams, and atomically replaces the persisted embedded rows,
// stamping indexed_at.
func (p *Prober) SyncEmbedded(ctx context.Context, store EmbeddedStore, m model.Media) error {
	path, err := ResolveMediaFile(m.Dir(), m.BaseName())
	if err != nil {
		return err
	}

	streams := p.Probe(ctx, path)
	for i := range streams {
		streams[i].MediaID = m.MediaID()
		streams[i].MediaKind = m.Kind()
	}

	if err := store.ReplaceEmbedded(ctx, m.MediaID(), m.Kind(), streams); err != nil {
		return fmt.Errorf("replace embedded subtitles: %w", err)
	}
	if err := store.SetIndexedAt(ctx, m.MediaID(), m.Kind(), time.Now().UTC()); err != nil {
		return fmt.Errorf("set indexed_at: %w", err)
	}
	log.Debug("indexed %d embedded subtitle streams for %s", len(streams), path)
	return nil
}

package monitor

import (
	"context"
	"io/fs"
	"path/filepath"
)

// AuditCacheRoots recomputes each CacheRoot's true usage by walking its directory tree and overwrites the stored
// counters via ReconcileUsage, correcting any drift left by a crashed worker that wrote a file but never recorded
// the usage delta.
func (m *Monitor) AuditCacheRoots(ctx context.Context) {
	roots, err := m.roots.List(ctx, false)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list cache roots for usage audit")
		return
	}

	for _, root := range roots {
		bytes, files, err := diskUsage(root.AbsolutePath)
		if err != nil {
			m.log.Warn().Err(err).Str("cache_root_id", root.ID).Str("path", root.AbsolutePath).
				Msg("Failed to walk cache root for usage audit")
			continue
		}
		if bytes == root.CurrentBytes && files == root.FileCount {
			continue
		}
		if err := m.roots.ReconcileUsage(ctx, root.ID, bytes, files); err != nil {
			m.log.Error().Err(err).Str("cache_root_id", root.ID).Msg("Failed to reconcile cache root usage")
			continue
		}
		m.log.Info().Str("cache_root_id", root.ID).
			Int64("recorded_bytes", root.CurrentBytes).Int64("actual_bytes", bytes).
			Int("recorded_files", root.FileCount).Int("actual_files", files).
			Msg("Corrected cache root usage drift")
	}
}

// diskUsage sums the size and count of every regular file under root.
func diskUsage(root string) (int64, int, error) {
	var bytes int64
	var files int
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bytes, files, nil
}

package placement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/nvia/catalogd/internal/catalog/cacheroot"
)

// ValidatePath checks a candidate cache-root directory the way the cache-folder API does before registering it:
// it must exist, be a directory, be writable, and report its free space.
func ValidatePath(ctx context.Context, path string) (*cacheroot.PathValidation, error) {
	result := &cacheroot.PathValidation{}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		result.Reason = "path does not exist"
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	result.Exists = true
	result.IsDirectory = info.IsDir()
	if !result.IsDirectory {
		result.Reason = "path is not a directory"
		return result, nil
	}

	probe, err := os.CreateTemp(path, ".catalogd-write-test-*")
	if err != nil {
		result.Reason = "directory is not writable"
		return result, nil
	}
	probePath := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probePath)
	result.Writable = true

	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	result.FreeBytes = int64(usage.Free)

	result.Valid = result.Exists && result.IsDirectory && result.Writable
	return result, nil
}

// NestedInExisting reports whether candidate sits inside (or is identical to) any registered root's directory, the
// condition root registration rejects: two roots whose trees overlap would double-count every artifact
// the audit walks.
func NestedInExisting(candidate string, roots []cacheroot.CacheRoot) bool {
	candidate = filepath.Clean(candidate)
	for _, r := range roots {
		rootPath := filepath.Clean(r.AbsolutePath)
		if candidate == rootPath || strings.HasPrefix(candidate, rootPath+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

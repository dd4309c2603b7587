// Package archivereader provides streaming, central-directory-style access to entries inside zip, 7z, rar, and tar
// archives (including their cbz/cbr aliases) without extracting the whole archive to disk.
package archivereader

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/mholt/archives"
)

// Entry describes one file inside an archive, enough for Scanner reconciliation.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Reader lists and opens entries inside one archive file.
type Reader interface {
	// Entries returns every file entry in a stable order.
	Entries(ctx context.Context) ([]Entry, error)
	// Open returns a reader for the named entry's contents.
	Open(ctx context.Context, name string) (fs.File, error)
	// Close releases any resources backing the archive view.
	Close() error
}

type fsReader struct {
	fsys fs.FS
}

// Open opens the archive at path, auto-detecting its format (zip/7z/rar/tar and the cbz/cbr aliases, which are
// plain zip/rar under a different extension) and returning a Reader over its contents.
func Open(ctx context.Context, path string) (Reader, error) {
	fsys, err := archives.FileSystem(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &fsReader{fsys: fsys}, nil
}

func (r *fsReader) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	walkErr := fs.WalkDir(r.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat entry %s: %w", p, err)
		}
		entries = append(entries, Entry{Name: p, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk archive: %w", walkErr)
	}

	// fs.WalkDir yields lexical order; archives.FileSystem does not expose the raw central-directory order, so
	// entries are re-sorted lexically, the same stable order folder scans use.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries, nil
}

func (r *fsReader) Open(_ context.Context, name string) (fs.File, error) {
	f, err := r.fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	return f, nil
}

func (r *fsReader) Close() error {
	if closer, ok := r.fsys.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// IsArchiveKind reports whether kind names an archive-backed collection rather than a plain folder.
func IsArchiveKind(kind string) bool {
	switch kind {
	case "zip", "7z", "rar", "tar", "cbz", "cbr":
		return true
	default:
		return false
	}
}

package derivation

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/placement"
)

func testPNGBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

type fakeCollections struct {
	col     *collection.Collection
	updates int
}

func (f *fakeCollections) Create(context.Context, collection.CreateParams) (*collection.Collection, error) {
	return nil, nil
}
func (f *fakeCollections) GetByID(_ context.Context, id string) (*collection.Collection, error) {
	if f.col == nil || f.col.ID != id {
		return nil, collection.ErrNotFound
	}
	cp := *f.col
	cp.Images = append([]collection.Image(nil), f.col.Images...)
	return &cp, nil
}
func (f *fakeCollections) ListByLibrary(context.Context, string) ([]collection.Collection, error) {
	return nil, nil
}
func (f *fakeCollections) SoftDelete(context.Context, string) error { return nil }
func (f *fakeCollections) ReconcileImages(context.Context, string, []collection.Image, collection.Stats) error {
	return nil
}
func (f *fakeCollections) SetScanError(context.Context, string, string) error { return nil }
func (f *fakeCollections) UpdateImage(_ context.Context, _, imageID string, mutate func(*collection.Image)) error {
	f.updates++
	for i := range f.col.Images {
		if f.col.Images[i].ID == imageID {
			mutate(&f.col.Images[i])
			return nil
		}
	}
	return collection.ErrImageNotFound
}
func (f *fakeCollections) EvictionCandidates(context.Context, string, time.Time) ([]collection.EvictionCandidate, error) {
	return nil, nil
}
func (f *fakeCollections) InvalidateArtifact(context.Context, string, string, string) error {
	return nil
}

type fakeRoots struct {
	root *cacheroot.CacheRoot
}

func (f *fakeRoots) Create(context.Context, cacheroot.CreateParams) (*cacheroot.CacheRoot, error) {
	return nil, nil
}
func (f *fakeRoots) GetByID(context.Context, string) (*cacheroot.CacheRoot, error) {
	cp := *f.root
	return &cp, nil
}
func (f *fakeRoots) List(context.Context, bool) ([]cacheroot.CacheRoot, error) {
	return []cacheroot.CacheRoot{*f.root}, nil
}
func (f *fakeRoots) SetActive(context.Context, string, bool) error { return nil }
func (f *fakeRoots) Delete(context.Context, string) error          { return nil }
func (f *fakeRoots) Update(context.Context, string, cacheroot.UpdateParams) (*cacheroot.CacheRoot, error) {
	return nil, nil
}
func (f *fakeRoots) UpdateUsage(_ context.Context, _ string, _ int, deltaBytes int64, deltaFiles int) (*cacheroot.CacheRoot, error) {
	f.root.CurrentBytes += deltaBytes
	f.root.FileCount += deltaFiles
	f.root.Version++
	cp := *f.root
	return &cp, nil
}
func (f *fakeRoots) ReconcileUsage(context.Context, string, int64, int) error { return nil }

type fakeJobs struct {
	done, failed int
}

func (f *fakeJobs) Create(context.Context, backgroundjob.CreateParams) (*backgroundjob.BackgroundJob, error) {
	return nil, nil
}
func (f *fakeJobs) GetByID(context.Context, string) (*backgroundjob.BackgroundJob, error) {
	return nil, backgroundjob.ErrNotFound
}
func (f *fakeJobs) MarkRunning(context.Context, string) error        { return nil }
func (f *fakeJobs) IncrementDone(context.Context, string, int) error { f.done++; return nil }
func (f *fakeJobs) IncrementFailed(context.Context, string, int, string) error {
	f.failed++
	return nil
}
func (f *fakeJobs) Cancel(context.Context, string) error { return nil }
func (f *fakeJobs) ListRunningOlderThan(context.Context, time.Time) ([]backgroundjob.BackgroundJob, error) {
	return nil, nil
}
func (f *fakeJobs) MarkFailed(context.Context, string, string) error { return nil }

func TestWorker_GeneratesThumbnailAndRecordsProgress(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.png")
	if err := os.WriteFile(srcPath, testPNGBytes(t, 800, 600), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	col := &collection.Collection{
		ID: "col-1", Path: dir, Kind: collection.KindFolder,
		Images: []collection.Image{{ID: "img-1", RelativePath: "source.png"}},
	}
	cols := &fakeCollections{col: col}
	roots := &fakeRoots{root: &cacheroot.CacheRoot{ID: "root-1", AbsolutePath: t.TempDir(), Active: true}}
	jobs := &fakeJobs{}
	placer := placement.New(roots, cols, zerolog.Nop())
	w := New(KindThumbnail, cols, jobs, placer, zerolog.Nop())

	msg := bus.DerivationMessage{
		ImageID: "img-1", CollectionID: "col-1", SourceLocator: srcPath,
		TargetWidth: 200, TargetHeight: 200, Quality: 80, JobID: "job-1",
	}
	payload, _ := json.Marshal(msg)

	decision, err := w.Handle(context.Background(), bus.Envelope{Payload: payload})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if decision != bus.Ack {
		t.Errorf("decision = %v, want Ack", decision)
	}

	thumb := col.Images[0].Thumbnail
	if thumb == nil || !thumb.Valid {
		t.Fatal("expected a valid thumbnail recorded on the image")
	}
	if thumb.Width > 200 || thumb.Height > 200 {
		t.Errorf("thumbnail dims = %dx%d, want within 200x200", thumb.Width, thumb.Height)
	}
	if _, err := os.Stat(thumb.Path); err != nil {
		t.Errorf("thumbnail file missing at %s: %v", thumb.Path, err)
	}
	if jobs.done != 1 {
		t.Errorf("jobs.done = %d, want 1", jobs.done)
	}
}

func TestWorker_IdempotentWhenArtifactAlreadySatisfies(t *testing.T) {
	col := &collection.Collection{
		ID: "col-1", Path: t.TempDir(), Kind: collection.KindFolder,
		Images: []collection.Image{{
			ID: "img-1", RelativePath: "source.png",
			Thumbnail: &collection.Thumbnail{Valid: true, Width: 200, Height: 150, Quality: 80, Path: "/already/there.jpg"},
		}},
	}
	cols := &fakeCollections{col: col}
	roots := &fakeRoots{root: &cacheroot.CacheRoot{ID: "root-1", AbsolutePath: t.TempDir(), Active: true}}
	jobs := &fakeJobs{}
	placer := placement.New(roots, cols, zerolog.Nop())
	w := New(KindThumbnail, cols, jobs, placer, zerolog.Nop())

	msg := bus.DerivationMessage{
		ImageID: "img-1", CollectionID: "col-1", SourceLocator: "/does/not/exist.png",
		TargetWidth: 200, TargetHeight: 150, Quality: 80,
	}
	payload, _ := json.Marshal(msg)

	decision, err := w.Handle(context.Background(), bus.Envelope{Payload: payload})
	if err != nil {
		t.Fatalf("Handle() error = %v (idempotence check should have short-circuited before opening the source)", err)
	}
	if decision != bus.Ack {
		t.Errorf("decision = %v, want Ack", decision)
	}
	if cols.updates != 0 {
		t.Errorf("UpdateImage called %d times, want 0 for an already-satisfied artifact", cols.updates)
	}
}

func TestWorker_DecodeFailureInvalidatesExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.png")
	if err := os.WriteFile(srcPath, []byte("not a real image"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	col := &collection.Collection{
		ID: "col-1", Path: dir, Kind: collection.KindFolder,
		Images: []collection.Image{{
			ID: "img-1", RelativePath: "source.png",
			Thumbnail: &collection.Thumbnail{Valid: true, Width: 200, Height: 150, Quality: 80, Path: "/already/there.jpg"},
		}},
	}
	cols := &fakeCollections{col: col}
	roots := &fakeRoots{root: &cacheroot.CacheRoot{ID: "root-1", AbsolutePath: t.TempDir(), Active: true}}
	jobs := &fakeJobs{}
	placer := placement.New(roots, cols, zerolog.Nop())
	w := New(KindThumbnail, cols, jobs, placer, zerolog.Nop())

	msg := bus.DerivationMessage{
		ImageID: "img-1", CollectionID: "col-1", SourceLocator: srcPath,
		TargetWidth: 300, TargetHeight: 300, Quality: 85, JobID: "job-1", ForceRegenerate: true,
	}
	payload, _ := json.Marshal(msg)

	decision, err := w.Handle(context.Background(), bus.Envelope{Payload: payload})
	if err == nil {
		t.Fatal("Handle() should fail for an undecodable source")
	}
	if decision != bus.NackDrop {
		t.Errorf("decision = %v, want NackDrop", decision)
	}
	if jobs.failed != 1 {
		t.Errorf("jobs.failed = %d, want 1", jobs.failed)
	}
	if col.Images[0].Thumbnail.Valid {
		t.Error("existing thumbnail should be marked invalid after a decode failure on its source")
	}
}

func TestWorker_ImageNotFoundIsNackDrop(t *testing.T) {
	col := &collection.Collection{ID: "col-1", Path: t.TempDir(), Kind: collection.KindFolder}
	cols := &fakeCollections{col: col}
	roots := &fakeRoots{root: &cacheroot.CacheRoot{ID: "root-1", AbsolutePath: t.TempDir(), Active: true}}
	jobs := &fakeJobs{}
	placer := placement.New(roots, cols, zerolog.Nop())
	w := New(KindThumbnail, cols, jobs, placer, zerolog.Nop())

	msg := bus.DerivationMessage{ImageID: "missing", CollectionID: "col-1", JobID: "job-1"}
	payload, _ := json.Marshal(msg)

	decision, err := w.Handle(context.Background(), bus.Envelope{Payload: payload})
	if err == nil {
		t.Fatal("Handle() should fail for a missing image")
	}
	if decision != bus.NackDrop {
		t.Errorf("decision = %v, want NackDrop", decision)
	}
	if jobs.failed != 1 {
		t.Errorf("jobs.failed = %d, want 1", jobs.failed)
	}
}

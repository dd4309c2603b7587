package api

import (
	"context"
	"time"

	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
)

type fakeLibraries struct {
	byID map[string]*library.Library
}

func (f *fakeLibraries) Create(context.Context, library.CreateParams) (*library.Library, error) {
	return nil, nil
}
func (f *fakeLibraries) GetByID(_ context.Context, id string) (*library.Library, error) {
	lib, ok := f.byID[id]
	if !ok {
		return nil, library.ErrNotFound
	}
	cp := *lib
	return &cp, nil
}
func (f *fakeLibraries) List(context.Context) ([]library.Library, error) { return nil, nil }
func (f *fakeLibraries) SoftDelete(context.Context, string) error        { return nil }

type fakeCollections struct {
	byID        map[string]*collection.Collection
	byLibraryID map[string][]collection.Collection
}

func (f *fakeCollections) Create(context.Context, collection.CreateParams) (*collection.Collection, error) {
	return nil, nil
}
func (f *fakeCollections) GetByID(_ context.Context, id string) (*collection.Collection, error) {
	col, ok := f.byID[id]
	if !ok {
		return nil, collection.ErrNotFound
	}
	cp := *col
	return &cp, nil
}
func (f *fakeCollections) ListByLibrary(_ context.Context, libraryID string) ([]collection.Collection, error) {
	return f.byLibraryID[libraryID], nil
}
func (f *fakeCollections) SoftDelete(context.Context, string) error { return nil }
func (f *fakeCollections) ReconcileImages(context.Context, string, []collection.Image, collection.Stats) error {
	return nil
}
func (f *fakeCollections) SetScanError(context.Context, string, string) error { return nil }
func (f *fakeCollections) UpdateImage(context.Context, string, string, func(*collection.Image)) error {
	return nil
}
func (f *fakeCollections) EvictionCandidates(context.Context, string, time.Time) ([]collection.EvictionCandidate, error) {
	return nil, nil
}
func (f *fakeCollections) InvalidateArtifact(context.Context, string, string, string) error {
	return nil
}

type fakeJobs struct {
	byID      map[string]*backgroundjob.BackgroundJob
	created   []backgroundjob.CreateParams
	nextID    int
	cancelled []string
}

func (f *fakeJobs) Create(_ context.Context, params backgroundjob.CreateParams) (*backgroundjob.BackgroundJob, error) {
	f.nextID++
	f.created = append(f.created, params)
	id := params.Kind
	job := &backgroundjob.BackgroundJob{ID: id, Kind: params.Kind, Total: params.Total, Status: backgroundjob.StatusPending, ParentID: params.ParentID}
	if f.byID == nil {
		f.byID = map[string]*backgroundjob.BackgroundJob{}
	}
	f.byID[id] = job
	return job, nil
}
func (f *fakeJobs) GetByID(_ context.Context, id string) (*backgroundjob.BackgroundJob, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, backgroundjob.ErrNotFound
	}
	cp := *job
	return &cp, nil
}
func (f *fakeJobs) MarkRunning(_ context.Context, id string) error {
	if job, ok := f.byID[id]; ok {
		job.Status = backgroundjob.StatusRunning
	}
	return nil
}
func (f *fakeJobs) IncrementDone(_ context.Context, id string, delta int) error {
	if job, ok := f.byID[id]; ok {
		job.Done += delta
		if job.Done+job.Failed >= job.Total {
			job.Status = backgroundjob.StatusCompleted
		}
	}
	return nil
}
func (f *fakeJobs) IncrementFailed(context.Context, string, int, string) error { return nil }
func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	job, ok := f.byID[id]
	if !ok {
		return backgroundjob.ErrNotFound
	}
	job.Status = backgroundjob.StatusCancelled
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeJobs) ListRunningOlderThan(context.Context, time.Time) ([]backgroundjob.BackgroundJob, error) {
	return nil, nil
}
func (f *fakeJobs) MarkFailed(_ context.Context, id string, reason string) error {
	if job, ok := f.byID[id]; ok {
		job.Status = backgroundjob.StatusFailed
		job.LastError = &reason
	}
	return nil
}

type fakeScheduledJobs struct {
	byID map[string]*scheduledjob.ScheduledJob
	runs map[string][]scheduledjob.ScheduledJobRun
}

func (f *fakeScheduledJobs) Create(context.Context, scheduledjob.CreateParams) (*scheduledjob.ScheduledJob, error) {
	return nil, nil
}
func (f *fakeScheduledJobs) GetByID(_ context.Context, id string) (*scheduledjob.ScheduledJob, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, scheduledjob.ErrNotFound
	}
	cp := *job
	return &cp, nil
}
func (f *fakeScheduledJobs) List(context.Context) ([]scheduledjob.ScheduledJob, error) {
	var out []scheduledjob.ScheduledJob
	for _, j := range f.byID {
		out = append(out, *j)
	}
	return out, nil
}
func (f *fakeScheduledJobs) SetEnabled(_ context.Context, id string, enabled bool) error {
	job, ok := f.byID[id]
	if !ok {
		return scheduledjob.ErrNotFound
	}
	job.Enabled = enabled
	if enabled {
		job.Status = scheduledjob.StatusIdle
	} else {
		job.Status = scheduledjob.StatusDisabled
	}
	return nil
}
func (f *fakeScheduledJobs) DueJobs(context.Context, time.Time) ([]scheduledjob.ScheduledJob, error) {
	return nil, nil
}
func (f *fakeScheduledJobs) TryStartRun(context.Context, string) (bool, error) { return false, nil }
func (f *fakeScheduledJobs) FinishRun(context.Context, string, bool, time.Time) error {
	return nil
}
func (f *fakeScheduledJobs) ForceIdle(context.Context, string) error { return nil }
func (f *fakeScheduledJobs) CreateRun(context.Context, string, string) (*scheduledjob.ScheduledJobRun, error) {
	return nil, nil
}
func (f *fakeScheduledJobs) CompleteRun(context.Context, string, scheduledjob.RunStatus, string) error {
	return nil
}
func (f *fakeScheduledJobs) ListRunsByJob(_ context.Context, scheduledJobID string, limit, offset int) ([]scheduledjob.ScheduledJobRun, error) {
	runs := f.runs[scheduledJobID]
	if offset >= len(runs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(runs) {
		end = len(runs)
	}
	return runs[offset:end], nil
}
func (f *fakeScheduledJobs) ListTimedOutRuns(context.Context, time.Time) ([]scheduledjob.ScheduledJobRun, error) {
	return nil, nil
}

type fakeCacheRoots struct {
	byID map[string]*cacheroot.CacheRoot
}

func (f *fakeCacheRoots) Create(_ context.Context, params cacheroot.CreateParams) (*cacheroot.CacheRoot, error) {
	root := &cacheroot.CacheRoot{
		ID: params.Name, Name: params.Name, AbsolutePath: params.AbsolutePath,
		Priority: params.Priority, MaxBytes: params.MaxBytes, Active: true,
	}
	if f.byID == nil {
		f.byID = map[string]*cacheroot.CacheRoot{}
	}
	f.byID[root.ID] = root
	return root, nil
}
func (f *fakeCacheRoots) GetByID(_ context.Context, id string) (*cacheroot.CacheRoot, error) {
	root, ok := f.byID[id]
	if !ok {
		return nil, cacheroot.ErrNotFound
	}
	cp := *root
	return &cp, nil
}
func (f *fakeCacheRoots) List(_ context.Context, activeOnly bool) ([]cacheroot.CacheRoot, error) {
	var out []cacheroot.CacheRoot
	for _, r := range f.byID {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}
func (f *fakeCacheRoots) SetActive(_ context.Context, id string, active bool) error {
	root, ok := f.byID[id]
	if !ok {
		return cacheroot.ErrNotFound
	}
	root.Active = active
	return nil
}
func (f *fakeCacheRoots) Update(_ context.Context, id string, params cacheroot.UpdateParams) (*cacheroot.CacheRoot, error) {
	root, ok := f.byID[id]
	if !ok {
		return nil, cacheroot.ErrNotFound
	}
	if params.Name != nil {
		root.Name = *params.Name
	}
	if params.Priority != nil {
		root.Priority = *params.Priority
	}
	if params.SetMaxBytes {
		root.MaxBytes = params.MaxBytes
	}
	cp := *root
	return &cp, nil
}
func (f *fakeCacheRoots) Delete(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return cacheroot.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}
func (f *fakeCacheRoots) UpdateUsage(context.Context, string, int, int64, int) (*cacheroot.CacheRoot, error) {
	return nil, nil
}
func (f *fakeCacheRoots) ReconcileUsage(context.Context, string, int64, int) error { return nil }

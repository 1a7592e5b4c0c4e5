package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "db", "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string, created time.Time) *ExportJob {
	return &ExportJob{
		ID:       id,
		SampleID: "brain01",
		Status:   JobStatusQueued,
		Request: stack.Request{
			Sample: "brain01",
			ROI: volume.ROI{
				Z: volume.Range{Start: 40, End: 200},
				Y: volume.Range{Start: 800, End: 960},
				X: volume.Range{Start: 1200, End: 1360},
			},
			ReadLevel:     1,
			Channels:      []stack.Channel{{Token: "s01", Role: volume.RoleNuclear, Clip: volume.Clip{Low: 100, High: 5000}}},
			Composite:     &stack.Composite{Recipe: "HE", Nuclear: stack.Channel{Token: "s01"}, Second: stack.Channel{Token: "s00"}},
			Augmentations: []stack.Augmentation{stack.Identity, stack.Flip},
			Headroom:      12,
			OutputRoot:    "/out",
		},
		CreatedAt: created,
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)
	job := testJob("job-1", time.Now())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil || got == nil {
		t.Fatalf("GetJob = %v, %v", got, err)
	}
	if got.Status != JobStatusQueued || got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("new job = %+v", got)
	}
	if got.Request.ROI != job.Request.ROI || got.Request.Composite.Recipe != "HE" ||
		len(got.Request.Augmentations) != 2 || got.Request.Augmentations[1] != stack.Flip {
		t.Fatalf("request did not round-trip: %+v", got.Request)
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	if err := s.UpdateJobProgress("job-1", 5, 12); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.UpdateJobCounts("job-1", JobCounts{Written: 10, Failed: 2}); err != nil {
		t.Fatalf("UpdateJobCounts: %v", err)
	}
	failures := []UnitFailure{
		{Z: 41, Augmentation: "flip", Token: "FC", Path: "/out/b", Error: "disk full"},
		{Z: 40, Augmentation: "identity", Token: "s01", Path: "/out/a", Error: "disk full"},
	}
	if err := s.InsertFailures("job-1", failures); err != nil {
		t.Fatalf("InsertFailures: %v", err)
	}
	if err := s.UpdateJobStatus("job-1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, _ = s.GetJob("job-1")
	if got.Status != JobStatusCompleted || got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("finished job = %+v", got)
	}
	if got.Progress != (JobProgress{Done: 5, Total: 12}) || got.Counts.Failed != 2 {
		t.Fatalf("progress/counts = %+v %+v", got.Progress, got.Counts)
	}

	page, total, err := s.QueryFailures("job-1", 0, 1)
	if err != nil {
		t.Fatalf("QueryFailures: %v", err)
	}
	if total != 2 || len(page) != 1 || page[0].Z != 40 {
		t.Fatalf("failures page = %+v total %d", page, total)
	}

	if err := s.DeleteJob("job-1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if got, err := s.GetJob("job-1"); got != nil || err != nil {
		t.Fatalf("deleted job = %v, %v", got, err)
	}
	if _, total, _ := s.QueryFailures("job-1", 0, 10); total != 0 {
		t.Fatalf("failures survived delete: %d", total)
	}
}

func TestStore_Recovery(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(testJob(id, base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := s.UpdateJobStarted("b"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	b, _ := s.GetJob("b")
	if b.Status != JobStatusFailed || b.Error != "server restarted" || b.FinishedAt == nil {
		t.Fatalf("running job after recovery = %+v", b)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatalf("ListQueuedJobs: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "a" || queued[1].ID != "c" {
		t.Fatalf("queued = %v", queued)
	}

	all, err := s.ListJobsBySample("brain01")
	if err != nil {
		t.Fatalf("ListJobsBySample: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("jobs by sample = %d, first %s", len(all), all[0].ID)
	}
}

func TestStore_DeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(testJob("old", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(testJob("open", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus("old", JobStatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	// A negative retention puts the cutoff in the future.
	n, err := s.DeleteExpiredJobs(-1)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d jobs, want 1", n)
	}
	if j, _ := s.GetJob("open"); j == nil {
		t.Fatal("unfinished job was deleted")
	}
}

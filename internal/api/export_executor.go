package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vhisto/server/internal/config"
	"github.com/vhisto/server/internal/jobstore"
	"github.com/vhisto/server/internal/stack"
)

// progressInterval bounds how often a running job writes its progress.
const progressInterval = 500 * time.Millisecond

// NewExportExecutor returns an Executor that runs export jobs against the
// registry's samples with the server's export settings.
func NewExportExecutor(registry *SampleRegistry, exp config.ExportConfig, logger logrus.FieldLogger) Executor {
	return func(ctx context.Context, store *jobstore.Store, job *jobstore.ExportJob) error {
		svc := registry.Get(job.SampleID)
		if svc == nil {
			return fmt.Errorf("sample %q is not configured", job.SampleID)
		}
		log := logger.WithFields(logrus.Fields{"job_id": job.ID, "sample": job.SampleID})

		tracker := &progressTracker{store: store, jobID: job.ID, log: log}
		summary, err := svc.Export(ctx, exp, job.Request, tracker.report)
		tracker.flush(summary.Written+len(summary.Failed), summary.Units)

		counts := jobstore.JobCounts{
			Written:   summary.Written,
			Failed:    len(summary.Failed),
			Cancelled: summary.Cancelled,
		}
		if uerr := store.UpdateJobCounts(job.ID, counts); uerr != nil {
			log.WithError(uerr).Error("failed to record job counts")
		}
		if len(summary.Failed) > 0 {
			if ferr := store.InsertFailures(job.ID, unitFailures(summary.Failed)); ferr != nil {
				log.WithError(ferr).Error("failed to record unit failures")
			}
		}
		log.Info(summary.String())

		if err != nil {
			return err
		}
		if summary.Written == 0 && len(summary.Failed) > 0 {
			return fmt.Errorf("all %d images failed; first error: %v", len(summary.Failed), summary.Failed[0].Err)
		}
		return nil
	}
}

func unitFailures(errs []stack.UnitError) []jobstore.UnitFailure {
	out := make([]jobstore.UnitFailure, 0, len(errs))
	for _, ue := range errs {
		out = append(out, jobstore.UnitFailure{
			Z:            ue.Unit.Z,
			Augmentation: ue.Unit.Aug.String(),
			Token:        ue.Unit.Token,
			Path:         ue.Unit.Path,
			Error:        ue.Err.Error(),
		})
	}
	return out
}

// progressTracker throttles progress writes from concurrent workers.
type progressTracker struct {
	store *jobstore.Store
	jobID string
	log   logrus.FieldLogger

	mu   sync.Mutex
	last time.Time
}

func (p *progressTracker) report(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done < total && time.Since(p.last) < progressInterval {
		return
	}
	p.last = time.Now()
	if err := p.store.UpdateJobProgress(p.jobID, done, total); err != nil {
		p.log.WithError(err).Warn("failed to record progress")
	}
}

func (p *progressTracker) flush(done, total int) {
	if total == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.UpdateJobProgress(p.jobID, done, total); err != nil {
		p.log.WithError(err).Warn("failed to record progress")
	}
}

/*
runner.go - Batch execution shared by the grant jobs

PURPOSE:
  All three grant jobs have the same shape: list active subjects, evaluate
  each one against the job's rule, and issue the resulting grants through
  the ledger. The runner owns the shared mechanics: bounded batches, a
  worker pool per batch, per-subject failure isolation, and one persisted
  summary per run.

FAILURE ISOLATION:
  One subject failing (directory lookup error, ledger error) increments the
  failed counter and is logged; the batch continues. A duplicate grant is
  counted as skipped, which is what makes re-running a job on the same
  business date harmless.
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/officehub/workflow-engine/ledger"
)

// =============================================================================
// RUN SUMMARY
// =============================================================================

// RunSummary is the single audit record a job writes per run. One row per
// (job name, business date); a re-run on the same date overwrites it.
type RunSummary struct {
	JobName      string
	BusinessDate ledger.Date
	StartedAt    time.Time
	FinishedAt   time.Time
	Evaluated    int
	Granted      int
	Skipped      int
	Failed       int
}

func (r RunSummary) String() string {
	return fmt.Sprintf("%s %s: evaluated=%d granted=%d skipped=%d failed=%d",
		r.JobName, r.BusinessDate, r.Evaluated, r.Granted, r.Skipped, r.Failed)
}

// RunStore persists job run summaries.
type RunStore interface {
	SaveRun(ctx context.Context, run RunSummary) error
	GetRun(ctx context.Context, jobName string, businessDate ledger.Date) (*RunSummary, error)
}

// Job is one scheduled grant producer.
type Job interface {
	Name() string
	Run(ctx context.Context, businessDate ledger.Date) (*RunSummary, error)
}

// =============================================================================
// RUNNER
// =============================================================================

const (
	defaultBatchSize = 50
	defaultWorkers   = 8
)

// Runner carries the dependencies and tuning shared by every job.
type Runner struct {
	Ledger    *ledger.Ledger
	Directory Directory
	Runs      RunStore

	BatchSize int // subjects per batch, defaults to 50
	Workers   int // concurrent evaluations per batch, defaults to 8
}

// evaluator returns the grant a subject should receive on the business
// date, or nil when the subject does not qualify.
type evaluator func(ctx context.Context, subject Subject) (*ledger.Grant, error)

func (r *Runner) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return defaultBatchSize
}

func (r *Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return defaultWorkers
}

// run evaluates every active subject in bounded batches and issues the
// resulting grants. Always persists a summary, even when some subjects
// failed.
func (r *Runner) run(ctx context.Context, jobName string, businessDate ledger.Date, eval evaluator) (*RunSummary, error) {
	summary := RunSummary{
		JobName:      jobName,
		BusinessDate: businessDate,
		StartedAt:    time.Now().UTC(),
	}

	subjects, err := r.Directory.ActiveSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to list subjects: %w", jobName, err)
	}

	var mu sync.Mutex
	size := r.batchSize()
	for start := 0; start < len(subjects); start += size {
		end := start + size
		if end > len(subjects) {
			end = len(subjects)
		}
		r.runBatch(ctx, jobName, subjects[start:end], eval, &mu, &summary)
	}

	summary.FinishedAt = time.Now().UTC()
	log.Printf("[GrantIssuer] %s", summary)
	if err := r.Runs.SaveRun(ctx, summary); err != nil {
		return nil, fmt.Errorf("%s: failed to save run summary: %w", jobName, err)
	}
	return &summary, nil
}

func (r *Runner) runBatch(ctx context.Context, jobName string, batch []Subject, eval evaluator, mu *sync.Mutex, summary *RunSummary) {
	sem := make(chan struct{}, r.workers())
	var wg sync.WaitGroup

	for _, subject := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(subject Subject) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.evaluateOne(ctx, jobName, subject, eval)

			mu.Lock()
			summary.Evaluated++
			switch outcome {
			case outcomeGranted:
				summary.Granted++
			case outcomeSkipped:
				summary.Skipped++
			case outcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
		}(subject)
	}
	wg.Wait()
}

type outcome int

const (
	outcomeGranted outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Runner) evaluateOne(ctx context.Context, jobName string, subject Subject, eval evaluator) outcome {
	grant, err := eval(ctx, subject)
	if err != nil {
		log.Printf("[GrantIssuer] %s: subject %s evaluation failed: %v", jobName, subject.ID, err)
		return outcomeFailed
	}
	if grant == nil {
		return outcomeSkipped
	}

	err = r.Ledger.Issue(ctx, *grant)
	switch {
	case err == nil:
		return outcomeGranted
	case errors.Is(err, ledger.ErrDuplicateGrant):
		// Already issued on a prior run for this date.
		log.Printf("[GrantIssuer] %s: %s already granted, skipping", jobName, grant.IdempotencyKey())
		return outcomeSkipped
	default:
		log.Printf("[GrantIssuer] %s: subject %s issue failed: %v", jobName, subject.ID, err)
		return outcomeFailed
	}
}

/*
scheduler.go - Cron scheduler for the grant issuer jobs

PURPOSE:
  Drives the three grant jobs on their cron expressions. Each tick runs a
  job against today's business date; grant-level idempotency makes an
  overlapping or repeated tick harmless.

CONFIGURATION:
  Cron expressions come from config (standard five-field syntax). An empty
  expression leaves that job manual-only via the admin API.

USAGE:
  sched := api.NewScheduler()
  sched.Add("0 2 * * *", monthlyJob)
  sched.Start()
  defer sched.Stop()

SEE ALSO:
  - entitlement/jobs.go: the jobs themselves
  - handlers.go: the manual trigger endpoint
*/
package api

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
)

// Scheduler runs grant jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Add schedules a job. An empty spec is ignored.
func (s *Scheduler) Add(spec string, job entitlement.Job) error {
	if spec == "" {
		log.Printf("[Scheduler] %s has no schedule, manual runs only", job.Name())
		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		summary, err := job.Run(ctx, ledger.Today())
		if err != nil {
			log.Printf("[Scheduler] %s failed: %v", job.Name(), err)
			return
		}
		log.Printf("[Scheduler] %s", summary)
	})
	if err != nil {
		return err
	}
	log.Printf("[Scheduler] %s scheduled at %q", job.Name(), spec)
	return nil
}

// Start begins dispatching scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[Scheduler] Started")
}

// Stop waits for any running job before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[Scheduler] Stopped")
}

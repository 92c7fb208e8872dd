package workers

import (
	"context"
	"log"
	"time"

	"github.com/sevapulse/sevapulse/services"
)

// SweepWorker periodically re-evaluates escalation evidence for every
// active office. Each run is idempotent, so an overlapping or retried run
// cannot raise duplicate escalations.
type SweepWorker struct {
	EscalationService *services.EscalationService
	Interval          time.Duration
	Concurrency       int
}

func NewSweepWorker(escalationService *services.EscalationService, interval time.Duration, concurrency int) *SweepWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepWorker{
		EscalationService: escalationService,
		Interval:          interval,
		Concurrency:       concurrency,
	}
}

// Start runs sweeps until the context is cancelled. Cancellation abandons
// the sweep in place: escalations and audit rows already written stand,
// unprocessed offices wait for the next run.
func (w *SweepWorker) Start(ctx context.Context) {
	log.Printf("Sweep worker started, evaluating offices every %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	// One sweep at startup so a restarted worker does not wait a full
	// interval before catching up.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("Sweep worker stopping")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	started := time.Now()
	result, err := w.EscalationService.RunSweep(ctx, w.Concurrency)
	if err != nil {
		log.Printf("Sweep worker: sweep failed: %v", err)
		return
	}
	log.Printf("Sweep worker: checked %d offices, raised %d escalation(s) in %s",
		result.OfficesChecked, result.EscalationsRaised, time.Since(started).Round(time.Millisecond))
}

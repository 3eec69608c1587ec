package orchestrator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// janitor periodically evicts aged-out terminal sessions.
type janitor struct {
	runner *cron.Cron
}

// StartCleanup schedules periodic eviction of terminal sessions at the
// given interval. Calling it while a schedule is active is an error.
func (o *Orchestrator) StartCleanup(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.janitor != nil {
		return fmt.Errorf("cleanup already started")
	}

	runner := cron.New()
	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), o.Cleanup); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	runner.Start()

	o.janitor = &janitor{runner: runner}
	o.logger.Info().Dur("interval", interval).Msg("Session cleanup scheduled")
	return nil
}

// StopCleanup stops the cleanup schedule and waits for an in-flight run to
// finish. Safe to call when no schedule is active.
func (o *Orchestrator) StopCleanup() {
	o.mu.Lock()
	j := o.janitor
	o.janitor = nil
	o.mu.Unlock()

	if j == nil {
		return
	}
	<-j.runner.Stop().Done()
}

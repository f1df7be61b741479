/*
trigger.go - Weekly schedule

PURPOSE:
  Fires the pipeline on a cron schedule in the reporting timezone. The
  default expression is Monday 09:00, which is also the closing edge of
  the weekend window the report covers.

OVERLAP:
  The trigger does no locking of its own. If a fire overlaps a manual
  run, the status store's compare-and-swap rejects the second entrant
  and the trigger just logs the conflict and waits for the next fire.
*/
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/printworks/report-engine/report"
)

// DefaultSchedule fires Monday 09:00 in the reporting timezone.
const DefaultSchedule = "0 9 * * MON"

// Trigger runs the pipeline on a cron schedule.
type Trigger struct {
	runner   *Runner
	schedule cron.Schedule
	loc      *time.Location
	log      zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTrigger parses a standard five-field cron expression and returns a
// trigger bound to the runner.
func NewTrigger(runner *Runner, expr string, loc *time.Location, log zerolog.Logger) (*Trigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	return &Trigger{
		runner:   runner,
		schedule: schedule,
		loc:      loc,
		log:      log,
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the schedule loop. Call Stop to shut it down.
func (t *Trigger) Start() {
	t.wg.Add(1)
	go t.loop()
}

// Stop halts the schedule loop and waits for an in-flight run to finish.
func (t *Trigger) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func (t *Trigger) loop() {
	defer t.wg.Done()

	for {
		now := time.Now().In(t.loc)
		next := t.schedule.Next(now)
		t.log.Info().Time("next_fire", next).Msg("scheduler armed")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		t.fire()
	}
}

func (t *Trigger) fire() {
	ctx := context.Background()
	if _, err := t.runner.Run(ctx, report.RunScheduled, DefaultOptions()); err != nil {
		if IsConflict(err) {
			t.log.Warn().Err(err).Msg("scheduled fire skipped, run already in progress")
			return
		}
		t.log.Error().Err(err).Msg("scheduled run failed")
	}
}

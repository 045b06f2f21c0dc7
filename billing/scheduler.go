package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// DefaultSweepInterval is how often metered billing runs.
const DefaultSweepInterval = 5 * time.Minute

// Scheduler runs the metered sweep and pending resolution periodically.
// Each job runs at most once at a time; a run that overlaps the next tick
// delays it instead of stacking.
type Scheduler struct {
	scheduler gocron.Scheduler
	gate      *Gate
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger
}

// NewScheduler registers the billing jobs. Nothing runs until Start.
func NewScheduler(gate *Gate, sweepInterval time.Duration, log *slog.Logger) (*Scheduler, error) {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s, err := gocron.NewScheduler(gocron.WithLogger(log), gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := &Scheduler{scheduler: s, gate: gate, ctx: ctx, cancel: cancel, log: log}

	if _, err := s.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(sched.runSweep),
		gocron.WithName("metered-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if _, err := s.NewJob(
		gocron.DurationJob(sweepInterval/2+time.Second),
		gocron.NewTask(sched.runResolve),
		gocron.WithName("resolve-pending"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule pending resolution: %w", err)
	}

	return sched, nil
}

func (s *Scheduler) runSweep() {
	s.gate.Sweep(s.ctx, time.Now().UTC())
}

func (s *Scheduler) runResolve() {
	s.gate.ResolvePending(s.ctx, time.Now().UTC())
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.log.Info("Billing scheduler started")
	s.scheduler.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}

// Package upkeep drives round settlement on a schedule. On every tick the
// keeper asks the engine whether upkeep is needed and performs it when it is.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/internal/metrics"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

// Run outcomes reported to metrics.
const (
	OutcomeIdle      = "idle"
	OutcomePerformed = "performed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Upkeeper is the engine surface the keeper drives.
type Upkeeper interface {
	CheckUpkeep(ctx context.Context) (bool, []byte)
	PerformUpkeep(ctx context.Context, checkData []byte) (lottery.RequestToken, error)
	CancelSettlement(ctx context.Context) error
	State() lottery.LotteryState
}

// Config holds keeper configuration.
type Config struct {
	// Schedule is a cron spec with an optional seconds field, or a descriptor
	// such as "@every 5s".
	Schedule string
	// CancelStuck cancels a settlement once its timeout has elapsed so the
	// next tick can request fresh randomness.
	CancelStuck bool
	// RunTimeout bounds a single tick.
	RunTimeout time.Duration
}

// Keeper calls CheckUpkeep on a cron schedule and PerformUpkeep when the
// check passes.
type Keeper struct {
	mu sync.RWMutex

	target      Upkeeper
	schedule    cron.Schedule
	spec        string
	cancelStuck bool
	runTimeout  time.Duration
	log         *logrus.Entry

	cron    *cron.Cron
	running bool
	lastRun RunResult
}

// RunResult describes the most recent tick.
type RunResult struct {
	Outcome string               `json:"outcome"`
	Request lottery.RequestToken `json:"request,omitempty"`
	Error   string               `json:"error,omitempty"`
	At      time.Time            `json:"at"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a keeper for target.
func New(target Upkeeper, cfg Config, log *logger.Logger) (*Keeper, error) {
	if target == nil {
		return nil, fmt.Errorf("upkeep: target required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5s"
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("upkeep: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("upkeep")
	}
	return &Keeper{
		target:      target,
		schedule:    schedule,
		spec:        cfg.Schedule,
		cancelStuck: cfg.CancelStuck,
		runTimeout:  cfg.RunTimeout,
		log:         log.Component("upkeep"),
	}, nil
}

// Start schedules the keeper. Ticks stop when ctx is cancelled or Stop is
// called.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("upkeep keeper already running")
	}

	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(k.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		k.RunOnce(ctx)
	}))
	c.Start()

	k.cron = c
	k.running = true
	k.log.WithField("schedule", k.spec).Info("upkeep keeper started")

	go func() {
		<-ctx.Done()
		k.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for an in-flight tick to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	c := k.cron
	k.cron = nil
	k.mu.Unlock()

	<-c.Stop().Done()
	k.log.Info("upkeep keeper stopped")
}

// IsRunning returns true if the keeper is scheduled.
func (k *Keeper) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// LastRun returns the result of the most recent tick.
func (k *Keeper) LastRun() RunResult {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastRun
}

// RunOnce performs a single check-and-perform cycle.
func (k *Keeper) RunOnce(ctx context.Context) RunResult {
	ctx, cancel := context.WithTimeout(ctx, k.runTimeout)
	defer cancel()

	start := time.Now()
	result := k.run(ctx)
	result.At = start.UTC()
	metrics.RecordKeeperRun(result.Outcome, time.Since(start))

	k.mu.Lock()
	k.lastRun = result
	k.mu.Unlock()
	return result
}

func (k *Keeper) run(ctx context.Context) RunResult {
	ready, data := k.target.CheckUpkeep(ctx)
	if !ready {
		if k.cancelStuck && k.target.State() == lottery.StateSettling {
			return k.cancelIfStuck(ctx)
		}
		return RunResult{Outcome: OutcomeIdle}
	}

	token, err := k.target.PerformUpkeep(ctx, data)
	switch {
	case err == nil:
		k.log.WithFields(logrus.Fields{
			"round":   string(data),
			"request": token,
		}).Info("upkeep performed")
		return RunResult{Outcome: OutcomePerformed, Request: token}
	case errors.Is(err, lottery.ErrUpkeepNotNeeded), errors.Is(err, lottery.ErrLotteryNotOpen):
		// Another trigger settled the round between check and perform.
		return RunResult{Outcome: OutcomeIdle}
	default:
		k.log.WithError(err).WithField("round", string(data)).Warn("upkeep failed")
		return RunResult{Outcome: OutcomeFailed, Error: err.Error()}
	}
}

func (k *Keeper) cancelIfStuck(ctx context.Context) RunResult {
	err := k.target.CancelSettlement(ctx)
	switch {
	case err == nil:
		k.log.Warn("stuck settlement cancelled")
		return RunResult{Outcome: OutcomeCancelled}
	case lottery.IsState(err):
		return RunResult{Outcome: OutcomeIdle}
	default:
		k.log.WithError(err).Warn("cancel settlement failed")
		return RunResult{Outcome: OutcomeFailed, Error: err.Error()}
	}
}

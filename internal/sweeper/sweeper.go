// Package sweeper runs the periodic recovery jobs: releasing expired
// reservations and driving stuck provisioning intents to a terminal state.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	"github.com/georgmattin/letscoldcall/internal/locks"
	obsmetrics "github.com/georgmattin/letscoldcall/internal/observability/metrics"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobExpireReservations = "expire_reservations"
	jobRecoverIntents     = "recover_provisioning_intents"

	// Per-run row cap. Backlogs beyond this drain over successive ticks.
	sweepBatchLimit = 200
)

type job struct {
	name     string
	resource string
	run      func(ctx context.Context, limit int) (int64, error)
}

type Param struct {
	fx.In

	Lifecycle fx.Lifecycle
	Log       *zap.Logger
	Clock     clock.Clock
	Config    config.Config
	RentalSvc rentaldomain.Service
	Locker    *locks.Locker `optional:"true"`
	Metrics   *obsmetrics.SweeperMetrics
}

// Sweeper ticks on a fixed interval and runs each job under a distributed
// lock so only one replica sweeps at a time. Without redis the lock step is
// skipped and every replica sweeps; the jobs themselves are idempotent.
type Sweeper struct {
	log     *zap.Logger
	clock   clock.Clock
	cfg     config.SweeperConfig
	locker  *locks.Locker
	metrics *obsmetrics.SweeperMetrics
	jobs    []job

	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Param) *Sweeper {
	s := &Sweeper{
		log:     p.Log.Named("sweeper"),
		clock:   p.Clock,
		cfg:     p.Config.Sweeper,
		locker:  p.Locker,
		metrics: p.Metrics,
		jobs: []job{
			{name: jobExpireReservations, resource: "rental", run: p.RentalSvc.ExpireReservations},
			{name: jobRecoverIntents, resource: "intent", run: p.RentalSvc.RecoverIntents},
		},
		done: make(chan struct{}),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !s.cfg.Enabled {
				s.log.Info("sweeper disabled")
				close(s.done)
				return nil
			}
			runCtx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.loop(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel != nil {
				s.cancel()
			}
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	return s
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", interval))

	next := s.clock.Now().Add(interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.metrics.ObserveRunLoopLag(s.clock.Now().Sub(next))
			s.runAll(ctx)
			next = s.clock.Now().Add(interval)
		}
	}
}

func (s *Sweeper) runAll(ctx context.Context) {
	for _, j := range s.jobs {
		s.runJob(ctx, j)
	}
}

func (s *Sweeper) runJob(ctx context.Context, j job) {
	token, ok := s.acquire(ctx, j.name)
	if !ok {
		return
	}
	defer s.release(j.name, token)

	timeout := s.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.metrics.IncJobRun(j.name)
	started := s.clock.Now()
	processed, err := j.run(jobCtx, sweepBatchLimit)
	s.metrics.ObserveJobDuration(j.name, s.clock.Now().Sub(started))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncJobTimeout(j.name)
		}
		s.metrics.IncJobError(j.name, err)
		s.log.Error("sweep job failed", zap.String("job", j.name), zap.Error(err))
		return
	}

	s.metrics.AddBatchProcessed(j.name, j.resource, int(processed))
	if processed > 0 {
		s.log.Info("sweep job processed batch",
			zap.String("job", j.name),
			zap.Int64("processed", processed))
	}
}

func (s *Sweeper) acquire(ctx context.Context, jobName string) (string, bool) {
	if s.locker == nil {
		return "", true
	}

	ttl := s.cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	token, ok, err := s.locker.TryLock(ctx, lockKey(jobName), ttl)
	if err != nil {
		s.log.Warn("sweep lock unavailable, skipping run",
			zap.String("job", jobName), zap.Error(err))
		return "", false
	}
	if !ok {
		s.log.Debug("sweep lock held elsewhere", zap.String("job", jobName))
		return "", false
	}
	return token, true
}

func (s *Sweeper) release(jobName, token string) {
	if s.locker == nil || token == "" {
		return
	}
	// Release gets its own deadline so shutdown can't leave the lock held
	// for a full TTL.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, lockKey(jobName), token); err != nil {
		s.log.Warn("sweep lock release failed", zap.String("job", jobName), zap.Error(err))
	}
}

func lockKey(jobName string) string {
	return "coldcall:sweeper:" + jobName
}

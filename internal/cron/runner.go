package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tradeengine/internal/logger"
)

// Job is one scheduled task. Its error is logged; the schedule continues.
type Job func(ctx context.Context) error

// Runner schedules jobs on six-field (seconds first) specs in UTC. A run that is still
// going when its next tick fires is skipped.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(log *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	log = logger.OrNop(log)
	cl := cronLogger{s: log.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  log,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		started := time.Now()
		log := r.logger.With(zap.String("job", name))
		if err := job(r.baseCtx); err != nil {
			log.Warn("cron job failed", zap.Error(err), zap.Duration("took", time.Since(started)))
			return
		}
		log.Info("cron job done", zap.Duration("took", time.Since(started)))
	})
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

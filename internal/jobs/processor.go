package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/pkg/logger"
)

// Processor 负责从队列消费任务 ID，领取后交给对应 Runner 执行。
type Processor struct {
	store       Store
	consumer    Consumer
	runners     map[Kind]Runner
	workerCount int
	lease       time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithLease 设置 running 任务被视为失联前的租约时长。
func WithLease(lease time.Duration) ProcessorOption {
	return func(p *Processor) {
		if lease > 0 {
			p.lease = lease
		}
	}
}

// WithProcessorClock 替换时钟。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRunner 注册某类任务的执行器。
func WithRunner(kind Kind, runner Runner) ProcessorOption {
	return func(p *Processor) {
		if runner != nil {
			p.runners[kind] = runner
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		runners:     make(map[Kind]Runner),
		workerCount: 1,
		lease:       10 * time.Minute,
		now:         time.Now,
		logger:      logger.Named("jobs"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID，可直接用于测试或同步执行。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	now := p.now().UTC()
	job, err := p.store.ClaimJob(ctx, jobID, now, now.Add(-p.lease))
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobNotClaimable) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	runner, ok := p.runners[job.Kind]
	if !ok {
		err := fmt.Errorf("未注册的任务类型 %q", job.Kind)
		p.finish(ctx, job, StatusFailed, err)
		return nil
	}

	runErr := p.run(ctx, runner, job)
	if runErr != nil {
		level := slog.LevelWarn
		if xerrors.ShouldAlert(runErr) {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "后台任务执行失败",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.String("subject_id", job.SubjectID),
			slog.Int("attempts", job.Attempts),
			slog.Bool("retryable", xerrors.Retryable(runErr)),
			slog.Any("error", runErr),
		)
		p.finish(ctx, job, StatusFailed, runErr)
		return nil
	}
	p.finish(ctx, job, StatusSucceeded, nil)
	return nil
}

func (p *Processor) run(ctx context.Context, runner Runner, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("后台任务 panic", slog.String("job_id", job.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return runner.Run(ctx, job.SubjectID)
}

func (p *Processor) finish(ctx context.Context, job *Job, status Status, cause error) {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	metrics.ObserveJob(string(job.Kind), string(status))
	if err := p.store.FinishJob(context.WithoutCancel(ctx), job.ID, status, lastError, p.now().UTC()); err != nil {
		p.logger.Error("回写任务状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}

package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/pkg/logger"
)

// Supervisor 周期性扫描数据库，把到期的 pending 任务和租约过期的 running 任务
// 重新投递到队列。进程崩溃后未完成的工作由它恢复。
type Supervisor struct {
	store     Store
	producer  Producer
	interval  time.Duration
	lease     time.Duration
	batchSize int
	orphans   OrphanFinder
	now       func() time.Time
	logger    *slog.Logger
}

// Orphan 是需要后台任务推进、但没有 pending 或 running 任务的业务记录，
// 例如已排期的外呼重试在投递前进程退出。
type Orphan struct {
	Kind      Kind
	SubjectID string
}

// OrphanFinder 查找孤立的业务记录。staleBefore 之后才变化的记录不应返回，
// 避免与正在投递的调用方竞争。
type OrphanFinder interface {
	FindOrphans(ctx context.Context, now, staleBefore time.Time, limit int) ([]Orphan, error)
}

// SupervisorConfig 描述扫描参数。
type SupervisorConfig struct {
	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
	// Orphans 非空时，每轮扫描还会为孤立记录新建后台任务。
	Orphans OrphanFinder
	Now     func() time.Time
}

// NewSupervisor 构造 Supervisor。
func NewSupervisor(store Store, producer Producer, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		store:     store,
		producer:  producer,
		interval:  cfg.Interval,
		lease:     cfg.Lease,
		batchSize: cfg.BatchSize,
		orphans:   cfg.Orphans,
		now:       cfg.Now,
		logger:    logger.Named("supervisor"),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.lease <= 0 {
		s.lease = 10 * time.Minute
	}
	if s.batchSize <= 0 {
		s.batchSize = 200
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run 立即执行一次扫描，然后按间隔循环直到 ctx 取消。
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("启动补投失败", slog.Any("error", err))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("周期补投失败", slog.Any("error", err))
			}
		}
	}
}

// Sweep 执行一次扫描并返回补投和新建的任务数量。
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	jobs, err := s.store.ListReplayableJobs(ctx, now, now.Add(-s.lease), s.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, job := range jobs {
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			s.logger.Warn("补投任务失败", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		published++
	}
	if published > 0 {
		s.logger.Info("已补投未完成任务", slog.Int("count", published))
	}
	adopted, err := s.adopt(ctx, now)
	if err != nil {
		s.logger.Error("查找孤立记录失败", slog.Any("error", err))
	}
	published += adopted
	metrics.ObserveReplay(published)
	if reporter, ok := s.producer.(DepthReporter); ok {
		if depth, err := reporter.Depth(ctx); err == nil {
			metrics.SetQueueDepth(depth)
		} else {
			s.logger.Debug("读取队列长度失败", slog.Any("error", err))
		}
	}
	return published, nil
}

// adopt 为孤立记录创建新的后台任务并立即投递。
func (s *Supervisor) adopt(ctx context.Context, now time.Time) (int, error) {
	if s.orphans == nil {
		return 0, nil
	}
	orphans, err := s.orphans.FindOrphans(ctx, now, now.Add(-s.lease), s.batchSize)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, o := range orphans {
		job := &Job{
			ID:        uuid.NewString(),
			Kind:      o.Kind,
			SubjectID: o.SubjectID,
			Status:    StatusPending,
			NotBefore: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			s.logger.Warn("为孤立记录创建任务失败", slog.String("kind", string(o.Kind)), slog.String("subject_id", o.SubjectID), slog.Any("error", err))
			continue
		}
		created++
		if err := s.producer.Publish(ctx, job.ID); err != nil {
			s.logger.Warn("投递孤立记录任务失败，等待下一轮补投", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	if created > 0 {
		s.logger.Info("已接管孤立记录", slog.Int("count", created))
	}
	return created, nil
}

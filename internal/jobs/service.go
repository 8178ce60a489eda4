package jobs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/pkg/logger"
)

// Service 负责持久化后台任务并投递到队列。记录先落库再投递，
// 投递失败或进程重启时由 Supervisor 补投。
type Service struct {
	store    Store
	producer Producer
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceClock 替换时钟。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造任务投递服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		producer: producer,
		now:      time.Now,
		logger:   logger.Named("jobs"),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue 创建一个后台任务。delay > 0 时任务在到期后才会被投递和领取。
func (s *Service) Enqueue(ctx context.Context, kind Kind, subjectID string, delay time.Duration) (*Job, error) {
	if s == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "后台任务服务未初始化")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "subject id 不能为空")
	}
	if delay < 0 {
		delay = 0
	}
	now := s.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		Status:    StatusPending,
		NotBefore: now.Add(delay),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if delay == 0 {
		s.publish(ctx, job)
	} else {
		s.schedule(job, delay)
	}
	return job, nil
}

func (s *Service) publish(ctx context.Context, job *Job) {
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		// 记录已落库，Supervisor 会在下一轮扫描时补投。
		s.logger.Warn("投递后台任务失败，等待补投",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Any("error", xerrors.Wrap(CodeJobPublish, err, "")),
		)
	}
}

func (s *Service) schedule(job *Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, job.ID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.publish(ctx, job)
	})
	s.logger.Debug("后台任务已延迟调度",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Duration("delay", delay),
	)
}

// Pending 返回尚未触发的延迟任务数量。
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close 停止所有延迟定时器。未触发的任务仍在数据库中，重启后会被补投。
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list：LPUSH 投递，BLMOVE 把 id 移入 processing 列表后再处理，
// 处理结束后 LREM。启动时 processing 列表中残留的 id 会被移回主队列。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	logger     *slog.Logger
}

// NewRedisQueue 连接 Redis 并恢复上次进程遗留的 processing 列表。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q := newRedisQueue(client, cfg)
	if err := q.recover(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "errand:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		logger:     logger.Named("jobs"),
	}
}

func (q *RedisQueue) recover(ctx context.Context) error {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("恢复 Redis processing 列表失败: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("已恢复未完成的 Redis 任务", slog.Int("count", moved))
	}
	return nil
}

// Publish 投递一个 job id。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程阻塞领取 id，直到 ctx 取消或连接出错。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	workerCount = max(workerCount, 1)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				cancel(err)
			}
		}()
	}
	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		jobID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}
		if err := handler(ctx, jobID); err != nil {
			q.logger.Warn("Redis 任务处理失败", slog.String("job_id", jobID), slog.Any("error", err))
		}
		if err := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, jobID).Err(); err != nil {
			q.logger.Warn("移除 processing 记录失败", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return nil
}

// Depth 返回主队列长度。
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("读取 Redis 队列长度失败: %w", err)
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQQueue 把 job id 投递到持久化队列。发布开启 confirm 模式，broker 确认后才返回。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	publish  *amqp.Channel
	queue    string
	prefetch int

	mu     sync.Mutex
	logger *slog.Logger
}

// NewRabbitMQQueue 建立连接、声明队列并打开发布 channel。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		logger:   logger.Named("jobs"),
	}
	if q.queue == "" {
		q.queue = "errand.jobs"
	}
	if q.prefetch <= 0 {
		q.prefetch = 8
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q.conn = conn
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("开启 RabbitMQ confirm 模式失败: %w", err)
	}
	q.publish = ch
	return q, nil
}

// Publish 发送持久化消息并等待 broker 确认，nack 视为失败。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.publish == nil {
		return ErrQueueClosed
	}
	q.mu.Lock()
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Body:         []byte(jobID),
	})
	q.mu.Unlock()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrQueueClosed
		}
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 确认失败")
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, fmt.Sprintf("RabbitMQ 拒绝了任务 %s", jobID))
	}
	return nil
}

// Consume 在独立 channel 上手动确认消费。处理结果以数据库中的任务状态为准，
// 消息处理后一律确认；失败重试由 Processor 重新投递。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return ErrQueueClosed
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ 消费 channel 失败: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	workerCount = max(workerCount, 1)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					jobID := string(d.Body)
					if err := handler(ctx, jobID); err != nil {
						q.logger.Warn("RabbitMQ 任务处理失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
					if err := d.Ack(false); err != nil {
						q.logger.Warn("RabbitMQ 确认消息失败", slog.String("job_id", jobID), slog.Any("error", err))
					}
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() == nil {
		return ErrQueueClosed
	}
	return ctx.Err()
}

// Depth 返回队列中待投递的消息数。
func (q *RabbitMQQueue) Depth(_ context.Context) (int, error) {
	if q == nil || q.conn == nil {
		return 0, ErrQueueClosed
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()
	info, err := ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("读取 RabbitMQ 队列长度失败: %w", err)
	}
	return info.Messages, nil
}

// Close 关闭连接，连接下的 channel 随之关闭。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}

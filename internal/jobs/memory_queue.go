package jobs

import (
	"context"
	"log/slog"
	"sync"

	"Errand-Desk/pkg/logger"
)

// MemoryQueue 是进程内的 channel 队列。进程退出时丢失的 id 由 Supervisor
// 按数据库记录补投，因此缓冲区满时 Publish 阻塞而不是丢弃。
type MemoryQueue struct {
	ids    chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size)}
}

// Publish 投递一个 job id。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ids <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	workerCount = max(workerCount, 1)
	log := logger.Named("jobs")
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			for {
				var jobID string
				select {
				case <-ctx.Done():
					return
				case id, ok := <-q.ids:
					if !ok {
						return
					}
					jobID = id
				}
				if err := handler(ctx, jobID); err != nil {
					log.Warn("内存队列任务处理失败", slog.String("job_id", jobID), slog.Any("error", err))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Depth 返回缓冲区中尚未被领取的 id 数量。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return len(q.ids), nil
}

// Close 关闭队列，之后的 Publish 返回 ErrQueueClosed。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ids)
	return nil
}

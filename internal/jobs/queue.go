package jobs

import (
	"context"
	"errors"
)

// ErrQueueClosed 表示向已关闭的队列投递。
var ErrQueueClosed = errors.New("jobs: queue closed")

// Handler 处理队列中的一个 job id。返回的错误只用于日志，
// job 的最终状态以数据库记录为准。
type Handler func(ctx context.Context, jobID string) error

// Producer 投递 job id。数据库中的 job 记录先于投递写入。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 以 workerCount 个并发消费 job id，直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 serve 进程使用的队列驱动。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能报告积压数量的驱动实现，Supervisor 扫描时写入指标。
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

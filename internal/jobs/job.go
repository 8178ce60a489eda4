package jobs

import (
	"context"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

// Kind 表示后台任务的类别，决定由哪个 Runner 处理。
type Kind string

const (
	KindResearch     Kind = "research"
	KindCallDispatch Kind = "call_dispatch"
)

// Status 表示后台任务的执行状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 是持久化的后台任务记录，队列中只传递它的 ID。
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	NotBefore time.Time `json:"not_before"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runner 执行某一类后台任务。subjectID 是任务或审批的 ID。
type Runner interface {
	Run(ctx context.Context, subjectID string) error
}

// RunnerFunc 让普通函数满足 Runner。
type RunnerFunc func(ctx context.Context, subjectID string) error

// Run 实现 Runner。
func (f RunnerFunc) Run(ctx context.Context, subjectID string) error { return f(ctx, subjectID) }

// Enqueuer 是业务组件投递后台任务所需的最小能力。
type Enqueuer interface {
	Enqueue(ctx context.Context, kind Kind, subjectID string, delay time.Duration) (*Job, error)
}

// Store 抽象后台任务的持久化。
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ClaimJob 把 pending（或租约过期的 running）任务原子地标记为 running。
	ClaimJob(ctx context.Context, id string, now, staleBefore time.Time) (*Job, error)
	FinishJob(ctx context.Context, id string, status Status, lastError string, at time.Time) error
	ListReplayableJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]*Job, error)
}

const (
	CodeJobNotFound     xerrors.Code = "JOB_NOT_FOUND"
	CodeJobNotClaimable xerrors.Code = "JOB_NOT_CLAIMABLE"
	CodeJobPublish      xerrors.Code = "JOB_PUBLISH_FAILED"
)

var (
	// ErrJobNotFound 表示任务记录不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobNotClaimable 表示任务已被领取、已完成或尚未到执行时间。
	ErrJobNotClaimable = xerrors.New(CodeJobNotClaimable, "job not claimable")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{Message: "job not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeJobNotClaimable, xerrors.Attributes{Message: "job not claimable", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{Message: "failed to publish job", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}

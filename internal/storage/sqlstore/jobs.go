package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"Errand-Desk/internal/jobs"
)

const jobColumns = `id, kind, subject_id, status, attempts, not_before, last_error, created_at, updated_at`

// CreateJob 实现 jobs.Store。
func (s *DB) CreateJob(ctx context.Context, j *jobs.Job) error {
	_, err := s.exec(ctx, `INSERT INTO background_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), j.SubjectID, string(j.Status), j.Attempts, toMillis(j.NotBefore), j.LastError,
		toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
	if err != nil {
		return storageError(err, "写入后台任务失败")
	}
	return nil
}

// GetJob 实现 jobs.Store。
func (s *DB) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询后台任务失败")
	}
	return j, nil
}

// ClaimJob 实现 jobs.Store，单条条件更新保证同一任务只会被一个消费者领取。
func (s *DB) ClaimJob(ctx context.Context, id string, now, staleBefore time.Time) (*jobs.Job, error) {
	res, err := s.exec(ctx, `UPDATE background_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND not_before <= ? AND (status = ? OR (status = ? AND updated_at < ?))`,
		string(jobs.StatusRunning), toMillis(now), id, toMillis(now),
		string(jobs.StatusPending), string(jobs.StatusRunning), toMillis(staleBefore))
	if err != nil {
		return nil, storageError(err, "领取后台任务失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return s.GetJob(ctx, id)
	}
	ok, err := s.exists(ctx, "background_jobs", "id", id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return nil, jobs.ErrJobNotClaimable
}

// FinishJob 实现 jobs.Store。
func (s *DB) FinishJob(ctx context.Context, id string, status jobs.Status, lastError string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE background_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, toMillis(at), id); err != nil {
		return storageError(err, "更新后台任务失败")
	}
	return nil
}

// ListReplayableJobs 实现 jobs.Store：到期的 pending 任务与租约过期的 running 任务。
func (s *DB) ListReplayableJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]*jobs.Job, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM background_jobs
        WHERE (status = ? AND not_before <= ?) OR (status = ? AND updated_at < ?)
        ORDER BY not_before ASC, id ASC LIMIT ?`,
		string(jobs.StatusPending), toMillis(now), string(jobs.StatusRunning), toMillis(staleBefore), limit)
	if err != nil {
		return nil, storageError(err, "查询待重放任务失败")
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageError(err, "解析后台任务失败")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历后台任务失败")
	}
	return out, nil
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j                           jobs.Job
		kind, status                string
		notBefore, created, updated int64
	)
	if err := row.Scan(&j.ID, &kind, &j.SubjectID, &status, &j.Attempts, &notBefore, &j.LastError, &created, &updated); err != nil {
		return nil, err
	}
	j.Kind = jobs.Kind(kind)
	j.Status = jobs.Status(status)
	j.NotBefore = fromMillis(notBefore)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

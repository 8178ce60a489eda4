package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"Errand-Desk/internal/call"
)

const callColumns = `id, provider_call_id, approval_id, task_id, direction, provider, phone_number, caller_name, status,
        duration_seconds, recording_url, transcript, summary, started_at, ended_at, created_at, updated_at`

// CreateCall 实现 call.Recorder。相同审批或相同 provider call id 的第二次写入返回 call.ErrCallConflict。
func (s *DB) CreateCall(ctx context.Context, c *call.Call) error {
	_, err := s.exec(ctx, `INSERT INTO calls (`+callColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.ProviderCallID), nullString(c.ApprovalID), c.TaskID, string(c.Direction), string(c.Provider),
		c.PhoneNumber, c.CallerName, string(c.Status), c.DurationSeconds, c.RecordingURL, c.Transcript, c.Summary,
		nullMillis(c.StartedAt), nullMillis(c.EndedAt), toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if isDuplicate(err) {
		return call.ErrCallConflict
	}
	if err != nil {
		return storageError(err, "写入通话失败")
	}
	return nil
}

// GetCall 实现 call.Store。
func (s *DB) GetCall(ctx context.Context, id string) (*call.Call, error) {
	return s.getCallBy(ctx, "id", id)
}

// GetCallByApproval 实现 call.Recorder。
func (s *DB) GetCallByApproval(ctx context.Context, approvalID string) (*call.Call, error) {
	return s.getCallBy(ctx, "approval_id", approvalID)
}

// GetCallByProviderID 实现 call.Store。
func (s *DB) GetCallByProviderID(ctx context.Context, providerCallID string) (*call.Call, error) {
	return s.getCallBy(ctx, "provider_call_id", providerCallID)
}

func (s *DB) getCallBy(ctx context.Context, column, value string) (*call.Call, error) {
	if strings.TrimSpace(value) == "" {
		return nil, call.ErrCallNotFound
	}
	c, err := scanCall(s.queryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE `+column+` = ?`, value))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, call.ErrCallNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询通话失败")
	}
	return c, nil
}

// ListCalls 实现 call.Store。
func (s *DB) ListCalls(ctx context.Context, limit int) ([]*call.Call, error) {
	rows, err := s.query(ctx, `SELECT `+callColumns+` FROM calls ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageError(err, "查询通话列表失败")
	}
	defer rows.Close()
	var out []*call.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, storageError(err, "解析通话失败")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历通话失败")
	}
	return out, nil
}

// ApplyCallProgress 实现 call.Store。重复写入相同的值是幂等的。
func (s *DB) ApplyCallProgress(ctx context.Context, id string, p call.Progress, at time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(at)}
	if p.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *p.DurationSeconds)
	}
	if p.RecordingURL != "" {
		sets = append(sets, "recording_url = ?")
		args = append(args, p.RecordingURL)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, toMillis(*p.StartedAt))
	}
	args = append(args, id)
	if _, err := s.exec(ctx, `UPDATE calls SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return storageError(err, "更新通话进度失败")
	}
	return nil
}

// AdvanceCallStatus 实现 call.Store。状态只按 call.Rank 前进，
// 迟到的 ringing 不会把 in_progress 拉回 pending，终态之间也不会互相覆盖。
func (s *DB) AdvanceCallStatus(ctx context.Context, id string, to call.Status, at time.Time) (bool, error) {
	from := call.Before(to)
	if len(from) == 0 {
		return false, nil
	}
	query := `UPDATE calls SET status = ?, updated_at = ?`
	args := []any{string(to), toMillis(at)}
	if call.IsTerminal(to) {
		query += `, ended_at = ?`
		args = append(args, toMillis(at))
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, storageError(err, "更新通话状态失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError(err, "读取更新结果失败")
	}
	return n == 1, nil
}

// SetCallTranscript 实现 call.Store。
func (s *DB) SetCallTranscript(ctx context.Context, id, transcript string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE calls SET transcript = ?, updated_at = ? WHERE id = ?`, transcript, toMillis(at), id); err != nil {
		return storageError(err, "写入通话转写失败")
	}
	return nil
}

// SetCallSummary 实现 call.TranscriptStore。
func (s *DB) SetCallSummary(ctx context.Context, id, summary string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE calls SET summary = ?, updated_at = ? WHERE id = ?`, summary, toMillis(at), id); err != nil {
		return storageError(err, "写入通话摘要失败")
	}
	return nil
}

// AppendCallEvent 实现 call.Store。
func (s *DB) AppendCallEvent(ctx context.Context, e *call.Event) error {
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return storageError(err, "序列化通话事件失败")
		}
		payload = encoded
	}
	if _, err := s.exec(ctx, `INSERT INTO call_events (id, call_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.CallID, e.EventType, string(payload), toMillis(e.CreatedAt)); err != nil {
		return storageError(err, "写入通话事件失败")
	}
	return nil
}

// ListCallEvents 返回某通通话的事件，按时间升序。
func (s *DB) ListCallEvents(ctx context.Context, callID string) ([]*call.Event, error) {
	rows, err := s.query(ctx, `SELECT id, call_id, event_type, payload, created_at FROM call_events WHERE call_id = ? ORDER BY created_at ASC, id ASC`, callID)
	if err != nil {
		return nil, storageError(err, "查询通话事件失败")
	}
	defer rows.Close()
	var out []*call.Event
	for rows.Next() {
		var (
			e       call.Event
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.CallID, &e.EventType, &payload, &created); err != nil {
			return nil, storageError(err, "解析通话事件失败")
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历通话事件失败")
	}
	return out, nil
}

func scanCall(row rowScanner) (*call.Call, error) {
	var (
		c                           call.Call
		providerID, approvalID      sql.NullString
		direction, provider, status string
		started, ended              sql.NullInt64
		created, updated            int64
	)
	if err := row.Scan(&c.ID, &providerID, &approvalID, &c.TaskID, &direction, &provider, &c.PhoneNumber, &c.CallerName,
		&status, &c.DurationSeconds, &c.RecordingURL, &c.Transcript, &c.Summary, &started, &ended, &created, &updated); err != nil {
		return nil, err
	}
	c.ProviderCallID = providerID.String
	c.ApprovalID = approvalID.String
	c.Direction = call.Direction(direction)
	c.Provider = call.Provider(provider)
	c.Status = call.Status(status)
	c.StartedAt = timePtr(started)
	c.EndedAt = timePtr(ended)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

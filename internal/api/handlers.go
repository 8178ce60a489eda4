package api

import (
	"net/http"
	"strings"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/contact"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/task"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := []task.ListOption{task.WithLimit(queryLimit(r, 50))}
	for _, part := range splitCSV(q.Get("status")) {
		opts = append(opts, task.WithStatuses(task.Status(part)))
	}
	for _, part := range splitCSV(q.Get("task_type")) {
		opts = append(opts, task.WithTypes(task.Type(part)))
	}
	if q.Get("active") == "true" {
		opts = append(opts, task.Active())
	}
	tasks, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.deps.Tasks.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// taskPatchBody 是 PATCH /api/tasks/{id} 的请求体，缺失的字段保持不变。
type taskPatchBody struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	Type           *string `json:"task_type"`
	Priority       *string `json:"priority"`
	ContactName    *string `json:"contact_name"`
	ContactPhone   *string `json:"contact_phone"`
	ContactEmail   *string `json:"contact_email"`
	ContactAddress *string `json:"contact_address"`
	PreferredTime1 *string `json:"preferred_time_1"`
	PreferredTime2 *string `json:"preferred_time_2"`
	Constraints    *string `json:"constraints"`
	Status         *string `json:"status"`
	Force          bool    `json:"force"`
}

func (b taskPatchBody) patch() task.Patch {
	p := task.Patch{
		Fields: task.Fields{
			Title:          b.Title,
			Description:    b.Description,
			ContactName:    b.ContactName,
			ContactPhone:   b.ContactPhone,
			ContactEmail:   b.ContactEmail,
			ContactAddress: b.ContactAddress,
			PreferredTime1: b.PreferredTime1,
			PreferredTime2: b.PreferredTime2,
			Constraints:    b.Constraints,
		},
		Force: b.Force,
	}
	if b.Type != nil {
		v := task.Type(strings.ToLower(strings.TrimSpace(*b.Type)))
		p.Fields.Type = &v
	}
	if b.Priority != nil {
		v := task.Priority(strings.ToLower(strings.TrimSpace(*b.Priority)))
		p.Fields.Priority = &v
	}
	if b.Status != nil {
		v := task.Status(strings.ToLower(strings.TrimSpace(*b.Status)))
		p.Status = &v
	}
	return p
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body taskPatchBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.deps.Tasks.Update(r.Context(), r.PathValue("id"), body.patch())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.StartResearch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Approvals.ListPending(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": nonNil(pending)})
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var d approval.Decision
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Approvals.Decide(r.Context(), r.PathValue("id"), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	if limit > 200 {
		limit = 200
	}
	calls, err := s.deps.Calls.ListCalls(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": nonNil(calls)})
}

func (s *Server) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Calls.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Calls.ListCallEvents(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": c, "events": nonNil(events)})
}

// handleCallStatus 接收服务商的状态回调与转写回调（?event=transcription），表单编码。
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "回调表单解析失败"))
		return
	}
	form := r.PostForm
	var (
		res *call.SyncResult
		err error
	)
	if r.URL.Query().Get("event") == "transcription" {
		res, err = s.deps.StatusSync.HandleTranscription(r.Context(), call.TranscriptionEvent{
			ProviderCallID:    form.Get("CallSid"),
			TranscriptionText: form.Get("TranscriptionText"),
			RecordingSID:      form.Get("RecordingSid"),
		})
	} else {
		res, err = s.deps.StatusSync.HandleStatus(r.Context(), call.StatusEvent{
			ProviderCallID:    form.Get("CallSid"),
			CallStatus:        form.Get("CallStatus"),
			CallDuration:      form.Get("CallDuration"),
			RecordingURL:      form.Get("RecordingUrl"),
			RecordingSID:      form.Get("RecordingSid"),
			RecordingDuration: form.Get("RecordingDuration"),
		})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleInboundCall 总是返回 TwiML，内部失败时返回致歉语音而不是 5xx。
func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := r.PostForm
	twiml := s.deps.Inbound.Handle(r.Context(), call.InboundEvent{
		ProviderCallID: form.Get("CallSid"),
		From:           form.Get("From"),
		To:             form.Get("To"),
		CallStatus:     form.Get("CallStatus"),
	}, s.deps.Settings.Snapshot(r.Context()))
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleTestCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.TestCalls.Place(r.Context(), body.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTranscribeCall 已有转写时直接返回缓存，不会重复请求转写服务。
func (s *Server) handleTranscribeCall(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Transcripts.Transcribe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": nonNil(convs)})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	c, err := s.deps.Conversations.Create(r.Context(), body.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Conversations.Messages(r.Context(), r.PathValue("id"), queryLimit(r, 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Turns.Send(r.Context(), r.PathValue("id"), body.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSendVoice 接收 multipart 表单中的 audio 文件。
func (s *Server) handleSendVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "语音表单解析失败"))
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "no audio file provided"))
		return
	}
	defer file.Close()
	filename := header.Filename
	if filename == "" {
		filename = "voice.webm"
	}
	res, err := s.deps.Turns.SendVoice(r.Context(), r.PathValue("id"), file, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	if limit > 500 {
		limit = 500
	}
	entries, err := s.deps.Logs.ListLogs(r.Context(), agentlog.Filter{
		Action: r.URL.Query().Get("action"),
		Status: agentlog.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": nonNil(entries)})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := s.deps.Notifications.List(r.Context(), unreadOnly, queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, err := s.deps.Notifications.UnreadCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(items), "unread_count": unread})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "read": true})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Memories.List(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": nonNil(items)})
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
		Content  string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.deps.Memories.Create(r.Context(), body.Content, body.Category, "operator")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var p memory.Patch
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Memories.Update(r.Context(), r.PathValue("id"), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "updated": true})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Memories.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	var (
		items []*contact.Contact
		err   error
	)
	q := r.URL.Query()
	if name, phone := q.Get("q"), q.Get("phone"); name != "" || phone != "" {
		items, err = s.deps.Contacts.Search(r.Context(), name, phone, queryLimit(r, 20))
	} else {
		items, err = s.deps.Contacts.List(r.Context(), queryLimit(r, 100))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": nonNil(items)})
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var c contact.Contact
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Contacts.Create(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Snapshot(r.Context()))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Settings.Put(r.Context(), values, s.now().UTC()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Snapshot(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Stats.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// nonNil 让空列表编码为 [] 而不是 null。
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// splitCSV 拆分逗号分隔的查询参数并去掉空项。
func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

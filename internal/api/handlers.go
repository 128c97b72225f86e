package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ChainPilot/internal/agent"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/cache"
	"ChainPilot/internal/conversation"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/storage/mysql"
	"ChainPilot/internal/task"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat 同步处理一轮对话。
func (s *Server) handleChat(c echo.Context) error {
	if s.chat == nil {
		return writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
	}
	var req agent.Request
	if err := c.Bind(&req); err != nil {
		return writeError(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
	}
	req.Metadata = map[string]string{agent.MetaChannel: agent.ChannelAPI}
	if subject := auth.SubjectName(c.Request().Context()); subject != "" {
		req.Metadata[agent.MetaSubject] = subject
	}
	result, err := s.chat.ProcessMessage(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleSubmitJob(c echo.Context) error {
	if s.jobs == nil {
		return writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
	}
	var req task.Request
	if err := c.Bind(&req); err != nil {
		return writeError(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
	}
	job, err := s.jobs.Submit(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleJobDetail(c echo.Context) error {
	if s.jobs == nil {
		return writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return writeError(c, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
	}
	job, err := s.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c echo.Context) error {
	if s.jobs == nil {
		return writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
	}
	opts := []task.ListOption{
		task.WithCaller(c.QueryParam("caller")),
		task.WithConversation(c.QueryParam("conversation_id")),
	}
	if raw := c.QueryParam("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return writeError(c, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if limit := queryInt(c, "limit"); limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset := queryInt(c, "offset"); offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}
	if since := queryInt(c, "since"); since > 0 {
		opts = append(opts, task.WithUpdatedSince(time.Unix(int64(since), 0)))
	}
	if strings.EqualFold(c.QueryParam("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	jobs, err := s.jobs.List(c.Request().Context(), opts...)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}

type conversationResponse struct {
	ID      string                `json:"id"`
	Context *conversation.Context `json:"context,omitempty"`
	History []mysql.HistoryRecord `json:"history"`
}

// handleConversation 返回会话的内存上下文与持久化的聊天记录。
func (s *Server) handleConversation(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	resp := conversationResponse{ID: id, History: []mysql.HistoryRecord{}}
	if s.conversations != nil {
		if conv, ok := s.conversations.Get(id); ok {
			resp.Context = conv
		}
	}
	if s.chat != nil {
		records, err := s.chat.History(c.Request().Context(), id, queryInt(c, "limit"))
		if err != nil {
			return writeError(c, err)
		}
		if records != nil {
			resp.History = records
		}
	}
	if resp.Context == nil && len(resp.History) == 0 {
		return writeError(c, xerrors.New(xerrors.CodeNotFound, "会话不存在"))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	cleared := false
	if s.conversations != nil {
		cleared = s.conversations.Clear(id)
	}
	removed := 0
	if s.chat != nil {
		n, err := s.chat.Forget(c.Request().Context(), id)
		if err != nil {
			return writeError(c, err)
		}
		removed = n
	}
	return c.JSON(http.StatusOK, map[string]any{"cleared": cleared, "history_deleted": removed})
}

func (s *Server) handleDeleteOwnerConversations(c echo.Context) error {
	owner := strings.TrimSpace(c.QueryParam("owner"))
	if owner == "" {
		return writeError(c, xerrors.New(xerrors.CodeInvalidArgument, "owner 参数不能为空"))
	}
	cleared := 0
	if s.conversations != nil {
		cleared = s.conversations.ClearByOwner(owner)
	}
	return c.JSON(http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleTools(c echo.Context) error {
	if s.tools == nil {
		return c.JSON(http.StatusOK, map[string]any{"tools": []any{}})
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": s.tools.Tools()})
}

type statsResponse struct {
	Conversations *conversation.Stats    `json:"conversations,omitempty"`
	Caches        map[string]cache.Stats `json:"caches"`
	Jobs          *task.Stats            `json:"jobs,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{Caches: make(map[string]cache.Stats, len(s.caches))}
	if s.conversations != nil {
		stats := s.conversations.Stats()
		resp.Conversations = &stats
	}
	for _, src := range s.caches {
		resp.Caches[src.Name()] = src.Stats()
	}
	if s.jobs != nil {
		stats, err := s.jobs.Stats(c.Request().Context())
		if err != nil {
			return writeError(c, err)
		}
		resp.Jobs = &stats
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

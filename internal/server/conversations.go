package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
)

type archiveConversationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ListConversations(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status      string `form:"status"`
		WorkspaceID int64  `form:"workspace_id"`
		UserID      string `form:"user_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := conversationdomain.ListConversationFilter{
		Status:      conversationdomain.ConversationStatus(strings.TrimSpace(query.Status)),
		WorkspaceID: query.WorkspaceID,
	}
	if raw := strings.TrimSpace(query.UserID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
			return
		}
		filter.UserID = parsed
	}

	resp, err := s.conversationSvc.List(c.Request.Context(), conversationdomain.ListConversationRequest{
		Pagination: query.Pagination,
		Filter:     filter,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) CloseConversation(c *gin.Context) {
	topicID, ok := topicIDParam(c)
	if !ok {
		return
	}

	workspaceID := s.cfg.AdminWorkspaceID
	if err := s.conversationSvc.CloseThread(c.Request.Context(), workspaceID, topicID); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := strconv.Itoa(topicID)
		_ = s.auditSvc.AuditLog(c.Request.Context(), "", nil, "conversation.closed", "conversation", &targetID, map[string]any{
			"workspace_id": workspaceID,
			"topic_id":     topicID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ArchiveConversation(c *gin.Context) {
	topicID, ok := topicIDParam(c)
	if !ok {
		return
	}

	var req archiveConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "archived_by_admin"
	}

	workspaceID := s.cfg.AdminWorkspaceID
	if err := s.conversationSvc.ArchiveThread(c.Request.Context(), workspaceID, topicID, reason); err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := strconv.Itoa(topicID)
		_ = s.auditSvc.AuditLog(c.Request.Context(), "", nil, "conversation.archived", "conversation", &targetID, map[string]any{
			"workspace_id": workspaceID,
			"topic_id":     topicID,
			"reason":       reason,
		})
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func topicIDParam(c *gin.Context) (int, bool) {
	topicID, err := strconv.Atoi(strings.TrimSpace(c.Param("topic_id")))
	if err != nil || topicID <= 0 {
		AbortWithError(c, newValidationError("topic_id", "invalid_topic_id", "invalid topic_id"))
		return 0, false
	}
	return topicID, true
}

func isConversationValidationError(err error) bool {
	switch {
	case errors.Is(err, conversationdomain.ErrInvalidUserID),
		errors.Is(err, conversationdomain.ErrInvalidWorkspaceID),
		errors.Is(err, conversationdomain.ErrInvalidTopicID),
		errors.Is(err, conversationdomain.ErrInvalidAdminMessageID):
		return true
	default:
		return false
	}
}

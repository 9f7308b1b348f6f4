package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
)

var (
	ErrNotFound              = errors.New("conversation_not_found")
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrInvalidWorkspaceID    = errors.New("invalid_workspace_id")
	ErrInvalidTopicID        = errors.New("invalid_topic_id")
	ErrInvalidAdminMessageID = errors.New("invalid_admin_message_id")
	ErrTopicAllocation       = errors.New("topic_allocation_failed")
)

type GetOrCreateThreadRequest struct {
	UserID      snowflake.ID
	WorkspaceID int64

	// TopicTitle names the forum topic when one has to be allocated.
	// Ignored when an existing binding is reused.
	TopicTitle string
}

type RecordMessageRefRequest struct {
	WorkspaceID    int64
	AdminMessageID int
	UserID         snowflake.ID
	TopicID        int
	UserMessageID  int
	Direction      MessageDirection
}

type ListConversationFilter struct {
	Status      ConversationStatus `form:"status"`
	WorkspaceID int64              `form:"workspace_id"`
	UserID      snowflake.ID       `form:"user_id"`
}

type ListConversationRequest struct {
	pagination.Pagination
	Filter ListConversationFilter
}

type ListConversationResponse struct {
	Data     []*Conversation      `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Service interface {
	// GetOrCreateThread returns the binding for the pair, allocating a forum
	// topic and inserting the row on first contact. The returned bool is true
	// when this call created the binding. A non-open binding is reopened in
	// place rather than duplicated.
	GetOrCreateThread(ctx context.Context, req GetOrCreateThreadRequest) (*Conversation, bool, error)
	ResolveUserForThread(ctx context.Context, workspaceID int64, topicID int) (snowflake.ID, error)
	ResolveUserForAdminMessage(ctx context.Context, workspaceID int64, adminMessageID int) (*MessageRef, error)
	CloseThread(ctx context.Context, workspaceID int64, topicID int) error
	ArchiveThread(ctx context.Context, workspaceID int64, topicID int, reason string) error
	ArchiveThreadForUser(ctx context.Context, userID snowflake.ID, workspaceID int64, reason string) error
	TouchActivity(ctx context.Context, id snowflake.ID, at time.Time) error
	MarkRead(ctx context.Context, workspaceID int64, topicID int) error
	SetPinnedMessage(ctx context.Context, id snowflake.ID, messageID int) error
	RecordMessageRef(ctx context.Context, req RecordMessageRefRequest) error
	List(ctx context.Context, req ListConversationRequest) (*ListConversationResponse, error)
}

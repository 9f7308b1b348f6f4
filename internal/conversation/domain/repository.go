package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, conversation *Conversation) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Conversation, error)
	FindByUserAndWorkspace(ctx context.Context, db *gorm.DB, userID snowflake.ID, workspaceID int64) (*Conversation, error)
	FindByTopic(ctx context.Context, db *gorm.DB, workspaceID int64, topicID int) (*Conversation, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ConversationStatus, archivedAt *time.Time, archiveReason string, now time.Time) error
	TouchActivity(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	SetPinnedMessage(ctx context.Context, db *gorm.DB, id snowflake.ID, messageID int, now time.Time) error
	InsertMessageRef(ctx context.Context, db *gorm.DB, ref *MessageRef) error
	FindMessageRef(ctx context.Context, db *gorm.DB, workspaceID int64, adminMessageID int) (*MessageRef, error)
	List(ctx context.Context, db *gorm.DB, filter ListConversationFilter, page pagination.Pagination) ([]*Conversation, error)
}

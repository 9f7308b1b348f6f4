package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/option"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/gorm"
)

const conversationColumns = `id, user_id, workspace_id, topic_id, pinned_message_id, status,
	        unread_count, last_user_message_at, archived_at, archive_reason, created_at, updated_at`

const messageRefColumns = `id, workspace_id, admin_message_id, user_id, topic_id,
	        user_message_id, direction, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is a plain INSERT on purpose. The unique (user_id, workspace_id)
// constraint is the arbiter for concurrent first contact, and the service
// resolves the loser by re-reading, so the violation must reach it.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, conversation *domain.Conversation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO conversations (id, user_id, workspace_id, topic_id, pinned_message_id,
		                            status, unread_count, last_user_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversation.ID,
		conversation.UserID,
		conversation.WorkspaceID,
		conversation.TopicID,
		conversation.PinnedMessageID,
		conversation.Status,
		conversation.UnreadCount,
		conversation.LastUserMessageAt,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Conversation, error) {
	var conversation domain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE id = ?`,
		id,
	).Scan(&conversation).Error
	if err != nil {
		return nil, err
	}
	if conversation.ID == 0 {
		return nil, nil
	}
	return &conversation, nil
}

func (r *repo) FindByUserAndWorkspace(ctx context.Context, db *gorm.DB, userID snowflake.ID, workspaceID int64) (*domain.Conversation, error) {
	var conversation domain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE user_id = ? AND workspace_id = ?`,
		userID,
		workspaceID,
	).Scan(&conversation).Error
	if err != nil {
		return nil, err
	}
	if conversation.ID == 0 {
		return nil, nil
	}
	return &conversation, nil
}

func (r *repo) FindByTopic(ctx context.Context, db *gorm.DB, workspaceID int64, topicID int) (*domain.Conversation, error) {
	var conversation domain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE workspace_id = ? AND topic_id = ?`,
		workspaceID,
		topicID,
	).Scan(&conversation).Error
	if err != nil {
		return nil, err
	}
	if conversation.ID == 0 {
		return nil, nil
	}
	return &conversation, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.ConversationStatus, archivedAt *time.Time, archiveReason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations SET status = ?, archived_at = ?, archive_reason = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		archivedAt,
		archiveReason,
		now,
		id,
	).Error
}

func (r *repo) TouchActivity(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations SET last_user_message_at = ?, unread_count = unread_count + 1, updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *repo) SetPinnedMessage(ctx context.Context, db *gorm.DB, id snowflake.ID, messageID int, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations SET pinned_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID,
		now,
		id,
	).Error
}

// InsertMessageRef tolerates webhook redelivery. The same admin-side message
// maps to the same origin, so replaying the insert is a no-op.
func (r *repo) InsertMessageRef(ctx context.Context, db *gorm.DB, ref *domain.MessageRef) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO message_refs (id, workspace_id, admin_message_id, user_id, topic_id,
		                           user_message_id, direction, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, admin_message_id) DO NOTHING`,
		ref.ID,
		ref.WorkspaceID,
		ref.AdminMessageID,
		ref.UserID,
		ref.TopicID,
		ref.UserMessageID,
		ref.Direction,
		ref.CreatedAt,
	).Error
}

func (r *repo) FindMessageRef(ctx context.Context, db *gorm.DB, workspaceID int64, adminMessageID int) (*domain.MessageRef, error) {
	var ref domain.MessageRef
	err := db.WithContext(ctx).Raw(
		`SELECT `+messageRefColumns+`
		 FROM message_refs WHERE workspace_id = ? AND admin_message_id = ?`,
		workspaceID,
		adminMessageID,
	).Scan(&ref).Error
	if err != nil {
		return nil, err
	}
	if ref.ID == 0 {
		return nil, nil
	}
	return &ref, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListConversationFilter, page pagination.Pagination) ([]*domain.Conversation, error) {
	var conversations []*domain.Conversation
	stmt := db.WithContext(ctx).Model(&domain.Conversation{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.WorkspaceID != 0 {
		stmt = stmt.Where("workspace_id = ?", filter.WorkspaceID)
	}
	if filter.UserID != 0 {
		stmt = stmt.Where("user_id = ?", filter.UserID)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("created_at desc, id desc").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ConversationStatus string

const (
	ConversationStatusOpen     ConversationStatus = "open"
	ConversationStatusClosed   ConversationStatus = "closed"
	ConversationStatusArchived ConversationStatus = "archived"
)

// Archive reasons recorded on archived conversations. Free-form reasons are
// allowed; these are the ones the system writes itself.
const (
	ArchiveReasonUserBanned   = "user_banned"
	ArchiveReasonAdminRequest = "admin_request"
)

type MessageDirection string

const (
	DirectionUserToAdmin MessageDirection = "user_to_admin"
	DirectionAdminToUser MessageDirection = "admin_to_user"
)

// Conversation binds a user to exactly one forum topic inside an admin
// workspace. The row is created once per (user, workspace) pair and kept
// forever; lifecycle changes flip status in place.
type Conversation struct {
	ID                snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID            snowflake.ID       `gorm:"not null;uniqueIndex:ux_conversations_user_workspace,priority:1" json:"user_id"`
	WorkspaceID       int64              `gorm:"not null;uniqueIndex:ux_conversations_user_workspace,priority:2;uniqueIndex:ux_conversations_workspace_topic,priority:1" json:"workspace_id"`
	TopicID           int                `gorm:"not null;uniqueIndex:ux_conversations_workspace_topic,priority:2" json:"topic_id"`
	PinnedMessageID   int                `gorm:"not null;default:0" json:"pinned_message_id,omitempty"`
	Status            ConversationStatus `gorm:"type:text;not null;default:'open'" json:"status"`
	UnreadCount       int                `gorm:"not null;default:0" json:"unread_count"`
	LastUserMessageAt *time.Time         `json:"last_user_message_at,omitempty"`
	ArchivedAt        *time.Time         `json:"archived_at,omitempty"`
	ArchiveReason     string             `gorm:"type:text;not null;default:''" json:"archive_reason,omitempty"`
	CreatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// MessageRef maps the admin-side copy of a relayed message back to its
// origin. Reply-based admin routing resolves through this table before
// falling back to the topic binding.
type MessageRef struct {
	ID             snowflake.ID     `gorm:"primaryKey" json:"id"`
	WorkspaceID    int64            `gorm:"not null;uniqueIndex:ux_message_refs_workspace_message,priority:1" json:"workspace_id"`
	AdminMessageID int              `gorm:"not null;uniqueIndex:ux_message_refs_workspace_message,priority:2" json:"admin_message_id"`
	UserID         snowflake.ID     `gorm:"not null;index" json:"user_id"`
	TopicID        int              `gorm:"not null" json:"topic_id"`
	UserMessageID  int              `gorm:"not null" json:"user_message_id"`
	Direction      MessageDirection `gorm:"type:text;not null" json:"direction"`
	CreatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (MessageRef) TableName() string {
	return "message_refs"
}

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidSender   = errors.New("invalid_sender")
	ErrInvalidMessage  = errors.New("invalid_message")
	ErrInvalidTopic    = errors.New("invalid_topic")
	ErrRoutingFailure  = errors.New("routing_failure")
	ErrDeliveryFailure = errors.New("delivery_failure")
)

// InboundMessage is a message a user sent to the bot's private chat.
type InboundMessage struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string

	// ChatID is the private chat the message arrived in. Zero means the
	// sender's own chat.
	ChatID    int64
	MessageID int
}

// InboundAdminMessage is a message an admin posted inside the workspace
// supergroup. ReplyToMessageID is zero when the message is not a reply.
type InboundAdminMessage struct {
	WorkspaceID      int64
	TopicID          int
	MessageID        int
	ReplyToMessageID int
	SenderID         int64
}

// Delivery reports where a routed message ended up. DeliveredMessageID is
// the id of the copy on the receiving side.
type Delivery struct {
	UserID             snowflake.ID
	TelegramID         int64
	ConversationID     snowflake.ID
	TopicID            int
	DeliveredMessageID int
	ThreadCreated      bool
}

type Service interface {
	// RouteUserMessage relays a private message into the user's forum topic,
	// registering the user and creating the binding on first contact. Banned
	// users are rejected before any thread work. The binding is durable once
	// written; a provider failure after that point surfaces as
	// ErrDeliveryFailure and the next message reuses the same thread.
	RouteUserMessage(ctx context.Context, req InboundMessage) (*Delivery, error)

	// RouteAdminReply relays a workspace message back to its user. The
	// replied-to message's stored origin is authoritative; the topic binding
	// is the fallback. When neither resolves the message is refused with
	// ErrRoutingFailure, never silently dropped.
	RouteAdminReply(ctx context.Context, req InboundAdminMessage) (*Delivery, error)

	// NotifyUser and NotifyAdmin are plain sends used for payment
	// confirmations and operational alerts.
	NotifyUser(ctx context.Context, telegramID int64, text string) error
	NotifyAdmin(ctx context.Context, text string) error
}

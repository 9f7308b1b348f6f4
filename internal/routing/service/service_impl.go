package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/telegram"
	"github.com/nsxo/enterprise-telegram-bot/internal/routing/domain"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultWelcomeText = "Welcome! Send a message here and the team will get back to you."
	defaultAckText     = "Message received. The team will reply here."

	reactionDelivered = "✅"
	reactionFailed    = "❌"
)

type Params struct {
	fx.In

	Cfg           config.Config
	Log           *zap.Logger
	Ledger        ledgerdomain.Service
	Conversations conversationdomain.Service
	Settings      settingsdomain.Service
	Telegram      telegram.Provider
	Obs           *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg           config.Config
	log           *zap.Logger
	ledger        ledgerdomain.Service
	conversations conversationdomain.Service
	settings      settingsdomain.Service
	telegram      telegram.Provider
	obs           *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		cfg:           p.Cfg,
		log:           p.Log.Named("routing.service"),
		ledger:        p.Ledger,
		conversations: p.Conversations,
		settings:      p.Settings,
		telegram:      p.Telegram,
		obs:           p.Obs,
	}
}

func (s *Service) RouteUserMessage(ctx context.Context, req domain.InboundMessage) (*domain.Delivery, error) {
	if req.TelegramID <= 0 {
		return nil, domain.ErrInvalidSender
	}
	if req.MessageID <= 0 {
		return nil, domain.ErrInvalidMessage
	}
	chatID := req.ChatID
	if chatID == 0 {
		chatID = req.TelegramID
	}

	user, err := s.ledger.UpsertUser(ctx, ledgerdomain.UpsertUserRequest{
		TelegramID: req.TelegramID,
		Username:   req.Username,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if user.IsBanned {
		s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionUserToAdmin), "banned")
		return nil, ledgerdomain.ErrUserBanned
	}

	conversation, created, err := s.conversations.GetOrCreateThread(ctx, conversationdomain.GetOrCreateThreadRequest{
		UserID:      user.ID,
		WorkspaceID: s.cfg.AdminWorkspaceID,
		TopicTitle:  user.DisplayName(),
	})
	if err != nil {
		s.obs.RecordRoutingFailure(ctx, "thread")
		return nil, fmt.Errorf("get or create thread: %w", err)
	}
	if created {
		s.postSummaryCard(ctx, user, conversation)
	}

	copiedID, err := s.telegram.CopyMessage(ctx, telegram.CopyMessageRequest{
		ToChatID:   s.cfg.AdminWorkspaceID,
		ThreadID:   conversation.TopicID,
		FromChatID: chatID,
		MessageID:  req.MessageID,
	})
	if err != nil {
		// The binding is already durable; only this copy was lost.
		s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionUserToAdmin), "failed")
		s.obs.RecordRoutingFailure(ctx, "copy")
		return nil, fmt.Errorf("%w: %s", domain.ErrDeliveryFailure, err)
	}

	if err := s.conversations.RecordMessageRef(ctx, conversationdomain.RecordMessageRefRequest{
		WorkspaceID:    s.cfg.AdminWorkspaceID,
		AdminMessageID: copiedID,
		UserID:         user.ID,
		TopicID:        conversation.TopicID,
		UserMessageID:  req.MessageID,
		Direction:      conversationdomain.DirectionUserToAdmin,
	}); err != nil {
		// Reply routing degrades to the topic binding without the ref.
		s.log.Warn("message ref not recorded",
			zap.Int("admin_message_id", copiedID),
			zap.Error(err),
		)
	}
	if err := s.conversations.TouchActivity(ctx, conversation.ID, time.Now().UTC()); err != nil {
		s.log.Warn("activity touch failed",
			zap.String("conversation_id", conversation.ID.String()),
			zap.Error(err),
		)
	}

	s.ackUser(ctx, chatID, created)
	s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionUserToAdmin), "delivered")
	s.log.Info("user message routed",
		zap.Int64("telegram_id", req.TelegramID),
		zap.Int("topic_id", conversation.TopicID),
		zap.Bool("thread_created", created),
	)

	return &domain.Delivery{
		UserID:             user.ID,
		TelegramID:         req.TelegramID,
		ConversationID:     conversation.ID,
		TopicID:            conversation.TopicID,
		DeliveredMessageID: copiedID,
		ThreadCreated:      created,
	}, nil
}

func (s *Service) RouteAdminReply(ctx context.Context, req domain.InboundAdminMessage) (*domain.Delivery, error) {
	delivery, err := s.relayAdminReply(ctx, req)
	if err != nil {
		s.reactAdmin(ctx, req, reactionFailed)
		return nil, err
	}
	s.reactAdmin(ctx, req, reactionDelivered)
	return delivery, nil
}

func (s *Service) relayAdminReply(ctx context.Context, req domain.InboundAdminMessage) (*domain.Delivery, error) {
	if req.WorkspaceID == 0 {
		return nil, domain.ErrInvalidTopic
	}
	if req.MessageID <= 0 {
		return nil, domain.ErrInvalidMessage
	}
	if req.TopicID <= 0 && req.ReplyToMessageID <= 0 {
		return nil, domain.ErrInvalidTopic
	}

	// Stage 1: the replied-to message's stored origin.
	var refUserID snowflake.ID
	if req.ReplyToMessageID > 0 {
		ref, err := s.conversations.ResolveUserForAdminMessage(ctx, req.WorkspaceID, req.ReplyToMessageID)
		if err != nil && !errors.Is(err, conversationdomain.ErrNotFound) {
			return nil, fmt.Errorf("resolve reply reference: %w", err)
		}
		if ref != nil {
			refUserID = ref.UserID
		}
	}

	// Stage 2: the topic binding. Always consulted so a disagreement with
	// stage 1 is visible in the logs.
	var topicUserID snowflake.ID
	if req.TopicID > 0 {
		userID, err := s.conversations.ResolveUserForThread(ctx, req.WorkspaceID, req.TopicID)
		if err != nil && !errors.Is(err, conversationdomain.ErrNotFound) {
			return nil, fmt.Errorf("resolve thread: %w", err)
		}
		topicUserID = userID
	}

	userID := refUserID
	if userID == 0 {
		userID = topicUserID
	} else if topicUserID != 0 && topicUserID != refUserID {
		s.log.Warn("reply reference and topic binding disagree",
			zap.String("ref_user_id", refUserID.String()),
			zap.String("topic_user_id", topicUserID.String()),
			zap.Int("topic_id", req.TopicID),
		)
	}
	if userID == 0 {
		s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionAdminToUser), "unroutable")
		s.obs.RecordRoutingFailure(ctx, "admin_resolution")
		s.log.Warn("admin message could not be mapped to a user",
			zap.Int("topic_id", req.TopicID),
			zap.Int("reply_to_message_id", req.ReplyToMessageID),
		)
		return nil, domain.ErrRoutingFailure
	}

	user, err := s.ledger.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	copiedID, err := s.telegram.CopyMessage(ctx, telegram.CopyMessageRequest{
		ToChatID:   user.TelegramID,
		FromChatID: req.WorkspaceID,
		MessageID:  req.MessageID,
	})
	if err != nil {
		s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionAdminToUser), "failed")
		return nil, fmt.Errorf("%w: %s", domain.ErrDeliveryFailure, err)
	}

	if err := s.conversations.RecordMessageRef(ctx, conversationdomain.RecordMessageRefRequest{
		WorkspaceID:    req.WorkspaceID,
		AdminMessageID: req.MessageID,
		UserID:         userID,
		TopicID:        req.TopicID,
		UserMessageID:  copiedID,
		Direction:      conversationdomain.DirectionAdminToUser,
	}); err != nil {
		s.log.Warn("message ref not recorded",
			zap.Int("admin_message_id", req.MessageID),
			zap.Error(err),
		)
	}
	if req.TopicID > 0 {
		if err := s.conversations.MarkRead(ctx, req.WorkspaceID, req.TopicID); err != nil {
			s.log.Warn("mark read failed",
				zap.Int("topic_id", req.TopicID),
				zap.Error(err),
			)
		}
	}

	s.obs.RecordRoutedMessage(ctx, string(conversationdomain.DirectionAdminToUser), "delivered")
	s.log.Info("admin reply routed",
		zap.Int64("telegram_id", user.TelegramID),
		zap.Int("topic_id", req.TopicID),
		zap.Bool("via_reply_ref", refUserID != 0),
	)

	return &domain.Delivery{
		UserID:             userID,
		TelegramID:         user.TelegramID,
		TopicID:            req.TopicID,
		DeliveredMessageID: copiedID,
	}, nil
}

func (s *Service) NotifyUser(ctx context.Context, telegramID int64, text string) error {
	if telegramID <= 0 {
		return domain.ErrInvalidSender
	}
	_, err := s.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID: telegramID,
		Text:   text,
		HTML:   true,
	})
	return err
}

func (s *Service) NotifyAdmin(ctx context.Context, text string) error {
	_, err := s.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID: s.cfg.AdminWorkspaceID,
		Text:   text,
		HTML:   true,
	})
	return err
}

// reactAdmin sets the delivery reaction on the admin's message. The reaction
// is a courtesy; its failure never changes the routing outcome.
func (s *Service) reactAdmin(ctx context.Context, req domain.InboundAdminMessage, emoji string) {
	if req.WorkspaceID == 0 || req.MessageID <= 0 {
		return
	}
	if err := s.telegram.React(ctx, req.WorkspaceID, req.MessageID, emoji); err != nil {
		s.log.Warn("admin reaction ack failed",
			zap.Int("message_id", req.MessageID),
			zap.Error(err),
		)
		s.obs.RecordDeliveryAck(ctx, "admin_reaction", "failed")
		return
	}
	s.obs.RecordDeliveryAck(ctx, "admin_reaction", "sent")
}

// ackUser confirms receipt back to the user. First contact gets the welcome
// text; later messages get the ack text, which operators can switch off.
func (s *Service) ackUser(ctx context.Context, chatID int64, firstContact bool) {
	var text string
	if firstContact {
		text = s.settings.Text(ctx, settingsdomain.KeyWelcomeMessage, defaultWelcomeText)
	} else {
		if !s.settings.Bool(ctx, settingsdomain.KeyMessageAckEnabled, true) {
			return
		}
		text = s.settings.Text(ctx, settingsdomain.KeyMessageAckText, defaultAckText)
	}

	if _, err := s.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID: chatID,
		Text:   text,
		Silent: true,
	}); err != nil {
		s.log.Warn("receipt ack not delivered",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		s.obs.RecordDeliveryAck(ctx, "user_receipt", "failed")
		return
	}
	s.obs.RecordDeliveryAck(ctx, "user_receipt", "sent")
}

func (s *Service) postSummaryCard(ctx context.Context, user ledgerdomain.User, conversation *conversationdomain.Conversation) {
	messageID, err := s.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:   s.cfg.AdminWorkspaceID,
		ThreadID: conversation.TopicID,
		Text:     buildSummaryCard(user),
		HTML:     true,
		Silent:   true,
	})
	if err != nil {
		s.log.Warn("summary card not posted",
			zap.Int("topic_id", conversation.TopicID),
			zap.Error(err),
		)
		return
	}
	if err := s.telegram.PinMessage(ctx, s.cfg.AdminWorkspaceID, messageID); err != nil {
		s.log.Warn("summary card not pinned",
			zap.Int("message_id", messageID),
			zap.Error(err),
		)
	}
	if err := s.conversations.SetPinnedMessage(ctx, conversation.ID, messageID); err != nil {
		s.log.Warn("pinned message id not stored",
			zap.String("conversation_id", conversation.ID.String()),
			zap.Error(err),
		)
	}
}

// buildSummaryCard renders the pinned admin card. User-supplied names are
// escaped before they enter HTML parse mode.
func buildSummaryCard(user ledgerdomain.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(user.DisplayName()))
	if user.Username != "" {
		fmt.Fprintf(&b, "@%s\n", html.EscapeString(user.Username))
	}
	fmt.Fprintf(&b, "Telegram ID: <code>%d</code>\n", user.TelegramID)
	fmt.Fprintf(&b, "Tier: %s\n", user.Tier)
	fmt.Fprintf(&b, "Credits: %d\n", user.Credits)
	fmt.Fprintf(&b, "First seen: %s", user.CreatedAt.UTC().Format("2006-01-02"))
	return b.String()
}

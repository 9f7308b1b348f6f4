package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"
	obslogger "github.com/nsxo/enterprise-telegram-bot/internal/observability/logger"
	routingdomain "github.com/nsxo/enterprise-telegram-bot/internal/routing/domain"
	"go.uber.org/zap"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// HandleTelegramWebhook ingests Bot API updates. Accepted updates are always
// answered 200 whether or not routing succeeded: a non-2xx makes Telegram
// redeliver the update on a schedule of its own, and the router survives
// redelivery better than a retry storm.
func (s *Server) HandleTelegramWebhook(c *gin.Context) {
	if !s.telegramSecretOK(c) {
		AbortWithError(c, ErrForbidden)
		return
	}

	var update models.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		// A payload that does not parse will never parse; acknowledge it so
		// Telegram drops it.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": s.routeUpdate(c.Request.Context(), &update)})
}

// telegramSecretOK compares the webhook secret header in constant time. An
// empty configured secret disables the check for polling-based deployments
// that never register a webhook.
func (s *Server) telegramSecretOK(c *gin.Context) bool {
	secret := s.cfg.TelegramWebhookSecret
	if secret == "" {
		return true
	}
	presented := c.GetHeader(telegramSecretHeader)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

func (s *Server) routeUpdate(ctx context.Context, update *models.Update) string {
	if q := update.CallbackQuery; q != nil {
		// Nothing interactive is bound to callbacks; answering stops the
		// client-side spinner.
		if err := s.telegramSvc.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
			obslogger.FromContext(ctx).Debug("callback query not answered", zap.Error(err))
		}
		return "ignored"
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return "ignored"
	}

	switch {
	case msg.Chat.ID == s.cfg.AdminWorkspaceID:
		return s.routeAdminMessage(ctx, msg)
	case msg.Chat.Type == models.ChatTypePrivate:
		return s.routeUserMessage(ctx, msg)
	default:
		return "ignored"
	}
}

func (s *Server) routeUserMessage(ctx context.Context, msg *models.Message) string {
	log := obslogger.FromContext(ctx)

	if msg.From.IsBot {
		return "ignored"
	}

	if s.messageLimiter.Enabled() {
		result, err := s.messageLimiter.AllowUser(ctx, msg.From.ID)
		if err != nil {
			// Redis being down must not take message routing down with it.
			log.Warn("message rate limit check failed", zap.Error(err))
		} else if !result.Allowed {
			log.Debug("user message rate limited",
				zap.Int64("telegram_id", msg.From.ID),
				zap.Duration("retry_after", result.RetryAfter),
			)
			return "ignored"
		}
	}

	_, err := s.routingSvc.RouteUserMessage(ctx, routingdomain.InboundMessage{
		TelegramID: msg.From.ID,
		Username:   msg.From.Username,
		FirstName:  msg.From.FirstName,
		LastName:   msg.From.LastName,
		ChatID:     msg.Chat.ID,
		MessageID:  msg.ID,
	})
	if err != nil {
		log.Warn("user message not routed",
			zap.Int64("telegram_id", msg.From.ID),
			zap.Int("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return "ok"
}

func (s *Server) routeAdminMessage(ctx context.Context, msg *models.Message) string {
	log := obslogger.FromContext(ctx)

	// The bot's own relayed copies flow back through the webhook; routing
	// them again would bounce messages between the two sides forever.
	if msg.From.IsBot {
		return "ignored"
	}
	if msg.MessageThreadID == 0 {
		// General-tab chatter is not bound to any user.
		return "ignored"
	}

	replyTo := 0
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.ID != msg.MessageThreadID {
		// Topic messages carry reply_to_message pointing at the thread-root
		// service message even when nothing was replied to.
		replyTo = msg.ReplyToMessage.ID
	}

	_, err := s.routingSvc.RouteAdminReply(ctx, routingdomain.InboundAdminMessage{
		WorkspaceID:      msg.Chat.ID,
		TopicID:          msg.MessageThreadID,
		MessageID:        msg.ID,
		ReplyToMessageID: replyTo,
		SenderID:         msg.From.ID,
	})
	if err != nil {
		log.Warn("admin reply not routed",
			zap.Int("topic_id", msg.MessageThreadID),
			zap.Int("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return "ok"
}

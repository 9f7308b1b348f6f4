package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	callMaxAttempts = 3
	callBaseBackoff = 200 * time.Millisecond

	// The Bot API budget is roughly 30 messages per second across all
	// chats. Staying a little under it keeps relayed bursts from tripping
	// server-side 429s in the first place.
	callsPerSecond = 25
	callBurst      = 5
)

type Config struct {
	Token     string
	ServerURL string
}

// BotAPIProvider talks to the Telegram Bot API through go-telegram/bot.
// Every call passes a local rate limiter and transient failures are retried
// with bounded backoff. None of the calls mutate local state, so a retry can
// at worst duplicate a notification.
type BotAPIProvider struct {
	api     *bot.Bot
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger, httpClient *http.Client) (*BotAPIProvider, error) {
	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}
	if httpClient != nil {
		opts = append(opts, bot.WithHTTPClient(time.Minute, httpClient))
	}

	api, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}

	return &BotAPIProvider{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), callBurst),
		log:     log,
	}, nil
}

func (p *BotAPIProvider) GetMe(ctx context.Context) (Identity, error) {
	var me Identity
	err := p.do(ctx, "getMe", func(ctx context.Context) error {
		user, err := p.api.GetMe(ctx)
		if err != nil {
			return err
		}
		me = Identity{ID: user.ID, Username: user.Username}
		return nil
	})
	return me, err
}

func (p *BotAPIProvider) SendMessage(ctx context.Context, req SendMessageRequest) (int, error) {
	params := &bot.SendMessageParams{
		ChatID:              req.ChatID,
		MessageThreadID:     req.ThreadID,
		Text:                req.Text,
		DisableNotification: req.Silent,
		ReplyMarkup:         buildMarkup(req.Buttons),
	}
	if req.HTML {
		params.ParseMode = models.ParseModeHTML
	}

	var messageID int
	err := p.do(ctx, "sendMessage", func(ctx context.Context) error {
		msg, err := p.api.SendMessage(ctx, params)
		if err != nil {
			return err
		}
		messageID = msg.ID
		return nil
	})
	return messageID, err
}

func (p *BotAPIProvider) CopyMessage(ctx context.Context, req CopyMessageRequest) (int, error) {
	params := &bot.CopyMessageParams{
		ChatID:          req.ToChatID,
		MessageThreadID: req.ThreadID,
		FromChatID:      strconv.FormatInt(req.FromChatID, 10),
		MessageID:       req.MessageID,
	}

	var messageID int
	err := p.do(ctx, "copyMessage", func(ctx context.Context) error {
		copied, err := p.api.CopyMessage(ctx, params)
		if err != nil {
			return err
		}
		messageID = copied.ID
		return nil
	})
	return messageID, err
}

func (p *BotAPIProvider) SendDocument(ctx context.Context, req SendDocumentRequest) (int, error) {
	var messageID int
	err := p.do(ctx, "sendDocument", func(ctx context.Context) error {
		msg, err := p.api.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   req.ChatID,
			Caption:  req.Caption,
			Document: &models.InputFileUpload{Filename: req.Filename, Data: bytes.NewReader(req.Data)},
		})
		if err != nil {
			return err
		}
		messageID = msg.ID
		return nil
	})
	return messageID, err
}

func (p *BotAPIProvider) CreateForumTopic(ctx context.Context, chatID int64, title string) (int, error) {
	var topicID int
	err := p.do(ctx, "createForumTopic", func(ctx context.Context) error {
		topic, err := p.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
			ChatID: chatID,
			Name:   topicTitle(title),
		})
		if err != nil {
			return err
		}
		topicID = topic.MessageThreadID
		return nil
	})
	return topicID, err
}

func (p *BotAPIProvider) CloseForumTopic(ctx context.Context, chatID int64, topicID int) error {
	return p.do(ctx, "closeForumTopic", func(ctx context.Context) error {
		_, err := p.api.CloseForumTopic(ctx, &bot.CloseForumTopicParams{
			ChatID:          chatID,
			MessageThreadID: topicID,
		})
		return err
	})
}

func (p *BotAPIProvider) ReopenForumTopic(ctx context.Context, chatID int64, topicID int) error {
	return p.do(ctx, "reopenForumTopic", func(ctx context.Context) error {
		_, err := p.api.ReopenForumTopic(ctx, &bot.ReopenForumTopicParams{
			ChatID:          chatID,
			MessageThreadID: topicID,
		})
		return err
	})
}

func (p *BotAPIProvider) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	return p.do(ctx, "pinChatMessage", func(ctx context.Context) error {
		_, err := p.api.PinChatMessage(ctx, &bot.PinChatMessageParams{
			ChatID:              chatID,
			MessageID:           messageID,
			DisableNotification: true,
		})
		return err
	})
}

func (p *BotAPIProvider) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return p.do(ctx, "setMessageReaction", func(ctx context.Context) error {
		_, err := p.api.SetMessageReaction(ctx, &bot.SetMessageReactionParams{
			ChatID:    chatID,
			MessageID: messageID,
			Reaction: []models.ReactionType{
				{
					Type:              models.ReactionTypeTypeEmoji,
					ReactionTypeEmoji: &models.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
				},
			},
		})
		return err
	})
}

func (p *BotAPIProvider) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	return p.do(ctx, "answerCallbackQuery", func(ctx context.Context) error {
		_, err := p.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: callbackQueryID,
			Text:            text,
		})
		return err
	})
}

func (p *BotAPIProvider) SetWebhook(ctx context.Context, url, secretToken string) error {
	return p.do(ctx, "setWebhook", func(ctx context.Context) error {
		_, err := p.api.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:            url,
			SecretToken:    secretToken,
			AllowedUpdates: []string{"message", "edited_message", "callback_query"},
		})
		return err
	})
}

func (p *BotAPIProvider) DeleteWebhook(ctx context.Context) error {
	return p.do(ctx, "deleteWebhook", func(ctx context.Context) error {
		_, err := p.api.DeleteWebhook(ctx, &bot.DeleteWebhookParams{})
		return err
	})
}

func (p *BotAPIProvider) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < callMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := callBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
		if p.log != nil {
			p.log.Warn("telegram call failed, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}
	}
	return fmt.Errorf("telegram %s: %w", op, lastErr)
}

// isRetryable keeps retries to rate limits, server errors and transport
// failures. Anything the Bot API rejects outright (bad chat id, missing
// permissions, malformed payload) will fail the same way again.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"bad request", "unauthorized", "forbidden", "not found"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	return true
}

func buildMarkup(buttons [][]Button) models.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		cells := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			cells = append(cells, models.InlineKeyboardButton{
				Text:         b.Text,
				URL:          b.URL,
				CallbackData: b.CallbackData,
			})
		}
		rows = append(rows, cells)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// topicTitle trims titles to the Bot API limit of 128 characters.
func topicTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Conversation"
	}
	runes := []rune(title)
	if len(runes) > 128 {
		return string(runes[:128])
	}
	return title
}

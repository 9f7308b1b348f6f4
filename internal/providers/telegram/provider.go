package telegram

import "context"

// Identity describes the authenticated bot account.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Button struct {
	Text         string
	URL          string
	CallbackData string
}

type SendMessageRequest struct {
	ChatID   int64
	ThreadID int
	Text     string
	HTML     bool
	Silent   bool
	Buttons  [][]Button
}

type CopyMessageRequest struct {
	ToChatID   int64
	ThreadID   int
	FromChatID int64
	MessageID  int
}

type SendDocumentRequest struct {
	ChatID   int64
	Filename string
	Caption  string
	Data     []byte
}

// Provider is the outbound Telegram surface. Send-style calls return the
// message id created on the Telegram side so callers can persist reply
// references.
type Provider interface {
	GetMe(ctx context.Context) (Identity, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (int, error)
	CopyMessage(ctx context.Context, req CopyMessageRequest) (int, error)
	SendDocument(ctx context.Context, req SendDocumentRequest) (int, error)
	CreateForumTopic(ctx context.Context, chatID int64, title string) (int, error)
	CloseForumTopic(ctx context.Context, chatID int64, topicID int) error
	ReopenForumTopic(ctx context.Context, chatID int64, topicID int) error
	PinMessage(ctx context.Context, chatID int64, messageID int) error
	React(ctx context.Context, chatID int64, messageID int, emoji string) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	SetWebhook(ctx context.Context, url, secretToken string) error
	DeleteWebhook(ctx context.Context) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) GetMe(ctx context.Context) (Identity, error) {
	return Identity{}, nil
}

func (p *NoOpProvider) SendMessage(ctx context.Context, req SendMessageRequest) (int, error) {
	return 0, nil
}

func (p *NoOpProvider) CopyMessage(ctx context.Context, req CopyMessageRequest) (int, error) {
	return 0, nil
}

func (p *NoOpProvider) SendDocument(ctx context.Context, req SendDocumentRequest) (int, error) {
	return 0, nil
}

func (p *NoOpProvider) CreateForumTopic(ctx context.Context, chatID int64, title string) (int, error) {
	return 0, nil
}

func (p *NoOpProvider) CloseForumTopic(ctx context.Context, chatID int64, topicID int) error {
	return nil
}

func (p *NoOpProvider) ReopenForumTopic(ctx context.Context, chatID int64, topicID int) error {
	return nil
}

func (p *NoOpProvider) PinMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}

func (p *NoOpProvider) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return nil
}

func (p *NoOpProvider) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	return nil
}

func (p *NoOpProvider) SetWebhook(ctx context.Context, url, secretToken string) error {
	return nil
}

func (p *NoOpProvider) DeleteWebhook(ctx context.Context) error {
	return nil
}

package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/telegram"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Telegram telegram.Provider
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	telegram telegram.Provider
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("conversation.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		telegram: p.Telegram,
	}
}

func (s *Service) GetOrCreateThread(ctx context.Context, req domain.GetOrCreateThreadRequest) (*domain.Conversation, bool, error) {
	if req.UserID == 0 {
		return nil, false, domain.ErrInvalidUserID
	}
	if req.WorkspaceID == 0 {
		return nil, false, domain.ErrInvalidWorkspaceID
	}

	existing, err := s.repo.FindByUserAndWorkspace(ctx, s.db, req.UserID, req.WorkspaceID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status == domain.ConversationStatusOpen {
			return existing, false, nil
		}
		reopened, err := s.reopen(ctx, existing)
		return reopened, false, err
	}

	// Topic allocation happens before the insert so the row never points at
	// a topic that does not exist.
	topicID, err := s.telegram.CreateForumTopic(ctx, req.WorkspaceID, req.TopicTitle)
	if err != nil {
		s.log.Error("forum topic allocation failed",
			zap.Int64("workspace_id", req.WorkspaceID),
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return nil, false, domain.ErrTopicAllocation
	}

	now := time.Now().UTC()
	conversation := &domain.Conversation{
		ID:          s.genID.Generate(),
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		TopicID:     topicID,
		Status:      domain.ConversationStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, s.db, conversation); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		return s.adoptRivalBinding(ctx, req, topicID, err)
	}

	return conversation, true, nil
}

// adoptRivalBinding resolves a lost first-contact race. The unique
// (user_id, workspace_id) constraint rejected our insert, so a concurrent
// call already persisted a binding; reuse it and drop the topic allocated
// for the losing side.
func (s *Service) adoptRivalBinding(ctx context.Context, req domain.GetOrCreateThreadRequest, orphanedTopicID int, insertErr error) (*domain.Conversation, bool, error) {
	winner, err := s.repo.FindByUserAndWorkspace(ctx, s.db, req.UserID, req.WorkspaceID)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, insertErr
	}

	s.log.Info("concurrent thread creation, reusing existing binding",
		zap.String("conversation_id", winner.ID.String()),
		zap.Int("topic_id", winner.TopicID),
		zap.Int("orphaned_topic_id", orphanedTopicID),
	)
	if cerr := s.telegram.CloseForumTopic(ctx, req.WorkspaceID, orphanedTopicID); cerr != nil {
		s.log.Warn("orphaned topic cleanup failed",
			zap.Int("topic_id", orphanedTopicID),
			zap.Error(cerr),
		)
	}

	if winner.Status != domain.ConversationStatusOpen {
		reopened, err := s.reopen(ctx, winner)
		return reopened, false, err
	}
	return winner, false, nil
}

// reopen flips a closed or archived binding back to open in place. There is
// exactly one row per (user, workspace) pair, so lifecycle changes never
// create a second binding.
func (s *Service) reopen(ctx context.Context, conversation *domain.Conversation) (*domain.Conversation, error) {
	prior := conversation.Status
	now := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, s.db, conversation.ID, domain.ConversationStatusOpen, nil, "", now); err != nil {
		return nil, err
	}
	obsmetrics.Scheduler().IncConversationTransition(string(prior), string(domain.ConversationStatusOpen))

	if err := s.telegram.ReopenForumTopic(ctx, conversation.WorkspaceID, conversation.TopicID); err != nil {
		s.log.Warn("forum topic reopen failed",
			zap.Int64("workspace_id", conversation.WorkspaceID),
			zap.Int("topic_id", conversation.TopicID),
			zap.Error(err),
		)
	}

	conversation.Status = domain.ConversationStatusOpen
	conversation.ArchivedAt = nil
	conversation.ArchiveReason = ""
	conversation.UpdatedAt = now
	return conversation, nil
}

// ResolveUserForThread maps a topic back to its user. Thread identity is
// permanent, so closed and archived bindings still resolve; lifecycle only
// gates the user-to-admin direction.
func (s *Service) ResolveUserForThread(ctx context.Context, workspaceID int64, topicID int) (snowflake.ID, error) {
	if workspaceID == 0 {
		return 0, domain.ErrInvalidWorkspaceID
	}
	if topicID == 0 {
		return 0, domain.ErrInvalidTopicID
	}

	conversation, err := s.repo.FindByTopic(ctx, s.db, workspaceID, topicID)
	if err != nil {
		return 0, err
	}
	if conversation == nil {
		return 0, domain.ErrNotFound
	}
	return conversation.UserID, nil
}

func (s *Service) ResolveUserForAdminMessage(ctx context.Context, workspaceID int64, adminMessageID int) (*domain.MessageRef, error) {
	if workspaceID == 0 {
		return nil, domain.ErrInvalidWorkspaceID
	}
	if adminMessageID == 0 {
		return nil, domain.ErrInvalidAdminMessageID
	}

	ref, err := s.repo.FindMessageRef(ctx, s.db, workspaceID, adminMessageID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, domain.ErrNotFound
	}
	return ref, nil
}

func (s *Service) CloseThread(ctx context.Context, workspaceID int64, topicID int) error {
	conversation, err := s.findThread(ctx, workspaceID, topicID)
	if err != nil {
		return err
	}
	// Archived threads stay archived; close only moves open rows.
	if conversation.Status != domain.ConversationStatusOpen {
		return nil
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, s.db, conversation.ID, domain.ConversationStatusClosed, nil, "", now); err != nil {
		return err
	}
	obsmetrics.Scheduler().IncConversationTransition(
		string(domain.ConversationStatusOpen),
		string(domain.ConversationStatusClosed),
	)
	s.closeTopic(ctx, conversation)
	return nil
}

func (s *Service) ArchiveThread(ctx context.Context, workspaceID int64, topicID int, reason string) error {
	conversation, err := s.findThread(ctx, workspaceID, topicID)
	if err != nil {
		return err
	}
	return s.archive(ctx, conversation, reason)
}

// ArchiveThreadForUser archives whatever binding the user has in the
// workspace. Users without a conversation are a no-op so callers like the
// ban flow do not need to care.
func (s *Service) ArchiveThreadForUser(ctx context.Context, userID snowflake.ID, workspaceID int64, reason string) error {
	if userID == 0 {
		return domain.ErrInvalidUserID
	}
	if workspaceID == 0 {
		return domain.ErrInvalidWorkspaceID
	}

	conversation, err := s.repo.FindByUserAndWorkspace(ctx, s.db, userID, workspaceID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return nil
	}
	return s.archive(ctx, conversation, reason)
}

func (s *Service) TouchActivity(ctx context.Context, id snowflake.ID, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.repo.TouchActivity(ctx, s.db, id, at)
}

func (s *Service) MarkRead(ctx context.Context, workspaceID int64, topicID int) error {
	conversation, err := s.findThread(ctx, workspaceID, topicID)
	if err != nil {
		return err
	}
	return s.repo.MarkRead(ctx, s.db, conversation.ID, time.Now().UTC())
}

func (s *Service) SetPinnedMessage(ctx context.Context, id snowflake.ID, messageID int) error {
	return s.repo.SetPinnedMessage(ctx, s.db, id, messageID, time.Now().UTC())
}

func (s *Service) RecordMessageRef(ctx context.Context, req domain.RecordMessageRefRequest) error {
	if req.WorkspaceID == 0 {
		return domain.ErrInvalidWorkspaceID
	}
	if req.AdminMessageID == 0 {
		return domain.ErrInvalidAdminMessageID
	}
	if req.UserID == 0 {
		return domain.ErrInvalidUserID
	}

	direction := req.Direction
	if direction == "" {
		direction = domain.DirectionUserToAdmin
	}

	return s.repo.InsertMessageRef(ctx, s.db, &domain.MessageRef{
		ID:             s.genID.Generate(),
		WorkspaceID:    req.WorkspaceID,
		AdminMessageID: req.AdminMessageID,
		UserID:         req.UserID,
		TopicID:        req.TopicID,
		UserMessageID:  req.UserMessageID,
		Direction:      direction,
		CreatedAt:      time.Now().UTC(),
	})
}

func (s *Service) List(ctx context.Context, req domain.ListConversationRequest) (*domain.ListConversationResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, req.Filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(conversation *domain.Conversation) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        conversation.ID.String(),
			CreatedAt: conversation.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	return &domain.ListConversationResponse{Data: items, PageInfo: pageInfo}, nil
}

func (s *Service) findThread(ctx context.Context, workspaceID int64, topicID int) (*domain.Conversation, error) {
	if workspaceID == 0 {
		return nil, domain.ErrInvalidWorkspaceID
	}
	if topicID == 0 {
		return nil, domain.ErrInvalidTopicID
	}

	conversation, err := s.repo.FindByTopic(ctx, s.db, workspaceID, topicID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, domain.ErrNotFound
	}
	return conversation, nil
}

func (s *Service) archive(ctx context.Context, conversation *domain.Conversation, reason string) error {
	if conversation.Status == domain.ConversationStatusArchived {
		return nil
	}

	prior := conversation.Status
	now := time.Now().UTC()
	archivedAt := now
	if err := s.repo.UpdateStatus(ctx, s.db, conversation.ID, domain.ConversationStatusArchived, &archivedAt, reason, now); err != nil {
		return err
	}
	obsmetrics.Scheduler().IncConversationTransition(string(prior), string(domain.ConversationStatusArchived))

	if prior == domain.ConversationStatusOpen {
		s.closeTopic(ctx, conversation)
	}
	return nil
}

// closeTopic closes the forum topic on the Telegram side. The durable status
// change already happened; a failure here only leaves the topic visually
// open, so it is logged and dropped.
func (s *Service) closeTopic(ctx context.Context, conversation *domain.Conversation) {
	if err := s.telegram.CloseForumTopic(ctx, conversation.WorkspaceID, conversation.TopicID); err != nil {
		s.log.Warn("forum topic close failed",
			zap.Int64("workspace_id", conversation.WorkspaceID),
			zap.Int("topic_id", conversation.TopicID),
			zap.Error(err),
		)
	}
}

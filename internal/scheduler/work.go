package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"gorm.io/gorm"
)

// WorkUser is a ledger row claimed for an auto-recharge attempt.
type WorkUser struct {
	ID                    snowflake.ID
	TelegramID            int64
	Credits               int64
	AutoRechargeThreshold int64
	AutoRechargeProductID snowflake.ID
	BillingCustomerID     string
}

// WorkConversation is an idle thread claimed for autoclose.
type WorkConversation struct {
	ID                snowflake.ID
	UserID            snowflake.ID
	WorkspaceID       int64
	TopicID           int
	LastUserMessageAt *time.Time
}

// fetchUsersForRecharge claims users whose balance fell under their own
// threshold. Users with any pending transaction are skipped: either a
// checkout or an earlier recharge intent is already waiting on its webhook,
// and a second off-session charge on top of it is never wanted.
func (s *Scheduler) fetchUsersForRecharge(ctx context.Context, tx *gorm.DB, limit int) ([]WorkUser, error) {
	var users []WorkUser
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT u.id, u.telegram_id, u.credits, u.auto_recharge_threshold,
		        u.auto_recharge_product_id, u.billing_customer_id
		 FROM users u
		 WHERE u.auto_recharge_enabled = ?
		   AND u.is_banned = ?
		   AND u.credits < u.auto_recharge_threshold
		   AND u.billing_customer_id <> ''
		   AND u.auto_recharge_product_id <> 0
		   AND NOT EXISTS (
		       SELECT 1 FROM transactions t
		       WHERE t.user_id = u.id
		         AND t.status = ?
		   )
		 ORDER BY u.id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		true,
		false,
		transactiondomain.TransactionStatusPending,
		limit,
	).Scan(&users).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceUsersForRecharge, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return users, nil
}

// fetchConversationsForAutoclose claims open threads whose last user message
// is older than the cutoff. Threads that never saw a user message are left
// alone; they close by admin action or not at all.
func (s *Scheduler) fetchConversationsForAutoclose(ctx context.Context, idleBefore time.Time, limit int) ([]WorkConversation, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var conversations []WorkConversation
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, workspace_id, topic_id, last_user_message_at
		 FROM conversations
		 WHERE status = ?
		   AND last_user_message_at IS NOT NULL
		   AND last_user_message_at <= ?
		 ORDER BY last_user_message_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		conversationdomain.ConversationStatusOpen,
		idleBefore,
		limit,
	).Scan(&conversations).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceConversationsForAutoclose, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

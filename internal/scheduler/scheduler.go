package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/authorization"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/clock"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	"github.com/nsxo/enterprise-telegram-bot/internal/ratelimit"
	"github.com/nsxo/enterprise-telegram-bot/internal/scheduler/guard"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	ConversationSvc conversationdomain.Service
	TransactionSvc  transactiondomain.Service
	CatalogSvc      catalogdomain.Service
	SettingsSvc     settingsdomain.Service
	Billing         billing.Provider
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service

	// Locker is nil when redis is not configured; jobs then assume a
	// single running instance.
	Locker *ratelimit.Locker `optional:"true"`
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	conversationSvc conversationdomain.Service
	transactionSvc  transactiondomain.Service
	catalogSvc      catalogdomain.Service
	settingsSvc     settingsdomain.Service
	billing         billing.Provider
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	locker          *ratelimit.Locker
}

type auditEvent struct {
	Action     string
	TargetType string
	TargetID   string
	TelegramID int64
	Metadata   map[string]any
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.ConversationSvc == nil || p.TransactionSvc == nil || p.CatalogSvc == nil || p.SettingsSvc == nil || p.Billing == nil || p.AuthzSvc == nil || p.AuditSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		conversationSvc: p.ConversationSvc,
		transactionSvc:  p.TransactionSvc,
		catalogSvc:      p.CatalogSvc,
		settingsSvc:     p.SettingsSvc,
		billing:         p.Billing,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is the loop bound, not a failure: batches drain until the
	// job context expires and the remainder waits for the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withJobLock serializes a job across instances through redis. Without a
// locker every instance runs every job, which is only correct when there is
// one instance.
func (s *Scheduler) withJobLock(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s.locker == nil {
			return fn(ctx)
		}
		key := "scheduler:" + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			s.log.Debug("job lock held elsewhere", zap.String("job", name))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
			}
		}()
		return fn(ctx)
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"auto_recharge", s.isJobEnabled("auto_recharge"), func(ctx context.Context) error {
			return s.runJob(ctx, "auto_recharge", s.cfg.MaxRechargeBatchSize, 30*time.Second,
				s.withJobLock("auto_recharge", s.AutoRechargeJob))
		}},
		{"conversation_autoclose", s.isJobEnabled("conversation_autoclose"), func(ctx context.Context) error {
			return s.runJob(ctx, "conversation_autoclose", s.cfg.MaxAutocloseBatchSize, 30*time.Second,
				s.withJobLock("conversation_autoclose", s.ConversationAutocloseJob))
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// AutoRechargeJob creates off-session payment intents for users whose balance
// fell under their configured threshold. The job only starts the charge; the
// credit grant itself arrives through the payment webhook pipeline, so there
// is exactly one place where money becomes balance.
func (s *Scheduler) AutoRechargeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "auto_recharge", s.cfg.MaxRechargeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		processed, batchErr := s.rechargeBatch(ctx, run)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		// A pass with zero successes means the remaining claims are failing;
		// retrying them inside the same run would hammer the provider.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) rechargeBatch(ctx context.Context, run *jobRun) (int, error) {
	jobName := "auto_recharge"
	schedMetrics := obsmetrics.Scheduler()
	var batchErr error

	var users []WorkUser
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		users, err = s.fetchUsersForRecharge(ctx, tx, s.cfg.MaxRechargeBatchSize)
		return err
	})
	if err != nil {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.ClassifySchedulerJobReason(err))
		s.logSchedulerError(ctx, run, "scheduler.recharge.fetch.failed", jobName, 0, err)
		return 0, err
	}
	if len(users) == 0 {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	processed := 0
	for _, user := range users {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			break
		}
		s.logUserClaimed(ctx, jobName, user)

		if err := s.authorizeSystem(ctx, authorization.ObjectUser, authorization.ActionUserRecharge); err != nil {
			batchErr = errors.Join(batchErr, err)
			s.logSchedulerError(ctx, run, "scheduler.authorize.failed", jobName, user.TelegramID, err,
				zap.String("user_id", idString(user.ID)),
			)
			continue
		}
		if err := guard.EnsureUserCanAutoRecharge(user.Credits, user.AutoRechargeThreshold, user.BillingCustomerID); err != nil {
			// The balance moved between claim and process; nothing to do.
			s.logger(ctx).Debug("auto recharge skipped",
				zap.Int64("telegram_id", user.TelegramID),
				zap.Error(err),
			)
			continue
		}
		if err := s.rechargeUser(ctx, run, user); err != nil {
			batchErr = errors.Join(batchErr, err)
			continue
		}
		processed++
		run.AddProcessed(1)
	}

	if processed > 0 {
		schedMetrics.AddBatchProcessed(jobName, "users", processed)
	}
	return processed, batchErr
}

func (s *Scheduler) rechargeUser(ctx context.Context, run *jobRun, user WorkUser) error {
	product, err := s.catalogSvc.Resolve(ctx, catalogdomain.ProductRef{ProductID: user.AutoRechargeProductID.String()})
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recharge.product.failed", "auto_recharge", user.TelegramID, err,
			zap.String("product_id", idString(user.AutoRechargeProductID)),
		)
		return err
	}
	if err := guard.EnsureProductCanRecharge(product.Active, product.PriceCents); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recharge.product.failed", "auto_recharge", user.TelegramID, err,
			zap.String("product", product.Slug),
		)
		return err
	}

	key := uuid.NewString()
	create := transactiondomain.CreateTransactionRequest{
		UserID:         user.ID,
		ProductID:      product.ID,
		IdempotencyKey: key,
		AmountCents:    product.PriceCents,
		Status:         transactiondomain.TransactionStatusPending,
		Description:    product.Name,
		Metadata:       map[string]any{"auto_recharge": true},
	}
	if product.GrantType == catalogdomain.GrantTypeTime {
		create.TimeGrantedSeconds = product.GrantAmount
	} else {
		create.CreditsGranted = product.GrantAmount
	}
	record, err := s.transactionSvc.Create(ctx, create)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recharge.transaction.failed", "auto_recharge", user.TelegramID, err)
		return err
	}

	intent, err := s.billing.CreatePaymentIntent(ctx, billing.PaymentIntentRequest{
		CustomerID:     user.BillingCustomerID,
		AmountCents:    product.PriceCents,
		Currency:       product.Currency,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"telegram_id":     strconv.FormatInt(user.TelegramID, 10),
			"product_id":      product.ID.String(),
			"transaction_id":  record.ID.String(),
			"idempotency_key": key,
		},
	})
	if err != nil {
		s.abandonRecharge(ctx, record.ID, err)
		s.logSchedulerError(ctx, run, "scheduler.recharge.intent.failed", "auto_recharge", user.TelegramID, err,
			zap.String("transaction_id", idString(record.ID)),
			zap.String("product", product.Slug),
		)
		s.emitAuditEvent(ctx, auditEvent{
			Action:     "auto_recharge.failed",
			TargetType: "transaction",
			TargetID:   record.ID.String(),
			TelegramID: user.TelegramID,
			Metadata: map[string]any{
				"product": product.Slug,
				"error":   err.Error(),
			},
		})
		return err
	}

	s.emitAuditEvent(ctx, auditEvent{
		Action:     "auto_recharge.initiated",
		TargetType: "transaction",
		TargetID:   record.ID.String(),
		TelegramID: user.TelegramID,
		Metadata: map[string]any{
			"product":           product.Slug,
			"amount_cents":      product.PriceCents,
			"payment_intent_id": intent.ID,
		},
	})
	s.logger(ctx).Info("auto recharge initiated",
		zap.Int64("telegram_id", user.TelegramID),
		zap.String("product", product.Slug),
		zap.String("payment_intent_id", intent.ID),
	)
	return nil
}

// abandonRecharge releases the pending claim when the provider refused the
// intent, so a later run may try again under a fresh idempotency key. A
// concurrent transition means the webhook got there first; that outcome wins.
func (s *Scheduler) abandonRecharge(ctx context.Context, id snowflake.ID, cause error) {
	_, err := s.transactionSvc.Transition(ctx, transactiondomain.TransitionRequest{
		ID:       id,
		To:       transactiondomain.TransactionStatusFailed,
		Metadata: map[string]any{"error": cause.Error()},
	})
	if err != nil && !errors.Is(err, transactiondomain.ErrInvalidTransition) {
		s.log.Warn("abandon recharge transaction failed",
			zap.String("transaction_id", id.String()),
			zap.Error(err),
		)
	}
}

// ConversationAutocloseJob closes threads whose user has been silent longer
// than the operator-configured window. Closing is a directory operation;
// the next user message reopens the same thread.
func (s *Scheduler) ConversationAutocloseJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "conversation_autoclose", s.cfg.MaxAutocloseBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	days := s.settingsSvc.Int(ctx, settingsdomain.KeyAutoCloseDays, 0)
	if days <= 0 {
		return nil
	}
	cutoff := s.clock.Now().AddDate(0, 0, -int(days))
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		processed, batchErr := s.autocloseBatch(ctx, run, cutoff, days)
		if batchErr != nil {
			jobErr = errors.Join(jobErr, batchErr)
		}
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) autocloseBatch(ctx context.Context, run *jobRun, cutoff time.Time, idleDays int64) (int, error) {
	jobName := "conversation_autoclose"
	schedMetrics := obsmetrics.Scheduler()
	var batchErr error

	conversations, err := s.fetchConversationsForAutoclose(ctx, cutoff, s.cfg.MaxAutocloseBatchSize)
	if err != nil {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.ClassifySchedulerJobReason(err))
		s.logSchedulerError(ctx, run, "scheduler.autoclose.fetch.failed", jobName, 0, err)
		return 0, err
	}
	if len(conversations) == 0 {
		schedMetrics.IncBatchDeferred(jobName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, nil
	}

	processed := 0
	for _, conversation := range conversations {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			break
		}
		s.logConversationClaimed(ctx, jobName, conversation)

		if err := s.authorizeSystem(ctx, authorization.ObjectConversation, authorization.ActionConversationClose); err != nil {
			batchErr = errors.Join(batchErr, err)
			s.logSchedulerError(ctx, run, "scheduler.authorize.failed", jobName, 0, err,
				zap.String("conversation_id", idString(conversation.ID)),
			)
			continue
		}
		if err := s.conversationSvc.CloseThread(ctx, conversation.WorkspaceID, conversation.TopicID); err != nil {
			batchErr = errors.Join(batchErr, err)
			s.logSchedulerError(ctx, run, "scheduler.autoclose.close.failed", jobName, 0, err,
				zap.String("conversation_id", idString(conversation.ID)),
				zap.Int("topic_id", conversation.TopicID),
			)
			continue
		}
		processed++
		run.AddProcessed(1)

		metadata := map[string]any{
			"topic_id":  conversation.TopicID,
			"idle_days": idleDays,
		}
		if conversation.LastUserMessageAt != nil {
			metadata["last_user_message_at"] = conversation.LastUserMessageAt.Format(time.RFC3339)
		}
		s.emitAuditEvent(ctx, auditEvent{
			Action:     "conversation.autoclosed",
			TargetType: "conversation",
			TargetID:   conversation.ID.String(),
			Metadata:   metadata,
		})
	}

	if processed > 0 {
		schedMetrics.AddBatchProcessed(jobName, "conversations", processed)
	}
	return processed, batchErr
}

func (s *Scheduler) emitAuditEvent(ctx context.Context, event auditEvent) {
	if s.auditSvc == nil {
		return
	}
	ctx = s.withLogContext(ctx)
	metadata := event.Metadata
	if event.TelegramID != 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["telegram_id"] = event.TelegramID
	}
	targetID := event.TargetID
	_ = s.auditSvc.AuditLog(ctx, "", nil, event.Action, event.TargetType, &targetID, metadata)
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, "system", object, action)
}

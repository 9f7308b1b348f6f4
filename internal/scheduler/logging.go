package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/auditcontext"
	obscontext "github.com/nsxo/enterprise-telegram-bot/internal/observability/context"
	obslogger "github.com/nsxo/enterprise-telegram-bot/internal/observability/logger"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = s.withLogContext(ctx)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withLogContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	return auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, telegramID int64, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	ctx = s.withLogContext(ctx)
	errorType := obsmetrics.ClassifySchedulerErrorType(err)
	retryable := obsmetrics.IsSchedulerErrorRetryable(err)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.Int64("telegram_id", telegramID),
		zap.String("error_type", errorType),
		zap.String("error", err.Error()),
		zap.Bool("retryable", retryable),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logUserClaimed(ctx context.Context, job string, user WorkUser) {
	ctx = s.withLogContext(ctx)
	s.logger(ctx).Debug("scheduler.user.claimed",
		zap.String("job", job),
		zap.String("user_id", idString(user.ID)),
		zap.Int64("telegram_id", user.TelegramID),
		zap.Int64("credits", user.Credits),
		zap.Int64("threshold", user.AutoRechargeThreshold),
	)
}

func (s *Scheduler) logConversationClaimed(ctx context.Context, job string, conversation WorkConversation) {
	ctx = s.withLogContext(ctx)
	s.logger(ctx).Debug("scheduler.conversation.claimed",
		zap.String("job", job),
		zap.String("conversation_id", idString(conversation.ID)),
		zap.Int64("workspace_id", conversation.WorkspaceID),
		zap.Int("topic_id", conversation.TopicID),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}

package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nsxo/enterprise-telegram-bot/internal/authorization"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld        = "lock_held"
	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
)

const (
	LockResourceUsersForRecharge          = "users_for_recharge"
	LockResourceConversationsForAutoclose = "conversations_for_autoclose"
)

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns                 *prometheus.CounterVec
	jobDuration             *prometheus.HistogramVec
	jobTimeouts             *prometheus.CounterVec
	jobErrors               *prometheus.CounterVec
	batchProcessed          *prometheus.CounterVec
	batchDeferred           *prometheus.CounterVec
	runLoopLag              prometheus.Observer
	transactionTransitions  *prometheus.CounterVec
	conversationTransitions *prometheus.CounterVec
	dbLockWait              *prometheus.HistogramVec
	txTransitionCounts      map[string]map[string]prometheus.Counter
	convTransitionCounts    map[string]map[string]prometheus.Counter
	lockWaitObserver        map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "telegram-bot"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telegrambot_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_scheduler_batch_deferred_total",
		Help:        "Scheduler batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "telegrambot_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	// Tracks transaction state transitions for payment pipeline integrity.
	transactionTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_transaction_transition_total",
		Help:        "Transaction status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	// Tracks conversation lifecycle transitions.
	conversationTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telegrambot_conversation_transition_total",
		Help:        "Conversation status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	// Measures lock wait time to detect contention in batch jobs.
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telegrambot_scheduler_db_lock_wait_seconds",
		Help:        "Scheduler DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		transactionTransitions,
		conversationTransitions,
		dbLockWait,
	)

	txTransitionCounts := map[string]map[string]prometheus.Counter{
		string(transactiondomain.TransactionStatusPending): {
			string(transactiondomain.TransactionStatusCompleted): transactionTransitions.WithLabelValues(
				string(transactiondomain.TransactionStatusPending),
				string(transactiondomain.TransactionStatusCompleted),
			),
			string(transactiondomain.TransactionStatusFailed): transactionTransitions.WithLabelValues(
				string(transactiondomain.TransactionStatusPending),
				string(transactiondomain.TransactionStatusFailed),
			),
		},
		string(transactiondomain.TransactionStatusCompleted): {
			string(transactiondomain.TransactionStatusRefunded): transactionTransitions.WithLabelValues(
				string(transactiondomain.TransactionStatusCompleted),
				string(transactiondomain.TransactionStatusRefunded),
			),
		},
	}

	convTransitionCounts := map[string]map[string]prometheus.Counter{
		string(conversationdomain.ConversationStatusOpen): {
			string(conversationdomain.ConversationStatusClosed): conversationTransitions.WithLabelValues(
				string(conversationdomain.ConversationStatusOpen),
				string(conversationdomain.ConversationStatusClosed),
			),
			string(conversationdomain.ConversationStatusArchived): conversationTransitions.WithLabelValues(
				string(conversationdomain.ConversationStatusOpen),
				string(conversationdomain.ConversationStatusArchived),
			),
		},
		string(conversationdomain.ConversationStatusClosed): {
			string(conversationdomain.ConversationStatusOpen): conversationTransitions.WithLabelValues(
				string(conversationdomain.ConversationStatusClosed),
				string(conversationdomain.ConversationStatusOpen),
			),
			string(conversationdomain.ConversationStatusArchived): conversationTransitions.WithLabelValues(
				string(conversationdomain.ConversationStatusClosed),
				string(conversationdomain.ConversationStatusArchived),
			),
		},
		string(conversationdomain.ConversationStatusArchived): {
			string(conversationdomain.ConversationStatusOpen): conversationTransitions.WithLabelValues(
				string(conversationdomain.ConversationStatusArchived),
				string(conversationdomain.ConversationStatusOpen),
			),
		},
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceUsersForRecharge:          dbLockWait.WithLabelValues(LockResourceUsersForRecharge),
		LockResourceConversationsForAutoclose: dbLockWait.WithLabelValues(LockResourceConversationsForAutoclose),
	}

	return &SchedulerMetrics{
		jobRuns:                 jobRuns,
		jobDuration:             jobDuration,
		jobTimeouts:             jobTimeouts,
		jobErrors:               jobErrors,
		batchProcessed:          batchProcessed,
		batchDeferred:           batchDeferred,
		runLoopLag:              runLoopLag,
		transactionTransitions:  transactionTransitions,
		conversationTransitions: conversationTransitions,
		dbLockWait:              dbLockWait,
		txTransitionCounts:      txTransitionCounts,
		convTransitionCounts:    convTransitionCounts,
		lockWaitObserver:        lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncTransactionTransition increments transaction status transition counters.
func (m *SchedulerMetrics) IncTransactionTransition(from, to string) {
	if m == nil || m.transactionTransitions == nil {
		return
	}
	if toCounters, ok := m.txTransitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.transactionTransitions.WithLabelValues(from, to).Inc()
}

// IncConversationTransition increments conversation status transition counters.
func (m *SchedulerMetrics) IncConversationTransition(from, to string) {
	if m == nil || m.conversationTransitions == nil {
		return
	}
	if toCounters, ok := m.convTransitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.conversationTransitions.WithLabelValues(from, to).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return SchedulerErrorTypeAuthorization
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return SchedulerJobReasonForbidden
	}
	if isDBLockTimeout(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

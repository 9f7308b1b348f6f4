package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/nsxo/enterprise-telegram-bot/internal/apikey"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/audit"
	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/audit/masking"
	"github.com/nsxo/enterprise-telegram-bot/internal/authorization"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/checkout"
	checkoutdomain "github.com/nsxo/enterprise-telegram-bot/internal/checkout/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/cloudmetrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/nsxo/enterprise-telegram-bot/internal/conversation"
	conversationdomain "github.com/nsxo/enterprise-telegram-bot/internal/conversation/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/ledger"
	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/observability"
	obsmiddleware "github.com/nsxo/enterprise-telegram-bot/internal/observability/logger"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	obstracing "github.com/nsxo/enterprise-telegram-bot/internal/observability/tracing"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment"
	paymentdomain "github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/pdf"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/telegram"
	"github.com/nsxo/enterprise-telegram-bot/internal/ratelimit"
	"github.com/nsxo/enterprise-telegram-bot/internal/routing"
	routingdomain "github.com/nsxo/enterprise-telegram-bot/internal/routing/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/settings"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/transaction"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	apikey.Module,
	catalog.Module,
	checkout.Module,
	conversation.Module,
	ledger.Module,
	payment.Module,
	providers.Module,
	ratelimit.Module,
	routing.Module,
	settings.Module,
	transaction.Module,
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, srv *Server) {
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting",
				zap.String("addr", cfg.HTTPAddr),
				zap.Int64("admin_workspace_id", cfg.AdminWorkspaceID),
				zap.String("telegram_bot_token", masking.MaskSecret(cfg.TelegramBotToken)),
				zap.String("stripe_api_key", masking.MaskSecret(cfg.StripeAPIKey)),
			)
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	redis           *redis.Client
	telegramSvc     telegram.Provider
	billingSvc      billing.Provider
	pdfSvc          pdf.Provider
	routingSvc      routingdomain.Service
	paymentSvc      paymentdomain.Service
	conversationSvc conversationdomain.Service
	ledgerSvc       ledgerdomain.Service
	transactionSvc  transactiondomain.Service
	catalogSvc      catalogdomain.Service
	checkoutSvc     checkoutdomain.Service
	settingsSvc     settingsdomain.Service
	apiKeySvc       apikeydomain.Service
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	messageLimiter  *ratelimit.MessageLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	Redis           *redis.Client `optional:"true"`
	TelegramSvc     telegram.Provider
	BillingSvc      billing.Provider
	PDFSvc          pdf.Provider
	RoutingSvc      routingdomain.Service
	PaymentSvc      paymentdomain.Service
	ConversationSvc conversationdomain.Service
	LedgerSvc       ledgerdomain.Service
	TransactionSvc  transactiondomain.Service
	CatalogSvc      catalogdomain.Service
	CheckoutSvc     checkoutdomain.Service
	SettingsSvc     settingsdomain.Service
	APIKeySvc       apikeydomain.Service
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	MessageLimiter  *ratelimit.MessageLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		redis:           p.Redis,
		telegramSvc:     p.TelegramSvc,
		billingSvc:      p.BillingSvc,
		pdfSvc:          p.PDFSvc,
		routingSvc:      p.RoutingSvc,
		paymentSvc:      p.PaymentSvc,
		conversationSvc: p.ConversationSvc,
		ledgerSvc:       p.LedgerSvc,
		transactionSvc:  p.TransactionSvc,
		catalogSvc:      p.CatalogSvc,
		checkoutSvc:     p.CheckoutSvc,
		settingsSvc:     p.SettingsSvc,
		apiKeySvc:       p.APIKeySvc,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		messageLimiter:  p.MessageLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerHealthRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")

	hooks.POST("/telegram", s.HandleTelegramWebhook)
	hooks.POST("/payments/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health/ready", s.Readiness)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.APIKeyRequired())

	// -------- Conversations --------
	api.GET("/conversations", s.authorize(authorization.ObjectConversation, authorization.ActionConversationView), s.ListConversations)
	api.POST("/conversations/:topic_id/close", s.authorize(authorization.ObjectConversation, authorization.ActionConversationClose), s.CloseConversation)
	api.POST("/conversations/:topic_id/archive", s.authorize(authorization.ObjectConversation, authorization.ActionConversationArchive), s.ArchiveConversation)

	// -------- Users --------
	api.GET("/users", s.authorize(authorization.ObjectUser, authorization.ActionUserView), s.ListUsers)
	api.GET("/users/:telegram_id", s.authorize(authorization.ObjectUser, authorization.ActionUserView), s.GetUser)
	api.POST("/users/:telegram_id/ban", s.authorize(authorization.ObjectUser, authorization.ActionUserBan), s.BanUser)
	api.POST("/users/:telegram_id/unban", s.authorize(authorization.ObjectUser, authorization.ActionUserUnban), s.UnbanUser)
	api.POST("/users/:telegram_id/grant", s.authorize(authorization.ObjectUser, authorization.ActionUserGrant), s.GrantUser)
	api.PUT("/users/:telegram_id/tier", s.authorize(authorization.ObjectUser, authorization.ActionUserSetTier), s.SetUserTier)
	api.PUT("/users/:telegram_id/auto-recharge", s.authorize(authorization.ObjectUser, authorization.ActionUserSetAutoRecharge), s.SetUserAutoRecharge)

	// -------- Transactions --------
	api.GET("/transactions", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionView), s.ListTransactions)
	api.GET("/transactions/:id", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionView), s.GetTransactionByID)
	api.GET("/transactions/:id/receipt", s.authorize(authorization.ObjectTransaction, authorization.ActionTransactionReceipt), s.GetTransactionReceipt)

	// -------- Products --------
	api.GET("/products", s.authorize(authorization.ObjectProduct, authorization.ActionProductView), s.ListProducts)

	// -------- Checkout --------
	api.POST("/checkout/sessions", s.authorize(authorization.ObjectCheckout, authorization.ActionCheckoutCreate), s.CreateCheckoutSession)

	// -------- API keys --------
	api.GET("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	api.POST("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	api.POST("/api-keys/:key_id/rotate", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	api.DELETE("/api-keys/:key_id", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)

	// -------- Settings --------
	api.GET("/settings", s.authorize(authorization.ObjectSetting, authorization.ActionSettingView), s.ListSettings)
	api.GET("/settings/:key", s.authorize(authorization.ObjectSetting, authorization.ActionSettingView), s.GetSetting)
	api.PUT("/settings/:key", s.authorize(authorization.ObjectSetting, authorization.ActionSettingUpdate), s.UpdateSetting)

	// -------- Audit logs --------
	api.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

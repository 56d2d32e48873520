package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/recolor/internal/auth"
	"github.com/MarkoPoloResearchLab/recolor/internal/moderation"
	"github.com/MarkoPoloResearchLab/recolor/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/recolor/internal/storage"
	"github.com/MarkoPoloResearchLab/recolor/internal/transform"
	"github.com/MarkoPoloResearchLab/recolor/internal/webhook"
	"github.com/MarkoPoloResearchLab/recolor/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const contextKeyUserID = "auth_user_id"

// RequestLogPurger trims expired rate-limit rows. (gormstore implements this.)
type RequestLogPurger interface {
	PurgeRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Server hosts the credit-gated operation API and the billing webhook.
type Server struct {
	cfg         Config
	logger      *zap.Logger
	verifier    auth.Verifier
	ledgerSvc   *ledger.Service
	limiter     *ratelimit.Limiter
	blobStore   storage.BlobStore
	transformer transform.Transformer
	moderator   *moderation.Checker
	processor   *webhook.Processor
	purger      RequestLogPurger
}

// NewServer wires a Server from its collaborators.
func NewServer(
	cfg Config,
	logger *zap.Logger,
	verifier auth.Verifier,
	ledgerSvc *ledger.Service,
	limiter *ratelimit.Limiter,
	blobStore storage.BlobStore,
	transformer transform.Transformer,
	moderator *moderation.Checker,
	processor *webhook.Processor,
	purger RequestLogPurger,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case verifier == nil:
		return nil, fmt.Errorf("server: verifier is required")
	case ledgerSvc == nil:
		return nil, fmt.Errorf("server: ledger service is required")
	case limiter == nil:
		return nil, fmt.Errorf("server: rate limiter is required")
	case blobStore == nil:
		return nil, fmt.Errorf("server: blob store is required")
	case transformer == nil:
		return nil, fmt.Errorf("server: transformer is required")
	case moderator == nil:
		return nil, fmt.Errorf("server: moderation checker is required")
	case processor == nil:
		return nil, fmt.Errorf("server: webhook processor is required")
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		verifier:    verifier,
		ledgerSvc:   ledgerSvc,
		limiter:     limiter,
		blobStore:   blobStore,
		transformer: transformer,
		moderator:   moderator,
		processor:   processor,
		purger:      purger,
	}, nil
}

// Router builds the gin engine with all routes and middleware.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/v1/webhooks/billing", server.handleBillingWebhook)

	api := router.Group("/api/v1")
	api.Use(server.requireAuth())

	api.GET("/wallet", server.handleWallet)
	api.POST("/colorize", server.handleColorize)
	api.POST("/enhance-face", server.handleEnhanceFace)
	api.POST("/upscale", server.handleUpscale)
	api.POST("/generate-scene", server.handleGenerateScene)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully. It
// also runs the periodic request-log purge when a purger is wired.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	if server.purger != nil {
		go server.purgeLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(server.cfg.RequestLogRetention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-server.cfg.RequestLogRetention)
			purged, err := server.purger.PurgeRequestLogsBefore(ctx, cutoff)
			if err != nil {
				server.logger.Warn("request log purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				server.logger.Info("purged request log rows", zap.Int64("rows", purged))
			}
		}
	}
}

// requireAuth resolves the bearer credential, ensures the account row exists
// (granting the signup bonus on first sight), and stores the user id in the
// request context.
func (server *Server) requireAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		credential, found := auth.BearerCredential(ctx.GetHeader("Authorization"))
		if !found {
			respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "missing bearer credential")
			ctx.Abort()
			return
		}
		userID, err := server.verifier.VerifyCredential(credential)
		if err != nil {
			respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "invalid or expired credential")
			ctx.Abort()
			return
		}
		verifiedID, err := ledger.NewUserID(userID)
		if err != nil {
			respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "invalid user identity")
			ctx.Abort()
			return
		}
		if err := server.ledgerSvc.EnsureAccount(ctx.Request.Context(), verifiedID, server.cfg.SignupBonusCredits); err != nil {
			server.logger.Error("account bootstrap failed", zap.String("user_id", verifiedID.String()), zap.Error(err))
			respondError(ctx, http.StatusInternalServerError, codeInternalError, "account unavailable")
			ctx.Abort()
			return
		}
		ctx.Set(contextKeyUserID, verifiedID)
		ctx.Next()
	}
}

func verifiedUser(ctx *gin.Context) (ledger.UserID, bool) {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ledger.UserID{}, false
	}
	userID, ok := value.(ledger.UserID)
	return userID, ok
}

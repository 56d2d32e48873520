package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/recolor/internal/auth"
	"github.com/MarkoPoloResearchLab/recolor/internal/httpapi"
	"github.com/MarkoPoloResearchLab/recolor/internal/moderation"
	"github.com/MarkoPoloResearchLab/recolor/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/recolor/internal/storage"
	"github.com/MarkoPoloResearchLab/recolor/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/recolor/internal/transform"
	"github.com/MarkoPoloResearchLab/recolor/internal/webhook"
	"github.com/MarkoPoloResearchLab/recolor/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagPublicBaseURL    = "public-base-url"
	flagStorageRoot      = "storage-root"
	flagTransformBaseURL = "transform-base-url"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyPublicBaseURL    = "public_base_url"
	configKeyStorageRoot      = "storage_root"
	configKeyTransformBaseURL = "transform_base_url"
	configKeyTransformAPIKey  = "transform_api_key"
	configKeyTransformTimeout = "transform_timeout"
	configKeyJWTSigningKey    = "jwt_signing_key"
	configKeyJWTIssuer        = "jwt_issuer"
	configKeyWebhookSecret    = "webhook_secret"
	configKeyURLSigningKey    = "url_signing_key"
	configKeySignedURLTTL     = "signed_url_ttl"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeySignupBonus      = "signup_bonus"

	defaultDatabaseURL      = "sqlite:///tmp/recolor.db"
	defaultListenAddr       = ":8080"
	defaultStorageRoot      = "/tmp/recolor-objects"
	defaultTransformBaseURL = "http://localhost:9000"
	defaultJWTIssuer        = "recolor"
	defaultTransformTimeout = 60 * time.Second
	defaultSignedURLTTL     = time.Hour
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	PublicBaseURL    string
	StorageRoot      string
	TransformBaseURL string
	TransformAPIKey  string
	TransformTimeout time.Duration
	JWTSigningKey    string
	JWTIssuer        string
	WebhookSecret    string
	URLSigningKey    string
	SignedURLTTL     time.Duration
	AllowedOrigins   []string
	SignupBonus      int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "recolord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "recolord",
		Short:         "Credit-gated photo transform API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagPublicBaseURL, "", "public base URL used in signed result links")
	cmd.Flags().String(flagStorageRoot, defaultStorageRoot, "filesystem blob store root")
	cmd.Flags().String(flagTransformBaseURL, defaultTransformBaseURL, "transform vendor base URL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyPublicBaseURL:    "PUBLIC_BASE_URL",
		configKeyStorageRoot:      "STORAGE_ROOT",
		configKeyTransformBaseURL: "TRANSFORM_BASE_URL",
		configKeyTransformAPIKey:  "TRANSFORM_API_KEY",
		configKeyTransformTimeout: "TRANSFORM_TIMEOUT",
		configKeyJWTSigningKey:    "JWT_SIGNING_KEY",
		configKeyJWTIssuer:        "JWT_ISSUER",
		configKeyWebhookSecret:    "WEBHOOK_SECRET",
		configKeyURLSigningKey:    "URL_SIGNING_KEY",
		configKeySignedURLTTL:     "SIGNED_URL_TTL",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeySignupBonus:      "SIGNUP_BONUS",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyPublicBaseURL:    flagPublicBaseURL,
		configKeyStorageRoot:      flagStorageRoot,
		configKeyTransformBaseURL: flagTransformBaseURL,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = stringOrDefault(viper.GetString(configKeyDatabaseURL), defaultDatabaseURL)
	cfg.ListenAddr = stringOrDefault(viper.GetString(configKeyListenAddr), defaultListenAddr)
	cfg.PublicBaseURL = viper.GetString(configKeyPublicBaseURL)
	cfg.StorageRoot = stringOrDefault(viper.GetString(configKeyStorageRoot), defaultStorageRoot)
	cfg.TransformBaseURL = stringOrDefault(viper.GetString(configKeyTransformBaseURL), defaultTransformBaseURL)
	cfg.TransformAPIKey = viper.GetString(configKeyTransformAPIKey)
	cfg.TransformTimeout = viper.GetDuration(configKeyTransformTimeout)
	if cfg.TransformTimeout <= 0 {
		cfg.TransformTimeout = defaultTransformTimeout
	}
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = stringOrDefault(viper.GetString(configKeyJWTIssuer), defaultJWTIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.URLSigningKey = viper.GetString(configKeyURLSigningKey)
	cfg.SignedURLTTL = viper.GetDuration(configKeySignedURLTTL)
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedURLTTL
	}
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.SignupBonus = viper.GetInt64(configKeySignupBonus)

	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.URLSigningKey == "" {
		return fmt.Errorf("url signing key is required")
	}
	return nil
}

func stringOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		PublicBaseURL:  cfg.PublicBaseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		WebhookSecret:  cfg.WebhookSecret,
	}
	if cfg.SignupBonus > 0 {
		apiConfig.SignupBonusCredits = cfg.SignupBonus
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(store, apiConfig.RateLimits, nil, logger)
	blobStore, err := storage.NewFSStore(cfg.StorageRoot, apiConfig.PublicBaseURL, []byte(cfg.URLSigningKey), cfg.SignedURLTTL, nil)
	if err != nil {
		return err
	}
	transformer, err := transform.NewHTTPClient(cfg.TransformBaseURL, cfg.TransformAPIKey, cfg.TransformTimeout)
	if err != nil {
		return err
	}
	processor, err := webhook.NewProcessor(ledgerService, apiConfig.ProductCredits, logger)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(
		apiConfig,
		logger,
		verifier,
		ledgerService,
		limiter,
		blobStore,
		transformer,
		moderation.NewChecker(nil),
		processor,
		store,
	)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

// zapOperationLogger bridges ledger operation callbacks onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "recolor.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.UserAccount{}, &gormstore.CreditTransaction{}, &gormstore.APIRequestLog{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

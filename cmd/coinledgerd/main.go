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

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fablehall/coinledger/internal/cachenotify"
	"github.com/fablehall/coinledger/internal/catalog"
	"github.com/fablehall/coinledger/internal/httpapi"
	"github.com/fablehall/coinledger/internal/oplog"
	"github.com/fablehall/coinledger/internal/payments"
	"github.com/fablehall/coinledger/internal/store/gormstore"
	"github.com/fablehall/coinledger/internal/store/pgstore"
	"github.com/fablehall/coinledger/internal/unlock"
	"github.com/fablehall/coinledger/pkg/ledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagRedisAddr       = "redis-addr"
	flagProviderBaseURL = "provider-base-url"
	flagProviderAPIKey  = "provider-api-key"
	flagProviderName    = "provider-name"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagAllowedOrigins  = "allowed-origins"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyRedisAddr       = "redis_addr"
	configKeyProviderBaseURL = "provider_base_url"
	configKeyProviderAPIKey  = "provider_api_key"
	configKeyProviderName    = "provider_name"
	configKeyJWTSigningKey   = "jwt_signing_key"
	configKeyJWTIssuer       = "jwt_issuer"
	configKeyAllowedOrigins  = "allowed_origins"

	defaultDatabaseURL  = "sqlite:///tmp/coinledger.db"
	defaultListenAddr   = ":8080"
	defaultProviderName = "paypal"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	RedisAddr       string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderName    string
	JWTSigningKey   string
	JWTIssuer       string
	AllowedOrigins  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin ledger and chapter unlock HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for cache invalidation (optional)")
	cmd.Flags().String(flagProviderBaseURL, "", "Payment provider API base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "Payment provider API key")
	cmd.Flags().String(flagProviderName, defaultProviderName, "Payment provider name recorded on payments")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for bearer token validation")
	cmd.Flags().String(flagJWTIssuer, "", "Required issuer claim on bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("COINLEDGER")
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyRedisAddr:       flagRedisAddr,
		configKeyProviderBaseURL: flagProviderBaseURL,
		configKeyProviderAPIKey:  flagProviderAPIKey,
		configKeyProviderName:    flagProviderName,
		configKeyJWTSigningKey:   flagJWTSigningKey,
		configKeyJWTIssuer:       flagJWTIssuer,
		configKeyAllowedOrigins:  flagAllowedOrigins,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.ProviderBaseURL = viper.GetString(configKeyProviderBaseURL)
	cfg.ProviderAPIKey = viper.GetString(configKeyProviderAPIKey)
	cfg.ProviderName = viper.GetString(configKeyProviderName)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ProviderBaseURL == "" {
		return fmt.Errorf("provider base url is required")
	}
	if cfg.ProviderAPIKey == "" {
		return fmt.Errorf("provider api key is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, gormDB, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := catalog.Migrate(gormDB); err != nil {
		return fmt.Errorf("catalog migrate: %w", err)
	}
	chapterCatalog := catalog.Catalog(catalog.NewGormCatalog(gormDB))

	notifier := cachenotify.Notifier(cachenotify.Nop{})
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		notifier = cachenotify.NewRedisNotifier(redisClient, logger)
		chapterCatalog = catalog.NewCached(chapterCatalog, redisClient, 0, logger)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(oplog.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	gateway, err := payments.NewHTTPGateway(cfg.ProviderBaseURL, cfg.ProviderAPIKey, nil)
	if err != nil {
		return fmt.Errorf("provider gateway init: %w", err)
	}
	paymentsService, err := payments.NewService(store, ledgerService, gateway, payments.DefaultCoinPricer(), notifier, cfg.ProviderName, logger, clock)
	if err != nil {
		return fmt.Errorf("payments service init: %w", err)
	}
	unlockService, err := unlock.NewService(store, ledgerService, chapterCatalog, notifier, logger, clock)
	if err != nil {
		return fmt.Errorf("unlock service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Services{
		Ledger:   ledgerService,
		Payments: paymentsService,
		Unlock:   unlockService,
		Catalog:  chapterCatalog,
	}, logger)
}

// openStore picks the ledger store for the DSN. Postgres runs on a pgx pool
// with the schema applied up front; anything else opens sqlite through gorm
// with auto-migration. The returned gorm handle backs the chapter catalog in
// both cases.
func openStore(ctx context.Context, dsn string) (ledger.Store, *gorm.DB, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		cleanup := func() {
			_ = sqlDB.Close()
			pool.Close()
		}
		return pgstore.New(pool), gormDB.WithContext(ctx), cleanup, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	gormDB, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := gormstore.Migrate(gormDB); err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(gormDB), gormDB.WithContext(ctx), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "coinledger.db"
		}
		return normalizeSQLitePath(path)
	}
	return normalizeSQLitePath(dsn)
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

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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dicilo-db/adledger/internal/httpapi"
	"github.com/dicilo-db/adledger/internal/payments"
	"github.com/dicilo-db/adledger/internal/store/gormstore"
	"github.com/dicilo-db/adledger/internal/store/pgstore"
	"github.com/dicilo-db/adledger/pkg/adledger"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagStoreBackend     = "store-backend"
	flagAllowedOrigins   = "allowed-origins"
	flagFallbackURL      = "fallback-redirect-url"
	flagShortLinkBaseURL = "short-link-base-url"
	flagClickCostCents   = "click-cost-cents"
	flagViewCostCents    = "view-cost-cents"
	flagStripeSecretKey  = "stripe-secret-key"
	flagWebhookSecret    = "stripe-webhook-secret"
	flagCurrency         = "currency"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyStoreBackend     = "store_backend"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyFallbackURL      = "fallback_redirect_url"
	configKeyShortLinkBaseURL = "short_link_base_url"
	configKeyClickCostCents   = "click_cost_cents"
	configKeyViewCostCents    = "view_cost_cents"
	configKeyStripeSecretKey  = "stripe_secret_key"
	configKeyWebhookSecret    = "stripe_webhook_secret"
	configKeyCurrency         = "currency"

	defaultDatabaseURL = "sqlite:///tmp/adledger.db"
	defaultListenAddr  = ":8080"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	StoreBackend     string
	AllowedOrigins   string
	FallbackURL      string
	ShortLinkBaseURL string
	ClickCostCents   int64
	ViewCostCents    int64
	StripeSecretKey  string
	WebhookSecret    string
	Currency         string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "adledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "adledgerd",
		Short:         "Ad monetization ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend: gorm or pgx (postgres only)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagFallbackURL, "", "redirect target for unknown short links")
	cmd.Flags().String(flagShortLinkBaseURL, "", "public base URL for generated short links")
	cmd.Flags().Int64(flagClickCostCents, 0, "per-click charge in cents (0 keeps the default)")
	cmd.Flags().Int64(flagViewCostCents, 0, "per-view charge in cents (0 keeps the default)")
	cmd.Flags().String(flagStripeSecretKey, "", "stripe API secret key")
	cmd.Flags().String(flagWebhookSecret, "", "stripe webhook signing secret")
	cmd.Flags().String(flagCurrency, "", "checkout currency code")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyStoreBackend:     "STORE_BACKEND",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeyFallbackURL:      "FALLBACK_REDIRECT_URL",
		configKeyShortLinkBaseURL: "SHORT_LINK_BASE_URL",
		configKeyClickCostCents:   "CLICK_COST_CENTS",
		configKeyViewCostCents:    "VIEW_COST_CENTS",
		configKeyStripeSecretKey:  "STRIPE_SECRET_KEY",
		configKeyWebhookSecret:    "STRIPE_WEBHOOK_SECRET",
		configKeyCurrency:         "CURRENCY",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyStoreBackend:     flagStoreBackend,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeyFallbackURL:      flagFallbackURL,
		configKeyShortLinkBaseURL: flagShortLinkBaseURL,
		configKeyClickCostCents:   flagClickCostCents,
		configKeyViewCostCents:    flagViewCostCents,
		configKeyStripeSecretKey:  flagStripeSecretKey,
		configKeyWebhookSecret:    flagWebhookSecret,
		configKeyCurrency:         flagCurrency,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.FallbackURL = viper.GetString(configKeyFallbackURL)
	cfg.ShortLinkBaseURL = viper.GetString(configKeyShortLinkBaseURL)
	cfg.ClickCostCents = viper.GetInt64(configKeyClickCostCents)
	cfg.ViewCostCents = viper.GetInt64(configKeyViewCostCents)
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.Currency = viper.GetString(configKeyCurrency)

	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	serviceOptions := []adledger.ServiceOption{
		adledger.WithOperationLogger(httpapi.NewOperationLogger(logger)),
	}
	if cfg.ClickCostCents > 0 {
		cost, err := adledger.NewPositiveAmountCents(cfg.ClickCostCents)
		if err != nil {
			return fmt.Errorf("click cost: %w", err)
		}
		serviceOptions = append(serviceOptions, adledger.WithClickCost(cost))
	}
	if cfg.ViewCostCents > 0 {
		cost, err := adledger.NewPositiveAmountCents(cfg.ViewCostCents)
		if err != nil {
			return fmt.Errorf("view cost: %w", err)
		}
		serviceOptions = append(serviceOptions, adledger.WithViewCost(cost))
	}
	service, err := adledger.NewService(store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		SecretKey: cfg.StripeSecretKey,
		Currency:  cfg.Currency,
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:          cfg.ListenAddr,
		AllowedOrigins:      httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		FallbackRedirectURL: cfg.FallbackURL,
		ShortLinkBaseURL:    cfg.ShortLinkBaseURL,
		WebhookSecret:       cfg.WebhookSecret,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Dependencies{
		Logger:  logger,
		Service: service,
		Gateway: gateway,
	})
}

func openStore(ctx context.Context, cfg *runtimeConfig) (adledger.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreBackend == storeBackendPgx {
		if driver != "postgres" {
			return nil, nil, fmt.Errorf("pgx backend requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{TranslateError: true})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return gormstore.New(db), sqlDB.Close, nil
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
			path = "adledger.db"
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

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/grpcserver"
)

const (
	envPrefix = "CREDITD"

	flagConfigFile        = "config"
	flagEnvFile           = "env-file"
	flagDatabaseURL       = "database-url"
	flagPgxLedger         = "pgx-ledger"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagRequestTimeout    = "request-timeout"
	flagMetrics           = "metrics"
	flagScheduler         = "scheduler"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagAdminRole         = "admin-role"
	flagAdminEmails       = "admin-emails"
	flagBackOfficeSecret  = "backoffice-secret"
	flagBackOfficeIssuer  = "backoffice-issuer"
	flagGatewaySnapURL    = "gateway-snap-url"
	flagGatewayAPIURL     = "gateway-api-url"
	flagGatewayServerKey  = "gateway-server-key"
	flagGatewayTimeout    = "gateway-timeout"
	flagProviderAPIKeys   = "provider-api-keys"
	flagProviderEndpoint  = "provider-endpoint"
	flagGenerationBackoff = "generation-backoff"
	flagGenerationRate    = "generation-rate"
	flagGenerationBurst   = "generation-burst"
	flagRedisAddr         = "redis-addr"
	flagRedisPassword     = "redis-password"
	flagRedisCursorKey    = "redis-cursor-key"
	flagAMQPURL           = "amqp-url"
	flagAMQPExchange      = "amqp-exchange"
	flagReconcileSchedule = "reconcile-schedule"
	flagAbandonSchedule   = "abandon-schedule"
	flagExpirySchedule    = "expiry-schedule"
	flagStaleOrderTTL     = "stale-order-ttl"
	flagSweepBatchSize    = "sweep-batch-size"

	flagTokenSubject = "subject"
	flagTokenRole    = "role"
	flagTokenTTL     = "ttl"

	configKeyPlans      = "plans"
	configKeyOperations = "operations"
	defaultEnvFile      = ".env"
)

var boundFlags = []string{
	flagDatabaseURL, flagPgxLedger, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagRequestTimeout, flagMetrics, flagScheduler, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagAdminRole, flagAdminEmails, flagBackOfficeSecret, flagBackOfficeIssuer, flagGatewaySnapURL,
	flagGatewayAPIURL, flagGatewayServerKey, flagGatewayTimeout, flagProviderAPIKeys, flagProviderEndpoint,
	flagGenerationBackoff, flagGenerationRate, flagGenerationBurst, flagRedisAddr, flagRedisPassword,
	flagRedisCursorKey, flagAMQPURL, flagAMQPExchange, flagReconcileSchedule, flagAbandonSchedule,
	flagExpirySchedule, flagStaleOrderTTL, flagSweepBatchSize,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and payment reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML/JSON/TOML file with plans and operations")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database URL")
	flags.Bool(flagPgxLedger, false, "serve ledger balances through the pgx store (postgres only)")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "back-office gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.Bool(flagMetrics, true, "expose /metrics")
	flags.Bool(flagScheduler, true, "run the reconciliation scheduler in-process")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected session JWT issuer")
	flags.String(flagJWTCookieName, "", "session JWT cookie name")
	flags.String(flagAdminRole, "", "session role granting administrator access")
	flags.String(flagAdminEmails, "", "comma-separated administrator emails")
	flags.String(flagBackOfficeSecret, "", "HMAC secret for back-office tokens; enables gRPC")
	flags.String(flagBackOfficeIssuer, "", "issuer of back-office tokens")
	flags.String(flagGatewaySnapURL, "", "payment gateway checkout base URL")
	flags.String(flagGatewayAPIURL, "", "payment gateway status API base URL")
	flags.String(flagGatewayServerKey, "", "payment gateway server key (required)")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway call timeout")
	flags.String(flagProviderAPIKeys, "", "comma-separated provider credential slots (required)")
	flags.String(flagProviderEndpoint, "", "provider endpoint override")
	flags.Duration(flagGenerationBackoff, 0, "delay between generation attempts")
	flags.Float64(flagGenerationRate, 0, "generation requests per second per member")
	flags.Int(flagGenerationBurst, 0, "generation burst per member")
	flags.String(flagRedisAddr, "", "Redis address for the shared key pool cursor")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.String(flagRedisCursorKey, "", "Redis key holding the key pool cursor")
	flags.String(flagAMQPURL, "", "AMQP broker URL for ledger events")
	flags.String(flagAMQPExchange, "", "AMQP exchange for ledger events")
	flags.String(flagReconcileSchedule, "", "cron spec for open-order reconciliation")
	flags.String(flagAbandonSchedule, "", "cron spec for stale-order abandonment")
	flags.String(flagExpirySchedule, "", "cron spec for account expiry")
	flags.Duration(flagStaleOrderTTL, 0, "age after which unpaid orders are abandoned")
	flags.Int(flagSweepBatchSize, 0, "orders examined per sweep")

	cmd.AddCommand(newServeCommand(), newReconcileCommand(), newTokenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the back-office gRPC API, and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run every reconciliation sweep once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, cfg)
		},
	}
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a back-office bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			issuer := strings.TrimSpace(v.GetString(flagBackOfficeIssuer))
			if issuer == "" {
				issuer = config.DefaultBackOfficeIssuer
			}
			verifier, err := grpcserver.NewTokenVerifier(v.GetString(flagBackOfficeSecret), issuer)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString(flagTokenSubject)
			role, _ := cmd.Flags().GetString(flagTokenRole)
			ttl, _ := cmd.Flags().GetDuration(flagTokenTTL)
			token, err := verifier.Issue(subject, role, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagTokenSubject, "", "token subject (operator identity)")
	cmd.Flags().String(flagTokenRole, grpcserver.RoleReader, "token role: admin or reader")
	cmd.Flags().Duration(flagTokenTTL, time.Hour, "token lifetime")
	return cmd
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}

	configFile, _ := cmd.Flags().GetString(flagConfigFile)
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// loadEnvFile applies a dotenv file without overriding the real environment.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := configFromViper(v)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func configFromViper(v *viper.Viper) (config.Config, error) {
	cfg := config.Config{
		DatabaseURL:        strings.TrimSpace(v.GetString(flagDatabaseURL)),
		UsePgxLedger:       v.GetBool(flagPgxLedger),
		HTTPListenAddr:     strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		GRPCListenAddr:     strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		AllowedOrigins:     config.ParseList(v.GetString(flagAllowedOrigins)),
		RequestTimeout:     v.GetDuration(flagRequestTimeout),
		MetricsEnabled:     v.GetBool(flagMetrics),
		RunScheduler:       v.GetBool(flagScheduler),
		SessionSigningKey:  v.GetString(flagJWTSigningKey),
		SessionIssuer:      strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName:  strings.TrimSpace(v.GetString(flagJWTCookieName)),
		AdminRole:          strings.TrimSpace(v.GetString(flagAdminRole)),
		AdminEmails:        config.ParseList(v.GetString(flagAdminEmails)),
		BackOfficeSecret:   v.GetString(flagBackOfficeSecret),
		BackOfficeIssuer:   strings.TrimSpace(v.GetString(flagBackOfficeIssuer)),
		GatewaySnapBaseURL: strings.TrimSpace(v.GetString(flagGatewaySnapURL)),
		GatewayAPIBaseURL:  strings.TrimSpace(v.GetString(flagGatewayAPIURL)),
		GatewayServerKey:   v.GetString(flagGatewayServerKey),
		GatewayTimeout:     v.GetDuration(flagGatewayTimeout),
		ProviderAPIKeys:    config.ParseSlots(v.GetString(flagProviderAPIKeys)),
		ProviderEndpoint:   strings.TrimSpace(v.GetString(flagProviderEndpoint)),
		GenerationBackoff:  v.GetDuration(flagGenerationBackoff),
		GenerationRate:     v.GetFloat64(flagGenerationRate),
		GenerationBurst:    v.GetInt(flagGenerationBurst),
		RedisAddr:          strings.TrimSpace(v.GetString(flagRedisAddr)),
		RedisPassword:      v.GetString(flagRedisPassword),
		RedisCursorKey:     strings.TrimSpace(v.GetString(flagRedisCursorKey)),
		AMQPURL:            strings.TrimSpace(v.GetString(flagAMQPURL)),
		AMQPExchange:       strings.TrimSpace(v.GetString(flagAMQPExchange)),
		ReconcileSchedule:  strings.TrimSpace(v.GetString(flagReconcileSchedule)),
		AbandonSchedule:    strings.TrimSpace(v.GetString(flagAbandonSchedule)),
		ExpirySchedule:     strings.TrimSpace(v.GetString(flagExpirySchedule)),
		StaleOrderTTL:      v.GetDuration(flagStaleOrderTTL),
		SweepBatchSize:     v.GetInt(flagSweepBatchSize),
	}
	if v.IsSet(configKeyPlans) {
		if err := v.UnmarshalKey(configKeyPlans, &cfg.Plans); err != nil {
			return config.Config{}, fmt.Errorf("%w: plans: %v", config.ErrInvalidConfig, err)
		}
	}
	if v.IsSet(configKeyOperations) {
		if err := v.UnmarshalKey(configKeyOperations, &cfg.Operations); err != nil {
			return config.Config{}, fmt.Errorf("%w: operations: %v", config.ErrInvalidConfig, err)
		}
	}
	return cfg, nil
}

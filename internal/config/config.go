// Package config aggregates the runtime settings of creditd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	defaultDatabaseURL       = "sqlite:///tmp/credits.db"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultAdminRole         = "admin"
	DefaultBackOfficeIssuer  = "creditd"
	defaultGatewaySnapURL    = "https://app.sandbox.midtrans.com"
	defaultGatewayAPIURL     = "https://api.sandbox.midtrans.com"
	defaultGatewayTimeout    = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultGenerationBackoff = 500 * time.Millisecond
	defaultGenerationRate    = 1.0
	defaultGenerationBurst   = 3
	defaultReconcileSchedule = "@every 5m"
	defaultAbandonSchedule   = "@every 1h"
	defaultExpirySchedule    = "@every 1h"
	defaultStaleOrderTTL     = 24 * time.Hour
	defaultSweepBatchSize    = 100
	defaultAMQPExchange      = "ledger_events"
)

var ErrInvalidConfig = errors.New("invalid config")

// OperationConfig is the file/env representation of a metered operation.
type OperationConfig struct {
	Name           string `mapstructure:"name"`
	Cost           int64  `mapstructure:"cost"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	Model          string `mapstructure:"model"`
	OnFailure      string `mapstructure:"on_failure"`
	RefundOnCancel bool   `mapstructure:"refund_on_cancel"`
}

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL    string
	UsePgxLedger   bool
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration
	MetricsEnabled bool
	RunScheduler   bool

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRole         string
	AdminEmails       []string

	BackOfficeSecret string
	BackOfficeIssuer string

	GatewaySnapBaseURL string
	GatewayAPIBaseURL  string
	GatewayServerKey   string
	GatewayTimeout     time.Duration

	ProviderAPIKeys   []string
	ProviderEndpoint  string
	GenerationBackoff time.Duration
	GenerationRate    float64
	GenerationBurst   int

	RedisAddr      string
	RedisPassword  string
	RedisCursorKey string

	AMQPURL      string
	AMQPExchange string

	ReconcileSchedule string
	AbandonSchedule   string
	ExpirySchedule    string
	StaleOrderTTL     time.Duration
	SweepBatchSize    int

	Plans      []checkout.Plan
	Operations []OperationConfig
}

// Validate fills defaults and checks required settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	cfg.BackOfficeIssuer = defaultIfEmpty(cfg.BackOfficeIssuer, DefaultBackOfficeIssuer)
	cfg.GatewaySnapBaseURL = defaultIfEmpty(cfg.GatewaySnapBaseURL, defaultGatewaySnapURL)
	cfg.GatewayAPIBaseURL = defaultIfEmpty(cfg.GatewayAPIBaseURL, defaultGatewayAPIURL)
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.GenerationBackoff < 0 {
		cfg.GenerationBackoff = 0
	} else if cfg.GenerationBackoff == 0 {
		cfg.GenerationBackoff = defaultGenerationBackoff
	}
	if cfg.GenerationRate <= 0 {
		cfg.GenerationRate = defaultGenerationRate
	}
	if cfg.GenerationBurst <= 0 {
		cfg.GenerationBurst = defaultGenerationBurst
	}
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, defaultReconcileSchedule)
	cfg.AbandonSchedule = defaultIfEmpty(cfg.AbandonSchedule, defaultAbandonSchedule)
	cfg.ExpirySchedule = defaultIfEmpty(cfg.ExpirySchedule, defaultExpirySchedule)
	if cfg.StaleOrderTTL <= 0 {
		cfg.StaleOrderTTL = defaultStaleOrderTTL
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}
	if len(cfg.Operations) == 0 {
		cfg.Operations = DefaultOperations()
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.GatewayServerKey) == "" {
		return fmt.Errorf("%w: gateway server key is required", ErrInvalidConfig)
	}
	if len(cfg.ProviderAPIKeys) == 0 {
		return fmt.Errorf("%w: at least one provider api key slot is required", ErrInvalidConfig)
	}
	if _, err := cfg.PlanCatalog(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := cfg.OperationCatalog(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// GRPCEnabled reports whether the back-office gRPC surface should start.
func (cfg Config) GRPCEnabled() bool {
	return strings.TrimSpace(cfg.BackOfficeSecret) != ""
}

// PlanCatalog builds the purchasable plan catalog.
func (cfg Config) PlanCatalog() (checkout.PlanCatalog, error) {
	return checkout.NewPlanCatalog(cfg.Plans...)
}

// OperationCatalog builds the metered operation catalog.
func (cfg Config) OperationCatalog() (generation.Catalog, error) {
	operations := make([]generation.Operation, 0, len(cfg.Operations))
	for _, operation := range cfg.Operations {
		operations = append(operations, generation.Operation{
			Name:           strings.TrimSpace(operation.Name),
			Cost:           ledger.Credits(operation.Cost),
			MaxAttempts:    operation.MaxAttempts,
			Model:          strings.TrimSpace(operation.Model),
			OnFailure:      generation.RefundPolicy(strings.TrimSpace(operation.OnFailure)),
			RefundOnCancel: operation.RefundOnCancel,
		})
	}
	return generation.NewCatalog(operations...)
}

// DefaultPlans is the catalog used when none is configured.
func DefaultPlans() []checkout.Plan {
	return []checkout.Plan{
		{ID: "starter", PriceMinor: 50000, Credits: 1000, DurationDays: 30},
		{ID: "pro", PriceMinor: 150000, Credits: 3500, DurationDays: 30},
		{ID: "refill", PriceMinor: 5000, Credits: 100},
	}
}

// DefaultOperations is the operation catalog used when none is configured.
func DefaultOperations() []OperationConfig {
	return []OperationConfig{
		{Name: "text", Cost: 1, MaxAttempts: 3, Model: "gemini-2.0-flash", OnFailure: string(generation.RefundOnFailure)},
		{Name: "image", Cost: 5, MaxAttempts: 4, Model: "gemini-2.0-flash-preview-image-generation", OnFailure: string(generation.RetainOnFailure), RefundOnCancel: true},
	}
}

// ParseList splits a comma-delimited value and drops empty entries.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseSlots splits a comma-delimited credential list, keeping empty slots in place.
func ParseSlots(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	slots := make([]string, 0, len(parts))
	for _, part := range parts {
		slots = append(slots, strings.TrimSpace(part))
	}
	return slots
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

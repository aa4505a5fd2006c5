/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all the configuration variables for the treasury-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	StorageDriver            string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventExchange            string `mapstructure:"EVENT_EXCHANGE"`
	BridgeEventExchange      string `mapstructure:"BRIDGE_EVENT_EXCHANGE"`
	BridgeEventQueue         string `mapstructure:"BRIDGE_EVENT_QUEUE"`
	BridgeBaseURL            string `mapstructure:"BRIDGE_BASE_URL"`
	BridgeAPIKey             string `mapstructure:"BRIDGE_API_KEY"`
	BridgeSigningSecret      string `mapstructure:"BRIDGE_SIGNING_SECRET"`
	WebhookSecret            string `mapstructure:"WEBHOOK_SECRET"`
	WebhookDedupSize         int    `mapstructure:"WEBHOOK_DEDUP_SIZE"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	OperatorJWTSecret        string `mapstructure:"OPERATOR_JWT_SECRET"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ExpectedContractAddress  string `mapstructure:"EXPECTED_CONTRACT_ADDRESS"`
	AuthorizationTTLHours    int    `mapstructure:"AUTHORIZATION_TTL_HOURS"`
	CertificationStepDelayMS int    `mapstructure:"CERTIFICATION_STEP_DELAY_MS"`
	TreasuryOfficerAddress   string `mapstructure:"TREASURY_OFFICER_ADDRESS"`
	ComplianceOfficerAddress string `mapstructure:"COMPLIANCE_OFFICER_ADDRESS"`
	CustodianAddress         string `mapstructure:"CUSTODIAN_ADDRESS"`
	OutboxBatchSize          int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollIntervalMS     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxMaxAttempts        int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRatePerSecond      int    `mapstructure:"OUTBOX_RATE_PER_SECOND"`
	OutboxStaleAfterSeconds  int    `mapstructure:"OUTBOX_STALE_AFTER_SECONDS"`
	ExpirySweepSchedule      string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	BridgeReconcileSchedule  string `mapstructure:"BRIDGE_RECONCILE_SCHEDULE"`
	RedeemRateLimitPerMinute int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	AllowSandboxReset        bool   `mapstructure:"ALLOW_SANDBOX_RESET"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "treasury:rate_limit")
	viper.SetDefault("EVENT_EXCHANGE", "treasury.events")
	viper.SetDefault("BRIDGE_EVENT_EXCHANGE", "bridge.events")
	viper.SetDefault("BRIDGE_EVENT_QUEUE", "treasury_service.bridge_events")
	viper.SetDefault("WEBHOOK_DEDUP_SIZE", 4096)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("AUTHORIZATION_TTL_HOURS", 24)
	viper.SetDefault("CERTIFICATION_STEP_DELAY_MS", 0)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 2000)
	viper.SetDefault("OUTBOX_MAX_ATTEMPTS", 12)
	viper.SetDefault("OUTBOX_RATE_PER_SECOND", 20)
	viper.SetDefault("OUTBOX_STALE_AFTER_SECONDS", 120)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("BRIDGE_RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("ALLOW_SANDBOX_RESET", false)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TREASURY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("BRIDGE_EVENT_EXCHANGE")
	_ = viper.BindEnv("BRIDGE_EVENT_QUEUE")
	_ = viper.BindEnv("BRIDGE_BASE_URL", "BRIDGE_BASE_URL", "LEMX_BRIDGE_URL")
	_ = viper.BindEnv("BRIDGE_API_KEY")
	_ = viper.BindEnv("BRIDGE_SIGNING_SECRET")
	_ = viper.BindEnv("WEBHOOK_SECRET")
	_ = viper.BindEnv("WEBHOOK_DEDUP_SIZE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TREASURY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("EXPECTED_CONTRACT_ADDRESS", "EXPECTED_CONTRACT_ADDRESS", "TOKEN_CONTRACT_ADDRESS")
	_ = viper.BindEnv("AUTHORIZATION_TTL_HOURS")
	_ = viper.BindEnv("CERTIFICATION_STEP_DELAY_MS")
	_ = viper.BindEnv("TREASURY_OFFICER_ADDRESS")
	_ = viper.BindEnv("COMPLIANCE_OFFICER_ADDRESS")
	_ = viper.BindEnv("CUSTODIAN_ADDRESS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_MAX_ATTEMPTS")
	_ = viper.BindEnv("OUTBOX_RATE_PER_SECOND")
	_ = viper.BindEnv("OUTBOX_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("BRIDGE_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ALLOW_SANDBOX_RESET")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TREASURY_SERVICE_INTERNAL_API_KEY"))
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	if config.StorageDriver != StorageDriverMemory {
		config.StorageDriver = StorageDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "treasury:rate_limit"
	}
	config.BridgeBaseURL = strings.TrimRight(strings.TrimSpace(config.BridgeBaseURL), "/")
	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	if config.WebhookSecret == "" {
		config.WebhookSecret = strings.TrimSpace(config.BridgeSigningSecret)
	}

	config.ExpectedContractAddress = strings.TrimSpace(config.ExpectedContractAddress)
	if config.ExpectedContractAddress != "" && !common.IsHexAddress(config.ExpectedContractAddress) {
		log.Printf("level=warn component=config msg=\"expected contract address is not a valid hex address\" value=%q", config.ExpectedContractAddress)
	}
	for _, addr := range []*string{&config.TreasuryOfficerAddress, &config.ComplianceOfficerAddress, &config.CustodianAddress} {
		*addr = strings.TrimSpace(*addr)
		if *addr != "" && !common.IsHexAddress(*addr) {
			log.Printf("level=warn component=config msg=\"ignoring invalid signer address\" value=%q", *addr)
			*addr = ""
		}
	}

	if config.AuthorizationTTLHours <= 0 {
		config.AuthorizationTTLHours = 24
	}
	if config.CertificationStepDelayMS < 0 {
		log.Printf("level=warn component=config msg=\"negative certification step delay configured; coercing to zero\" delay_ms=%d", config.CertificationStepDelayMS)
		config.CertificationStepDelayMS = 0
	}
	if config.WebhookDedupSize <= 0 {
		config.WebhookDedupSize = 4096
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 2000
	}
	if config.OutboxMaxAttempts <= 0 {
		config.OutboxMaxAttempts = 12
	}
	if config.OutboxRatePerSecond <= 0 {
		config.OutboxRatePerSecond = 20
	}
	if config.OutboxStaleAfterSeconds <= 0 {
		config.OutboxStaleAfterSeconds = 120
	}
	config.ExpirySweepSchedule = strings.TrimSpace(config.ExpirySweepSchedule)
	if config.ExpirySweepSchedule == "" {
		config.ExpirySweepSchedule = "*/5 * * * *"
	}
	config.BridgeReconcileSchedule = strings.TrimSpace(config.BridgeReconcileSchedule)
	if config.RedeemRateLimitPerMinute <= 0 {
		config.RedeemRateLimitPerMinute = 10
	}

	return
}

// AuthorizationTTL is the lifetime of an issued mint authorization.
func (c Config) AuthorizationTTL() time.Duration {
	return time.Duration(c.AuthorizationTTLHours) * time.Hour
}

// CertificationStepDelay is the pause between workflow steps.
func (c Config) CertificationStepDelay() time.Duration {
	return time.Duration(c.CertificationStepDelayMS) * time.Millisecond
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

func (c Config) OutboxStaleAfter() time.Duration {
	return time.Duration(c.OutboxStaleAfterSeconds) * time.Second
}

// AllowedOrigins splits the comma separated CORS origin list.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// SignerAddresses maps each certification role to its configured address.
func (c Config) SignerAddresses() map[string]string {
	return map[string]string{
		"treasury_officer":   c.TreasuryOfficerAddress,
		"compliance_officer": c.ComplianceOfficerAddress,
		"custodian":          c.CustodianAddress,
	}
}

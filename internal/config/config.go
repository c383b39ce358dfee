package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL     string
	MultiTenantMode bool
	UsePGTenants    bool
	UsePGJournal    bool

	JWTSecret     string
	AdminAPIToken string

	StripeSecretKey     string
	StripeWebhookSecret string

	WhatsAppAuthToken  string
	VoiceWebhookSecret string

	GoogleCalendarCredentialsJSON string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	AWSRegion         string

	CORSAllowedOrigins []string
	WebhookRatePerSec  int
	WebhookBurst       int

	SessionTTL           time.Duration
	CallLockTimeout      time.Duration
	ExternalCallTimeout  time.Duration
	SuspensionGraceDays  int
	SlotProposalLimit    int
	DefaultLanguage      string
	DefaultTimezone      string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		MultiTenantMode: getEnvAsBool("MULTI_TENANT_MODE", false),
		UsePGTenants:    getEnvAsBool("USE_PG_TENANTS", false),
		UsePGJournal:    getEnvAsBool("USE_PG_CALL_JOURNAL", true),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		WhatsAppAuthToken:  getEnv("WHATSAPP_AUTH_TOKEN", ""),
		VoiceWebhookSecret: getEnv("VOICE_WEBHOOK_SECRET", ""),

		GoogleCalendarCredentialsJSON: getEnv("GOOGLE_CALENDAR_CREDENTIALS_JSON", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Vocalys"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		AWSRegion:         getEnv("AWS_REGION", "eu-west-3"),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		WebhookRatePerSec:  getEnvAsInt("WEBHOOK_RATE_LIMIT", 0),
		WebhookBurst:       getEnvAsInt("WEBHOOK_RATE_BURST", 20),

		SessionTTL:          getEnvAsDuration("SESSION_TTL", 15*time.Minute),
		CallLockTimeout:     getEnvAsDuration("CALL_LOCK_TIMEOUT", 2*time.Second),
		ExternalCallTimeout: getEnvAsDuration("EXTERNAL_CALL_TIMEOUT", 8*time.Second),
		SuspensionGraceDays: getEnvAsInt("SUSPENSION_GRACE_DAYS", 7),
		SlotProposalLimit:   getEnvAsInt("SLOT_PROPOSAL_LIMIT", 3),
		DefaultLanguage:     getEnv("DEFAULT_LANGUAGE", "fr"),
		DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "Europe/Paris"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, dropping
// empty entries.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

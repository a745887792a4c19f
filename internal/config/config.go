// config.go
package config

import (
	"os"
	"strconv"
)

type Config struct {
	MongoURI    string
	MongoDBName string
	RabbitURL   string
	AuthURL     string
	Port        string

	StripeSecretKey     string
	StripeWebhookSecret string

	EsimGoAPIKey  string
	EsimGoBaseURL string

	ResendAPIKey    string
	ResendFromEmail string
	ResendFromName  string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	TelegramBotToken     string
	TelegramAlertsChatID string

	QRViewerBaseURL string

	// SLA thresholds
	DeliverySLASeconds        int
	GuaranteeDelayMinutes     int
	DeliveryRetryDelayMinutes int
	WebhookToleranceSeconds   int
}

func Load() *Config {
	return &Config{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGO_DB_NAME", "esim_fulfillment_db"),
		RabbitURL:   getEnv("RABBIT_URL", "amqp://localhost"),
		AuthURL:     getEnv("AUTH_URL", "http://localhost:3000"),
		Port:        getEnv("PORT", "8080"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		EsimGoAPIKey:  getEnv("ESIMGO_API_KEY", ""),
		EsimGoBaseURL: getEnv("ESIMGO_BASE_URL", "https://api.esim-go.com/v2.5"),

		ResendAPIKey:    getEnv("RESEND_API_KEY", ""),
		ResendFromEmail: getEnv("RESEND_FROM_EMAIL", "esim@example.com"),
		ResendFromName:  getEnv("RESEND_FROM_NAME", "eSIM Store"),

		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: getEnv("TWILIO_PHONE_NUMBER", ""),

		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAlertsChatID: getEnv("TELEGRAM_ALERTS_CHAT_ID", ""),

		QRViewerBaseURL: getEnv("QR_VIEWER_BASE_URL", "https://example.com/esim"),

		DeliverySLASeconds:        getEnvInt("SLA_DELIVERY_SECONDS", 30),
		GuaranteeDelayMinutes:     getEnvInt("SLA_GUARANTEE_MINUTES", 10),
		DeliveryRetryDelayMinutes: getEnvInt("DELIVERY_RETRY_DELAY_MINUTES", 5),
		WebhookToleranceSeconds:   getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/server needs from the environment.
type Config struct {
	ListenAddr  string
	PostgresDSN string
	// CallbackBaseURL is the public base the providers call back to.
	CallbackBaseURL string

	// push-payment rail
	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortcode      string
	MpesaPasskey        string

	// redirect-wallet rail
	PaystackBaseURL   string
	PaystackSecretKey string

	// card-intent rail
	StripeBaseURL       string
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeCurrency      string
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// Load reads the environment, honoring a .env file if one exists. Secrets are
// not logged.
func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
		PostgresDSN:         getenv("POSTGRES_DSN", ""),
		CallbackBaseURL:     getenv("CALLBACK_BASE_URL", "http://localhost:8080"),
		MpesaBaseURL:        getenv("MPESA_BASE_URL", ""),
		MpesaConsumerKey:    getenv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: getenv("MPESA_CONSUMER_SECRET", ""),
		MpesaShortcode:      getenv("MPESA_SHORTCODE", "174379"),
		MpesaPasskey:        getenv("MPESA_PASSKEY", ""),
		PaystackBaseURL:     getenv("PAYSTACK_BASE_URL", ""),
		PaystackSecretKey:   getenv("PAYSTACK_SECRET_KEY", ""),
		StripeBaseURL:       getenv("STRIPE_BASE_URL", ""),
		StripeAPIKey:        getenv("STRIPE_API_KEY", ""),
		StripeWebhookSecret: getenv("STRIPE_WEBHOOK_SECRET", ""),
		StripeCurrency:      getenv("STRIPE_CURRENCY", "usd"),
	}
	log.Printf("[config] LISTEN_ADDR=%s", cfg.ListenAddr)
	log.Printf("[config] CALLBACK_BASE_URL=%s", cfg.CallbackBaseURL)
	if cfg.PostgresDSN == "" {
		log.Printf("[config] POSTGRES_DSN unset, using in-memory store")
	}
	return cfg
}

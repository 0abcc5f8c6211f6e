package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	LogLevel string

	// Payment provider credentials. AppID doubles as the merchant id
	// the provider echoes back in webhook headers.
	ProviderAppID     string
	ProviderAppSecret string
	ProviderBaseURL   string
	ProviderTimeout   time.Duration

	TelegramBotToken string
	TelegramChatID   string
	TelegramPrefix   string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	appID := os.Getenv("CCPAYMENT_APP_ID")
	if appID == "" {
		return nil, fmt.Errorf("CCPAYMENT_APP_ID environment variable is required")
	}

	appSecret := os.Getenv("CCPAYMENT_APP_SECRET")
	if appSecret == "" {
		return nil, fmt.Errorf("CCPAYMENT_APP_SECRET environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	baseURL := os.Getenv("CCPAYMENT_API_URL")
	if baseURL == "" {
		baseURL = "https://api.ccpayment.com"
	}

	timeout := 30 * time.Second
	if raw := os.Getenv("CCPAYMENT_TIMEOUT_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid CCPAYMENT_TIMEOUT_SECONDS: %q", raw)
		}
		timeout = time.Duration(secs) * time.Second
	}

	prefix := os.Getenv("TELEGRAM_PREFIX")
	if prefix == "" {
		prefix = "Emvios"
	}

	return &Config{
		DBSource:          dbSource,
		Port:              port,
		Env:               env,
		LogLevel:          logLevel,
		ProviderAppID:     appID,
		ProviderAppSecret: appSecret,
		ProviderBaseURL:   baseURL,
		ProviderTimeout:   timeout,
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
		TelegramPrefix:    prefix,
	}, nil
}

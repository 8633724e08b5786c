package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Provider defaults, overridable per provider row
	ProviderRatePerSec float64
	ProviderRateBurst  int
	ProbeInterval      int // seconds between health probes of unhealthy providers
	DegradedAfter      int // consecutive failures before a provider is degraded
	DisabledAfter      int // consecutive failures before a provider is disabled

	// Delivery worker config
	WorkerConcurrency int
	SendTimeout       int // seconds per provider send call
	QueueCapacity     int

	// Retry policy
	RetryMaxAttempts int
	RetryBaseDelay   int // seconds before the first retry
	RetryMaxDelay    int // seconds, cap on the doubled delay

	// Webhook config
	WebhookTimeout int // Timeout for webhook requests in seconds

	// Preference filter config
	UrgentCategories []string // categories that bypass quiet hours

	// API rate limiting
	APIRateLimit  int // requests per window per tenant
	APIRateWindow int // window in seconds
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisEnabled:  true,
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		ProviderRatePerSec: 10,
		ProviderRateBurst:  20,
		ProbeInterval:      30,
		DegradedAfter:      3,
		DisabledAfter:      10,

		WorkerConcurrency: 8,
		SendTimeout:       30,
		QueueCapacity:     10000,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   30,
		RetryMaxDelay:    900,

		WebhookTimeout: 30,

		UrgentCategories: []string{"urgent", "security"},

		APIRateLimit:  100,
		APIRateWindow: 60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		e, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = e
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Provider config
	if rps := os.Getenv("PROVIDER_RATE_PER_SEC"); rps != "" {
		r, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_PER_SEC: %w", err)
		}
		cfg.ProviderRatePerSec = r
	}

	if burst := os.Getenv("PROVIDER_RATE_BURST"); burst != "" {
		b, err := strconv.Atoi(burst)
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_BURST: %w", err)
		}
		cfg.ProviderRateBurst = b
	}

	if interval := os.Getenv("PROBE_INTERVAL"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid PROBE_INTERVAL: %w", err)
		}
		cfg.ProbeInterval = i
	}

	if after := os.Getenv("HEALTH_DEGRADED_AFTER"); after != "" {
		a, err := strconv.Atoi(after)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_DEGRADED_AFTER: %w", err)
		}
		cfg.DegradedAfter = a
	}

	if after := os.Getenv("HEALTH_DISABLED_AFTER"); after != "" {
		a, err := strconv.Atoi(after)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_DISABLED_AFTER: %w", err)
		}
		cfg.DisabledAfter = a
	}

	// Worker config
	if workers := os.Getenv("WORKER_CONCURRENCY"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = w
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = t
	}

	if capacity := os.Getenv("QUEUE_CAPACITY"); capacity != "" {
		c, err := strconv.Atoi(capacity)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_CAPACITY: %w", err)
		}
		cfg.QueueCapacity = c
	}

	// Retry policy
	if attempts := os.Getenv("RETRY_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
		}
		cfg.RetryMaxAttempts = a
	}

	if delay := os.Getenv("RETRY_BASE_DELAY"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
		}
		cfg.RetryBaseDelay = d
	}

	if delay := os.Getenv("RETRY_MAX_DELAY"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
		}
		cfg.RetryMaxDelay = d
	}

	// Webhook config
	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	// Preference filter config
	if categories := os.Getenv("URGENT_CATEGORIES"); categories != "" {
		var parsed []string
		for _, c := range strings.Split(categories, ",") {
			if c = strings.TrimSpace(c); c != "" {
				parsed = append(parsed, c)
			}
		}
		cfg.UrgentCategories = parsed
	}

	// API rate limiting
	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = l
	}

	if window := os.Getenv("API_RATE_WINDOW"); window != "" {
		w, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_WINDOW: %w", err)
		}
		cfg.APIRateWindow = w
	}

	return cfg, nil
}

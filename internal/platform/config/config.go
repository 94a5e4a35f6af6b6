// Package config builds runtime configuration from the environment so the
// mains stay lean. Both binaries share the exchange-level settings; each adds
// its own section.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exchange holds the settings common to both sides.
type Exchange struct {
	Addr           string
	DatabaseURL    string
	EncryptionKeys map[string][]byte
	CurrentKeyID   string
	Kafka          Kafka
	Redis          Redis
	LogLevel       string
}

// Provider configures the provider service.
type Provider struct {
	Exchange
	PartsDir          string
	BatchSize         int
	SchedulerInterval time.Duration
	JWTSigningKey     string
	// APIKeys maps tenant id to its shared secret. Secrets are hashed before
	// they reach the key store; only the env carries plaintext.
	APIKeys map[string]string
}

// Consumer configures the consumer service.
type Consumer struct {
	Exchange
	ProviderURL    string
	ProviderAPIKey string
	PollInterval   time.Duration
	Identity       Identity
}

// Identity configures the client-credentials flow against the provider's
// token endpoint. Empty ClientID disables bearer auth.
type Identity struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	TenantID     string
}

// Kafka configures the audit event sink. Empty Brokers disables it.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Redis configures the token cache. Empty URL disables it.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ProviderFromEnv builds the provider config. An error means a malformed
// value; absent optional values fall back to development defaults.
func ProviderFromEnv() (Provider, error) {
	exchange, err := exchangeFromEnv("PROVIDER_ADDR", ":8081")
	if err != nil {
		return Provider{}, err
	}
	cfg := Provider{
		Exchange:          exchange,
		PartsDir:          envOr("PARTS_DIR", "data/results"),
		BatchSize:         100,
		SchedulerInterval: 10 * time.Second,
		JWTSigningKey:     envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		APIKeys:           map[string]string{},
	}
	if v := os.Getenv("PRODUCER_BATCH_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return Provider{}, fmt.Errorf("invalid PRODUCER_BATCH_SIZE %q", v)
		}
		cfg.BatchSize = size
	}
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return Provider{}, fmt.Errorf("invalid SCHEDULER_INTERVAL %q: %w", v, err)
		}
		cfg.SchedulerInterval = interval
	}
	for _, pair := range splitList(os.Getenv("CONSUMER_API_KEYS")) {
		tenant, secret, ok := strings.Cut(pair, ":")
		if !ok || tenant == "" || secret == "" {
			return Provider{}, fmt.Errorf("invalid CONSUMER_API_KEYS entry %q, want tenant:secret", pair)
		}
		cfg.APIKeys[tenant] = secret
	}
	return cfg, nil
}

// ConsumerFromEnv builds the consumer config.
func ConsumerFromEnv() (Consumer, error) {
	exchange, err := exchangeFromEnv("CONSUMER_ADDR", ":8082")
	if err != nil {
		return Consumer{}, err
	}
	cfg := Consumer{
		Exchange:       exchange,
		ProviderURL:    envOr("PROVIDER_URL", "http://localhost:8081"),
		ProviderAPIKey: os.Getenv("PROVIDER_API_KEY"),
		PollInterval:   15 * time.Second,
		Identity: Identity{
			TokenURL:     os.Getenv("IDENTITY_TOKEN_URL"),
			ClientID:     os.Getenv("IDENTITY_CLIENT_ID"),
			ClientSecret: os.Getenv("IDENTITY_CLIENT_SECRET"),
			TenantID:     os.Getenv("TENANT_ID"),
		},
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return Consumer{}, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = interval
	}
	return cfg, nil
}

func exchangeFromEnv(addrVar, addrDefault string) (Exchange, error) {
	keys, current, err := parseEncryptionKeys(os.Getenv("ENCRYPTION_KEYS"), os.Getenv("ENCRYPTION_CURRENT_KEY"))
	if err != nil {
		return Exchange{}, err
	}
	return Exchange{
		Addr:           envOr(addrVar, addrDefault),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		EncryptionKeys: keys,
		CurrentKeyID:   current,
		Kafka: Kafka{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   envOr("KAFKA_AUDIT_TOPIC", "exchange.audit"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		LogLevel: envOr("LOG_LEVEL", "info"),
	}, nil
}

// parseEncryptionKeys reads "id:base64key" pairs. Key ids are exactly two
// characters because the string envelope format embeds them positionally.
func parseEncryptionKeys(raw, current string) (map[string][]byte, string, error) {
	keys := make(map[string][]byte)
	for _, pair := range splitList(raw) {
		keyID, encoded, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, "", fmt.Errorf("invalid ENCRYPTION_KEYS entry %q, want id:base64key", pair)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("decode encryption key %q: %w", keyID, err)
		}
		keys[keyID] = key
	}
	if len(keys) == 0 {
		// Development fallback so both services come up decryptable without
		// provisioning. Production sets ENCRYPTION_KEYS.
		devKey := sha256.Sum256([]byte("setu-dev-encryption-key"))
		return map[string][]byte{"d0": devKey[:]}, "d0", nil
	}
	if current == "" {
		return nil, "", fmt.Errorf("ENCRYPTION_CURRENT_KEY is required when ENCRYPTION_KEYS is set")
	}
	if _, ok := keys[current]; !ok {
		return nil, "", fmt.Errorf("ENCRYPTION_CURRENT_KEY %q not present in ENCRYPTION_KEYS", current)
	}
	return keys, current, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

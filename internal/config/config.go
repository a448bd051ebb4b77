// Package config loads the gateway's environment-variable configuration
// using viper: defaults first, then automatic environment binding, then a
// hard validation pass for the keys the process cannot safely start
// without.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// FingerprintMode controls how the pipeline reacts to a device-hash mismatch.
type FingerprintMode string

const (
	FingerprintOff    FingerprintMode = "off"
	FingerprintLog    FingerprintMode = "log"
	FingerprintStrict FingerprintMode = "strict"
)

// Config is the fully resolved, validated process configuration.
type Config struct {
	JWTSecret string
	JWTXORKey string

	Host string
	Port int

	WorkerNum     int
	TaskWorkerNum int

	AllowedOrigins []string

	AuthTimeoutSeconds int

	RateLimitPerSec float64
	RateLimitBurst  float64

	FingerprintMode FingerprintMode
	TrustProxy      bool

	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string

	LogLevel string

	SystemKey string

	RedisAddr string
	NATSURL   string
}

// Load reads configuration from the environment. It returns an error for
// recoverable problems and panics only via MustLoad, matching spec.md §6:
// JWT_SECRET/JWT_XOR_KEY absence is a startup error, never a request-time
// warning.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		JWTSecret:          v.GetString("JWT_SECRET"),
		JWTXORKey:          v.GetString("JWT_XOR_KEY"),
		Host:               v.GetString("CHANNEL_HOST"),
		Port:               v.GetInt("CHANNEL_PORT"),
		WorkerNum:          v.GetInt("CHANNEL_WORKER_NUM"),
		TaskWorkerNum:      v.GetInt("CHANNEL_TASK_WORKER_NUM"),
		AllowedOrigins:     splitCSV(v.GetString("CHANNEL_ALLOWED_ORIGINS")),
		AuthTimeoutSeconds: v.GetInt("CHANNEL_AUTH_TIMEOUT"),
		RateLimitPerSec:    v.GetFloat64("CHANNEL_RATE_LIMIT_PER_SEC"),
		RateLimitBurst:     v.GetFloat64("CHANNEL_RATE_LIMIT_BURST"),
		FingerprintMode:    FingerprintMode(v.GetString("DEVICE_FINGERPRINT_MODE")),
		TrustProxy:         v.GetBool("CHANNEL_TRUST_PROXY"),
		CORSAllowedOrigins: splitCSV(v.GetString("CORS_ALLOWED_ORIGINS")),
		CORSAllowedMethods: splitCSV(v.GetString("CORS_ALLOWED_METHODS")),
		CORSAllowedHeaders: splitCSV(v.GetString("CORS_ALLOWED_HEADERS")),
		LogLevel:           v.GetString("LOG_LEVEL"),
		SystemKey:          v.GetString("CHANNEL_SYSTEM_KEY"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		NATSURL:            v.GetString("NATS_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads the configuration or terminates the process. Called once
// from cmd/channelserver/main.go, the only place a missing required secret
// should be fatal rather than returned to a caller.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.JWTXORKey == "" {
		missing = append(missing, "JWT_XOR_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variable(s) not set: %s", strings.Join(missing, ", "))
	}
	switch c.FingerprintMode {
	case FingerprintOff, FingerprintLog, FingerprintStrict:
	default:
		return fmt.Errorf("config: DEVICE_FINGERPRINT_MODE must be one of off|log|strict, got %q", c.FingerprintMode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	cpu := runtime.NumCPU()
	v.SetDefault("CHANNEL_HOST", "127.0.0.1")
	v.SetDefault("CHANNEL_PORT", 8000)
	v.SetDefault("CHANNEL_WORKER_NUM", cpu*2)
	v.SetDefault("CHANNEL_TASK_WORKER_NUM", cpu)
	v.SetDefault("CHANNEL_ALLOWED_ORIGINS", "")
	v.SetDefault("CHANNEL_AUTH_TIMEOUT", 10)
	v.SetDefault("CHANNEL_RATE_LIMIT_PER_SEC", 20)
	v.SetDefault("CHANNEL_RATE_LIMIT_BURST", 30)
	v.SetDefault("DEVICE_FINGERPRINT_MODE", string(FingerprintLog))
	v.SetDefault("CHANNEL_TRUST_PROXY", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")
	v.SetDefault("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Request-ID")
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("CHANNEL_SYSTEM_KEY", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("NATS_URL", "")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

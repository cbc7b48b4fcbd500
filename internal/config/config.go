package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATRELAY_"

// Config is the relay daemon configuration, read from config.toml and
// overridden by CHATRELAY_* environment variables.
type Config struct {
	ListenAddr         string        `toml:"listen_addr"`
	DataDir            string        `toml:"data_dir"`
	LogLevel           string        `toml:"log_level"`
	JWTSecret          string        `toml:"jwt_secret"`
	TokenTTL           time.Duration `toml:"token_ttl"`
	RequireKnownUsers  bool          `toml:"require_known_users"`
	ChannelNumber      string        `toml:"channel_number"`
	WebhookVerifyToken string        `toml:"webhook_verify_token"`
	WebhookAppSecret   string        `toml:"webhook_app_secret"`
	SpoolDir           string        `toml:"spool_dir"`
	AMQPURL            string        `toml:"amqp_url"`
	AMQPExchange       string        `toml:"amqp_exchange"`
	CORSOrigins        []string      `toml:"cors_origins"`
	SendQueue          int           `toml:"send_queue"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		LogLevel:          "info",
		TokenTTL:          7 * 24 * time.Hour,
		RequireKnownUsers: true,
		AMQPExchange:      "chatrelay.events",
		CORSOrigins:       []string{"*"},
		SendQueue:         64,
	}
}

// Load reads config from the given path on top of Default.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Resolve builds the effective configuration: defaults, then the config file
// if it exists, then a .env file next to the working directory, then the
// process environment.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATRELAY_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &c.ListenAddr)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("JWT_SECRET", &c.JWTSecret)
	str("CHANNEL_NUMBER", &c.ChannelNumber)
	str("WEBHOOK_VERIFY_TOKEN", &c.WebhookVerifyToken)
	str("WEBHOOK_APP_SECRET", &c.WebhookAppSecret)
	str("SPOOL_DIR", &c.SpoolDir)
	str("AMQP_URL", &c.AMQPURL)
	str("AMQP_EXCHANGE", &c.AMQPExchange)

	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	if v, ok := lookup(EnvPrefix + "REQUIRE_KNOWN_USERS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_KNOWN_USERS: %w", EnvPrefix, err)
		}
		c.RequireKnownUsers = b
	}
	if v, ok := lookup(EnvPrefix + "TOKEN_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTOKEN_TTL: %w", EnvPrefix, err)
		}
		c.TokenTTL = d
	}
	if v, ok := lookup(EnvPrefix + "SEND_QUEUE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSEND_QUEUE: %w", EnvPrefix, err)
		}
		c.SendQueue = n
	}
	return nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.SendQueue < 1 {
		errs = append(errs, errors.New("send_queue must be at least 1"))
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		errs = append(errs, errors.New("amqp_exchange is required when amqp_url is set"))
	}
	return errors.Join(errs...)
}

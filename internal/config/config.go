package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Locking      LockingConfig      `yaml:"locking"`
	Signing      SigningConfig      `yaml:"signing"`
	Maildir      MaildirConfig      `yaml:"maildir"`
	Escrow       EscrowConfig       `yaml:"escrow"`
	Password     PasswordConfig     `yaml:"password"`
	DNS          DNSConfig          `yaml:"dns"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	CORSOrigins         []string `yaml:"cors_origins"`
}

// Addr returns host:port for the listener
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout returns the read timeout as a duration
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a duration
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // "postgres" or "sqlite"
	URL           string `yaml:"url"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	LockTimeoutMS int    `yaml:"lock_timeout_ms"`
}

// LockTimeout returns the row lock wait bound
func (c DatabaseConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// LockingConfig selects the lock backend guarding the signing tables
type LockingConfig struct {
	Backend     string `yaml:"backend"` // "local", "redis" or "postgres"
	Dir         string `yaml:"dir"`
	RedisURL    string `yaml:"redis_url"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelayMS int    `yaml:"base_delay_ms"`
	MaxDelayMS  int    `yaml:"max_delay_ms"`
}

// TTL returns the redis lock expiry
func (c LockingConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BaseDelay returns the first retry delay
func (c LockingConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the retry delay cap
func (c LockingConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// SigningConfig describes the OpenDKIM tables and key store
type SigningConfig struct {
	KeyTable             string   `yaml:"key_table"`
	SigningTable         string   `yaml:"signing_table"`
	KeysDir              string   `yaml:"keys_dir"`
	KeyBits              int      `yaml:"key_bits"`
	DefaultSelector      string   `yaml:"default_selector"`
	KeygenPolicy         string   `yaml:"keygen_policy"` // "under_lock" or "before_lock"
	ReloadCommand        []string `yaml:"reload_command"`
	ReloadPIDFile        string   `yaml:"reload_pid_file"` // SIGUSR1 instead of a command when set
	ReloadTimeoutSeconds int      `yaml:"reload_timeout_seconds"`
	// Owner of written key files and their domain directory, -1 to keep
	// the process owner.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

// ReloadTimeout returns the bound on one reload attempt
func (c SigningConfig) ReloadTimeout() time.Duration {
	return time.Duration(c.ReloadTimeoutSeconds) * time.Second
}

// MaildirConfig describes the mail store layout
type MaildirConfig struct {
	Base string `yaml:"base"`
	// UID and GID own created trees; -1 leaves ownership unchanged.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

// EscrowConfig holds S3 key escrow settings
type EscrowConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	Prefix     string `yaml:"prefix"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain
}

// PasswordConfig holds mailbox password hashing settings
type PasswordConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

// DNSConfig holds the values rendered into DNS records
type DNSConfig struct {
	MailHostname string `yaml:"mail_hostname"`
	ServerIP     string `yaml:"server_ip"`
}

// ProvisioningConfig holds coordinator settings
type ProvisioningConfig struct {
	OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"`
}

// OperationTimeout returns the bound on one provisioning operation
func (c ProvisioningConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

// LogConfig holds logger settings
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                8080,
			Host:                "localhost",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 60,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			URL:           "/var/lib/mailrice/mailrice.db",
			MaxOpenConns:  10,
			LockTimeoutMS: 5000,
		},
		Locking: LockingConfig{
			Backend:     "local",
			Dir:         "/run/mailrice",
			TTLSeconds:  30,
			MaxAttempts: 10,
			BaseDelayMS: 50,
			MaxDelayMS:  1000,
		},
		Signing: SigningConfig{
			KeyTable:             "/etc/opendkim/KeyTable",
			SigningTable:         "/etc/opendkim/SigningTable",
			KeysDir:              "/etc/opendkim/keys",
			KeyBits:              2048,
			DefaultSelector:      "mail",
			KeygenPolicy:         "under_lock",
			ReloadCommand:        []string{"systemctl", "reload", "opendkim"},
			ReloadTimeoutSeconds: 10,
			UID:                  -1,
			GID:                  -1,
		},
		Maildir: MaildirConfig{
			Base: "/var/mail/vhosts",
			UID:  -1,
			GID:  -1,
		},
		Escrow: EscrowConfig{
			Region: "us-west-2",
			Prefix: "dkim/",
		},
		Password: PasswordConfig{BcryptCost: 12},
		Provisioning: ProvisioningConfig{
			OperationTimeoutSeconds: 30,
		},
		Log: LogConfig{Level: "info", RedactPII: true},
	}
}

// Load reads and parses the configuration file. Keys absent from the file
// keep their Default values. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Zero values written out explicitly still get sane settings.
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Signing.KeyBits == 0 {
		cfg.Signing.KeyBits = 2048
	}
	if cfg.Locking.MaxAttempts == 0 {
		cfg.Locking.MaxAttempts = 10
	}
	if cfg.Provisioning.OperationTimeoutSeconds == 0 {
		cfg.Provisioning.OperationTimeoutSeconds = 30
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("MAILRICE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Locking.RedisURL = v
	}
	if v := os.Getenv("MAILRICE_LOCK_BACKEND"); v != "" {
		cfg.Locking.Backend = v
	}
	if v := os.Getenv("MAILRICE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAILRICE_MAIL_HOSTNAME"); v != "" {
		cfg.DNS.MailHostname = v
	}
	if v := os.Getenv("MAILRICE_SERVER_IP"); v != "" {
		cfg.DNS.ServerIP = v
	}
	if v := os.Getenv("MAILRICE_ESCROW_BUCKET"); v != "" {
		cfg.Escrow.Bucket = v
		cfg.Escrow.Enabled = true
	}
	if v := os.Getenv("MAILRICE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

// Validate reports every setting that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	switch c.Locking.Backend {
	case "local":
		if c.Locking.Dir == "" {
			errs = append(errs, errors.New("locking.dir is required for the local backend"))
		}
	case "redis":
		if c.Locking.RedisURL == "" {
			errs = append(errs, errors.New("locking.redis_url is required for the redis backend"))
		}
	case "postgres":
		if c.Database.Driver != "postgres" {
			errs = append(errs, errors.New("locking.backend postgres requires database.driver postgres"))
		}
		// The advisory lock pins a connection while the operation's
		// transaction holds another.
		if c.Database.MaxOpenConns == 1 {
			errs = append(errs, errors.New("locking.backend postgres needs database.max_open_conns of at least 2"))
		}
	default:
		errs = append(errs, fmt.Errorf("locking.backend must be local, redis or postgres, got %q", c.Locking.Backend))
	}

	if c.Signing.KeyTable == "" || c.Signing.SigningTable == "" || c.Signing.KeysDir == "" {
		errs = append(errs, errors.New("signing.key_table, signing.signing_table and signing.keys_dir are required"))
	}
	if c.Signing.KeyBits < 1024 {
		errs = append(errs, fmt.Errorf("signing.key_bits must be at least 1024, got %d", c.Signing.KeyBits))
	}
	switch c.Signing.KeygenPolicy {
	case "under_lock", "before_lock":
	default:
		errs = append(errs, fmt.Errorf("signing.keygen_policy must be under_lock or before_lock, got %q", c.Signing.KeygenPolicy))
	}

	if c.Maildir.Base == "" {
		errs = append(errs, errors.New("maildir.base is required"))
	}
	if c.Escrow.Enabled && c.Escrow.Bucket == "" {
		errs = append(errs, errors.New("escrow.bucket is required when escrow is enabled"))
	}
	return errors.Join(errs...)
}

// Package config loads configuration from defaults, an optional YAML file
// and VAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VAULT_STORAGE_ROOT.
const EnvPrefix = "VAULT"

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Preview   PreviewConfig   `mapstructure:"preview" yaml:"preview"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
}

type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"` // empty serves /metrics on listen_addr

	// TLS is enabled when both are set.
	TLSCertFile string `mapstructure:"tls_cert_file" yaml:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `mapstructure:"tls_key_file" yaml:"tls_key_file" validate:"required_with=TLSCertFile"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

type StorageConfig struct {
	Root         string   `mapstructure:"root" yaml:"root" validate:"required"`
	CreateRoot   bool     `mapstructure:"create_root" yaml:"create_root"`
	Excludes     []string `mapstructure:"excludes" yaml:"excludes"`
	MaxListLimit int      `mapstructure:"max_list_limit" yaml:"max_list_limit" validate:"gte=1,lte=10000"`
	Owner        string   `mapstructure:"owner" yaml:"owner" validate:"required"`
}

type UploadConfig struct {
	MaxFileSize   int64 `mapstructure:"max_file_size" yaml:"max_file_size" validate:"gt=0"`
	MaxNameLength int   `mapstructure:"max_name_length" yaml:"max_name_length" validate:"gt=0,lte=1024"`
}

type PreviewConfig struct {
	CacheDir  string `mapstructure:"cache_dir" yaml:"cache_dir" validate:"required"`
	IndexDir  string `mapstructure:"index_dir" yaml:"index_dir"` // empty disables staleness checks
	MaxWidth  int    `mapstructure:"max_width" yaml:"max_width" validate:"gte=16,lte=4096"`
	MaxHeight int    `mapstructure:"max_height" yaml:"max_height" validate:"gte=16,lte=4096"`
	Quality   int    `mapstructure:"quality" yaml:"quality" validate:"gte=1,lte=100"`
}

type AuditConfig struct {
	// DatabaseURL selects the PostgreSQL sink. Empty keeps the audit trail
	// in a bounded in-memory ring.
	DatabaseURL     string        `mapstructure:"database_url" yaml:"database_url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`
	MemoryCapacity  int           `mapstructure:"memory_capacity" yaml:"memory_capacity" validate:"gt=0"`
	Workers         int           `mapstructure:"workers" yaml:"workers" validate:"gt=0,lte=64"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size" validate:"gt=0"`
}

type AuthConfig struct {
	// Disabled serves every request as AnonymousActor.
	Disabled       bool          `mapstructure:"disabled" yaml:"disabled"`
	AnonymousActor string        `mapstructure:"anonymous_actor" yaml:"anonymous_actor"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer" yaml:"issuer" validate:"required"`
	TokenTTL       time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" validate:"gt=0"`
	TrustedProxies []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	AllowedCIDRs   []string      `mapstructure:"allowed_cidrs" yaml:"allowed_cidrs" validate:"dive,cidr|ip"`
}

type RateLimitConfig struct {
	RequestsPerMinute int            `mapstructure:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"` // 0 = unlimited
	Overrides         map[string]int `mapstructure:"overrides" yaml:"overrides"`
	CleanupInterval   time.Duration  `mapstructure:"cleanup_interval" yaml:"cleanup_interval" validate:"gt=0"`
	MaxIdle           time.Duration  `mapstructure:"max_idle" yaml:"max_idle" validate:"gt=0"`
}

type MonitorConfig struct {
	// SnapshotTTL caches the health snapshot. 0 recomputes it on every call.
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			MetricsAddr:       ":9090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Storage: StorageConfig{
			Root:         "/data/storage",
			CreateRoot:   true,
			Excludes:     []string{},
			MaxListLimit: 500,
			Owner:        "system",
		},
		Upload: UploadConfig{MaxFileSize: 10 << 30, MaxNameLength: 255},
		Preview: PreviewConfig{
			CacheDir:  "/data/previews",
			MaxWidth:  200,
			MaxHeight: 200,
			Quality:   80,
		},
		Audit: AuditConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MemoryCapacity:  10000,
			Workers:         2,
			QueueSize:       1000,
		},
		Auth: AuthConfig{
			AnonymousActor: "anonymous",
			Issuer:         "private-nas",
			TokenTTL:       24 * time.Hour,
			TrustedProxies: []string{},
			AllowedCIDRs:   []string{},
		},
		RateLimit: RateLimitConfig{
			Overrides:       map[string]int{},
			CleanupInterval: 5 * time.Minute,
			MaxIdle:         10 * time.Minute,
		},
		Monitor: MonitorConfig{SnapshotTTL: 2 * time.Second},
	}
}

// Load reads configuration. path may be empty, in which case VAULT_CONFIG
// names the file, and without either only defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so that environment variables are seen
// even when no file mentions the key.
func setDefaults(v *viper.Viper, def *Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(def, &tree); err != nil {
		return fmt.Errorf("flatten defaults: %w", err)
	}
	for section, body := range tree {
		fields, ok := body.(map[string]any)
		if !ok {
			v.SetDefault(section, body)
			continue
		}
		for key, val := range fields {
			v.SetDefault(section+"."+key, val)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Storage.Excludes = compact(cfg.Storage.Excludes)
	cfg.Auth.TrustedProxies = compact(cfg.Auth.TrustedProxies)
	cfg.Auth.AllowedCIDRs = compact(cfg.Auth.AllowedCIDRs)
}

func compact(values []string) []string {
	out := values[:0]
	for _, s := range values {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	if !cfg.Auth.Disabled && len(cfg.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes unless auth.disabled is set")
	}
	if cfg.Auth.Disabled && strings.TrimSpace(cfg.Auth.AnonymousActor) == "" {
		return errors.New("auth.anonymous_actor is required when auth.disabled is set")
	}
	for actor, rpm := range cfg.RateLimit.Overrides {
		if rpm < 0 {
			return fmt.Errorf("ratelimit.overrides[%s]: must be >= 0", actor)
		}
	}
	return nil
}

// Render returns cfg as a commented YAML document.
func Render(cfg *Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	header := "# private-nas configuration\n" +
		"# Every key can be overridden with " + EnvPrefix + "_<SECTION>_<KEY>, e.g. " + EnvPrefix + "_STORAGE_ROOT.\n\n"
	return append([]byte(header), body...), nil
}

// WriteFile renders cfg to path. An existing file is kept unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	data, err := Render(cfg)
	if err != nil {
		return err
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

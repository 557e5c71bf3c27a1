// Package config loads the relay configuration from an optional TOML file,
// environment variables and a .env file, and validates it before startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/util"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Notification NotificationConfig
	Log          LogConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port                   int
	PathPrefix             string // HTTP path prefix for all routes (default: "/livechat")
	JWTSecret              string
	MaxMessageSize         int64         // WebSocket frame limit in bytes
	MaxMediaSize           int64         // image/video content limit in bytes
	MessageRateLimit       int           // send_message events per window per user
	MessageRateWindow      time.Duration // window for MessageRateLimit
	AdminRateLimit         int           // Admin endpoint rate limit (requests per window)
	AdminRateWindow        time.Duration // Admin rate limit window
	MaxConnectionsPerUser  int
	AllowedOrigins         []string // WebSocket origins; empty allows all
	CORSAllowedOrigins     []string
	TrustedProxies         []string
	MetricsAllowedNetworks []string
	OfflineAlerts          bool // alert configured admins when a customer writes while no admin is online
}

// DatabaseConfig holds session store configuration
type DatabaseConfig struct {
	Backend        string // "mongo" or "memory"
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	EncryptionKey  string // empty disables content encryption at rest
}

// RedisConfig holds the cross-instance relay configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NotificationConfig holds offline alert configuration
type NotificationConfig struct {
	AdminEmails      []string
	AdminPhones      []string
	EmailFrom        string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPass         string
	TwilioAccountSID string
	TwilioAuthToken  string
	SMSFrom          string
	AdminPanelURL    string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Dir            string
	Level          string
	StandardOutput bool
}

// envBindings maps configuration keys to the environment variables that override them.
var envBindings = map[string][]string{
	"server.port":                     {"SERVER_PORT", "PORT"},
	"server.path_prefix":              {"LIVECHAT_PATH_PREFIX"},
	"server.jwt_secret":               {"JWT_SECRET"},
	"server.max_message_size":         {"MAX_MESSAGE_SIZE"},
	"server.max_media_size":           {"MAX_MEDIA_SIZE"},
	"server.message_rate_limit":       {"RATE_LIMIT"},
	"server.message_rate_window":      {"RATE_WINDOW"},
	"server.admin_rate_limit":         {"ADMIN_RATE_LIMIT"},
	"server.admin_rate_window":        {"ADMIN_RATE_WINDOW"},
	"server.max_connections_per_user": {"MAX_CONNECTIONS_PER_USER"},
	"server.allowed_origins":          {"ALLOWED_ORIGINS"},
	"server.cors_allowed_origins":     {"CORS_ALLOWED_ORIGINS"},
	"server.trusted_proxies":          {"TRUSTED_PROXIES"},
	"server.metrics_allowed_networks": {"METRICS_ALLOWED_NETWORKS"},
	"server.offline_alerts":           {"OFFLINE_ALERTS"},
	"database.backend":                {"STORE_BACKEND"},
	"database.uri":                    {"MONGO_URI"},
	"database.database":               {"MONGO_DATABASE"},
	"database.collection":             {"MONGO_COLLECTION"},
	"database.connect_timeout":        {"MONGO_CONNECT_TIMEOUT"},
	"database.encryption_key":         {"ENCRYPTION_KEY"},
	"redis.enabled":                   {"REDIS_ENABLED"},
	"redis.addr":                      {"REDIS_ADDR"},
	"redis.password":                  {"REDIS_PASSWORD"},
	"redis.db":                        {"REDIS_DB"},
	"redis.channel":                   {"REDIS_CHANNEL"},
	"notification.admin_emails":       {"ADMIN_EMAILS"},
	"notification.admin_phones":       {"ADMIN_PHONES"},
	"notification.email_from":         {"EMAIL_FROM"},
	"notification.smtp_host":          {"SMTP_HOST"},
	"notification.smtp_port":          {"SMTP_PORT"},
	"notification.smtp_user":          {"SMTP_USER"},
	"notification.smtp_pass":          {"SMTP_PASS"},
	"notification.twilio_account_sid": {"TWILIO_ACCOUNT_SID"},
	"notification.twilio_auth_token":  {"TWILIO_AUTH_TOKEN"},
	"notification.sms_from":           {"SMS_FROM"},
	"notification.admin_panel_url":    {"ADMIN_PANEL_URL"},
	"log.dir":                         {"LOG_DIR"},
	"log.level":                       {"LOG_LEVEL"},
	"log.standard_output":             {"LOG_STDOUT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.path_prefix", constants.DefaultPathPrefix)
	v.SetDefault("server.max_message_size", constants.DefaultMaxMessageSize)
	v.SetDefault("server.max_media_size", constants.DefaultMaxMediaSize)
	v.SetDefault("server.message_rate_limit", constants.DefaultRateLimit)
	v.SetDefault("server.message_rate_window", constants.DefaultRateWindow)
	v.SetDefault("server.admin_rate_limit", constants.DefaultAdminRateLimit)
	v.SetDefault("server.admin_rate_window", constants.DefaultRateWindow)
	v.SetDefault("server.max_connections_per_user", constants.DefaultMaxConnections)
	v.SetDefault("server.trusted_proxies", constants.DefaultTrustedProxies)
	v.SetDefault("server.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)
	v.SetDefault("server.offline_alerts", true)

	v.SetDefault("database.backend", constants.BackendMongo)
	v.SetDefault("database.uri", constants.DefaultMongoURI)
	v.SetDefault("database.database", constants.DefaultDatabase)
	v.SetDefault("database.collection", constants.DefaultCollection)
	v.SetDefault("database.connect_timeout", constants.DefaultContextTimeout)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", constants.DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", constants.DefaultRedisChannel)

	v.SetDefault("notification.smtp_port", constants.DefaultSMTPPort)

	v.SetDefault("log.dir", constants.DefaultLogDir)
	v.SetDefault("log.level", constants.DefaultLogLevel)
	v.SetDefault("log.standard_output", true)
}

// Load reads configuration. path names an optional TOML (or any viper-supported)
// file; environment variables override file values, which override defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:                   v.GetInt("server.port"),
			PathPrefix:             v.GetString("server.path_prefix"),
			JWTSecret:              v.GetString("server.jwt_secret"),
			MaxMessageSize:         v.GetInt64("server.max_message_size"),
			MaxMediaSize:           v.GetInt64("server.max_media_size"),
			MessageRateLimit:       v.GetInt("server.message_rate_limit"),
			MessageRateWindow:      v.GetDuration("server.message_rate_window"),
			AdminRateLimit:         v.GetInt("server.admin_rate_limit"),
			AdminRateWindow:        v.GetDuration("server.admin_rate_window"),
			MaxConnectionsPerUser:  v.GetInt("server.max_connections_per_user"),
			AllowedOrigins:         getSlice(v, "server.allowed_origins"),
			CORSAllowedOrigins:     getSlice(v, "server.cors_allowed_origins"),
			TrustedProxies:         getSlice(v, "server.trusted_proxies"),
			MetricsAllowedNetworks: getSlice(v, "server.metrics_allowed_networks"),
			OfflineAlerts:          v.GetBool("server.offline_alerts"),
		},
		Database: DatabaseConfig{
			Backend:        strings.ToLower(v.GetString("database.backend")),
			URI:            v.GetString("database.uri"),
			Database:       v.GetString("database.database"),
			Collection:     v.GetString("database.collection"),
			ConnectTimeout: v.GetDuration("database.connect_timeout"),
			EncryptionKey:  v.GetString("database.encryption_key"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Notification: NotificationConfig{
			AdminEmails:      getSlice(v, "notification.admin_emails"),
			AdminPhones:      getSlice(v, "notification.admin_phones"),
			EmailFrom:        v.GetString("notification.email_from"),
			SMTPHost:         v.GetString("notification.smtp_host"),
			SMTPPort:         v.GetInt("notification.smtp_port"),
			SMTPUser:         v.GetString("notification.smtp_user"),
			SMTPPass:         v.GetString("notification.smtp_pass"),
			TwilioAccountSID: v.GetString("notification.twilio_account_sid"),
			TwilioAuthToken:  v.GetString("notification.twilio_auth_token"),
			SMSFrom:          v.GetString("notification.sms_from"),
			AdminPanelURL:    v.GetString("notification.admin_panel_url"),
		},
		Log: LogConfig{
			Dir:            v.GetString("log.dir"),
			Level:          v.GetString("log.level"),
			StandardOutput: v.GetBool("log.standard_output"),
		},
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; existing variables are not overridden.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}
	if err := ValidateJWTSecret(c.Server.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	if c.Server.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}
	if c.Server.MaxMediaSize <= 0 {
		errs = append(errs, errors.New("max media size must be positive"))
	}
	if c.Server.MaxMessageSize <= c.Server.MaxMediaSize {
		errs = append(errs, fmt.Errorf("max message size (%d) must exceed max media size (%d)",
			c.Server.MaxMessageSize, c.Server.MaxMediaSize))
	}
	if c.Server.MessageRateLimit <= 0 || c.Server.MessageRateWindow <= 0 {
		errs = append(errs, errors.New("message rate limit and window must be positive"))
	}
	if c.Server.AdminRateLimit <= 0 || c.Server.AdminRateWindow <= 0 {
		errs = append(errs, errors.New("admin rate limit and window must be positive"))
	}
	if c.Server.MaxConnectionsPerUser <= 0 {
		errs = append(errs, errors.New("max connections per user must be positive"))
	}

	// Validate database config
	switch c.Database.Backend {
	case constants.BackendMongo:
		if c.Database.URI == "" {
			errs = append(errs, errors.New("database URI is required"))
		}
		if c.Database.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
		if c.Database.Collection == "" {
			errs = append(errs, errors.New("database collection is required"))
		}
	case constants.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("database backend must be %q or %q, got %q",
			constants.BackendMongo, constants.BackendMemory, c.Database.Backend))
	}
	if err := ValidateEncryptionKey(c.Database.EncryptionKey); err != nil {
		errs = append(errs, err)
	}

	// Validate redis config
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis address is required when redis is enabled"))
		}
		if c.Redis.Channel == "" {
			errs = append(errs, errors.New("redis channel is required when redis is enabled"))
		}
	}

	// Validate notification config
	n := c.Notification
	if len(n.AdminEmails) > 0 && (n.SMTPHost == "" || n.EmailFrom == "") {
		errs = append(errs, errors.New("smtp host and email sender are required when admin emails are configured"))
	}
	if len(n.AdminPhones) > 0 && (n.TwilioAccountSID == "" || n.TwilioAuthToken == "" || n.SMSFrom == "") {
		errs = append(errs, errors.New("twilio credentials and sms sender are required when admin phones are configured"))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ValidateJWTSecret rejects empty, short, weak, or placeholder secrets.
func ValidateJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret is required")
	}
	if len(secret) < constants.MinJWTSecretLength {
		return fmt.Errorf(
			"JWT secret must be at least %d characters (got %d). "+
				"Generate a strong secret with: openssl rand -base64 32",
			constants.MinJWTSecretLength, len(secret))
	}
	if ContainsPlaceholder(secret) {
		return errors.New("JWT secret contains a placeholder value, set a real secret")
	}
	if weak, pattern := util.ContainsWeakPattern(secret, constants.WeakSecrets); weak {
		return fmt.Errorf(
			"JWT secret appears to be weak (contains '%s'). "+
				"Use a cryptographically random secret generated with: openssl rand -base64 32",
			pattern)
	}
	return nil
}

// ValidateEncryptionKey accepts an empty key (encryption disabled) or exactly 32 bytes.
func ValidateEncryptionKey(key string) error {
	if key == "" {
		return nil
	}
	if ContainsPlaceholder(key) {
		return errors.New("encryption key contains a placeholder value")
	}
	if len(key) != constants.EncryptionKeyLength {
		return fmt.Errorf("encryption key must be exactly %d bytes for AES-256 (got %d)",
			constants.EncryptionKeyLength, len(key))
	}
	return nil
}

// ContainsPlaceholder reports values copied verbatim from deployment templates.
func ContainsPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, p := range []string{"change_me", "changeme", "your-", "your_", "<", "replace"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// getSlice reads a list that may be given as a TOML array or a comma-separated string.
func getSlice(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case nil:
		return []string{}
	case string:
		return splitAndTrim(raw)
	case []string:
		return trimAll(raw)
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			out = append(out, fmt.Sprint(item))
		}
		return trimAll(out)
	default:
		return splitAndTrim(fmt.Sprint(raw))
	}
}

func splitAndTrim(s string) []string {
	return trimAll(strings.Split(s, ","))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

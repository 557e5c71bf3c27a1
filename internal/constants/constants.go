// Package constants provides centralized constant definitions for the live chat relay.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	MongoIndexTimeout     = 30 * time.Second // MongoDB index creation
	ShortTimeout          = 2 * time.Second  // Quick operations like health checks
	MessageAppendTimeout  = 5 * time.Second  // Persisting one message
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
	NotificationTimeout   = 30 * time.Second // Email/SMS dispatch
	RelayPublishTimeout   = 2 * time.Second  // Redis publish of one envelope
	ShutdownTimeout       = 15 * time.Second // Graceful shutdown budget
)

// WebSocket keepalive
const (
	WriteWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	PingPeriod = (PongWait * 9) / 10
	SendBuffer = 256 // Buffered frames per connection
)

// Sizes and Limits
const (
	DefaultMaxMediaSize   = 5 * 1024 * 1024 // 5MB content bound for image/video messages
	DefaultMaxMessageSize = 8 * 1024 * 1024 // WebSocket frame limit, leaves room for the JSON envelope around media
	MaxTextLength         = 10000           // Characters allowed in a text message
	EncryptionKeyLength   = 32              // AES-256 requires exactly 32 bytes
	DefaultSessionLimit   = 100             // Default number of sessions to return
	MaxSessionLimit       = 1000            // Maximum sessions per query
	DefaultRateLimit      = 60              // Default messages per minute per user
	DefaultAdminRateLimit = 120             // Default admin HTTP requests per window
	DefaultMaxConnections = 10              // Concurrent connections per user (tabs, devices)
	MaxRetryAttempts      = 3               // Maximum retry attempts for transient errors
	MaxEventsPerUser      = 1000            // Maximum rate limit events tracked per user
	MaxUsersTracked       = 100000          // Maximum distinct users in rate limiter map
	PublicEndpointRate    = 60              // Requests per minute for public endpoints
	ConnectionIDSuffixLen = 12              // nanoid length appended to connection IDs
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	SessionLockIdleTTL     = 10 * time.Minute // Idle per-customer lock entries are pruned after this
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
	NotificationRateLimit  = 5
	NotificationRateWindow = 5 * time.Minute
	TimestampResolution    = time.Millisecond
)

// Role Names for authorization
const (
	RoleAdmin     = "admin"
	RoleChatAdmin = "chat_admin"
)

// Default Configuration Values
const (
	DefaultMongoURI     = "mongodb://localhost:27017"
	DefaultDatabase     = "ironfuel"
	DefaultCollection   = "chat_sessions"
	DefaultPort         = 8080
	DefaultLogLevel     = "info"
	DefaultLogDir       = "logs"
	DefaultPathPrefix   = "/livechat"
	DefaultRedisAddr    = "localhost:6379"
	DefaultRedisChannel = "livechat:relay"
	DefaultSMTPPort     = 587
)

// Storage backends
const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	HeaderRequestID     = "X-Request-ID"
	BearerPrefix        = "Bearer "
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader  = "Invalid or missing Authorization header"
	ErrMsgInvalidToken       = "Invalid or expired token"
	ErrMsgForbidden          = "Insufficient permissions"
	ErrMsgInternalError      = "Internal server error"
	ErrMsgRateLimitExceeded  = "Too many requests. Please try again later."
	ErrMsgCustomerIDRequired = "Customer ID is required"
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID          = "_id"
	MongoFieldName        = "nm"
	MongoFieldEmail       = "em"
	MongoFieldLastUpdated = "lu"
	MongoFieldCreated     = "cts"
	MongoFieldMessages    = "msgs"
	MongoFieldMessageID   = "id"
	MongoFieldSender      = "sender"
	MongoFieldType        = "type"
	MongoFieldContent     = "content"
	MongoFieldTimestamp   = "ts"
	MongoFieldRead        = "read"
)

// MongoDB Index Names
const (
	IndexLastUpdated = "idx_last_updated"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)

// Package livechat wires the relay service together: it builds the session store,
// registry, router and WebSocket transport from configuration and registers the
// WebSocket, admin query and health endpoints on a gin engine.
package livechat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ironfuel/livechat/internal/auth"
	"github.com/ironfuel/livechat/internal/config"
	"github.com/ironfuel/livechat/internal/constants"
	chaterrors "github.com/ironfuel/livechat/internal/errors"
	"github.com/ironfuel/livechat/internal/httperrors"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/notification"
	"github.com/ironfuel/livechat/internal/presence"
	"github.com/ironfuel/livechat/internal/ratelimit"
	"github.com/ironfuel/livechat/internal/registry"
	"github.com/ironfuel/livechat/internal/relay"
	"github.com/ironfuel/livechat/internal/router"
	"github.com/ironfuel/livechat/internal/storage"
	"github.com/ironfuel/livechat/internal/upload"
	"github.com/ironfuel/livechat/internal/util"
	"github.com/ironfuel/livechat/internal/websocket"
)

// claimsKey is the gin context key holding the authenticated *auth.Claims.
const claimsKey = "claims"

var (
	// Global reference for graceful shutdown
	globalService *Service
	shutdownMu    sync.Mutex
)

// Service owns every long-lived component of one relay instance.
type Service struct {
	cfg           *config.Config
	logger        *logging.Logger
	store         storage.SessionStore
	registry      *registry.Registry
	router        *router.MessageRouter
	wsHandler     *websocket.Handler
	validator     auth.TokenValidator
	redisClient   redis.UniversalClient
	bus           *relay.Bus
	adminLimiter  *ratelimit.MessageLimiter
	publicLimiter *ratelimit.MessageLimiter
	metricsNets   []*net.IPNet
}

// Register builds the service from cfg and registers its routes on r.
// mongoClient may be nil when the memory backend is configured.
// A previously registered service is shut down first.
func Register(r *gin.Engine, cfg *config.Config, logger *logging.Logger, mongoClient *mongo.Client) error {
	svc, err := New(cfg, logger, mongoClient)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if err := svc.Routes(r); err != nil {
		_ = svc.Shutdown(context.Background())
		return err
	}

	shutdownMu.Lock()
	prev := globalService
	globalService = svc
	shutdownMu.Unlock()

	if prev != nil {
		ctx, cancel := util.NewTimeoutContext(constants.ShutdownTimeout)
		_ = prev.Shutdown(ctx)
		cancel()
	}
	return nil
}

// Shutdown gracefully stops the registered service, if any.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	svc := globalService
	globalService = nil
	shutdownMu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.Shutdown(ctx)
}

// New validates cfg and constructs all components. Background work (limiter
// cleanup, relay subscription) starts only after every check has passed.
func New(cfg *config.Config, logger *logging.Logger, mongoClient *mongo.Client) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	svcLogger := logger.WithGroup("livechat")
	svcLogger.Info("Initializing live chat service")

	// No else needed: early return pattern (guard clause)
	if err := cfg.Validate(); err != nil {
		svcLogger.Error("Configuration validation failed", "error", err)
		return nil, err
	}

	store, err := newStore(cfg.Database, svcLogger, mongoClient)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:           cfg,
		logger:        svcLogger,
		store:         store,
		registry:      registry.New(svcLogger),
		validator:     auth.NewJWTValidator(cfg.Server.JWTSecret),
		adminLimiter:  ratelimit.NewMessageLimiter(cfg.Server.AdminRateWindow, cfg.Server.AdminRateLimit),
		publicLimiter: ratelimit.NewMessageLimiter(time.Minute, constants.PublicEndpointRate),
		metricsNets:   parseNetworks(cfg.Server.MetricsAllowedNetworks, svcLogger),
	}

	broadcaster := presence.NewBroadcaster(svc.registry, svcLogger)
	broadcaster.Attach()

	opts := []router.Option{
		router.WithMediaValidator(upload.NewMediaValidator(cfg.Server.MaxMediaSize)),
		router.WithMessageLimiter(ratelimit.NewMessageLimiter(cfg.Server.MessageRateWindow, cfg.Server.MessageRateLimit)),
	}

	if cfg.Server.OfflineAlerts {
		notifier := notification.NewService(cfg.Notification, svcLogger)
		if notifier.Enabled() {
			opts = append(opts, router.WithNotifier(notifier))
		} else {
			svcLogger.Warn("Offline alerts enabled but no admin email or phone configured")
		}
	}

	if cfg.Redis.Enabled {
		svc.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc.bus = relay.New(svc.redisClient, cfg.Redis.Channel, svcLogger)
		opts = append(opts, router.WithPublisher(svc.bus))
	}

	svc.router = router.New(store, svc.registry, broadcaster, svcLogger, opts...)

	if svc.bus != nil {
		ctx, cancel := util.NewDefaultTimeoutContext()
		err := svc.bus.Start(ctx, svc.router.HandleRelayEnvelope)
		cancel()
		// No else needed: early return pattern (guard clause)
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to start relay: %w", err)
		}
	}

	svc.wsHandler = websocket.NewHandler(svc.validator, svc.router, svcLogger,
		cfg.Server.MaxMessageSize, cfg.Server.MaxConnectionsPerUser)
	// SECURITY: without configured origins every origin may open a socket.
	if len(cfg.Server.AllowedOrigins) > 0 {
		svc.wsHandler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	} else {
		svcLogger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	svc.adminLimiter.StartCleanup()
	svc.publicLimiter.StartCleanup()

	return svc, nil
}

func newStore(cfg config.DatabaseConfig, logger *logging.Logger, mongoClient *mongo.Client) (storage.SessionStore, error) {
	if cfg.Backend == constants.BackendMemory {
		logger.Warn("Using in-memory session store, sessions do not survive restarts")
		return storage.NewMemoryStore(), nil
	}

	// No else needed: early return pattern (guard clause)
	if mongoClient == nil {
		return nil, errors.New("mongo backend configured but no mongo client provided")
	}

	var key []byte
	if cfg.EncryptionKey != "" {
		key = []byte(cfg.EncryptionKey)
		logger.Info("Message encryption enabled", "key_length", len(key))
	}

	store, err := storage.NewMongoStore(mongoClient, cfg.Database, cfg.Collection, logger, key)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	ctx, cancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	defer cancel()
	// Index creation failure is not fatal; the index can be created manually.
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("Failed to create MongoDB indexes", "error", err)
	}
	return store, nil
}

// Routes installs middlewares and endpoints under the configured path prefix.
func (s *Service) Routes(r *gin.Engine) error {
	prefix := s.cfg.Server.PathPrefix

	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.Server.CORSAllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", constants.HeaderAuthorization},
			ExposeHeaders:    []string{"Content-Length", constants.HeaderRequestID, constants.HeaderRetryAfter},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
		s.logger.Info("CORS middleware configured", "allowed_origins", s.cfg.Server.CORSAllowedOrigins)
	} else {
		s.logger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// c.ClientIP() only trusts X-Forwarded-For from these networks.
	if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	r.Use(requestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	group := r.Group(prefix)
	{
		group.GET("/ws", s.handleWebSocket)

		group.GET("/history", userAuthMiddleware(s.validator, s.logger), s.handleOwnHistory)

		admin := group.Group("/admin")
		admin.Use(authMiddleware(s.validator, s.logger))
		admin.Use(adminRateLimitMiddleware(s.adminLimiter, s.logger))
		{
			admin.GET("/sessions", s.handleListSessions)
			admin.GET("/sessions/:customerID/history", s.handleSessionHistory)
			admin.POST("/sessions/:customerID/messages", s.handleAdminReply)
			admin.POST("/sessions/:customerID/read", s.handleMarkRead)
		}

		public := publicRateLimitMiddleware(s.publicLimiter)
		group.GET("/healthz", public, handleHealthCheck)
		group.GET("/readyz", public, s.handleReadyCheck)
		group.GET("/metrics/prometheus",
			metricsNetworkMiddleware(s.metricsNets, s.logger),
			public,
			gin.WrapH(promhttp.Handler()),
		)
	}

	s.logger.Info("Live chat service registered",
		"websocket_endpoint", prefix+"/ws",
		"admin_endpoints", prefix+"/admin/*",
		"health_endpoints", prefix+"/healthz, "+prefix+"/readyz",
		"metrics_endpoint", prefix+"/metrics/prometheus",
		"store_backend", s.cfg.Database.Backend,
		"relay_enabled", s.bus != nil,
	)
	return nil
}

// Router exposes the message router for embedding callers.
func (s *Service) Router() *router.MessageRouter {
	return s.router
}

// Shutdown closes live connections, stops background work and releases the
// relay. Steps continue after a failure; the first error is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown of live chat service")
	var errs []error

	if s.wsHandler != nil {
		if err := s.wsHandler.Shutdown(ctx); err != nil {
			s.logger.Warn("WebSocket handler shutdown error", "error", err)
			errs = append(errs, err)
		}
	}
	if s.router != nil {
		if err := s.router.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.adminLimiter.StopCleanup()
	s.publicLimiter.StopCleanup()

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			util.LogError(s.logger, "livechat", "close relay", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			util.LogError(s.logger, "livechat", "close redis client", err)
		}
	}

	s.registry.Close()
	if err := s.store.Close(ctx); err != nil {
		util.LogError(s.logger, "livechat", "close session store", err)
	}

	s.logger.Info("Live chat service shutdown complete")
	return errors.Join(errs...)
}

// handleWebSocket moves a query-string token into the Authorization header and
// redacts it from the URL so it never reaches access logs.
func (s *Service) handleWebSocket(c *gin.Context) {
	if token := c.Query("token"); token != "" {
		if c.Request.Header.Get(constants.HeaderAuthorization) == "" {
			c.Request.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
		}
		q := c.Request.URL.Query()
		q.Del("token")
		c.Request.URL.RawQuery = q.Encode()
	}
	s.wsHandler.HandleWebSocket(c.Writer, c.Request)
}

func (s *Service) handleListSessions(c *gin.Context) {
	limit := constants.DefaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		// No else needed: early return pattern (guard clause)
		if err != nil || n <= 0 {
			httperrors.RespondBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, constants.MaxSessionLimit)
	}

	sessions, err := s.router.ListSessions(c.Request.Context(), limit)
	if err != nil {
		httperrors.RespondChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
		"limit":    limit,
	})
}

func (s *Service) handleSessionHistory(c *gin.Context) {
	s.respondHistory(c, c.Param("customerID"))
}

// handleOwnHistory serves the caller's own session so a reconnecting widget can catch up.
func (s *Service) handleOwnHistory(c *gin.Context) {
	claims, ok := claimsFromContext(c, s.logger)
	if !ok {
		return
	}
	s.respondHistory(c, claims.UserID)
}

// respondHistory answers 200 with an empty list for customers that never wrote.
func (s *Service) respondHistory(c *gin.Context, customerID string) {
	msgs, err := s.router.GetChatHistory(c.Request.Context(), customerID)
	if chaterrors.IsCode(err, chaterrors.ErrCodeNotFound) {
		msgs = []message.Message{}
	} else if err != nil {
		httperrors.RespondChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"customerId": customerID,
		"messages":   msgs,
		"count":      len(msgs),
	})
}

// replyRequest is the body of an admin reply submitted over HTTP.
type replyRequest struct {
	Content string              `json:"content"`
	Type    message.ContentType `json:"type"`
}

func (s *Service) handleAdminReply(c *gin.Context) {
	var req replyRequest
	// No else needed: early return pattern (guard clause)
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "request body must be JSON with content and type")
		return
	}
	if req.Type == "" {
		req.Type = message.TypeText
	}

	msg, err := s.router.SubmitMessage(c.Request.Context(), message.SenderAdmin, c.Param("customerID"), req.Content, req.Type)
	if err != nil {
		httperrors.RespondChatError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (s *Service) handleMarkRead(c *gin.Context) {
	customerID := c.Param("customerID")
	if err := s.router.MarkRead(c.Request.Context(), customerID); err != nil {
		httperrors.RespondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customerId": customerID, "read": true})
}

func handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleReadyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.HealthCheckTimeout)
	defer cancel()

	checks := make(map[string]interface{})
	allReady := true

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Session store health check failed", "error", err, "component", "health")
		checks["store"] = map[string]interface{}{
			"status": "not ready",
			"reason": "Session store connectivity check failed",
		}
		allReady = false
	} else {
		checks["store"] = map[string]interface{}{
			"status":  "ready",
			"backend": s.cfg.Database.Backend,
		}
	}

	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			s.logger.Warn("Redis health check failed", "error", err, "component", "health")
			checks["redis"] = map[string]interface{}{
				"status": "not ready",
				"reason": "Relay connectivity check failed",
			}
			allReady = false
		} else {
			checks["redis"] = map[string]interface{}{
				"status":      "ready",
				"instance_id": s.bus.InstanceID(),
			}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allReady {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"checks":      checks,
		"connections": s.wsHandler.ConnectionCount(),
	})
}

// requestIDMiddleware propagates or assigns an X-Request-ID and stores it in the request context.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.HeaderRequestID)
		if id == "" {
			id = util.NewTraceID()
		}
		c.Request = c.Request.WithContext(util.ContextWithTraceID(c.Request.Context(), id))
		c.Header(constants.HeaderRequestID, id)
		c.Next()
	}
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// publicRateLimitMiddleware limits unauthenticated endpoints per client IP.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP respects trusted proxies, so X-Forwarded-For cannot be spoofed.
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			retryAfter := limiter.GetRetryAfter(clientIP)
			httperrors.RespondTooManyRequests(c, retryAfter)
			c.Abort()
			return
		}

		c.Next()
	}
}

// authMiddleware requires a valid token carrying an admin role.
func authMiddleware(validator auth.TokenValidator, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator, logger)
		if !ok {
			return
		}

		// No else needed: early return pattern (guard clause)
		if !claims.IsAdmin() {
			logger.Warn("Insufficient permissions for admin endpoint",
				"user_id", claims.UserID,
				"roles", claims.Roles,
				"component", "auth")
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// userAuthMiddleware requires a valid token of any role.
func userAuthMiddleware(validator auth.TokenValidator, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator, logger)
		if !ok {
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// authenticate validates the bearer token, responding and aborting on failure.
func authenticate(c *gin.Context, validator auth.TokenValidator, logger *logging.Logger) (*auth.Claims, bool) {
	token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
	// No else needed: early return pattern (guard clause)
	if err != nil {
		httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidAuthHeader)
		c.Abort()
		return nil, false
	}

	claims, err := validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		logger.Warn("Token validation failed",
			"error", err,
			"component", "auth")
		httperrors.RespondInvalidToken(c)
		c.Abort()
		return nil, false
	}
	return claims, true
}

func claimsFromContext(c *gin.Context, logger *logging.Logger) (*auth.Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		httperrors.RespondUnauthorized(c, "")
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	if !ok {
		util.LogError(logger, "http", "validate claims type", errors.New("invalid claims type in context"))
		httperrors.RespondInternalError(c)
		return nil, false
	}
	return claims, true
}

// adminRateLimitMiddleware limits admin endpoint calls per admin user.
func adminRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFromContext(c, logger)
		if !ok {
			c.Abort()
			return
		}

		if !limiter.Allow(claims.UserID) {
			retryAfter := limiter.GetRetryAfter(claims.UserID)
			logger.Warn("Admin rate limit exceeded",
				"user_id", claims.UserID,
				"endpoint", c.Request.URL.Path,
				"retry_after_ms", retryAfter,
				"component", "admin_rate_limit")

			httperrors.RespondTooManyRequests(c, retryAfter)
			c.Abort()
			return
		}

		c.Next()
	}
}

// parseNetworks parses CIDRs, skipping invalid entries with a warning.
func parseNetworks(cidrs []string, logger *logging.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts the scrape endpoint to allowed networks.
// An empty list allows everyone.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}

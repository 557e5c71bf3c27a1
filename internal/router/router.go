// Package router is the single mutating entry point for chat state. It
// validates, persists, and delivers messages, and dispatches inbound client
// events through one typed switch.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ironfuel/livechat/internal/constants"
	chaterrors "github.com/ironfuel/livechat/internal/errors"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/presence"
	"github.com/ironfuel/livechat/internal/ratelimit"
	"github.com/ironfuel/livechat/internal/registry"
	"github.com/ironfuel/livechat/internal/relay"
	"github.com/ironfuel/livechat/internal/storage"
	"github.com/ironfuel/livechat/internal/upload"
	"github.com/ironfuel/livechat/internal/util"
)

var (
	// ErrNilConnection is returned when a nil connection is provided
	ErrNilConnection = errors.New("connection cannot be nil")
	// ErrRouterClosed is returned by submissions after Shutdown
	ErrRouterClosed = errors.New("message router is shut down")
)

// Client is a live connection with the identity it authenticated as.
type Client interface {
	registry.Conn
	GetUserID() string
	GetName() string
	GetEmail() string
	IsAdmin() bool
}

// Notifier alerts offline admins. notification.Service implements it.
type Notifier interface {
	NotifyCustomerWaiting(ctx context.Context, customerID, displayName string, msg *message.Message) error
}

// Publisher forwards deliveries to other instances. relay.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, target relay.Target, customerID string, frame []byte) error
}

// Option configures a MessageRouter.
type Option func(*MessageRouter)

// WithMediaValidator sets the validator for image and video content.
func WithMediaValidator(v *upload.MediaValidator) Option {
	return func(mr *MessageRouter) { mr.media = v }
}

// WithNotifier enables offline alerts.
func WithNotifier(n Notifier) Option {
	return func(mr *MessageRouter) { mr.notifier = n }
}

// WithPublisher enables cross-instance delivery.
func WithPublisher(p Publisher) Option {
	return func(mr *MessageRouter) { mr.publisher = p }
}

// WithMessageLimiter replaces the default send_message limiter.
func WithMessageLimiter(l *ratelimit.MessageLimiter) Option {
	return func(mr *MessageRouter) { mr.messageLimiter = l }
}

// WithClock overrides the time source used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(mr *MessageRouter) { mr.now = now }
}

// MessageRouter routes messages between customers and the admin pool
type MessageRouter struct {
	store          storage.SessionStore
	registry       *registry.Registry
	broadcaster    *presence.Broadcaster
	media          *upload.MediaValidator
	notifier       Notifier
	publisher      Publisher
	messageLimiter *ratelimit.MessageLimiter
	locks          *customerLocks
	profiles       sync.Map // connectionID -> storage.Profile
	now            func() time.Time
	logger         *logging.Logger

	ctx      context.Context    // Lifecycle context, cancelled on Shutdown
	cancel   context.CancelFunc // Cancel function for lifecycle context
	tasks    sync.WaitGroup     // alerts and the lock janitor
	shutOnce sync.Once
}

// New creates a MessageRouter. The media validator defaults to the 5 MB bound.
func New(store storage.SessionStore, reg *registry.Registry, broadcaster *presence.Broadcaster, logger *logging.Logger, opts ...Option) *MessageRouter {
	ctx, cancel := context.WithCancel(context.Background())

	mr := &MessageRouter{
		store:       store,
		registry:    reg,
		broadcaster: broadcaster,
		locks:       newCustomerLocks(),
		now:         time.Now,
		logger:      logger.WithGroup("router"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(mr)
	}
	if mr.media == nil {
		mr.media = upload.NewMediaValidator(constants.DefaultMaxMediaSize)
	}
	if mr.messageLimiter == nil {
		mr.messageLimiter = ratelimit.NewMessageLimiter(constants.DefaultRateWindow, constants.DefaultRateLimit)
	}
	mr.messageLimiter.StartCleanup()

	mr.tasks.Add(1)
	util.SafeGo(mr.logger, "lock-janitor", func() {
		defer mr.tasks.Done()
		mr.runLockJanitor(constants.DefaultCleanupInterval)
	})

	return mr
}

// submitConfig holds per-call options of SubmitMessage.
type submitConfig struct {
	profile storage.Profile
}

// SubmitOption adjusts a single SubmitMessage call.
type SubmitOption func(*submitConfig)

// WithProfile stores the customer's display name and email with the session.
func WithProfile(displayName, email string) SubmitOption {
	return func(c *submitConfig) {
		c.profile = storage.Profile{
			DisplayName: message.SanitizeProfile(displayName),
			Email:       message.SanitizeProfile(email),
		}
	}
}

// SubmitMessage validates, persists, and delivers one message, returning it
// with its server-assigned ID and timestamp. Validation and size errors have no
// side effects; a persistence failure aborts before any delivery.
func (mr *MessageRouter) SubmitMessage(ctx context.Context, sender message.SenderType, customerID, content string, contentType message.ContentType, opts ...SubmitOption) (*message.Message, error) {
	if mr.ctx.Err() != nil {
		return nil, chaterrors.ErrServiceError(ErrRouterClosed)
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	content = message.SanitizeContent(content)
	if err := message.ValidateSubmission(sender, customerID, contentType, content); err != nil {
		return nil, mr.reject(toChatError(err, sender, customerID, content, contentType), sender, customerID)
	}
	if err := mr.media.Validate(contentType, content); err != nil {
		return nil, mr.reject(err, sender, customerID)
	}

	entry := mr.locks.acquire(customerID)
	defer mr.locks.release(entry)

	msg := &message.Message{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Sender:     sender,
		Type:       contentType,
		Content:    content,
		Timestamp:  entry.nextTimestamp(mr.now()),
	}

	// An accepted submission completes even if the sender goes away.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.MessageAppendTimeout)
	created, err := mr.store.AppendMessage(persistCtx, customerID, cfg.profile, msg)
	cancel()
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(mr.logger, "router", "persist message", err,
			"trace_id", util.TraceIDFromContext(ctx),
			"customer_id", customerID,
			"sender", sender,
			"message_id", msg.ID)
		return nil, mr.reject(chaterrors.ErrPersistenceFailure(err), sender, customerID)
	}
	entry.lastTS = msg.Timestamp

	if created {
		metrics.SessionsCreated.Inc()
		mr.logger.Info("Chat session created", "customer_id", customerID)
	}
	metrics.MessagesSubmitted.WithLabelValues(string(sender), string(contentType)).Inc()

	// Delivery stays under the customer lock so live order matches log order.
	mr.deliver(msg)

	if sender == message.SenderCustomer && mr.notifier != nil && !mr.registry.AdminOnline() {
		mr.alertOffline(customerID, cfg.profile.DisplayName, msg)
	}

	return msg, nil
}

// deliver fans a persisted message out to its recipients. Failures are swallowed.
func (mr *MessageRouter) deliver(msg *message.Message) {
	delivered := message.MessageDelivered{Message: *msg}
	refresh := message.RefreshChats{CustomerID: msg.CustomerID, LastMessage: msg}

	n := 0
	switch msg.Sender {
	case message.SenderCustomer:
		n = mr.broadcaster.NotifyAdmins(delivered)
		mr.publish(relay.TargetAdmins, "", delivered)
	case message.SenderAdmin:
		n = mr.broadcaster.NotifyCustomer(msg.CustomerID, delivered)
		mr.publish(relay.TargetCustomer, msg.CustomerID, delivered)
	}
	metrics.MessagesDelivered.Add(float64(n))

	mr.broadcaster.RefreshChats(msg.CustomerID, msg)
	mr.publish(relay.TargetAdmins, "", refresh)

	mr.logger.Debug("Message delivered",
		"customer_id", msg.CustomerID,
		"message_id", msg.ID,
		"sender", msg.Sender,
		"connections", n)
}

func (mr *MessageRouter) publish(target relay.Target, customerID string, ev message.ServerEvent) {
	if mr.publisher == nil {
		return
	}
	frame, err := message.EncodeServerEvent(ev)
	if err != nil {
		util.LogError(mr.logger, "router", "encode relay frame", err, "kind", ev.Kind())
		return
	}
	if err := mr.publisher.Publish(mr.ctx, target, customerID, frame); err != nil {
		util.LogError(mr.logger, "router", "publish relay frame", err,
			"kind", ev.Kind(),
			"target", target,
			"customer_id", customerID)
	}
}

func (mr *MessageRouter) alertOffline(customerID, displayName string, msg *message.Message) {
	mr.tasks.Add(1)
	util.SafeGo(mr.logger, "offline-alert", func() {
		defer mr.tasks.Done()
		ctx, cancel := context.WithTimeout(mr.ctx, constants.NotificationTimeout)
		defer cancel()
		if err := mr.notifier.NotifyCustomerWaiting(ctx, customerID, displayName, msg); err != nil {
			util.LogError(mr.logger, "router", "send offline alert", err, "customer_id", customerID)
		}
	})
}

// HandleRelayEnvelope delivers a frame published by another instance to local connections.
func (mr *MessageRouter) HandleRelayEnvelope(env relay.Envelope) {
	ev, err := message.DecodeServerEvent(env.Frame)
	if err != nil {
		mr.logger.Warn("Discarding undecodable relay frame", "error", err, "origin", env.Origin)
		return
	}

	switch env.Target {
	case relay.TargetAdmins:
		mr.broadcaster.NotifyAdmins(ev)
	case relay.TargetCustomer:
		mr.broadcaster.NotifyCustomer(env.CustomerID, ev)
	}
}

// ListSessions returns session summaries, most recently updated first.
func (mr *MessageRouter) ListSessions(ctx context.Context, limit int) ([]message.SessionSummary, error) {
	sessions, err := mr.store.ListSessions(ctx, limit)
	if err != nil {
		util.LogError(mr.logger, "router", "list sessions", err)
		return nil, chaterrors.ErrServiceError(err)
	}
	return sessions, nil
}

// GetChatHistory returns a customer's messages in chronological order, or a
// NOT_FOUND ChatError when the customer has never written.
func (mr *MessageRouter) GetChatHistory(ctx context.Context, customerID string) ([]message.Message, error) {
	if customerID == "" {
		return nil, chaterrors.ErrMissingField("customerId")
	}

	sess, err := mr.store.GetSession(ctx, customerID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, chaterrors.ErrNotFound("session")
	}
	if err != nil {
		util.LogError(mr.logger, "router", "get chat history", err, "customer_id", customerID)
		return nil, chaterrors.ErrServiceError(err)
	}
	return sess.Messages, nil
}

// MarkRead flags a session's customer messages as read and refreshes admin consoles.
func (mr *MessageRouter) MarkRead(ctx context.Context, customerID string) error {
	if customerID == "" {
		return chaterrors.ErrMissingField("customerId")
	}

	err := mr.store.MarkRead(ctx, customerID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return chaterrors.ErrNotFound("session")
	}
	if err != nil {
		util.LogError(mr.logger, "router", "mark read", err, "customer_id", customerID)
		return chaterrors.ErrServiceError(err)
	}

	refresh := message.RefreshChats{CustomerID: customerID}
	mr.broadcaster.NotifyAdmins(refresh)
	mr.publish(relay.TargetAdmins, "", refresh)
	return nil
}

// Connect registers a freshly opened connection: admins join the admin pool,
// everyone else is bound to their own customer ID. The client then receives
// the current presence state.
func (mr *MessageRouter) Connect(conn Client) error {
	if conn == nil {
		return ErrNilConnection
	}

	var err error
	if conn.IsAdmin() {
		err = mr.registry.RegisterAdminConnection(conn)
	} else {
		err = mr.registry.RegisterCustomerConnection(conn, conn.GetUserID())
	}
	if err != nil {
		return err
	}

	mr.broadcaster.SendPresenceTo(conn)
	return nil
}

// Disconnect removes every binding of conn. Unknown connections are ignored.
func (mr *MessageRouter) Disconnect(conn Client) {
	if conn == nil {
		return
	}
	mr.profiles.Delete(conn.GetConnectionID())
	mr.registry.UnregisterConnection(conn.GetConnectionID())
}

// HandleEvent dispatches one inbound client event. Errors are reported to
// conn as an error event and also returned.
func (mr *MessageRouter) HandleEvent(ctx context.Context, conn Client, ev message.ClientEvent) error {
	if conn == nil {
		return ErrNilConnection
	}

	var err error
	switch e := ev.(type) {
	case message.CustomerConnect:
		err = mr.handleCustomerConnect(conn, e)
	case message.AdminJoin:
		err = mr.handleAdminJoin(conn)
	case message.AdminLeave:
		err = mr.handleAdminLeave(conn)
	case message.SendMessage:
		err = mr.handleSendMessage(ctx, conn, e)
	case message.MarkRead:
		err = mr.handleMarkRead(ctx, conn, e)
	default:
		err = chaterrors.ErrInvalidMessageFormat(fmt.Sprintf("unsupported event %T", ev), nil)
	}

	// No else needed: early return pattern (guard clause)
	if err != nil {
		mr.HandleError(conn, err)
		return err
	}
	return nil
}

func (mr *MessageRouter) handleCustomerConnect(conn Client, e message.CustomerConnect) error {
	if conn.IsAdmin() {
		return chaterrors.ErrInsufficientPermissions("admin connections cannot bind to a customer")
	}
	customerID := conn.GetUserID()
	if e.CustomerID != "" && e.CustomerID != customerID {
		return chaterrors.ErrInsufficientPermissions("cannot connect as another customer")
	}

	if e.DisplayName != "" || e.Email != "" {
		mr.profiles.Store(conn.GetConnectionID(), storage.Profile{
			DisplayName: message.SanitizeProfile(e.DisplayName),
			Email:       message.SanitizeProfile(e.Email),
		})
	}

	if err := mr.registry.RegisterCustomerConnection(conn, customerID); err != nil {
		return chaterrors.ErrServiceError(err)
	}
	mr.broadcaster.SendPresenceTo(conn)
	return nil
}

func (mr *MessageRouter) handleAdminJoin(conn Client) error {
	if !conn.IsAdmin() {
		return chaterrors.ErrInsufficientPermissions("admin role required")
	}
	if err := mr.registry.RegisterAdminConnection(conn); err != nil {
		return chaterrors.ErrServiceError(err)
	}
	mr.broadcaster.SendPresenceTo(conn)
	return nil
}

func (mr *MessageRouter) handleAdminLeave(conn Client) error {
	if b, ok := mr.registry.Lookup(conn.GetConnectionID()); ok && b.Role == registry.RoleAdmin {
		mr.registry.UnregisterConnection(conn.GetConnectionID())
	}
	return nil
}

func (mr *MessageRouter) handleSendMessage(ctx context.Context, conn Client, e message.SendMessage) error {
	if !mr.messageLimiter.Allow(conn.GetUserID()) {
		retryAfter := mr.messageLimiter.GetRetryAfter(conn.GetUserID())
		mr.logger.Warn("Message rate limit exceeded",
			"user_id", conn.GetUserID(),
			"retry_after", retryAfter)
		return chaterrors.ErrTooManyRequests(retryAfter)
	}

	var (
		sender     message.SenderType
		customerID string
		opts       []SubmitOption
	)

	if conn.IsAdmin() {
		if e.Sender != "" && e.Sender != message.SenderAdmin {
			return chaterrors.ErrInvalidSender(string(e.Sender))
		}
		sender = message.SenderAdmin
		customerID = e.CustomerID
	} else {
		if e.Sender != "" && e.Sender != message.SenderCustomer {
			return chaterrors.ErrInvalidSender(string(e.Sender))
		}
		if e.CustomerID != "" && e.CustomerID != conn.GetUserID() {
			return chaterrors.ErrInsufficientPermissions("cannot send on behalf of another customer")
		}
		sender = message.SenderCustomer
		customerID = conn.GetUserID()
		opts = append(opts, mr.profileFor(conn))
	}

	msg, err := mr.SubmitMessage(ctx, sender, customerID, e.Content, e.Type, opts...)
	if err != nil {
		return err
	}

	presence.Send(conn, message.MessageAck{Message: *msg}, mr.logger)
	return nil
}

// profileFor prefers details announced in customer_connect over token claims.
func (mr *MessageRouter) profileFor(conn Client) SubmitOption {
	name, email := conn.GetName(), conn.GetEmail()
	if v, ok := mr.profiles.Load(conn.GetConnectionID()); ok {
		p := v.(storage.Profile)
		if p.DisplayName != "" {
			name = p.DisplayName
		}
		if p.Email != "" {
			email = p.Email
		}
	}
	return WithProfile(name, email)
}

func (mr *MessageRouter) handleMarkRead(ctx context.Context, conn Client, e message.MarkRead) error {
	if !conn.IsAdmin() {
		return chaterrors.ErrInsufficientPermissions("admin role required")
	}
	return mr.MarkRead(ctx, e.CustomerID)
}

// HandleError sends err to conn as an error event. Non-ChatErrors are reported
// as a generic service error so internals never reach the client.
func (mr *MessageRouter) HandleError(conn registry.Conn, err error) {
	// No else needed: early return pattern (guard clause)
	if err == nil || conn == nil {
		return
	}

	chatErr, ok := chaterrors.As(err)
	if !ok {
		chatErr = chaterrors.NewServiceError(chaterrors.ErrCodeServiceError, "An unexpected error occurred", err)
	}

	mr.logger.Warn("Request failed",
		"connection_id", conn.GetConnectionID(),
		"error_code", chatErr.Code,
		"error_category", chatErr.Category,
		"error_message", chatErr.Message,
		"recoverable", chatErr.Recoverable)

	presence.Send(conn, message.ErrorEvent{Error: chatErr.ToErrorInfo()}, mr.logger)
}

// reject counts a failed submission and returns err unchanged.
func (mr *MessageRouter) reject(err error, sender message.SenderType, customerID string) error {
	code := string(chaterrors.ErrCodeServiceError)
	if chatErr, ok := chaterrors.As(err); ok {
		code = string(chatErr.Code)
	}
	metrics.MessageErrors.WithLabelValues(code).Inc()
	mr.logger.Debug("Message rejected",
		"customer_id", customerID,
		"sender", sender,
		"code", code)
	return err
}

// toChatError maps a validation failure onto the wire taxonomy.
func toChatError(err error, sender message.SenderType, customerID, content string, contentType message.ContentType) error {
	var vErr *message.ValidationError
	if !errors.As(err, &vErr) {
		return chaterrors.ErrInvalidMessageFormat(err.Error(), err)
	}
	switch {
	case vErr.Field == "customerId" && customerID == "":
		return chaterrors.ErrMissingField("customerId")
	case vErr.Field == "sender":
		return chaterrors.ErrInvalidSender(string(sender))
	case vErr.Field == "type":
		return chaterrors.ErrInvalidContentType(string(contentType))
	case vErr.Field == "content" && content == "":
		return chaterrors.ErrMissingField("content")
	default:
		return chaterrors.ErrInvalidMessageFormat(vErr.Message, err)
	}
}

func (mr *MessageRouter) runLockJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := mr.locks.prune(constants.SessionLockIdleTTL); n > 0 {
				mr.logger.Debug("Pruned idle customer locks", "removed", n)
			}
		case <-mr.ctx.Done():
			return
		}
	}
}

// Shutdown stops background work and waits for in-flight alerts until ctx expires.
func (mr *MessageRouter) Shutdown(ctx context.Context) error {
	var err error
	mr.shutOnce.Do(func() {
		mr.logger.Info("Shutting down message router")
		mr.cancel()
		mr.messageLimiter.StopCleanup()

		done := make(chan struct{})
		go func() {
			mr.tasks.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			mr.logger.Warn("Router shutdown deadline exceeded")
			err = ctx.Err()
		}
	})
	return err
}

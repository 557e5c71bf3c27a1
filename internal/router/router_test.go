package router

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfuel/livechat/internal/constants"
	chaterrors "github.com/ironfuel/livechat/internal/errors"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/presence"
	"github.com/ironfuel/livechat/internal/ratelimit"
	"github.com/ironfuel/livechat/internal/registry"
	"github.com/ironfuel/livechat/internal/relay"
	"github.com/ironfuel/livechat/internal/testutil"
)

type fixture struct {
	router   *MessageRouter
	registry *registry.Registry
	store    *testutil.MockSessionStore
	notifier *testutil.MockNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := logging.New(io.Discard, "error")
	reg := registry.New(logger)
	b := presence.NewBroadcaster(reg, logger)
	b.Attach()

	store := testutil.NewMockSessionStore()
	notifier := &testutil.MockNotifier{}

	all := append([]Option{
		WithNotifier(notifier),
		WithMessageLimiter(ratelimit.NewMessageLimiter(time.Minute, 1000)),
	}, opts...)
	mr := New(store, reg, b, logger, all...)
	t.Cleanup(func() { _ = mr.Shutdown(context.Background()) })

	return &fixture{router: mr, registry: reg, store: store, notifier: notifier}
}

func (f *fixture) connect(t *testing.T, connID, userID string, admin bool) *testutil.MockClient {
	t.Helper()
	c := testutil.NewMockClient(connID, userID, admin)
	require.NoError(t, f.router.Connect(c))
	return c
}

func delivered(c *testutil.MockClient) []message.Message {
	var out []message.Message
	for _, ev := range c.EventsOfKind(message.KindMessageDelivered) {
		out = append(out, ev.(message.MessageDelivered).Message)
	}
	return out
}

func errorCodes(c *testutil.MockClient) []string {
	var out []string
	for _, ev := range c.EventsOfKind(message.KindError) {
		out = append(out, ev.(message.ErrorEvent).Error.Code)
	}
	return out
}

func send(content string) message.SendMessage {
	return message.SendMessage{Content: content, Type: message.TypeText}
}

func TestCustomerMessageFansOutToAdminsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "a1", "admin-1", true)
	a2 := f.connect(t, "a2", "admin-2", true)
	c1 := f.connect(t, "c1", "cust-1", false)

	require.NoError(t, f.router.HandleEvent(ctx, c1, send("hello")))

	for _, a := range []*testutil.MockClient{a1, a2} {
		msgs := delivered(a)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Content)
		assert.Equal(t, message.SenderCustomer, msgs[0].Sender)
		assert.Equal(t, "cust-1", msgs[0].CustomerID)

		refresh := a.EventsOfKind(message.KindRefreshChats)
		require.Len(t, refresh, 1)
		assert.Equal(t, "cust-1", refresh[0].(message.RefreshChats).CustomerID)
	}

	assert.Empty(t, delivered(c1), "customer messages are not echoed as deliveries")
	acks := c1.EventsOfKind(message.KindMessageAck)
	require.Len(t, acks, 1)
	ack := acks[0].(message.MessageAck).Message
	assert.NotEmpty(t, ack.ID)
	assert.False(t, ack.Timestamp.IsZero())
	assert.Equal(t, delivered(a1)[0].ID, ack.ID)
}

func TestAdminReplyReachesOnlyTargetCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "a1", "admin-1", true)
	a2 := f.connect(t, "a2", "admin-2", true)
	c1 := f.connect(t, "c1", "cust-1", false)
	c1tab := f.connect(t, "c1-tab2", "cust-1", false)
	c2 := f.connect(t, "c2", "cust-2", false)

	reply := message.SendMessage{CustomerID: "cust-1", Sender: message.SenderAdmin, Content: "Bien sûr", Type: message.TypeText}
	require.NoError(t, f.router.HandleEvent(ctx, a1, reply))

	for _, c := range []*testutil.MockClient{c1, c1tab} {
		msgs := delivered(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, message.SenderAdmin, msgs[0].Sender)
	}
	assert.Empty(t, delivered(c2))
	assert.Empty(t, delivered(a2), "other admins only get a refresh signal")
	assert.Len(t, a2.EventsOfKind(message.KindRefreshChats), 1)
	assert.Len(t, a1.EventsOfKind(message.KindMessageAck), 1)
}

func TestAdminReplyToOfflineCustomerIsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.router.SubmitMessage(ctx, message.SenderAdmin, "cust-away", "we'll be in touch", message.TypeText)
	require.NoError(t, err)

	history, err := f.router.GetChatHistory(ctx, "cust-away")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestSubmitMessageCreatesOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-42", "hi", message.TypeText)
	require.NoError(t, err)
	_, err = f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-42", "hi", message.TypeText)
	require.NoError(t, err)

	sessions, err := f.router.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "cust-42", sessions[0].CustomerID)
	assert.Equal(t, 2, sessions[0].MessageCount)
}

func TestOversizedMediaIsRejectedBeforePersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "a1", "admin-1", true)
	a1.Reset()

	payload := "data:image/png;base64," + strings.Repeat("A", 6*1024*1024)
	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", payload, message.TypeImage)

	require.Error(t, err)
	chatErr, ok := chaterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterrors.ErrCodePayloadTooLarge, chatErr.Code)
	assert.Equal(t, int64(constants.DefaultMaxMediaSize), chatErr.Limit)

	assert.Zero(t, f.store.Appends())
	assert.Empty(t, a1.Frames())

	_, err = f.router.GetChatHistory(ctx, "cust-1")
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeNotFound))
}

func TestOversizedMediaErrorReachesSender(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "cust-1", false)

	ev := message.SendMessage{Content: "data:video/mp4;base64," + strings.Repeat("A", 6*1024*1024), Type: message.TypeVideo}
	err := f.router.HandleEvent(context.Background(), c1, ev)

	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodePayloadTooLarge))
	errs := c1.EventsOfKind(message.KindError)
	require.Len(t, errs, 1)
	info := errs[0].(message.ErrorEvent).Error
	assert.Equal(t, string(chaterrors.ErrCodePayloadTooLarge), info.Code)
	assert.Equal(t, int64(constants.DefaultMaxMediaSize), info.Limit)
}

func TestPersistenceFailureAbortsDelivery(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, "a1", "admin-1", true)
	c1 := f.connect(t, "c1", "cust-1", false)
	a1.Reset()

	f.store.SetAppendError(errors.New("mongo unreachable"))
	err := f.router.HandleEvent(context.Background(), c1, send("hello"))

	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodePersistenceFailure))
	assert.Empty(t, a1.Frames())
	assert.Equal(t, []string{string(chaterrors.ErrCodePersistenceFailure)}, errorCodes(c1))
	assert.Empty(t, c1.EventsOfKind(message.KindMessageAck))
}

func TestPersistenceSurvivesSenderCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "sent just before closing the tab", message.TypeText)
	require.NoError(t, err)

	history, err := f.router.GetChatHistory(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		sender      message.SenderType
		customerID  string
		content     string
		contentType message.ContentType
		code        chaterrors.ErrorCode
	}{
		{"missing customer", message.SenderCustomer, "", "hi", message.TypeText, chaterrors.ErrCodeMissingField},
		{"unknown type", message.SenderCustomer, "cust-1", "hi", message.ContentType("audio"), chaterrors.ErrCodeInvalidContentType},
		{"unknown sender", message.SenderType("bot"), "cust-1", "hi", message.TypeText, chaterrors.ErrCodeInvalidSender},
		{"empty content", message.SenderCustomer, "cust-1", "   ", message.TypeText, chaterrors.ErrCodeMissingField},
		{"text too long", message.SenderCustomer, "cust-1", strings.Repeat("x", message.MaxTextLength+1), message.TypeText, chaterrors.ErrCodeInvalidFormat},
		{"media not a data uri or url", message.SenderCustomer, "cust-1", "just words", message.TypeImage, chaterrors.ErrCodeInvalidMedia},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.router.SubmitMessage(context.Background(), tt.sender, tt.customerID, tt.content, tt.contentType)
			require.Error(t, err)
			assert.True(t, chaterrors.IsCode(err, tt.code), "got %v", err)
			assert.Zero(t, f.store.Appends())
		})
	}
}

func TestSendMessageAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.connect(t, "c1", "cust-1", false)
	a1 := f.connect(t, "a1", "admin-1", true)

	err := f.router.HandleEvent(ctx, c1, message.SendMessage{CustomerID: "cust-2", Content: "hi", Type: message.TypeText})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInsufficientPerms))

	err = f.router.HandleEvent(ctx, c1, message.SendMessage{Sender: message.SenderAdmin, Content: "hi", Type: message.TypeText})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInvalidSender))

	err = f.router.HandleEvent(ctx, a1, message.SendMessage{Sender: message.SenderCustomer, CustomerID: "cust-1", Content: "hi", Type: message.TypeText})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInvalidSender))

	err = f.router.HandleEvent(ctx, a1, send("no target"))
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeMissingField))

	assert.Zero(t, f.store.Appends())
	assert.Len(t, errorCodes(c1), 2)
	assert.Len(t, errorCodes(a1), 2)
}

func TestAdminOnlyEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.connect(t, "c1", "cust-1", false)

	err := f.router.HandleEvent(ctx, c1, message.AdminJoin{})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInsufficientPerms))
	assert.False(t, f.registry.AdminOnline())

	err = f.router.HandleEvent(ctx, c1, message.MarkRead{CustomerID: "cust-1"})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInsufficientPerms))

	assert.Equal(t, []string{
		string(chaterrors.ErrCodeInsufficientPerms),
		string(chaterrors.ErrCodeInsufficientPerms),
	}, errorCodes(c1))
}

func TestAdminLeaveAndJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.connect(t, "c1", "cust-1", false)
	a1 := f.connect(t, "a1", "admin-1", true)
	assert.True(t, f.registry.AdminOnline())

	require.NoError(t, f.router.HandleEvent(ctx, a1, message.AdminLeave{}))
	assert.False(t, f.registry.AdminOnline())

	require.NoError(t, f.router.HandleEvent(ctx, a1, message.AdminJoin{}))
	require.NoError(t, f.router.HandleEvent(ctx, a1, message.AdminJoin{}))
	assert.True(t, f.registry.AdminOnline())

	var states []bool
	for _, ev := range c1.EventsOfKind(message.KindAdminPresenceChanged) {
		states = append(states, ev.(message.AdminPresenceChanged).Online)
	}
	assert.Equal(t, []bool{false, true, false, true}, states)

	// admin_leave from a customer is harmless
	require.NoError(t, f.router.HandleEvent(ctx, c1, message.AdminLeave{}))
	assert.Len(t, f.registry.ConnectionsForCustomer("cust-1"), 1)
}

func TestCustomerConnectEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := testutil.NewMockClient("c1", "cust-1", false)

	require.NoError(t, f.router.HandleEvent(ctx, c1, message.CustomerConnect{DisplayName: "Alice", Email: "alice@example.com"}))
	require.NoError(t, f.router.HandleEvent(ctx, c1, message.CustomerConnect{CustomerID: "cust-1"}))
	assert.Len(t, f.registry.ConnectionsForCustomer("cust-1"), 1)

	err := f.router.HandleEvent(ctx, c1, message.CustomerConnect{CustomerID: "cust-9"})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInsufficientPerms))

	a1 := testutil.NewMockClient("a1", "admin-1", true)
	err = f.router.HandleEvent(ctx, a1, message.CustomerConnect{})
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeInsufficientPerms))

	require.NoError(t, f.router.HandleEvent(ctx, c1, send("hi")))
	sessions, err := f.router.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Alice", sessions[0].CustomerDisplayName)
	assert.Equal(t, "alice@example.com", sessions[0].CustomerEmail)
}

func TestMessageRateLimit(t *testing.T) {
	f := newFixture(t, WithMessageLimiter(ratelimit.NewMessageLimiter(time.Minute, 2)))
	ctx := context.Background()
	c1 := f.connect(t, "c1", "cust-1", false)

	require.NoError(t, f.router.HandleEvent(ctx, c1, send("1")))
	require.NoError(t, f.router.HandleEvent(ctx, c1, send("2")))
	err := f.router.HandleEvent(ctx, c1, send("3"))

	chatErr, ok := chaterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterrors.ErrCodeTooManyRequests, chatErr.Code)
	assert.Greater(t, chatErr.RetryAfter, 0)
	assert.Equal(t, 2, f.store.Appends())
}

func TestStaleConnectionsDoNotFailSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.connect(t, "a1", "admin-1", true)
	live := f.connect(t, "a2", "admin-2", true)
	stale.SetReject(true)

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "hello", message.TypeText)
	require.NoError(t, err)
	assert.Len(t, delivered(live), 1)
}

func TestOfflineAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "anyone there?", message.TypeText, WithProfile("alice", ""))
	require.NoError(t, err)

	testutil.Eventually(t, func() bool { return len(f.notifier.Alerts()) == 1 })
	alert := f.notifier.Alerts()[0]
	assert.Equal(t, "cust-1", alert.CustomerID)
	assert.Equal(t, "alice", alert.DisplayName)

	// Admin replies and online admins never trigger alerts.
	f.connect(t, "a1", "admin-1", true)
	_, err = f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "still there?", message.TypeText)
	require.NoError(t, err)
	_, err = f.router.SubmitMessage(ctx, message.SenderAdmin, "cust-1", "yes", message.TypeText)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.notifier.Alerts(), 1)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "a1", "admin-1", true)

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "one", message.TypeText)
	require.NoError(t, err)
	_, err = f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "two", message.TypeText)
	require.NoError(t, err)

	sessions, err := f.router.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sessions[0].UnreadCount)

	a1.Reset()
	require.NoError(t, f.router.HandleEvent(ctx, a1, message.MarkRead{CustomerID: "cust-1"}))

	sessions, err = f.router.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sessions[0].UnreadCount)
	assert.Len(t, a1.EventsOfKind(message.KindRefreshChats), 1)

	err = f.router.MarkRead(ctx, "nobody")
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeNotFound))
	err = f.router.MarkRead(ctx, "")
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeMissingField))
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.ListError = errors.New("boom")
	_, err := f.router.ListSessions(ctx, 10)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeServiceError))

	f.store.GetError = errors.New("boom")
	_, err = f.router.GetChatHistory(ctx, "cust-1")
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeServiceError))

	_, err = f.router.GetChatHistory(ctx, "")
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeMissingField))
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "c1", "cust-1", false)
	a1 := f.connect(t, "a1", "admin-1", true)

	assert.Len(t, f.registry.ConnectionsForCustomer("cust-1"), 1)
	assert.True(t, f.registry.AdminOnline())

	f.router.Disconnect(a1)
	f.router.Disconnect(a1)
	f.router.Disconnect(nil)
	assert.False(t, f.registry.AdminOnline())

	f.router.Disconnect(c1)
	assert.Empty(t, f.registry.ConnectionsForCustomer("cust-1"))

	assert.ErrorIs(t, f.router.Connect(nil), ErrNilConnection)
	assert.ErrorIs(t, f.router.HandleEvent(context.Background(), nil, message.AdminJoin{}), ErrNilConnection)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []relay.Envelope
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, target relay.Target, customerID string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, relay.Envelope{Target: target, CustomerID: customerID, Frame: frame})
	return p.err
}

func (p *recordingPublisher) get() []relay.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.Envelope(nil), p.envs...)
}

func TestDeliveriesArePublishedToRelay(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, WithPublisher(pub))
	ctx := context.Background()

	_, err := f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "hi", message.TypeText)
	require.NoError(t, err)
	_, err = f.router.SubmitMessage(ctx, message.SenderAdmin, "cust-1", "hello", message.TypeText)
	require.NoError(t, err)

	envs := pub.get()
	require.Len(t, envs, 4)
	assert.Equal(t, relay.TargetAdmins, envs[0].Target)
	assert.Equal(t, relay.TargetAdmins, envs[1].Target)
	assert.Equal(t, relay.TargetCustomer, envs[2].Target)
	assert.Equal(t, "cust-1", envs[2].CustomerID)
	assert.Equal(t, relay.TargetAdmins, envs[3].Target)

	ev, err := message.DecodeServerEvent(envs[2].Frame)
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.(message.MessageDelivered).Message.Content)

	pub.mu.Lock()
	pub.err = errors.New("redis down")
	pub.mu.Unlock()
	_, err = f.router.SubmitMessage(ctx, message.SenderCustomer, "cust-1", "still works", message.TypeText)
	assert.NoError(t, err, "relay failures never fail a submission")
}

func TestHandleRelayEnvelope(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, "a1", "admin-1", true)
	c1 := f.connect(t, "c1", "cust-1", false)
	c2 := f.connect(t, "c2", "cust-2", false)

	frame, err := message.EncodeServerEvent(message.MessageDelivered{Message: message.Message{ID: "remote", Content: "from elsewhere"}})
	require.NoError(t, err)

	f.router.HandleRelayEnvelope(relay.Envelope{Origin: "other", Target: relay.TargetCustomer, CustomerID: "cust-1", Frame: frame})
	f.router.HandleRelayEnvelope(relay.Envelope{Origin: "other", Target: relay.TargetAdmins, Frame: frame})
	f.router.HandleRelayEnvelope(relay.Envelope{Origin: "other", Target: relay.TargetAdmins, Frame: []byte(`{"kind":"bogus"}`)})

	assert.Len(t, delivered(c1), 1)
	assert.Empty(t, delivered(c2))
	assert.Len(t, delivered(a1), 1)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Shutdown(context.Background()))
	require.NoError(t, f.router.Shutdown(context.Background()))

	_, err := f.router.SubmitMessage(context.Background(), message.SenderCustomer, "cust-1", "late", message.TypeText)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeServiceError))
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice-tab", "cust-1", false)
	admin := f.connect(t, "console", "admin-1", true)

	require.NoError(t, f.router.HandleEvent(ctx, alice, send("Besoin d'un conseil")))

	sessions, err := f.router.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "cust-1", sessions[0].CustomerID)

	history, err := f.router.GetChatHistory(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, message.SenderCustomer, history[0].Sender)
	assert.Equal(t, message.TypeText, history[0].Type)
	assert.Equal(t, "Besoin d'un conseil", history[0].Content)
	t1 := history[0].Timestamp
	assert.True(t, sessions[0].LastUpdated.Equal(t1))

	reply := message.SendMessage{CustomerID: "cust-1", Sender: message.SenderAdmin, Content: "Bien sûr, dites-moi tout", Type: message.TypeText}
	require.NoError(t, f.router.HandleEvent(ctx, admin, reply))

	history, err = f.router.GetChatHistory(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, message.SenderAdmin, history[1].Sender)
	assert.Equal(t, "Bien sûr, dites-moi tout", history[1].Content)
	assert.True(t, history[1].Timestamp.After(t1))

	got := delivered(alice)
	require.Len(t, got, 1)
	assert.Equal(t, history[1].ID, got[0].ID)
}

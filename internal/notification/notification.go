// Package notification alerts admins by email and SMS when a customer writes
// while nobody is online to answer.
package notification

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"gopkg.in/gomail.v2"

	"github.com/ironfuel/livechat/internal/config"
	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/util"
)

const maxPreviewLength = 280

// MailSender delivers composed email messages. *gomail.Dialer implements it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMSSender delivers a text message.
type SMSSender interface {
	Send(to, from, body string) error
}

// twilioSender sends SMS through the Twilio REST API.
type twilioSender struct {
	client *twilio.RestClient
}

// NewTwilioSender creates an SMSSender backed by Twilio.
func NewTwilioSender(accountSID, authToken string) SMSSender {
	return &twilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

func (s *twilioSender) Send(to, from, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	_, err := s.client.Api.CreateMessage(params)
	return err
}

// Settings are the recipients and links used in alerts.
type Settings struct {
	AdminEmails   []string
	AdminPhones   []string
	EmailFrom     string
	SMSFrom       string
	AdminPanelURL string
}

// Service handles sending email and SMS notifications
type Service struct {
	mailer      MailSender
	smsSender   SMSSender
	settings    Settings
	logger      *logging.Logger
	rateLimiter *RateLimiter
}

// RateLimiter prevents notification flooding
type RateLimiter struct {
	events  map[string][]time.Time
	window  time.Duration
	limit   int
	maxKeys int
	mu      sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		events:  make(map[string][]time.Time),
		window:  window,
		limit:   limit,
		maxKeys: constants.MaxUsersTracked,
	}
}

// Allow checks if an event is allowed based on rate limiting
func (rl *RateLimiter) Allow(eventKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Cap map growth: at capacity, drop aged-out keys before rejecting a new one
	events := rl.events[eventKey]
	if events == nil && len(rl.events) >= rl.maxKeys {
		rl.evictExpired(cutoff)
		if len(rl.events) >= rl.maxKeys {
			return false
		}
	}

	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.events[eventKey] = recent
		return false
	}

	rl.events[eventKey] = append(recent, now)
	return true
}

// evictExpired removes keys with no event after cutoff. Callers hold mu.
func (rl *RateLimiter) evictExpired(cutoff time.Time) {
	for key, events := range rl.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(rl.events, key)
		}
	}
}

// NewService builds a Service from configuration. Email is enabled when an
// SMTP host is set and SMS when Twilio credentials are set; either may be absent.
func NewService(cfg config.NotificationConfig, logger *logging.Logger) *Service {
	nlog := logger.WithGroup("notification")

	var mailer MailSender
	if cfg.SMTPHost != "" {
		port := cfg.SMTPPort
		if port == 0 {
			port = constants.DefaultSMTPPort
		}
		mailer = gomail.NewDialer(cfg.SMTPHost, port, cfg.SMTPUser, cfg.SMTPPass)
	} else {
		nlog.Warn("SMTP not configured - email notifications will be skipped")
	}

	var sms SMSSender
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		sms = NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	} else {
		nlog.Warn("SMS not configured - SMS notifications will be skipped")
	}

	return NewServiceWithSenders(Settings{
		AdminEmails:   cfg.AdminEmails,
		AdminPhones:   cfg.AdminPhones,
		EmailFrom:     cfg.EmailFrom,
		SMSFrom:       cfg.SMSFrom,
		AdminPanelURL: strings.TrimRight(cfg.AdminPanelURL, "/"),
	}, mailer, sms, nlog)
}

// NewServiceWithSenders builds a Service over explicit senders. Nil senders disable that channel.
func NewServiceWithSenders(settings Settings, mailer MailSender, sms SMSSender, logger *logging.Logger) *Service {
	return &Service{
		mailer:      mailer,
		smsSender:   sms,
		settings:    settings,
		logger:      logger,
		rateLimiter: NewRateLimiter(constants.NotificationRateWindow, constants.NotificationRateLimit),
	}
}

// Enabled reports whether at least one channel has both a sender and recipients.
func (s *Service) Enabled() bool {
	return (s.mailer != nil && len(s.settings.AdminEmails) > 0) ||
		(s.smsSender != nil && len(s.settings.AdminPhones) > 0)
}

// NotifyCustomerWaiting alerts admins that customerID wrote msg while no admin
// was online. Alerts for one customer are rate limited; a suppressed alert is not an error.
func (s *Service) NotifyCustomerWaiting(ctx context.Context, customerID, displayName string, msg *message.Message) error {
	if !s.Enabled() {
		return nil
	}

	eventKey := "customer_waiting:" + customerID
	if !s.rateLimiter.Allow(eventKey) {
		s.logger.Warn("Customer waiting notification rate limited", "customer_id", customerID)
		metrics.NotificationsSent.WithLabelValues("any", "rate_limited").Inc()
		return nil
	}

	who := displayName
	if who == "" {
		who = customerID
	}
	preview := previewContent(msg)

	var firstErr error

	if s.mailer != nil && len(s.settings.AdminEmails) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		m := gomail.NewMessage()
		if s.settings.EmailFrom != "" {
			m.SetHeader("From", s.settings.EmailFrom)
		}
		m.SetHeader("To", s.settings.AdminEmails...)
		m.SetHeader("Subject", fmt.Sprintf("Live chat - %s is waiting", who))
		m.SetBody("text/plain", fmt.Sprintf("Customer: %s (%s)\nMessage: %s\nTime: %s",
			who, customerID, preview, msg.Timestamp.UTC().Format(time.RFC3339)))
		m.AddAlternative("text/html", buildCustomerWaitingHTML(customerID, who, preview, msg.Timestamp, s.settings.AdminPanelURL))

		if err := s.mailer.DialAndSend(m); err != nil {
			util.LogError(s.logger, "notification", "send customer waiting email", err, "customer_id", customerID)
			metrics.NotificationsSent.WithLabelValues("email", "failed").Inc()
			firstErr = fmt.Errorf("failed to send email: %w", err)
		} else {
			metrics.NotificationsSent.WithLabelValues("email", "sent").Inc()
			s.logger.Info("Customer waiting email sent", "customer_id", customerID, "recipients", len(s.settings.AdminEmails))
		}
	}

	if s.smsSender != nil && len(s.settings.AdminPhones) > 0 {
		body := fmt.Sprintf("Live chat: %s is waiting. %s", who, preview)
		for _, phone := range s.settings.AdminPhones {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.smsSender.Send(phone, s.settings.SMSFrom, body); err != nil {
				util.LogError(s.logger, "notification", "send customer waiting SMS", err, "phone", phone)
				metrics.NotificationsSent.WithLabelValues("sms", "failed").Inc()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to send SMS: %w", err)
				}
				// Continue to next phone number
				continue
			}
			metrics.NotificationsSent.WithLabelValues("sms", "sent").Inc()
			s.logger.Info("Customer waiting SMS sent", "phone", phone)
		}
	}

	return firstErr
}

// previewContent shortens text and hides media payloads.
func previewContent(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Type.IsMedia() {
		return fmt.Sprintf("[%s]", msg.Type)
	}
	runes := []rune(msg.Content)
	if len(runes) > maxPreviewLength {
		return string(runes[:maxPreviewLength]) + "..."
	}
	return msg.Content
}

// buildCustomerWaitingHTML builds the HTML body of the alert email.
// If adminURL is empty, no link is rendered.
func buildCustomerWaitingHTML(customerID, who, preview string, ts time.Time, adminURL string) string {
	safeCustomerID := html.EscapeString(customerID)
	linkSection := "<p>Please check the admin console to answer.</p>"
	if adminURL != "" {
		linkSection = fmt.Sprintf(`<p><a href="%s/%s">Open conversation</a></p>`, html.EscapeString(adminURL), safeCustomerID)
	}
	return fmt.Sprintf(`
		<h2>Customer waiting in live chat</h2>
		<ul>
			<li><strong>Customer:</strong> %s (%s)</li>
			<li><strong>Message:</strong> %s</li>
			<li><strong>Time:</strong> %s</li>
		</ul>
		%s
	`, html.EscapeString(who), safeCustomerID, html.EscapeString(preview), ts.UTC().Format(time.RFC3339), linkSection)
}

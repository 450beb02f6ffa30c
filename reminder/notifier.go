/*
notifier.go - Reminder delivery channels

PURPOSE:
  A Notifier delivers one rendered reminder to one customer. The sweeper
  only writes a dedup marker after Notify returns nil, so a Notifier must
  return nil only when the channel has accepted the message.

CHANNELS:
  log      Writes the reminder to the structured log (development)
  webhook  POSTs JSON to a configured URL; 2xx is success
  email    SMTP via jordan-wright/email
  nats     JetStream publish; the PubAck is the delivery confirmation and
           the bucket key is sent as Nats-Msg-Id so the stream drops
           duplicates inside its dedup window

SEE ALSO:
  - message.go: Subject/body rendering
  - sweeper.go: Calls Notify under a per-contract timeout
*/
package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/contract"
)

// Reminder is everything a channel needs to tell a customer about a due date.
type Reminder struct {
	ContractID contract.ContractID   `json:"contract_id"`
	ContractNo string                `json:"contract_no"`
	CustomerID contract.CustomerID   `json:"customer_id"`
	Contact    string                `json:"contact"`
	Kind       contract.Kind         `json:"kind"`
	Type       contract.ReminderType `json:"type"`
	DueDate    contract.Date         `json:"due_date"`
	DaysUntil  int                   `json:"days_until"`
	Amount     contract.Money        `json:"amount"`
	Subject    string                `json:"subject"`
	Body       string                `json:"body"`
}

// BucketKey identifies the (contract, due date) dedup bucket.
func (r Reminder) BucketKey() string {
	return fmt.Sprintf("%s:%s", r.ContractID, r.DueDate)
}

type Notifier interface {
	Channel() string
	Notify(ctx context.Context, r Reminder) error
}

// =============================================================================
// LOG
// =============================================================================

type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n *LogNotifier) Channel() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, r Reminder) error {
	n.Logger.WithFields(logrus.Fields{
		"contract_id": r.ContractID,
		"contract_no": r.ContractNo,
		"customer_id": r.CustomerID,
		"type":        r.Type,
		"due_date":    r.DueDate,
		"amount":      r.Amount,
	}).Info(r.Subject)
	return nil
}

// =============================================================================
// WEBHOOK
// =============================================================================

type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Header http.Header
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Channel() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, r Reminder) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.BucketKey())
	for k, vs := range n.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// =============================================================================
// EMAIL
// =============================================================================

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type EmailNotifier struct {
	cfg  SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (n *EmailNotifier) Channel() string { return "email" }

// Notify sends a plain-text email to the contract's contact address.
// net/smtp has no context support; the sweeper's timeout bounds the wait
// by abandoning the result.
func (n *EmailNotifier) Notify(ctx context.Context, r Reminder) error {
	if r.Contact == "" {
		return fmt.Errorf("contract %s has no contact address", r.ContractID)
	}
	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = []string{r.Contact}
	e.Subject = r.Subject
	e.Text = []byte(r.Body)

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	done := make(chan error, 1)
	go func() { done <- n.send(e, addr, auth) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// NATS
// =============================================================================

// Publisher is the part of jetstream.JetStream the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type NATSNotifier struct {
	Publisher Publisher
	Subject   string // e.g. "contracts.reminders"
}

func (n *NATSNotifier) Channel() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, r Reminder) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", n.Subject, r.Type)
	if _, err := n.Publisher.Publish(ctx, subject, data, jetstream.WithMsgID(r.BucketKey())); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
